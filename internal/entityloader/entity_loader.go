package entityloader

import (
	"context"
	"errors"
	"time"

	"github.com/graph-gophers/dataloader"
	"github.com/paulmach/orb"

	"github.com/rpattn/urbanimport/internal/domain"
	"github.com/rpattn/urbanimport/internal/repository"
	"github.com/rpattn/urbanimport/internal/schema"
)

// EntityLoader batches code lookups for one import batch. Build a new loader
// per batch; results are cached only for its lifetime.
type EntityLoader struct {
	Loader *dataloader.Loader
	repo   repository.EntityRepository
	et     *schema.EntityType
}

func NewEntityLoader(repo repository.EntityRepository, et *schema.EntityType) *EntityLoader {
	batchFn := func(ctx context.Context, keys dataloader.Keys) []*dataloader.Result {
		codes := keys.Keys()

		// Fetch entities in batch
		entities, err := repo.FindByCodes(ctx, et, codes)
		if err != nil {
			results := make([]*dataloader.Result, len(keys))
			for i := range results {
				results[i] = &dataloader.Result{Error: err}
			}
			return results
		}

		// Group by code; a non-unique code column can hold several rows
		byCode := make(map[string][]domain.Entity)
		for _, e := range entities {
			byCode[e.Code] = append(byCode[e.Code], e)
		}

		// Build results in the same order as keys
		results := make([]*dataloader.Result, len(keys))
		for i, code := range codes {
			results[i] = &dataloader.Result{Data: byCode[code]}
		}

		return results
	}

	loader := dataloader.NewBatchedLoader(batchFn, dataloader.WithWait(5*time.Millisecond))

	return &EntityLoader{Loader: loader, repo: repo, et: et}
}

// Prefetch loads every code in one round trip so later ByCode calls are
// served from the loader cache.
func (l *EntityLoader) Prefetch(ctx context.Context, codes []string) error {
	keys := make(dataloader.Keys, 0, len(codes))
	seen := make(map[string]struct{}, len(codes))
	for _, code := range codes {
		if code == "" {
			continue
		}
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		keys = append(keys, dataloader.StringKey(code))
	}
	if len(keys) == 0 {
		return nil
	}
	_, errs := l.Loader.LoadMany(ctx, keys)()
	return errors.Join(errs...)
}

// ByCode returns the entities holding code.
func (l *EntityLoader) ByCode(ctx context.Context, code string) ([]domain.Entity, error) {
	data, err := l.Loader.Load(ctx, dataloader.StringKey(code))()
	if err != nil {
		return nil, err
	}
	entities, _ := data.([]domain.Entity)
	return entities, nil
}

// Near passes proximity lookups straight to the repository.
func (l *EntityLoader) Near(ctx context.Context, center orb.Point, radius float64) ([]domain.Entity, error) {
	return l.repo.FindNear(ctx, l.et, center, radius)
}
