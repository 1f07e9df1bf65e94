// Package matching classifies validated records against existing entities as
// new, updates or ambiguous. It never writes to the database.
package matching

import (
	"context"
	"fmt"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/planar"

	"github.com/rpattn/urbanimport/internal/domain"
	"github.com/rpattn/urbanimport/internal/schema"
)

// Lookup reads existing entities of one entity type.
type Lookup interface {
	ByCode(ctx context.Context, code string) ([]domain.Entity, error)
	Near(ctx context.Context, center orb.Point, radius float64) ([]domain.Entity, error)
}

// Options configures the fallback match.
type Options struct {
	// Threshold is the proximity radius in meters for geographic
	// coordinates, or in coordinate units for projected systems.
	Threshold float64
	// Tolerance widens Threshold to absorb coordinate rounding.
	Tolerance float64
	Names     NameOptions
}

// Matcher matches records of one entity type.
type Matcher struct {
	et        *schema.EntityType
	opts      Options
	names     *NameNormalizer
	geodesic  bool
	codeFirst bool
}

func New(et *schema.EntityType, opts Options) *Matcher {
	return &Matcher{
		et:        et,
		opts:      opts,
		names:     NewNameNormalizer(opts.Names),
		geodesic:  et.SRID() == 4326,
		codeFirst: et.CodeUnique(),
	}
}

// Radius is the search radius handed to Lookup.Near.
func (m *Matcher) Radius() float64 {
	return m.opts.Threshold + m.opts.Tolerance
}

func (m *Matcher) distance(a, b orb.Point) float64 {
	if m.geodesic {
		return geo.DistanceHaversine(a, b)
	}
	return planar.Distance(a, b)
}

// Match classifies one record. Errors come only from the lookup.
func (m *Matcher) Match(ctx context.Context, rec domain.ValidatedRecord, lookup Lookup) (domain.MatchResult, error) {
	result := domain.MatchResult{Record: rec, Kind: domain.MatchNew}

	if m.codeFirst && rec.Code != "" {
		hits, err := lookup.ByCode(ctx, rec.Code)
		if err != nil {
			return domain.MatchResult{}, fmt.Errorf("lookup by code %q: %w", rec.Code, err)
		}
		switch len(hits) {
		case 0:
		case 1:
			result.Kind = domain.MatchUpdate
			result.EntityID = hits[0].ID
			result.Reason = fmt.Sprintf("code %s matched entity %d", rec.Code, hits[0].ID)
			return result, nil
		default:
			result.Kind = domain.MatchAmbiguous
			result.Candidates = entityIDs(hits)
			result.Reason = fmt.Sprintf("code %s matched %d entities", rec.Code, len(hits))
			return result, nil
		}
	}

	name := m.names.Normalize(rec.Name)
	if name == "" || !rec.HasLocation {
		result.Reason = "no existing entity matched"
		return result, nil
	}

	nearby, err := lookup.Near(ctx, rec.Center, m.Radius())
	if err != nil {
		return domain.MatchResult{}, fmt.Errorf("lookup near (%g %g): %w", rec.Center[0], rec.Center[1], err)
	}

	var candidates []domain.Entity
	for _, e := range nearby {
		if !e.HasCenter || m.distance(rec.Center, e.Center) > m.Radius() {
			continue
		}
		if rec.Code != "" && e.Code != "" && e.Code != rec.Code {
			continue
		}
		if !m.names.Equal(name, m.names.Normalize(e.Name)) {
			continue
		}
		candidates = append(candidates, e)
	}

	switch len(candidates) {
	case 0:
		result.Reason = "no existing entity matched"
	case 1:
		result.Kind = domain.MatchUpdate
		result.EntityID = candidates[0].ID
		result.Reason = fmt.Sprintf("name %q within %g of entity %d", rec.Name, m.opts.Threshold, candidates[0].ID)
	default:
		result.Kind = domain.MatchAmbiguous
		result.Candidates = entityIDs(candidates)
		result.Reason = fmt.Sprintf("%d entities named %q within %g", len(candidates), rec.Name, m.opts.Threshold)
	}
	return result, nil
}

func entityIDs(entities []domain.Entity) []int64 {
	ids := make([]int64, 0, len(entities))
	for _, e := range entities {
		ids = append(ids, e.ID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

type pending struct {
	row    int
	code   string
	name   string
	center orb.Point
	hasLoc bool
}

// Batch tracks records classified NEW within one batch so that a later row
// describing the same object is held for review instead of inserted twice.
type Batch struct {
	m      *Matcher
	codes  map[string]int
	byName map[string][]pending
}

// NewBatch starts duplicate tracking for one batch.
func (m *Matcher) NewBatch() *Batch {
	return &Batch{m: m, codes: make(map[string]int), byName: make(map[string][]pending)}
}

// Match classifies a record and checks it against earlier NEW records of
// the batch.
func (b *Batch) Match(ctx context.Context, rec domain.ValidatedRecord, lookup Lookup) (domain.MatchResult, error) {
	result, err := b.m.Match(ctx, rec, lookup)
	if err != nil || result.Kind != domain.MatchNew {
		return result, err
	}

	if rec.Code != "" {
		if row, seen := b.codes[rec.Code]; seen {
			return duplicateOf(result, row, fmt.Sprintf("code %s", rec.Code)), nil
		}
	}
	name := b.m.names.Normalize(rec.Name)
	if name != "" {
		for _, earlier := range b.byName[name] {
			if rec.Code != "" && earlier.code != "" && rec.Code != earlier.code {
				continue
			}
			if rec.HasLocation && earlier.hasLoc && b.m.distance(rec.Center, earlier.center) <= b.m.Radius() {
				return duplicateOf(result, earlier.row, fmt.Sprintf("name %q", rec.Name)), nil
			}
		}
	}

	if rec.Code != "" {
		b.codes[rec.Code] = rec.RowIndex
	}
	if name != "" {
		b.byName[name] = append(b.byName[name], pending{row: rec.RowIndex, code: rec.Code, name: name, center: rec.Center, hasLoc: rec.HasLocation})
	}
	return result, nil
}

func duplicateOf(result domain.MatchResult, row int, what string) domain.MatchResult {
	result.Kind = domain.MatchAmbiguous
	result.Candidates = nil
	result.Reason = fmt.Sprintf("%s duplicates new row %d in the same batch", what, row)
	return result
}
