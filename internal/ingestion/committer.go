package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/rpattn/urbanimport/internal/domain"
	"github.com/rpattn/urbanimport/internal/repository"
	"github.com/rpattn/urbanimport/internal/schema"
)

// Batch is a group of matched records written together.
type Batch struct {
	Number  int
	Entity  *schema.EntityType
	Results []domain.MatchResult
}

// BatchOutcome reports the fate of every record of a batch, in batch order.
type BatchOutcome struct {
	Number int
	Rows   []domain.RowDetail
	// Err is the cause of a rolled back batch.
	Err error
	// Writes counts the inserts and updates the batch carried.
	Writes int
}

// Committer applies a batch. Implementations never return partially applied
// batches: either every write is committed or none is.
type Committer interface {
	Commit(ctx context.Context, batch Batch) BatchOutcome
}

// TxCommitter writes each batch in one database transaction.
type TxCommitter struct {
	runner  repository.TxRunner
	timeout time.Duration
}

func NewTxCommitter(runner repository.TxRunner, timeout time.Duration) *TxCommitter {
	return &TxCommitter{runner: runner, timeout: timeout}
}

func (c *TxCommitter) Commit(ctx context.Context, batch Batch) BatchOutcome {
	out := BatchOutcome{Number: batch.Number, Rows: make([]domain.RowDetail, len(batch.Results))}
	for i, res := range batch.Results {
		out.Rows[i] = domain.RowDetail{Row: res.Record.RowIndex, Batch: batch.Number}
		switch res.Kind {
		case domain.MatchAmbiguous:
			out.Rows[i].Outcome = domain.OutcomeSkippedAmbiguous
			out.Rows[i].Candidates = res.Candidates
			out.Rows[i].Reasons = []string{res.Reason}
		default:
			out.Writes++
		}
	}
	if out.Writes == 0 {
		return out
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	failedAt := -1
	err := c.runner.InTx(ctx, func(w repository.EntityWriter) error {
		for i, res := range batch.Results {
			switch res.Kind {
			case domain.MatchNew:
				id, err := w.Insert(ctx, batch.Entity, res.Record)
				if err != nil {
					failedAt = i
					return fmt.Errorf("insert row %d: %w", res.Record.RowIndex, err)
				}
				out.Rows[i].Outcome = domain.OutcomeInserted
				out.Rows[i].EntityID = id
			case domain.MatchUpdate:
				if err := w.Update(ctx, batch.Entity, res.EntityID, res.Record); err != nil {
					failedAt = i
					return fmt.Errorf("update row %d (id %d): %w", res.Record.RowIndex, res.EntityID, err)
				}
				out.Rows[i].Outcome = domain.OutcomeUpdated
				out.Rows[i].EntityID = res.EntityID
			}
		}
		return nil
	})
	if err != nil {
		out.Err = err
		failWrites(&out, batch, failedAt)
	}
	return out
}

// failWrites marks every write of a rolled back batch failed. The row that
// caused the rollback carries the cause; the others name the batch.
func failWrites(out *BatchOutcome, batch Batch, culprit int) {
	for i, res := range batch.Results {
		if res.Kind == domain.MatchAmbiguous {
			continue
		}
		row := &out.Rows[i]
		row.Outcome = domain.OutcomeFailed
		row.EntityID = 0
		if i == culprit {
			row.Reasons = []string{out.Err.Error()}
		} else {
			row.Reasons = []string{fmt.Sprintf("batch %d rolled back: %v", batch.Number, out.Err)}
		}
	}
}

// DryRunCommitter reports what a batch would do without writing it.
type DryRunCommitter struct{}

func (DryRunCommitter) Commit(_ context.Context, batch Batch) BatchOutcome {
	out := BatchOutcome{Number: batch.Number, Rows: make([]domain.RowDetail, len(batch.Results))}
	for i, res := range batch.Results {
		row := domain.RowDetail{Row: res.Record.RowIndex, Batch: batch.Number}
		switch res.Kind {
		case domain.MatchNew:
			row.Outcome = domain.OutcomeInserted
			out.Writes++
		case domain.MatchUpdate:
			row.Outcome = domain.OutcomeUpdated
			row.EntityID = res.EntityID
			out.Writes++
		default:
			row.Outcome = domain.OutcomeSkippedAmbiguous
			row.Candidates = res.Candidates
			row.Reasons = []string{res.Reason}
		}
		out.Rows[i] = row
	}
	return out
}
