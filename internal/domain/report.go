package domain

import (
	"time"

	"github.com/google/uuid"
)

// Outcome is the final disposition of one input row.
type Outcome string

const (
	OutcomeInserted         Outcome = "inserted"
	OutcomeUpdated          Outcome = "updated"
	OutcomeSkippedAmbiguous Outcome = "skipped_ambiguous"
	OutcomeRejected         Outcome = "rejected"
	OutcomeFailed           Outcome = "failed"
)

// RowDetail records what happened to one input row.
type RowDetail struct {
	Row        int      `json:"row"`
	Outcome    Outcome  `json:"outcome"`
	EntityID   int64    `json:"entity_id,omitempty"`
	Candidates []int64  `json:"candidates,omitempty"`
	Reasons    []string `json:"reasons,omitempty"`
	Batch      int      `json:"batch,omitempty"`
}

// ImportReport summarizes one import run. Row details appear in input order
// and the five outcome counters always sum to TotalRows.
type ImportReport struct {
	RunID            uuid.UUID   `json:"run_id"`
	Source           string      `json:"source"`
	Format           string      `json:"format,omitempty"`
	Sheet            string      `json:"sheet,omitempty"`
	Entity           string      `json:"entity"`
	DryRun           bool        `json:"dry_run"`
	StartedAt        time.Time   `json:"started_at"`
	FinishedAt       time.Time   `json:"finished_at"`
	TotalRows        int         `json:"total_rows"`
	Inserted         int         `json:"inserted"`
	Updated          int         `json:"updated"`
	SkippedAmbiguous int         `json:"skipped_ambiguous"`
	Rejected         int         `json:"rejected"`
	Failed           int         `json:"failed"`
	Batches          int         `json:"batches"`
	FailedBatches    int         `json:"failed_batches"`
	Cancelled        bool        `json:"cancelled,omitempty"`
	Aborted          string      `json:"aborted,omitempty"`
	Rows             []RowDetail `json:"rows"`

	finalized bool
}

// NewImportReport starts an empty report.
func NewImportReport(runID uuid.UUID, source, entity string, dryRun bool, startedAt time.Time) *ImportReport {
	return &ImportReport{
		RunID:     runID,
		Source:    source,
		Entity:    entity,
		DryRun:    dryRun,
		StartedAt: startedAt,
		Rows:      []RowDetail{},
	}
}

// Add appends a row detail and bumps the matching counter. It is a no-op
// once the report is finalized.
func (r *ImportReport) Add(detail RowDetail) {
	if r.finalized {
		return
	}
	r.Rows = append(r.Rows, detail)
	r.TotalRows++
	switch detail.Outcome {
	case OutcomeInserted:
		r.Inserted++
	case OutcomeUpdated:
		r.Updated++
	case OutcomeSkippedAmbiguous:
		r.SkippedAmbiguous++
	case OutcomeRejected:
		r.Rejected++
	case OutcomeFailed:
		r.Failed++
	}
}

// Finalize stamps the finish time and freezes the report.
func (r *ImportReport) Finalize(at time.Time) {
	if r.finalized {
		return
	}
	r.FinishedAt = at
	r.finalized = true
}

// Finalized reports whether Finalize was called.
func (r *ImportReport) Finalized() bool { return r.finalized }

// Detail returns the detail for a sheet row.
func (r *ImportReport) Detail(row int) (RowDetail, bool) {
	for _, d := range r.Rows {
		if d.Row == row {
			return d, true
		}
	}
	return RowDetail{}, false
}
