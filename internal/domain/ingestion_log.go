package domain

import (
	"time"

	"github.com/google/uuid"
)

// IngestionLogEntry captures a row level issue raised during an import run.
type IngestionLogEntry struct {
	RunID        uuid.UUID `json:"run_id"`
	EntityType   string    `json:"entity_type"`
	FileName     string    `json:"file_name"`
	RowNumber    *int      `json:"row_number,omitempty"`
	Outcome      Outcome   `json:"outcome"`
	ErrorMessage string    `json:"error_message"`
	CreatedAt    time.Time `json:"created_at"`
}
