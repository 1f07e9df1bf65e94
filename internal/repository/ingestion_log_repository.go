package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rpattn/urbanimport/internal/db"
	"github.com/rpattn/urbanimport/internal/domain"
)

// issueChunk keeps a multi-row insert well below the parameter limit.
const issueChunk = 1000

type ingestionLogRepository struct {
	conn  *db.Connection
	table string
}

type issueRow struct {
	RunID        uuid.UUID `db:"run_id"`
	EntityType   string    `db:"entity_type"`
	FileName     string    `db:"file_name"`
	RowNumber    *int      `db:"row_number"`
	Outcome      string    `db:"outcome"`
	ErrorMessage string    `db:"error_message"`
}

// NewIngestionLogRepository writes issues into table, which may be schema
// qualified ("audit.import_issues").
func NewIngestionLogRepository(conn *db.Connection, table string) IngestionLogRepository {
	return &ingestionLogRepository{conn: conn, table: pgx.Identifier(strings.Split(table, ".")).Sanitize()}
}

func (r *ingestionLogRepository) Record(ctx context.Context, entries []domain.IngestionLogEntry) error {
	if r.conn == nil {
		return fmt.Errorf("ingestion log repository not initialized")
	}

	query := `INSERT INTO ` + r.table + ` (run_id, entity_type, file_name, row_number, outcome, error_message)
		 VALUES (:run_id, :entity_type, :file_name, :row_number, :outcome, :error_message)`

	for start := 0; start < len(entries); start += issueChunk {
		end := min(start+issueChunk, len(entries))
		rows := make([]issueRow, 0, end-start)
		for _, entry := range entries[start:end] {
			rows = append(rows, issueRow{
				RunID:        entry.RunID,
				EntityType:   entry.EntityType,
				FileName:     entry.FileName,
				RowNumber:    entry.RowNumber,
				Outcome:      string(entry.Outcome),
				ErrorMessage: entry.ErrorMessage,
			})
		}
		if _, err := r.conn.DB.NamedExecContext(ctx, query, rows); err != nil {
			return fmt.Errorf("failed to record ingestion log: %w", err)
		}
	}

	return nil
}
