package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/rpattn/urbanimport/internal/db"
	"github.com/rpattn/urbanimport/internal/domain"
	"github.com/rpattn/urbanimport/internal/schema"
)

const defaultLookupLimit = 10000

// catalogRepository implements CatalogRepository over information_schema,
// pg_catalog and the PostGIS geometry_columns view.
type catalogRepository struct {
	conn *db.Connection
}

// NewCatalogRepository creates a catalog repository.
func NewCatalogRepository(conn *db.Connection) CatalogRepository {
	return &catalogRepository{conn: conn}
}

func (r *catalogRepository) Columns(ctx context.Context, tableSchema, table string) ([]schema.ColumnInfo, error) {
	var columns []schema.ColumnInfo
	err := r.conn.DB.SelectContext(ctx, &columns, `
		SELECT c.column_name,
		       c.data_type,
		       c.udt_name,
		       c.is_nullable = 'YES' AS nullable,
		       c.column_default IS NOT NULL AS has_default,
		       (c.is_identity = 'YES' OR c.is_generated = 'ALWAYS') AS identity,
		       COALESCE(c.character_maximum_length, 0) AS max_length,
		       c.ordinal_position
		FROM information_schema.columns c
		WHERE c.table_schema = $1 AND c.table_name = $2
		ORDER BY c.ordinal_position`,
		tableSchema, table,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list columns of %s.%s: %w", tableSchema, table, err)
	}
	return columns, nil
}

func (r *catalogRepository) Constraints(ctx context.Context, tableSchema, table string) ([]schema.ConstraintInfo, error) {
	var constraints []schema.ConstraintInfo
	err := r.conn.DB.SelectContext(ctx, &constraints, `
		SELECT tc.constraint_name,
		       tc.constraint_type,
		       kcu.column_name,
		       kcu.ordinal_position,
		       COALESCE(ccu.table_schema, '') AS ref_schema,
		       COALESCE(ccu.table_name, '') AS ref_table,
		       COALESCE(ccu.column_name, '') AS ref_column
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON kcu.constraint_schema = tc.constraint_schema
		 AND kcu.constraint_name = tc.constraint_name
		 AND kcu.table_name = tc.table_name
		LEFT JOIN information_schema.constraint_column_usage ccu
		  ON tc.constraint_type = 'FOREIGN KEY'
		 AND ccu.constraint_schema = tc.constraint_schema
		 AND ccu.constraint_name = tc.constraint_name
		WHERE tc.table_schema = $1
		  AND tc.table_name = $2
		  AND tc.constraint_type IN ('PRIMARY KEY', 'UNIQUE', 'FOREIGN KEY')
		ORDER BY tc.constraint_name, kcu.ordinal_position`,
		tableSchema, table,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list constraints of %s.%s: %w", tableSchema, table, err)
	}
	return constraints, nil
}

func (r *catalogRepository) EnumLabels(ctx context.Context, typeName string) ([]string, error) {
	var labels []string
	err := r.conn.DB.SelectContext(ctx, &labels, `
		SELECT e.enumlabel
		FROM pg_enum e
		JOIN pg_type t ON t.oid = e.enumtypid
		WHERE t.typname = $1
		ORDER BY e.enumsortorder`,
		typeName,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list labels of enum %s: %w", typeName, err)
	}
	return labels, nil
}

type lookupRow struct {
	Label sql.NullString `db:"label"`
	Key   string         `db:"key"`
}

func (r *catalogRepository) LookupValues(ctx context.Context, ref domain.Reference, labelColumn string, limit int) (map[string]string, error) {
	if limit <= 0 {
		limit = defaultLookupLimit
	}

	table := pgx.Identifier{ref.Schema, ref.Table}.Sanitize()
	if ref.Schema == "" {
		table = pgx.Identifier{ref.Table}.Sanitize()
	}
	query := fmt.Sprintf(
		`SELECT CAST(%s AS text) AS label, CAST(%s AS text) AS key FROM %s LIMIT %d`,
		pgx.Identifier{labelColumn}.Sanitize(),
		pgx.Identifier{ref.Column}.Sanitize(),
		table,
		limit+1,
	)

	var rows []lookupRow
	if err := r.conn.DB.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to read lookup %s.%s: %w", ref.Table, labelColumn, err)
	}
	if len(rows) > limit {
		return nil, fmt.Errorf("%w: %s has more than %d rows", schema.ErrLookupTooLarge, ref.Table, limit)
	}

	values := make(map[string]string, len(rows))
	for _, row := range rows {
		if !row.Label.Valid {
			continue
		}
		values[row.Label.String] = row.Key
	}
	return values, nil
}

func (r *catalogRepository) GeometrySRID(ctx context.Context, tableSchema, table, column string) (int, error) {
	var srid int
	err := r.conn.DB.GetContext(ctx, &srid, `
		SELECT srid
		FROM geometry_columns
		WHERE f_table_schema = $1 AND f_table_name = $2 AND f_geometry_column = $3`,
		tableSchema, table, column,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read srid of %s.%s.%s: %w", tableSchema, table, column, err)
	}
	return srid, nil
}
