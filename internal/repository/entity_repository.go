package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"

	"github.com/rpattn/urbanimport/internal/db"
	"github.com/rpattn/urbanimport/internal/domain"
	"github.com/rpattn/urbanimport/internal/schema"
)

// entityRepository implements EntityRepository and TxRunner for any table
// described by a catalog entity type.
type entityRepository struct {
	conn *db.Connection
}

// NewEntityRepository creates a new entity repository
func NewEntityRepository(conn *db.Connection) EntityRepository {
	return &entityRepository{conn: conn}
}

// NewTxRunner creates a transaction runner whose writers target catalog tables.
func NewTxRunner(conn *db.Connection) TxRunner {
	return &entityRepository{conn: conn}
}

type entityRow struct {
	ID   int64           `db:"id"`
	Code sql.NullString  `db:"code"`
	Name sql.NullString  `db:"name"`
	X    sql.NullFloat64 `db:"x"`
	Y    sql.NullFloat64 `db:"y"`
}

func (r entityRow) entity() domain.Entity {
	e := domain.Entity{ID: r.ID, Code: r.Code.String, Name: r.Name.String}
	if r.X.Valid && r.Y.Valid {
		e.Center = orb.Point{r.X.Float64, r.Y.Float64}
		e.HasCenter = true
	}
	return e
}

func quote(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func tableName(et *schema.EntityType) string {
	if et.Schema == "" {
		return quote(et.Table)
	}
	return pgx.Identifier{et.Schema, et.Table}.Sanitize()
}

// selectEntities renders the projection every entity read uses.
func selectEntities(et *schema.EntityType) string {
	columns := []string{quote(et.PrimaryKey) + " AS id"}
	if et.Roles.Code != "" {
		columns = append(columns, "CAST("+quote(et.Roles.Code)+" AS text) AS code")
	} else {
		columns = append(columns, "NULL::text AS code")
	}
	if et.Roles.Name != "" {
		columns = append(columns, "CAST("+quote(et.Roles.Name)+" AS text) AS name")
	} else {
		columns = append(columns, "NULL::text AS name")
	}
	if et.Roles.Geometry != "" {
		geom := quote(et.Roles.Geometry)
		columns = append(columns,
			"ST_X(ST_Centroid("+geom+")) AS x",
			"ST_Y(ST_Centroid("+geom+")) AS y",
		)
	} else {
		columns = append(columns, "NULL::float8 AS x", "NULL::float8 AS y")
	}
	return "SELECT " + strings.Join(columns, ", ") + " FROM " + tableName(et)
}

func (r *entityRepository) FindByCodes(ctx context.Context, et *schema.EntityType, codes []string) ([]domain.Entity, error) {
	if et.Roles.Code == "" || len(codes) == 0 {
		return nil, nil
	}

	query, args, err := sqlx.In(selectEntities(et)+" WHERE CAST("+quote(et.Roles.Code)+" AS text) IN (?)", codes)
	if err != nil {
		return nil, fmt.Errorf("failed to build code lookup: %w", err)
	}

	var rows []entityRow
	if err := r.conn.DB.SelectContext(ctx, &rows, r.conn.DB.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to find %s by code: %w", et.Name, err)
	}
	return entities(rows), nil
}

func (r *entityRepository) FindNear(ctx context.Context, et *schema.EntityType, center orb.Point, radius float64) ([]domain.Entity, error) {
	if et.Roles.Geometry == "" {
		return nil, nil
	}

	geom := quote(et.Roles.Geometry)
	srid := strconv.Itoa(et.SRID())
	var within string
	if et.SRID() == 4326 {
		within = "ST_DWithin(CAST(" + geom + " AS geography), CAST(ST_SetSRID(ST_MakePoint($1, $2), 4326) AS geography), $3)"
	} else {
		within = "ST_DWithin(" + geom + ", ST_SetSRID(ST_MakePoint($1, $2), " + srid + "), $3)"
	}
	query := selectEntities(et) + " WHERE " + geom + " IS NOT NULL AND " + within + " ORDER BY " + quote(et.PrimaryKey)

	var rows []entityRow
	if err := r.conn.DB.SelectContext(ctx, &rows, query, center[0], center[1], radius); err != nil {
		return nil, fmt.Errorf("failed to find %s near (%g %g): %w", et.Name, center[0], center[1], err)
	}
	return entities(rows), nil
}

func entities(rows []entityRow) []domain.Entity {
	out := make([]domain.Entity, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.entity())
	}
	return out
}

func (r *entityRepository) Ping(ctx context.Context) error {
	return r.conn.Ping(ctx)
}

func (r *entityRepository) InTx(ctx context.Context, fn func(EntityWriter) error) error {
	return r.conn.WithTx(ctx, func(tx *sqlx.Tx) error {
		return fn(&entityWriter{ext: tx})
	})
}

// entityWriter issues inserts and updates on one transaction.
type entityWriter struct {
	ext sqlx.ExtContext
}

func (w *entityWriter) Insert(ctx context.Context, et *schema.EntityType, rec domain.ValidatedRecord) (int64, error) {
	var (
		columns      []string
		placeholders []string
		args         []any
	)
	for _, name := range rec.Columns {
		column, ok := et.Column(name)
		if !ok {
			continue
		}
		args = append(args, sqlValue(rec.Fields[name]))
		columns = append(columns, quote(column.Name))
		placeholders = append(placeholders, placeholder(column, len(args)))
	}

	var query string
	if len(columns) == 0 {
		query = fmt.Sprintf("INSERT INTO %s DEFAULT VALUES RETURNING %s", tableName(et), quote(et.PrimaryKey))
	} else {
		query = fmt.Sprintf(
			"INSERT INTO %s (%s) VALUES (%s) RETURNING %s",
			tableName(et), strings.Join(columns, ", "), strings.Join(placeholders, ", "), quote(et.PrimaryKey),
		)
	}

	var id int64
	if err := w.ext.QueryRowxContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, classifyError("insert into "+et.Table, err)
	}
	return id, nil
}

func (w *entityWriter) Update(ctx context.Context, et *schema.EntityType, id int64, rec domain.ValidatedRecord) error {
	var (
		assignments []string
		args        []any
		touched     bool
	)
	for _, name := range rec.Columns {
		column, ok := et.Column(name)
		if !ok || column.PrimaryKey {
			continue
		}
		if column.Name == et.Roles.UpdatedAt {
			touched = true
		}
		args = append(args, sqlValue(rec.Fields[name]))
		assignments = append(assignments, assignment(et, column, len(args)))
	}
	if et.Roles.UpdatedAt != "" && !touched {
		assignments = append(assignments, quote(et.Roles.UpdatedAt)+" = now()")
	}
	if len(assignments) == 0 {
		assignments = append(assignments, quote(et.PrimaryKey)+" = "+quote(et.PrimaryKey))
	}

	args = append(args, id)
	query := fmt.Sprintf(
		"UPDATE %s SET %s WHERE %s = $%d",
		tableName(et), strings.Join(assignments, ", "), quote(et.PrimaryKey), len(args),
	)

	result, err := w.ext.ExecContext(ctx, query, args...)
	if err != nil {
		return classifyError("update "+et.Table, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s: %w", et.Table, err)
	}
	if affected == 0 {
		return fmt.Errorf("update %s id %d: %w", et.Table, id, ErrEntityNotFound)
	}
	return nil
}

// assignment renders one SET item. The properties column is merged key by
// key so keys the sheet does not mention survive.
func assignment(et *schema.EntityType, column domain.ColumnDefinition, n int) string {
	target := quote(column.Name)
	if column.Name == et.Roles.Properties {
		return fmt.Sprintf("%s = COALESCE(%s, '{}'::jsonb) || $%d::jsonb", target, target, n)
	}
	return target + " = " + placeholder(column, n)
}

func placeholder(column domain.ColumnDefinition, n int) string {
	if column.Type == domain.FieldTypeGeometry {
		srid := column.SRID
		if srid == 0 {
			srid = 4326
		}
		return fmt.Sprintf("ST_GeomFromText($%d, %d)", n, srid)
	}
	return "$" + strconv.Itoa(n)
}

// sqlValue converts validated values the driver cannot encode on its own.
func sqlValue(v any) any {
	switch value := v.(type) {
	case orb.Geometry:
		return wkt.MarshalString(value)
	case json.RawMessage:
		return string(value)
	default:
		return v
	}
}

func classifyError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return fmt.Errorf("%s: %w: %w", op, ErrUniqueViolation, err)
		case pgErr.Code == "23503":
			return fmt.Errorf("%s: %w: %w", op, ErrForeignKeyViolation, err)
		case strings.HasPrefix(pgErr.Code, "23"), strings.HasPrefix(pgErr.Code, "22"):
			return fmt.Errorf("%s: %w: %w", op, ErrConstraintViolation, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
