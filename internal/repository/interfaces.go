package repository

import (
	"context"
	"errors"

	"github.com/paulmach/orb"

	"github.com/rpattn/urbanimport/internal/domain"
	"github.com/rpattn/urbanimport/internal/schema"
)

var (
	// ErrEntityNotFound is returned when an update matched no row.
	ErrEntityNotFound = errors.New("entity not found")
	// ErrUniqueViolation wraps Postgres unique_violation (23505).
	ErrUniqueViolation = errors.New("unique constraint violated")
	// ErrForeignKeyViolation wraps Postgres foreign_key_violation (23503).
	ErrForeignKeyViolation = errors.New("foreign key constraint violated")
	// ErrConstraintViolation wraps other integrity and data errors.
	ErrConstraintViolation = errors.New("constraint violated")
)

// CatalogRepository reads table metadata for the schema catalog.
type CatalogRepository interface {
	schema.Introspector
}

// EntityRepository reads existing entities for matching.
type EntityRepository interface {
	FindByCodes(ctx context.Context, et *schema.EntityType, codes []string) ([]domain.Entity, error)
	// FindNear returns entities whose geometry lies within radius of center,
	// in meters for SRID 4326 and in coordinate units otherwise.
	FindNear(ctx context.Context, et *schema.EntityType, center orb.Point, radius float64) ([]domain.Entity, error)
}

// EntityWriter writes records inside one transaction.
type EntityWriter interface {
	Insert(ctx context.Context, et *schema.EntityType, rec domain.ValidatedRecord) (int64, error)
	Update(ctx context.Context, et *schema.EntityType, id int64, rec domain.ValidatedRecord) error
}

// TxRunner runs writers in transactions.
type TxRunner interface {
	Ping(ctx context.Context) error
	// InTx commits when fn returns nil and rolls back otherwise.
	InTx(ctx context.Context, fn func(EntityWriter) error) error
}

// IngestionLogRepository stores row-level import issues for review.
type IngestionLogRepository interface {
	Record(ctx context.Context, entries []domain.IngestionLogEntry) error
}
