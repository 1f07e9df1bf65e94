// Package schema introspects target tables and holds the per-run catalog
// the validator and matcher consult.
package schema

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/rpattn/urbanimport/internal/domain"
	"github.com/rpattn/urbanimport/internal/schema/validator"
)

var (
	ErrTableNotFound  = errors.New("table not found")
	ErrUnknownEntity  = errors.New("unknown entity type")
	ErrUnsupportedKey = errors.New("primary key must be a single integer column")
	ErrSchemaDrift    = errors.New("schema changed during import")
	ErrLookupTooLarge = errors.New("lookup table exceeds limit")
	ErrInvalidRoles   = errors.New("invalid role mapping")
)

const (
	defaultTableSchema = "public"
	defaultSRID        = 4326
)

// CatalogError reports why the catalog for an entity type could not be built.
type CatalogError struct {
	Entity string
	Table  string
	Err    error
}

func (e *CatalogError) Error() string {
	return fmt.Sprintf("schema catalog: entity %s (table %s): %v", e.Entity, e.Table, e.Err)
}

func (e *CatalogError) Unwrap() error { return e.Err }

// ColumnInfo is one row of information_schema.columns.
type ColumnInfo struct {
	Name       string `db:"column_name"`
	DataType   string `db:"data_type"`
	UDTName    string `db:"udt_name"`
	Nullable   bool   `db:"nullable"`
	HasDefault bool   `db:"has_default"`
	Identity   bool   `db:"identity"`
	MaxLength  int    `db:"max_length"`
	Position   int    `db:"ordinal_position"`
}

// ConstraintInfo is one column of a PRIMARY KEY, UNIQUE or FOREIGN KEY constraint.
type ConstraintInfo struct {
	Name      string `db:"constraint_name"`
	Kind      string `db:"constraint_type"`
	Column    string `db:"column_name"`
	Position  int    `db:"ordinal_position"`
	RefSchema string `db:"ref_schema"`
	RefTable  string `db:"ref_table"`
	RefColumn string `db:"ref_column"`
}

const (
	ConstraintPrimaryKey = "PRIMARY KEY"
	ConstraintUnique     = "UNIQUE"
	ConstraintForeignKey = "FOREIGN KEY"
)

// Introspector reads table metadata from the database.
type Introspector interface {
	Columns(ctx context.Context, tableSchema, table string) ([]ColumnInfo, error)
	Constraints(ctx context.Context, tableSchema, table string) ([]ConstraintInfo, error)
	EnumLabels(ctx context.Context, typeName string) ([]string, error)
	// LookupValues returns label -> key for the referenced table, or
	// ErrLookupTooLarge when it holds more than limit rows.
	LookupValues(ctx context.Context, ref domain.Reference, labelColumn string, limit int) (map[string]string, error)
	GeometrySRID(ctx context.Context, tableSchema, table, column string) (int, error)
}

// EntityDefinition is the configured mapping of a logical entity type to a table.
type EntityDefinition struct {
	Name   string
	Schema string
	Table  string
	Roles  domain.Roles
	// Labels names, per foreign key column, the referenced table's column
	// spreadsheet values are written in (e.g. a category code instead of its id).
	Labels map[string]string
}

// LoadOptions tunes catalog loading.
type LoadOptions struct {
	LookupLimit int
}

// EntityType is the catalog view of one target table.
type EntityType struct {
	Name        string
	Schema      string
	Table       string
	PrimaryKey  string
	Roles       domain.Roles
	Columns     []domain.ColumnDefinition
	Fingerprint uint64
	// Unchecked lists foreign key columns whose lookup tables were too
	// large to load; the database enforces them at write time.
	Unchecked []string

	index map[string]int
}

// NewEntityType assembles an entity type from already known columns.
func NewEntityType(name, table string, roles domain.Roles, columns []domain.ColumnDefinition) *EntityType {
	et := &EntityType{
		Name:    name,
		Schema:  defaultTableSchema,
		Table:   table,
		Roles:   roles,
		Columns: append([]domain.ColumnDefinition(nil), columns...),
		index:   make(map[string]int, len(columns)),
	}
	for i, column := range et.Columns {
		et.index[strings.ToLower(column.Name)] = i
		if column.PrimaryKey {
			et.PrimaryKey = column.Name
		}
	}
	return et
}

// Column returns the named column.
func (e *EntityType) Column(name string) (domain.ColumnDefinition, bool) {
	i, ok := e.index[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return domain.ColumnDefinition{}, false
	}
	return e.Columns[i], true
}

// CodeUnique reports whether the code role column alone is unique.
func (e *EntityType) CodeUnique() bool {
	if e.Roles.Code == "" {
		return false
	}
	column, ok := e.Column(e.Roles.Code)
	return ok && (column.Unique || column.PrimaryKey)
}

// GeometryColumn returns the geometry role column.
func (e *EntityType) GeometryColumn() (domain.ColumnDefinition, bool) {
	if e.Roles.Geometry == "" {
		return domain.ColumnDefinition{}, false
	}
	return e.Column(e.Roles.Geometry)
}

// SRID returns the spatial reference of the geometry role column.
func (e *EntityType) SRID() int {
	column, ok := e.GeometryColumn()
	if !ok || column.SRID == 0 {
		return defaultSRID
	}
	return column.SRID
}

// RequiredColumns returns the columns an insert must supply.
func (e *EntityType) RequiredColumns() []domain.ColumnDefinition {
	var required []domain.ColumnDefinition
	for _, column := range e.Columns {
		if column.Required {
			required = append(required, column)
		}
	}
	return required
}

// Schema is the catalog for one import run. It is built once and never
// refreshed; Verify detects concurrent DDL.
type Schema struct {
	LoadedAt time.Time
	entities map[string]*EntityType
}

// New wraps entity types into a schema.
func New(entityTypes ...*EntityType) *Schema {
	s := &Schema{LoadedAt: time.Now(), entities: make(map[string]*EntityType, len(entityTypes))}
	for _, et := range entityTypes {
		s.entities[strings.ToLower(et.Name)] = et
	}
	return s
}

// EntityType returns the catalog entry for a logical entity type.
func (s *Schema) EntityType(name string) (*EntityType, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, name)
	}
	et, ok := s.entities[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, name)
	}
	return et, nil
}

// Names lists the loaded entity types in sorted order.
func (s *Schema) Names() []string {
	names := make([]string, 0, len(s.entities))
	for _, et := range s.entities {
		names = append(names, et.Name)
	}
	sort.Strings(names)
	return names
}

// Load introspects every configured entity type.
func Load(ctx context.Context, src Introspector, defs []EntityDefinition, opts LoadOptions) (*Schema, error) {
	s := &Schema{LoadedAt: time.Now(), entities: make(map[string]*EntityType, len(defs))}
	for _, def := range defs {
		et, err := loadEntityType(ctx, src, def, opts)
		if err != nil {
			return nil, &CatalogError{Entity: def.Name, Table: def.Table, Err: err}
		}
		s.entities[strings.ToLower(def.Name)] = et
	}
	return s, nil
}

// Verify re-reads the table definitions and fails with ErrSchemaDrift when
// any of them changed since Load.
func Verify(ctx context.Context, src Introspector, s *Schema) error {
	for _, et := range s.entities {
		columns, constraints, err := readTable(ctx, src, et.Schema, et.Table)
		if err != nil {
			return &CatalogError{Entity: et.Name, Table: et.Table, Err: err}
		}
		if fingerprint(columns, constraints) != et.Fingerprint {
			return &CatalogError{Entity: et.Name, Table: et.Table, Err: ErrSchemaDrift}
		}
	}
	return nil
}

func readTable(ctx context.Context, src Introspector, tableSchema, table string) ([]ColumnInfo, []ConstraintInfo, error) {
	columns, err := src.Columns(ctx, tableSchema, table)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read columns: %w", err)
	}
	if len(columns) == 0 {
		return nil, nil, fmt.Errorf("%w: %s.%s", ErrTableNotFound, tableSchema, table)
	}
	constraints, err := src.Constraints(ctx, tableSchema, table)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read constraints: %w", err)
	}
	return columns, constraints, nil
}

func loadEntityType(ctx context.Context, src Introspector, def EntityDefinition, opts LoadOptions) (*EntityType, error) {
	tableSchema := def.Schema
	if tableSchema == "" {
		tableSchema = defaultTableSchema
	}

	columns, constraints, err := readTable(ctx, src, tableSchema, def.Table)
	if err != nil {
		return nil, err
	}

	et := &EntityType{
		Name:        def.Name,
		Schema:      tableSchema,
		Table:       def.Table,
		Roles:       def.Roles,
		Fingerprint: fingerprint(columns, constraints),
		index:       make(map[string]int, len(columns)),
	}

	sort.SliceStable(columns, func(i, j int) bool { return columns[i].Position < columns[j].Position })
	for _, info := range columns {
		fieldType, bits := domain.FieldTypeFromSQL(info.DataType, info.UDTName)
		et.index[strings.ToLower(info.Name)] = len(et.Columns)
		et.Columns = append(et.Columns, domain.ColumnDefinition{
			Name:       info.Name,
			Type:       fieldType,
			SQLType:    info.UDTName,
			Bits:       bits,
			MaxLength:  info.MaxLength,
			Nullable:   info.Nullable,
			HasDefault: info.HasDefault,
			Identity:   info.Identity,
			Required:   !info.Nullable && !info.HasDefault && !info.Identity,
		})
	}

	if err := applyConstraints(et, constraints); err != nil {
		return nil, err
	}

	for i := range et.Columns {
		column := &et.Columns[i]
		switch {
		case column.Type == domain.FieldTypeGeometry:
			srid, err := src.GeometrySRID(ctx, tableSchema, def.Table, column.Name)
			if err != nil {
				return nil, fmt.Errorf("failed to read srid of %s: %w", column.Name, err)
			}
			column.SRID = srid
		case column.Reference != nil:
			label := def.Labels[column.Name]
			if label == "" {
				label = column.Reference.Column
			}
			values, err := src.LookupValues(ctx, *column.Reference, label, opts.LookupLimit)
			if errors.Is(err, ErrLookupTooLarge) {
				et.Unchecked = append(et.Unchecked, column.Name)
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("failed to load lookup for %s: %w", column.Name, err)
			}
			column.Allowed = foldKeys(values)
		case isEnum(columns, column.Name):
			labels, err := src.EnumLabels(ctx, column.SQLType)
			if err != nil {
				return nil, fmt.Errorf("failed to read enum labels of %s: %w", column.Name, err)
			}
			if len(labels) > 0 {
				allowed := make(map[string]string, len(labels))
				for _, label := range labels {
					allowed[label] = label
				}
				column.Allowed = foldKeys(allowed)
			}
		}
	}

	if err := validator.ValidateRoles(et.Roles, et.Columns); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRoles, err)
	}

	return et, nil
}

func applyConstraints(et *EntityType, constraints []ConstraintInfo) error {
	grouped := make(map[string][]ConstraintInfo)
	var order []string
	for _, c := range constraints {
		if _, seen := grouped[c.Name]; !seen {
			order = append(order, c.Name)
		}
		grouped[c.Name] = append(grouped[c.Name], c)
	}

	for _, name := range order {
		members := grouped[name]
		kind := members[0].Kind
		switch kind {
		case ConstraintPrimaryKey:
			if len(members) != 1 {
				return ErrUnsupportedKey
			}
			i, ok := et.index[strings.ToLower(members[0].Column)]
			if !ok {
				continue
			}
			column := &et.Columns[i]
			if column.Type != domain.FieldTypeInteger {
				return ErrUnsupportedKey
			}
			column.PrimaryKey = true
			column.Required = false
			et.PrimaryKey = column.Name
		case ConstraintUnique:
			// Multi-column unique constraints do not make any single column a key.
			if len(members) != 1 {
				continue
			}
			if i, ok := et.index[strings.ToLower(members[0].Column)]; ok {
				et.Columns[i].Unique = true
			}
		case ConstraintForeignKey:
			if len(members) != 1 {
				continue
			}
			c := members[0]
			if i, ok := et.index[strings.ToLower(c.Column)]; ok && c.RefTable != "" {
				refSchema := c.RefSchema
				if refSchema == "" {
					refSchema = et.Schema
				}
				et.Columns[i].Reference = &domain.Reference{Schema: refSchema, Table: c.RefTable, Column: c.RefColumn}
			}
		}
	}

	if et.PrimaryKey == "" {
		return ErrUnsupportedKey
	}
	return nil
}

func isEnum(columns []ColumnInfo, name string) bool {
	for _, c := range columns {
		if c.Name == name {
			return strings.EqualFold(c.DataType, "USER-DEFINED") && !strings.EqualFold(c.UDTName, "geometry")
		}
	}
	return false
}

func foldKeys(values map[string]string) map[string]string {
	folded := make(map[string]string, len(values))
	for label, key := range values {
		folded[FoldLabel(label)] = key
	}
	return folded
}

// FoldLabel is the comparison key for lookup labels.
func FoldLabel(label string) string {
	return strings.ToLower(strings.TrimSpace(label))
}

func fingerprint(columns []ColumnInfo, constraints []ConstraintInfo) uint64 {
	lines := make([]string, 0, len(columns)+len(constraints))
	for _, c := range columns {
		lines = append(lines, strings.Join([]string{
			"c", c.Name, c.DataType, c.UDTName,
			strconv.FormatBool(c.Nullable), strconv.FormatBool(c.HasDefault),
			strconv.FormatBool(c.Identity), strconv.Itoa(c.MaxLength),
		}, "|"))
	}
	for _, c := range constraints {
		lines = append(lines, strings.Join([]string{
			"k", c.Name, c.Kind, c.Column, strconv.Itoa(c.Position), c.RefSchema, c.RefTable, c.RefColumn,
		}, "|"))
	}
	sort.Strings(lines)

	digest := xxhash.New()
	for _, line := range lines {
		_, _ = digest.WriteString(line)
		_, _ = digest.WriteString("\n")
	}
	return digest.Sum64()
}
