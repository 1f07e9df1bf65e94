package schema

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpattn/urbanimport/internal/domain"
)

type fakeIntrospector struct {
	columns     map[string][]ColumnInfo
	constraints map[string][]ConstraintInfo
	enums       map[string][]string
	lookups     map[string]map[string]string
	srids       map[string]int
	lookupCalls []string
}

func (f *fakeIntrospector) Columns(_ context.Context, _ string, table string) ([]ColumnInfo, error) {
	return f.columns[table], nil
}

func (f *fakeIntrospector) Constraints(_ context.Context, _ string, table string) ([]ConstraintInfo, error) {
	return f.constraints[table], nil
}

func (f *fakeIntrospector) EnumLabels(_ context.Context, typeName string) ([]string, error) {
	return f.enums[typeName], nil
}

func (f *fakeIntrospector) LookupValues(_ context.Context, ref domain.Reference, label string, limit int) (map[string]string, error) {
	f.lookupCalls = append(f.lookupCalls, ref.Table+"."+label)
	values, ok := f.lookups[ref.Table]
	if !ok {
		return nil, errors.New("no such table")
	}
	if len(values) > limit {
		return nil, ErrLookupTooLarge
	}
	return values, nil
}

func (f *fakeIntrospector) GeometrySRID(_ context.Context, _, table, column string) (int, error) {
	return f.srids[table+"."+column], nil
}

func objectsIntrospector() *fakeIntrospector {
	return &fakeIntrospector{
		columns: map[string][]ColumnInfo{
			"urban_objects": {
				{Name: "id", DataType: "integer", UDTName: "int4", HasDefault: true, Position: 1},
				{Name: "code", DataType: "character varying", UDTName: "varchar", MaxLength: 32, Nullable: true, Position: 2},
				{Name: "name", DataType: "text", UDTName: "text", Position: 3},
				{Name: "category_id", DataType: "integer", UDTName: "int4", Position: 4},
				{Name: "geom", DataType: "USER-DEFINED", UDTName: "geometry", Position: 5},
				{Name: "status", DataType: "USER-DEFINED", UDTName: "object_status", Nullable: true, Position: 6},
				{Name: "updated_at", DataType: "timestamp with time zone", UDTName: "timestamptz", HasDefault: true, Position: 7},
				{Name: "capacity", DataType: "smallint", UDTName: "int2", Nullable: true, Position: 8},
			},
		},
		constraints: map[string][]ConstraintInfo{
			"urban_objects": {
				{Name: "urban_objects_pkey", Kind: ConstraintPrimaryKey, Column: "id", Position: 1},
				{Name: "urban_objects_code_key", Kind: ConstraintUnique, Column: "code", Position: 1},
				{Name: "urban_objects_category_fkey", Kind: ConstraintForeignKey, Column: "category_id", Position: 1, RefSchema: "public", RefTable: "categories", RefColumn: "id"},
			},
		},
		enums:   map[string][]string{"object_status": {"active", "closed"}},
		lookups: map[string]map[string]string{"categories": {"library": "1", "School": "2"}},
		srids:   map[string]int{"urban_objects.geom": 4326},
	}
}

func objectsDefinition() EntityDefinition {
	return EntityDefinition{
		Name:   "urban_object",
		Table:  "urban_objects",
		Roles:  domain.Roles{Code: "code", Name: "name", Category: "category_id", Geometry: "geom", UpdatedAt: "updated_at"},
		Labels: map[string]string{"category_id": "code"},
	}
}

func TestLoadBuildsEntityType(t *testing.T) {
	src := objectsIntrospector()
	s, err := Load(context.Background(), src, []EntityDefinition{objectsDefinition()}, LoadOptions{LookupLimit: 100})
	require.NoError(t, err)

	et, err := s.EntityType("Urban_Object")
	require.NoError(t, err)

	assert.Equal(t, "id", et.PrimaryKey)
	assert.True(t, et.CodeUnique())
	assert.Equal(t, 4326, et.SRID())

	var required []string
	for _, c := range et.RequiredColumns() {
		required = append(required, c.Name)
	}
	assert.Equal(t, []string{"name", "category_id", "geom"}, required)

	category, ok := et.Column("category_id")
	require.True(t, ok)
	assert.Equal(t, "1", category.Allowed["library"])
	assert.Equal(t, "2", category.Allowed["school"])
	assert.Equal(t, []string{"categories.code"}, src.lookupCalls)

	status, _ := et.Column("status")
	assert.Equal(t, domain.FieldTypeString, status.Type)
	assert.Equal(t, "closed", status.Allowed["closed"])

	capacity, _ := et.Column("capacity")
	assert.Equal(t, 16, capacity.Bits)

	code, _ := et.Column("code")
	assert.Equal(t, 32, code.MaxLength)
}

func TestLoadMissingTableIsCatalogError(t *testing.T) {
	src := objectsIntrospector()
	def := objectsDefinition()
	def.Table = "missing"

	s, err := Load(context.Background(), src, []EntityDefinition{def}, LoadOptions{LookupLimit: 100})
	require.Error(t, err)
	assert.Nil(t, s)

	var catalogErr *CatalogError
	require.ErrorAs(t, err, &catalogErr)
	assert.Equal(t, "missing", catalogErr.Table)
	assert.ErrorIs(t, err, ErrTableNotFound)
}

func TestLoadSkipsOversizedLookups(t *testing.T) {
	src := objectsIntrospector()
	s, err := Load(context.Background(), src, []EntityDefinition{objectsDefinition()}, LoadOptions{LookupLimit: 1})
	require.NoError(t, err)

	et, _ := s.EntityType("urban_object")
	category, _ := et.Column("category_id")
	assert.Nil(t, category.Allowed)
	assert.Equal(t, []string{"category_id"}, et.Unchecked)
}

func TestLoadRejectsBadRoles(t *testing.T) {
	def := objectsDefinition()
	def.Roles.Geometry = "name"

	_, err := Load(context.Background(), objectsIntrospector(), []EntityDefinition{def}, LoadOptions{LookupLimit: 100})
	assert.ErrorIs(t, err, ErrInvalidRoles)
}

func TestLoadRejectsNonIntegerKey(t *testing.T) {
	src := objectsIntrospector()
	src.columns["urban_objects"][0] = ColumnInfo{Name: "id", DataType: "uuid", UDTName: "uuid", HasDefault: true, Position: 1}

	_, err := Load(context.Background(), src, []EntityDefinition{objectsDefinition()}, LoadOptions{LookupLimit: 100})
	assert.ErrorIs(t, err, ErrUnsupportedKey)
}

func TestVerifyDetectsDrift(t *testing.T) {
	src := objectsIntrospector()
	s, err := Load(context.Background(), src, []EntityDefinition{objectsDefinition()}, LoadOptions{LookupLimit: 100})
	require.NoError(t, err)

	require.NoError(t, Verify(context.Background(), src, s))

	src.columns["urban_objects"] = append(src.columns["urban_objects"], ColumnInfo{Name: "floors", DataType: "integer", UDTName: "int4", Nullable: true, Position: 9})
	err = Verify(context.Background(), src, s)
	assert.ErrorIs(t, err, ErrSchemaDrift)
}

func TestUnknownEntityType(t *testing.T) {
	s := New()
	_, err := s.EntityType("nope")
	assert.ErrorIs(t, err, ErrUnknownEntity)
}
