package validator

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpattn/urbanimport/internal/domain"
	"github.com/rpattn/urbanimport/internal/schema"
)

func objectType() *schema.EntityType {
	return objectTypeWithSRID(4326)
}

func objectTypeWithSRID(srid int) *schema.EntityType {
	return schema.NewEntityType("urban_object", "urban_objects", domain.Roles{
		Code:     "code",
		Name:     "name",
		Category: "category_id",
		Geometry: "geom",
	}, []domain.ColumnDefinition{
		{Name: "id", Type: domain.FieldTypeInteger, Bits: 32, PrimaryKey: true, HasDefault: true},
		{Name: "code", Type: domain.FieldTypeString, MaxLength: 32, Nullable: true, Unique: true},
		{Name: "name", Type: domain.FieldTypeString, Required: true},
		{Name: "category_id", Type: domain.FieldTypeInteger, Bits: 32, Required: true, Allowed: map[string]string{
			schema.FoldLabel("Library"): "1",
			schema.FoldLabel("School"):  "2",
		}},
		{Name: "geom", Type: domain.FieldTypeGeometry, SRID: srid, Required: true},
		{Name: "capacity", Type: domain.FieldTypeInteger, Bits: 16, Nullable: true},
		{Name: "is_open", Type: domain.FieldTypeBoolean, Nullable: true},
		{Name: "opened", Type: domain.FieldTypeDate, Nullable: true},
	})
}

func makeRow(header *domain.Header, index int, values ...any) domain.RawRow {
	cells := make([]domain.Cell, len(values))
	for i, v := range values {
		switch value := v.(type) {
		case float64:
			cells[i] = domain.NumberCell(value, "")
		case string:
			cells[i] = domain.ClassifyCell(value)
		default:
			cells[i] = domain.BlankCell()
		}
	}
	return domain.RawRow{Index: index, Header: header, Cells: cells}
}

func violationKinds(rejected *domain.RejectedRow) []domain.ViolationKind {
	kinds := make([]domain.ViolationKind, 0, len(rejected.Violations))
	for _, v := range rejected.Violations {
		kinds = append(kinds, v.Kind)
	}
	return kinds
}

func TestValidateBuildsRecordFromCoordinates(t *testing.T) {
	header := domain.NewHeader(1, []string{"code", "name", "lat", "lon", "category", "Category ID"})
	v := New(Options{Columns: map[string]string{"category": "category_id", "Category ID": "notes"}})
	b, err := v.Bind(header, objectType())
	require.NoError(t, err)
	assert.Equal(t, []string{"Category ID"}, b.Unmapped)

	record, rejected := b.Validate(makeRow(header, 2, "B-100", "Central Library", 59.93, 30.31, "library", "x"))
	require.Nil(t, rejected)

	assert.Equal(t, 2, record.RowIndex)
	assert.Equal(t, "B-100", record.Code)
	assert.Equal(t, "Central Library", record.Name)
	assert.Equal(t, "library", record.Category)
	assert.True(t, record.HasLocation)
	assert.Equal(t, orb.Point{30.31, 59.93}, record.Center)

	category, ok := record.Value("category_id")
	require.True(t, ok)
	assert.Equal(t, int64(1), category)

	geom, ok := record.Value("geom")
	require.True(t, ok)
	assert.Equal(t, orb.Point{30.31, 59.93}, geom)
	assert.Equal(t, []string{"code", "name", "category_id", "geom"}, record.Columns)
}

func TestValidateRejectsUnparseableLatitude(t *testing.T) {
	header := domain.NewHeader(1, []string{"code", "name", "lat", "lon", "category_id"})
	_, rejected := New(Options{}).Validate(makeRow(header, 2, "B-100", "Central Library", "not-a-number", 30.31, "library"), objectType())
	require.NotNil(t, rejected)
	require.Len(t, rejected.Violations, 1)
	assert.Equal(t, "lat", rejected.Violations[0].Column)
	assert.Equal(t, domain.ViolationType, rejected.Violations[0].Kind)
}

func TestValidateCollectsEveryViolation(t *testing.T) {
	header := domain.NewHeader(1, []string{"code", "name", "lat", "lon", "category_id", "capacity"})
	_, rejected := New(Options{}).Validate(makeRow(header, 7, "B-1", "", 59.9, 30.3, "zoo", "abc"), objectType())
	require.NotNil(t, rejected)

	assert.Equal(t, []domain.ViolationKind{domain.ViolationRequired, domain.ViolationType, domain.ViolationDomain}, violationKinds(rejected))
	assert.Equal(t, "name", rejected.Violations[0].Column)
	assert.Equal(t, "capacity", rejected.Violations[1].Column)
	assert.Equal(t, "category_id", rejected.Violations[2].Column)
	assert.Contains(t, rejected.Violations[2].Message, "expected one of: library, school")
	assert.Len(t, rejected.Reasons(), 3)
}

func TestValidateRequiredColumnsMissingFromSheet(t *testing.T) {
	header := domain.NewHeader(1, []string{"code", "lat", "lon"})
	_, rejected := New(Options{}).Validate(makeRow(header, 2, "B-1", 59.9, 30.3), objectType())
	require.NotNil(t, rejected)

	columns := []string{}
	for _, v := range rejected.Violations {
		assert.Equal(t, domain.ViolationRequired, v.Kind)
		columns = append(columns, v.Column)
	}
	assert.Equal(t, []string{"name", "category_id"}, columns)
}

func TestValidateCoordinatesRequiredTogether(t *testing.T) {
	header := domain.NewHeader(1, []string{"name", "lat", "lon", "category_id"})
	_, rejected := New(Options{}).Validate(makeRow(header, 2, "Park", 59.9, nil, "school"), objectType())
	require.NotNil(t, rejected)
	require.Len(t, rejected.Violations, 1)
	assert.Equal(t, "geom", rejected.Violations[0].Column)
	assert.Equal(t, domain.ViolationRequired, rejected.Violations[0].Kind)
}

func TestValidateLocaleAndWordValues(t *testing.T) {
	header := domain.NewHeader(1, []string{"name", "lat", "lon", "category_id", "is_open", "opened", "capacity"})
	b, err := New(Options{}).Bind(header, objectType())
	require.NoError(t, err)

	record, rejected := b.Validate(makeRow(header, 2, "Школа 5", "59,93", "30,31", "SCHOOL", "да", "01.05.2021", "1 200"))
	require.Nil(t, rejected)

	open, _ := record.Value("is_open")
	assert.Equal(t, true, open)
	opened, _ := record.Value("opened")
	assert.Equal(t, time.Date(2021, 5, 1, 0, 0, 0, 0, time.UTC), opened)
	capacity, _ := record.Value("capacity")
	assert.Equal(t, int64(1200), capacity)
	category, _ := record.Value("category_id")
	assert.Equal(t, int64(2), category)
	assert.InDelta(t, 59.93, record.Center[1], 1e-9)

	record, rejected = b.Validate(makeRow(header, 3, "Школа 6", 59.9, 30.3, "school", "Нет", nil, 40000.0))
	require.NotNil(t, rejected)
	require.Len(t, rejected.Violations, 1)
	assert.Equal(t, "capacity", rejected.Violations[0].Column)
	assert.Contains(t, rejected.Violations[0].Message, "out of range")
	assert.Empty(t, record.Fields)
}

func TestValidateExtraBooleanWords(t *testing.T) {
	header := domain.NewHeader(1, []string{"name", "lat", "lon", "category_id", "is_open"})
	v := New(Options{TrueWords: []string{"работает"}})
	record, rejected := v.Validate(makeRow(header, 2, "Park", 59.9, 30.3, "library", "Работает"), objectType())
	require.Nil(t, rejected)
	open, _ := record.Value("is_open")
	assert.Equal(t, true, open)
}

func TestValidateMalformedCoordinate(t *testing.T) {
	header := domain.NewHeader(1, []string{"name", "lat", "lon", "category_id"})
	_, rejected := New(Options{}).Validate(makeRow(header, 2, "Park", "#N/A", 30.3, "library"), objectType())
	require.NotNil(t, rejected)
	require.Len(t, rejected.Violations, 1)
	assert.Equal(t, "lat", rejected.Violations[0].Column)
	assert.Contains(t, rejected.Violations[0].Message, "malformed")
}

func TestValidateEnvelope(t *testing.T) {
	header := domain.NewHeader(1, []string{"name", "lat", "lon", "category_id"})
	_, rejected := New(Options{}).Validate(makeRow(header, 2, "Park", 95.0, 30.3, "library"), objectType())
	require.NotNil(t, rejected)
	require.Len(t, rejected.Violations, 1)
	assert.Equal(t, domain.ViolationDomain, rejected.Violations[0].Kind)
	assert.Equal(t, "lat/lon", rejected.Violations[0].Column)

	city := orb.Bound{Min: orb.Point{29.4, 59.6}, Max: orb.Point{30.8, 60.3}}
	_, rejected = New(Options{Envelope: &city}).Validate(makeRow(header, 3, "Park", 55.75, 37.6, "library"), objectType())
	require.NotNil(t, rejected)
	assert.Contains(t, rejected.Violations[0].Message, "outside the allowed extent")
}

func TestValidateGeometryColumn(t *testing.T) {
	header := domain.NewHeader(1, []string{"name", "geom", "category_id"})
	v := New(Options{})

	record, rejected := v.Validate(makeRow(header, 2, "Square", "SRID=4326;POLYGON((30 59, 30.1 59, 30.1 59.1, 30 59.1, 30 59))", "library"), objectType())
	require.Nil(t, rejected)
	assert.True(t, record.HasLocation)
	assert.InDelta(t, 30.05, record.Center[0], 1e-9)
	assert.InDelta(t, 59.05, record.Center[1], 1e-9)

	_, rejected = v.Validate(makeRow(header, 3, "Bowtie", "POLYGON((0 0, 2 2, 2 0, 0 2, 0 0))", "library"), objectType())
	require.NotNil(t, rejected)
	require.Len(t, rejected.Violations, 1)
	assert.Equal(t, domain.ViolationDomain, rejected.Violations[0].Kind)
	assert.Contains(t, rejected.Violations[0].Message, "intersects itself")

	_, rejected = v.Validate(makeRow(header, 4, "Open", "POLYGON((0 0, 1 0, 1 1, 0 1))", "library"), objectType())
	require.NotNil(t, rejected)
	assert.Contains(t, rejected.Violations[0].Message, "not closed")

	record, rejected = v.Validate(makeRow(header, 5, "Stop", `{"type":"Point","coordinates":[30.2,59.9]}`, "library"), objectType())
	require.Nil(t, rejected)
	assert.Equal(t, orb.Point{30.2, 59.9}, record.Center)

	_, rejected = v.Validate(makeRow(header, 6, "Broken", "POINT(abc)", "library"), objectType())
	require.NotNil(t, rejected)
	assert.Equal(t, domain.ViolationType, rejected.Violations[0].Kind)
	assert.Equal(t, "geom", rejected.Violations[0].Column)
}

func TestValidateRejectsZeroAreaRings(t *testing.T) {
	header := domain.NewHeader(1, []string{"name", "geom", "category_id"})
	v := New(Options{})

	for i, wkt := range []string{
		"POLYGON((30 59, 30 59, 30 59, 30 59))",
		"POLYGON((30 59, 30.1 59, 30 59, 30.1 59, 30 59))",
		"POLYGON((30 59, 30.1 59, 30.2 59, 30 59))",
	} {
		_, rejected := v.Validate(makeRow(header, i+2, "Flat", wkt, "library"), objectType())
		require.NotNil(t, rejected, wkt)
		assert.Equal(t, domain.ViolationDomain, rejected.Violations[0].Kind, wkt)
		assert.Contains(t, rejected.Violations[0].Message, "zero area", wkt)
	}
}

func TestValidateProjectsCoordinatesToWebMercator(t *testing.T) {
	header := domain.NewHeader(1, []string{"name", "lat", "lon", "category_id"})
	b, err := New(Options{}).Bind(header, objectTypeWithSRID(3857))
	require.NoError(t, err)

	record, rejected := b.Validate(makeRow(header, 2, "Park", 59.93, 30.31, "library"))
	require.Nil(t, rejected)

	const radius = 6378137.0
	wantX := radius * 30.31 * math.Pi / 180
	wantY := radius * math.Log(math.Tan(math.Pi/4+59.93*math.Pi/360))
	geom, _ := record.Value("geom")
	point, ok := geom.(orb.Point)
	require.True(t, ok)
	assert.InDelta(t, wantX, point[0], 0.01)
	assert.InDelta(t, wantY, point[1], 0.01)
	assert.Equal(t, point, record.Center)

	_, rejected = b.Validate(makeRow(header, 3, "Pole", 89.5, 30.31, "library"))
	require.NotNil(t, rejected)
	assert.Equal(t, "lat/lon", rejected.Violations[0].Column)
	assert.Contains(t, rejected.Violations[0].Message, "SRID 3857")
}

func TestBindRejectsCoordinatesForUnknownProjection(t *testing.T) {
	header := domain.NewHeader(1, []string{"name", "lat", "lon", "category_id"})
	_, err := New(Options{}).Bind(header, objectTypeWithSRID(32636))
	require.Error(t, err)
	assert.ErrorContains(t, err, "SRID 32636")

	// A geometry column in the target system needs no conversion.
	b, err := New(Options{}).Bind(domain.NewHeader(1, []string{"name", "geom", "category_id"}), objectTypeWithSRID(32636))
	require.NoError(t, err)
	record, rejected := b.Validate(makeRow(domain.NewHeader(1, []string{"name", "geom", "category_id"}), 2, "Depot", "POINT(350000 6650000)", "library"))
	require.Nil(t, rejected)
	assert.Equal(t, orb.Point{350000, 6650000}, record.Center)
}

func TestValidateLookupViolationNamesHeader(t *testing.T) {
	header := domain.NewHeader(1, []string{"name", "lat", "lon", "category"})
	v := New(Options{Columns: map[string]string{"category": "category_id"}})

	_, rejected := v.Validate(makeRow(header, 2, "Zoo", 59.9, 30.3, "zoo"), objectType())
	require.NotNil(t, rejected)
	require.Len(t, rejected.Violations, 1)
	assert.Equal(t, "category", rejected.Violations[0].Column)
	assert.Equal(t, domain.ViolationDomain, rejected.Violations[0].Kind)
}

func TestValidateShapeErrorIsReported(t *testing.T) {
	header := domain.NewHeader(1, []string{"name", "lat", "lon", "category_id"})
	row := makeRow(header, 2, "Park", 59.9, 30.3, "library")
	row.ShapeErr = assertError("row 2 has 5 values for 4 header columns")

	_, rejected := New(Options{}).Validate(row, objectType())
	require.NotNil(t, rejected)
	assert.Equal(t, []domain.ViolationKind{domain.ViolationShape}, violationKinds(rejected))
}

func TestBindRejectsConflictingHeaders(t *testing.T) {
	et := objectType()

	_, err := New(Options{}).Bind(domain.NewHeader(1, []string{"name", "lat"}), et)
	assert.ErrorContains(t, err, "must appear together")

	_, err = New(Options{Columns: map[string]string{"Title": "name"}}).Bind(domain.NewHeader(1, []string{"name", "Title"}), et)
	assert.ErrorContains(t, err, "both map to column name")
}

func TestBindNormalizesHeaderLabels(t *testing.T) {
	header := domain.NewHeader(1, []string{" Category-ID ", "Is Open", "Name"})
	b, err := New(Options{}).Bind(header, objectType())
	require.NoError(t, err)
	assert.Empty(t, b.Unmapped)
}

type assertError string

func (e assertError) Error() string { return string(e) }

func TestValidateFillsDefaults(t *testing.T) {
	header := domain.NewHeader(1, []string{"name", "lat", "lon", "capacity"})
	v := New(Options{Defaults: map[string]string{"category_id": "Library", "capacity": "10"}})
	b, err := v.Bind(header, objectType())
	require.NoError(t, err)

	record, rejected := b.Validate(makeRow(header, 2, "Pond", 59.93, 30.31, nil))
	require.Nil(t, rejected)
	capacity, _ := record.Value("capacity")
	assert.Equal(t, int64(10), capacity)
	category, _ := record.Value("category_id")
	assert.Equal(t, int64(1), category)
	assert.Equal(t, "Library", record.Category)

	record, rejected = b.Validate(makeRow(header, 3, "Lake", 59.93, 30.31, "25"))
	require.Nil(t, rejected)
	capacity, _ = record.Value("capacity")
	assert.Equal(t, int64(25), capacity)
}

func TestValidateDefaultForUnknownLookupLabelIsRejected(t *testing.T) {
	header := domain.NewHeader(1, []string{"name", "lat", "lon"})
	_, rejected := New(Options{Defaults: map[string]string{"category_id": "zoo"}}).
		Validate(makeRow(header, 2, "Pond", 59.93, 30.31), objectType())
	require.NotNil(t, rejected)
	require.Len(t, rejected.Violations, 1)
	assert.Equal(t, "category_id", rejected.Violations[0].Column)
	assert.Equal(t, domain.ViolationDomain, rejected.Violations[0].Kind)
}

func TestBindRejectsDefaultForUnknownColumn(t *testing.T) {
	header := domain.NewHeader(1, []string{"name", "lat", "lon"})
	_, err := New(Options{Defaults: map[string]string{"colour": "red"}}).Bind(header, objectType())
	assert.ErrorContains(t, err, "colour")
}

func objectTypeWithProperties() *schema.EntityType {
	return schema.NewEntityType("urban_object", "urban_objects", domain.Roles{
		Name:       "name",
		Geometry:   "geom",
		Properties: "properties",
	}, []domain.ColumnDefinition{
		{Name: "id", Type: domain.FieldTypeInteger, PrimaryKey: true, HasDefault: true},
		{Name: "name", Type: domain.FieldTypeString, Required: true},
		{Name: "geom", Type: domain.FieldTypeGeometry, SRID: 4326, Required: true},
		{Name: "properties", Type: domain.FieldTypeJSON, SQLType: "jsonb", HasDefault: true},
	})
}

func TestValidateCollectsMappedProperties(t *testing.T) {
	header := domain.NewHeader(1, []string{"name", "lat", "lon", "Floors", "architect", "comment"})
	v := New(Options{Properties: map[string]string{"floors": "floors", "architect": "Architect", "year": "built"}})
	b, err := v.Bind(header, objectTypeWithProperties())
	require.NoError(t, err)
	assert.Equal(t, []string{"comment"}, b.Unmapped)

	record, rejected := b.Validate(makeRow(header, 2, "Tower", 59.93, 30.31, 3.0, " Rossi ", "x"))
	require.Nil(t, rejected)
	props, ok := record.Value("properties")
	require.True(t, ok)
	assert.JSONEq(t, `{"architect":"Rossi","floors":3}`, string(props.(json.RawMessage)))
	assert.Equal(t, []string{"name", "properties", "geom"}, record.Columns)

	record, rejected = b.Validate(makeRow(header, 3, "Shed", 59.93, 30.31, nil, nil, "y"))
	require.Nil(t, rejected)
	_, ok = record.Value("properties")
	assert.False(t, ok)

	_, rejected = b.Validate(makeRow(header, 4, "Hut", 59.93, 30.31, "#REF!", nil, nil))
	require.NotNil(t, rejected)
	assert.Equal(t, "Floors", rejected.Violations[0].Column)
	assert.Equal(t, domain.ViolationType, rejected.Violations[0].Kind)
}

func TestBindPropertiesNeedsRoleColumn(t *testing.T) {
	header := domain.NewHeader(1, []string{"name", "lat", "lon", "floors"})
	_, err := New(Options{Properties: map[string]string{"floors": "floors"}}).Bind(header, objectType())
	assert.ErrorContains(t, err, "properties role")

	header = domain.NewHeader(1, []string{"name", "lat", "lon", "properties", "floors"})
	_, err = New(Options{Properties: map[string]string{"floors": "floors"}}).Bind(header, objectTypeWithProperties())
	assert.ErrorContains(t, err, "property mapping")
}

func TestBindsGeometryHeaderToGeometryRole(t *testing.T) {
	header := domain.NewHeader(1, []string{"name", "geometry"})
	v := New(Options{})
	b, err := v.Bind(header, objectTypeWithProperties())
	require.NoError(t, err)
	assert.Empty(t, b.Unmapped)

	record, rejected := b.Validate(makeRow(header, 2, "Tower", `{"type":"Point","coordinates":[30.31,59.93]}`))
	require.Nil(t, rejected)
	assert.Equal(t, orb.Point{30.31, 59.93}, record.Geometry)
}
