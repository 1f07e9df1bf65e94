package matching

import (
	"context"
	"errors"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpattn/urbanimport/internal/domain"
	"github.com/rpattn/urbanimport/internal/schema"
)

type fakeLookup struct {
	entities  []domain.Entity
	err       error
	codeCalls int
	nearCalls int
}

func (f *fakeLookup) ByCode(_ context.Context, code string) ([]domain.Entity, error) {
	f.codeCalls++
	if f.err != nil {
		return nil, f.err
	}
	var hits []domain.Entity
	for _, e := range f.entities {
		if e.Code == code {
			hits = append(hits, e)
		}
	}
	return hits, nil
}

func (f *fakeLookup) Near(_ context.Context, _ orb.Point, _ float64) ([]domain.Entity, error) {
	f.nearCalls++
	if f.err != nil {
		return nil, f.err
	}
	return f.entities, nil
}

func entityType(srid int, uniqueCode bool) *schema.EntityType {
	return schema.NewEntityType("urban_object", "urban_objects", domain.Roles{Code: "code", Name: "name", Geometry: "geom"}, []domain.ColumnDefinition{
		{Name: "id", Type: domain.FieldTypeInteger, PrimaryKey: true},
		{Name: "code", Type: domain.FieldTypeString, Unique: uniqueCode, Nullable: true},
		{Name: "name", Type: domain.FieldTypeString},
		{Name: "geom", Type: domain.FieldTypeGeometry, SRID: srid},
	})
}

func record(row int, code, name string, center *orb.Point) domain.ValidatedRecord {
	rec := domain.ValidatedRecord{RowIndex: row, Code: code, Name: name}
	if center != nil {
		rec.Center = *center
		rec.HasLocation = true
	}
	return rec
}

func entity(id int64, code, name string, center orb.Point) domain.Entity {
	return domain.Entity{ID: id, Code: code, Name: name, Center: center, HasCenter: true}
}

var library = orb.Point{30.31, 59.93}

func defaultOptions() Options {
	return Options{Threshold: 50, Tolerance: 1, Names: DefaultNameOptions()}
}

func TestMatchByUniqueCode(t *testing.T) {
	lookup := &fakeLookup{entities: []domain.Entity{entity(17, "B-100", "Central Library", library)}}
	m := New(entityType(4326, true), defaultOptions())

	result, err := m.Match(context.Background(), record(2, "B-100", "Renamed", &library), lookup)
	require.NoError(t, err)
	assert.Equal(t, domain.MatchUpdate, result.Kind)
	assert.Equal(t, int64(17), result.EntityID)
	assert.Zero(t, lookup.nearCalls)
}

func TestMatchDuplicateCodesAreAmbiguous(t *testing.T) {
	lookup := &fakeLookup{entities: []domain.Entity{
		entity(9, "B-100", "A", library),
		entity(4, "B-100", "B", library),
	}}
	result, err := New(entityType(4326, true), defaultOptions()).Match(context.Background(), record(2, "B-100", "", nil), lookup)
	require.NoError(t, err)
	assert.Equal(t, domain.MatchAmbiguous, result.Kind)
	assert.Equal(t, []int64{4, 9}, result.Candidates)
}

func TestMatchFallsBackToNameAndProximity(t *testing.T) {
	near := orb.Point{30.31, 59.9302} // about 22 m north
	lookup := &fakeLookup{entities: []domain.Entity{entity(5, "", "«Central  Library»", near)}}
	m := New(entityType(4326, true), defaultOptions())

	result, err := m.Match(context.Background(), record(2, "B-100", "central library", &library), lookup)
	require.NoError(t, err)
	assert.Equal(t, 1, lookup.codeCalls)
	assert.Equal(t, domain.MatchUpdate, result.Kind)
	assert.Equal(t, int64(5), result.EntityID)
}

func TestMatchAmbiguousByNameWithinThreshold(t *testing.T) {
	lookup := &fakeLookup{entities: []domain.Entity{
		entity(7, "", "Park", orb.Point{30.3101, 59.9301}),
		entity(3, "", "park", orb.Point{30.3099, 59.9299}),
	}}
	result, err := New(entityType(4326, true), defaultOptions()).Match(context.Background(), record(4, "", "Park", &library), lookup)
	require.NoError(t, err)
	assert.Equal(t, domain.MatchAmbiguous, result.Kind)
	assert.Equal(t, []int64{3, 7}, result.Candidates)
	assert.Zero(t, lookup.codeCalls)
}

func TestMatchExcludesFarAndConflictingCandidates(t *testing.T) {
	lookup := &fakeLookup{entities: []domain.Entity{
		entity(1, "", "Park", orb.Point{30.31, 59.932}), // about 220 m
		entity(2, "X-1", "Park", library),
		entity(3, "", "Square", library),
		{ID: 4, Name: "Park"},
	}}
	result, err := New(entityType(4326, false), defaultOptions()).Match(context.Background(), record(2, "B-100", "Park", &library), lookup)
	require.NoError(t, err)
	assert.Equal(t, domain.MatchNew, result.Kind)
	assert.Empty(t, result.Candidates)
}

func TestMatchWithoutNameOrLocationIsNew(t *testing.T) {
	lookup := &fakeLookup{entities: []domain.Entity{entity(1, "", "Park", library)}}
	m := New(entityType(4326, false), defaultOptions())

	result, err := m.Match(context.Background(), record(2, "B-1", "Park", nil), lookup)
	require.NoError(t, err)
	assert.Equal(t, domain.MatchNew, result.Kind)

	result, err = m.Match(context.Background(), record(3, "B-1", "  ", &library), lookup)
	require.NoError(t, err)
	assert.Equal(t, domain.MatchNew, result.Kind)
	assert.Zero(t, lookup.nearCalls)
}

func TestMatchEditDistance(t *testing.T) {
	lookup := &fakeLookup{entities: []domain.Entity{entity(8, "", "Central Library", library)}}

	exact := defaultOptions()
	result, err := New(entityType(4326, false), exact).Match(context.Background(), record(2, "", "Central Libary", &library), lookup)
	require.NoError(t, err)
	assert.Equal(t, domain.MatchNew, result.Kind)

	fuzzy := defaultOptions()
	fuzzy.Names.MaxEditDistance = 1
	result, err = New(entityType(4326, false), fuzzy).Match(context.Background(), record(2, "", "Central Libary", &library), lookup)
	require.NoError(t, err)
	assert.Equal(t, domain.MatchUpdate, result.Kind)
}

func TestMatchPlanarDistance(t *testing.T) {
	lookup := &fakeLookup{entities: []domain.Entity{entity(8, "", "Depot", orb.Point{1000, 2030})}}
	opts := Options{Threshold: 25, Tolerance: 1, Names: DefaultNameOptions()}

	result, err := New(entityType(32636, false), opts).Match(context.Background(), record(2, "", "Depot", &orb.Point{1000, 2000}), lookup)
	require.NoError(t, err)
	assert.Equal(t, domain.MatchNew, result.Kind)

	opts.Threshold = 30
	result, err = New(entityType(32636, false), opts).Match(context.Background(), record(2, "", "Depot", &orb.Point{1000, 2000}), lookup)
	require.NoError(t, err)
	assert.Equal(t, domain.MatchUpdate, result.Kind)
}

func TestMatchLookupErrorFails(t *testing.T) {
	boom := errors.New("connection reset")
	_, err := New(entityType(4326, true), defaultOptions()).Match(context.Background(), record(2, "B-1", "", nil), &fakeLookup{err: boom})
	assert.ErrorIs(t, err, boom)
}

func TestBatchFlagsInBatchDuplicates(t *testing.T) {
	lookup := &fakeLookup{}
	batch := New(entityType(4326, true), defaultOptions()).NewBatch()
	ctx := context.Background()

	first, err := batch.Match(ctx, record(2, "B-1", "Park", &library), lookup)
	require.NoError(t, err)
	assert.Equal(t, domain.MatchNew, first.Kind)

	sameCode, err := batch.Match(ctx, record(3, "B-1", "Other", nil), lookup)
	require.NoError(t, err)
	assert.Equal(t, domain.MatchAmbiguous, sameCode.Kind)
	assert.Contains(t, sameCode.Reason, "row 2")

	sameName, err := batch.Match(ctx, record(4, "", "PARK", &orb.Point{30.3101, 59.9301}), lookup)
	require.NoError(t, err)
	assert.Equal(t, domain.MatchAmbiguous, sameName.Kind)

	elsewhere, err := batch.Match(ctx, record(5, "", "Park", &orb.Point{30.5, 59.8}), lookup)
	require.NoError(t, err)
	assert.Equal(t, domain.MatchNew, elsewhere.Kind)

	fresh := New(entityType(4326, true), defaultOptions()).NewBatch()
	again, err := fresh.Match(ctx, record(3, "B-1", "Other", nil), lookup)
	require.NoError(t, err)
	assert.Equal(t, domain.MatchNew, again.Kind)
}

func TestNameNormalizer(t *testing.T) {
	n := NewNameNormalizer(DefaultNameOptions())
	assert.Equal(t, "школа 5", n.Normalize("  Школа,   5 "))
	assert.Equal(t, "cafe 1", n.Normalize("Ｃａｆｅ \"1\""))
	assert.Equal(t, "strasse", n.Normalize("STRASSE"))

	raw := NewNameNormalizer(NameOptions{KeepUnicodeForms: true, KeepCase: true, KeepWhitespace: true, KeepPunctuation: true})
	assert.Equal(t, "A  B", raw.Normalize(" A  B "))
	assert.False(t, raw.Equal("", ""))

	var zero NameOptions
	assert.Equal(t, "central park", NewNameNormalizer(zero).Normalize("Central  PARK"))
}

func TestMatchZeroOptionsNormalizeNames(t *testing.T) {
	lookup := &fakeLookup{entities: []domain.Entity{entity(8, "", "Central Park", library)}}
	m := New(entityType(4326, false), Options{Threshold: 50})

	result, err := m.Match(context.Background(), record(2, "", "central  park", &library), lookup)
	require.NoError(t, err)
	assert.Equal(t, domain.MatchUpdate, result.Kind)
	assert.Equal(t, int64(8), result.EntityID)
}

func TestBatchOutcomeDoesNotDependOnBatchBoundaries(t *testing.T) {
	ctx := context.Background()
	rows := []domain.ValidatedRecord{
		record(2, "C-1", "Park", &library),
		record(3, "C-2", "Park", &orb.Point{30.31001, 59.93001}),
	}

	together := New(entityType(4326, false), defaultOptions()).NewBatch()
	var kinds []domain.MatchKind
	for _, rec := range rows {
		result, err := together.Match(ctx, rec, &fakeLookup{})
		require.NoError(t, err)
		kinds = append(kinds, result.Kind)
	}
	assert.Equal(t, []domain.MatchKind{domain.MatchNew, domain.MatchNew}, kinds)

	// Without codes the same pair is one object seen twice.
	rows[0].Code, rows[1].Code = "", ""
	uncoded := New(entityType(4326, false), defaultOptions()).NewBatch()
	_, err := uncoded.Match(ctx, rows[0], &fakeLookup{})
	require.NoError(t, err)
	second, err := uncoded.Match(ctx, rows[1], &fakeLookup{})
	require.NoError(t, err)
	assert.Equal(t, domain.MatchAmbiguous, second.Kind)
}
