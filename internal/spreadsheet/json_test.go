package spreadsheet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpattn/urbanimport/internal/domain"
)

func TestOpenGeoJSONFeatureCollection(t *testing.T) {
	path := writeFile(t, "objects.dat", []byte(`{
  "type": "FeatureCollection",
  "name": "objects",
  "features": [
    {"type": "Feature",
     "properties": {"code": "P-1", "name": "Central Park", "floors": 2},
     "geometry": {"type": "Point", "coordinates": [30.31, 59.93]}},
    {"type": "Feature",
     "properties": {"name": "Pond", "note": "#N/A", "tags": ["water", "park"]},
     "geometry": null}
  ]
}`))

	format, err := Detect(path)
	require.NoError(t, err)
	assert.Equal(t, FormatGeoJSON, format)

	r, err := Open(path, Options{Sheet: "ignored"})
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	assert.Equal(t, "objects", r.Sheet())
	assert.Equal(t, 1, r.Header().Row)
	assert.Equal(t, []string{"code", "name", "floors", "geometry", "note", "tags"}, r.Header().Names)

	rows := readAll(t, r)
	require.Len(t, rows, 2)

	first := rows[0]
	assert.Equal(t, 2, first.Index)
	assert.Equal(t, "P-1", first.Cells[0].Literal)
	assert.Equal(t, domain.CellNumber, first.Cells[2].Kind)
	assert.Equal(t, 2.0, first.Cells[2].Number)
	assert.JSONEq(t, `{"type":"Point","coordinates":[30.31,59.93]}`, first.Cells[3].Literal)
	assert.True(t, first.Cells[4].IsBlank())

	second := rows[1]
	assert.Equal(t, 3, second.Index)
	assert.True(t, second.Cells[0].IsBlank())
	assert.True(t, second.Cells[3].IsBlank())
	assert.Equal(t, domain.CellMalformed, second.Cells[4].Kind)
	assert.Equal(t, `["water","park"]`, second.Cells[5].Literal)
}

func TestOpenGeoJSONRejectsOtherObjects(t *testing.T) {
	path := writeFile(t, "feature.json", []byte(`{"type": "Feature", "properties": {}, "geometry": null}`))

	_, err := Open(path, Options{})
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestOpenJSONRecords(t *testing.T) {
	path := writeFile(t, "records.json", []byte(`[
  {"code": "A-1", "name": "Library", "lat": 59.93, "lon": 30.31, "open": true},
  {"code": null, "name": null},
  {"name": "School", "lat": "60,5", "extra": {"a": 1}}
]`))

	format, err := Detect(path)
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, format)

	r, err := Open(path, Options{})
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	assert.Equal(t, FormatJSON, r.Format())
	assert.Equal(t, "records", r.Sheet())
	assert.Equal(t, []string{"code", "name", "lat", "lon", "open", "extra"}, r.Header().Names)

	rows := readAll(t, r)
	require.Len(t, rows, 2, "the all-null record is skipped like a blank row")

	assert.Equal(t, 2, rows[0].Index)
	assert.Equal(t, 59.93, rows[0].Cells[2].Number)
	assert.Equal(t, "59.93", rows[0].Cells[2].Literal)
	assert.Equal(t, "true", rows[0].Cells[4].Literal)

	assert.Equal(t, 4, rows[1].Index)
	assert.Equal(t, domain.CellText, rows[1].Cells[2].Kind)
	assert.Equal(t, "60,5", rows[1].Cells[2].Literal)
	assert.Equal(t, `{"a":1}`, rows[1].Cells[5].Literal)
}

func TestOpenJSONRejectsBrokenRecords(t *testing.T) {
	path := writeFile(t, "records.json", []byte(`[{"code": "A-1"}, 5]`))

	_, err := Open(path, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "record 2")
}
