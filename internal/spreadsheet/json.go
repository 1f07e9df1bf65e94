package spreadsheet

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/paulmach/orb/geojson"

	"github.com/rpattn/urbanimport/internal/domain"
)

// geometryKey is the column a GeoJSON feature's geometry is exposed under.
const geometryKey = "geometry"

// recordBook presents a list of JSON records as a single sheet. Row 1 holds
// the union of record keys in first-seen order and record N is row N+1.
type recordBook struct {
	sheet   string
	keys    []string
	seen    map[string]struct{}
	records []map[string]domain.Cell
}

func newRecordBook(path string) *recordBook {
	return &recordBook{sheet: baseSheetName(path), seen: make(map[string]struct{})}
}

func (b *recordBook) addKey(key string) {
	if _, ok := b.seen[key]; ok {
		return
	}
	b.seen[key] = struct{}{}
	b.keys = append(b.keys, key)
}

func (b *recordBook) Sheets() []string { return []string{b.sheet} }

func (b *recordBook) Rows(string) (sheetRows, error) {
	return &recordRows{book: b}, nil
}

func (b *recordBook) Close() error { return nil }

type recordRows struct {
	book  *recordBook
	index int
}

func (r *recordRows) Next() bool {
	if r.index > len(r.book.records) {
		return false
	}
	r.index++
	return true
}

func (r *recordRows) Index() int { return r.index }

func (r *recordRows) Cells() []domain.Cell {
	cells := make([]domain.Cell, len(r.book.keys))
	if r.index == 1 {
		for i, key := range r.book.keys {
			cells[i] = domain.TextCell(key)
		}
		return cells
	}
	record := r.book.records[r.index-2]
	for i, key := range r.book.keys {
		if cell, ok := record[key]; ok {
			cells[i] = cell
		} else {
			cells[i] = domain.BlankCell()
		}
	}
	return cells
}

func (r *recordRows) Err() error   { return nil }
func (r *recordRows) Close() error { return nil }

// openJSON reads a top-level array of flat objects.
func openJSON(path string) (workbook, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open json: %w", err)
	}
	defer func() { _ = file.Close() }()

	book := newRecordBook(path)
	dec := newJSONDecoder(file)
	if err := expectDelim(dec, '['); err != nil {
		return nil, fmt.Errorf("failed to read json: %w", err)
	}
	for n := 1; dec.More(); n++ {
		record, err := decodeRecord(dec, book)
		if err != nil {
			return nil, fmt.Errorf("failed to read json record %d: %w", n, err)
		}
		book.records = append(book.records, record)
	}
	if err := expectDelim(dec, ']'); err != nil {
		return nil, fmt.Errorf("failed to read json: %w", err)
	}
	return book, nil
}

// openGeoJSON reads a FeatureCollection. Feature properties become columns
// and the geometry is kept as GeoJSON text under geometryKey.
func openGeoJSON(path string) (workbook, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open geojson: %w", err)
	}
	defer func() { _ = file.Close() }()

	book := newRecordBook(path)
	dec := newJSONDecoder(file)
	if err := expectDelim(dec, '{'); err != nil {
		return nil, fmt.Errorf("failed to read geojson: %w", err)
	}

	var kind string
	for dec.More() {
		key, err := objectKey(dec)
		if err != nil {
			return nil, fmt.Errorf("failed to read geojson: %w", err)
		}
		switch key {
		case "type":
			if err := dec.Decode(&kind); err != nil {
				return nil, fmt.Errorf("failed to read geojson type: %w", err)
			}
		case "features":
			if err := decodeFeatures(dec, book); err != nil {
				return nil, err
			}
		default:
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return nil, fmt.Errorf("failed to read geojson member %q: %w", key, err)
			}
		}
	}
	if kind != "FeatureCollection" {
		return nil, &UnsupportedFormatError{Path: path, Detected: fmt.Sprintf("geojson %s", strconv.Quote(kind))}
	}
	return book, nil
}

type feature struct {
	Type       string          `json:"type"`
	Geometry   json.RawMessage `json:"geometry"`
	Properties json.RawMessage `json:"properties"`
}

func decodeFeatures(dec *json.Decoder, book *recordBook) error {
	if err := expectDelim(dec, '['); err != nil {
		return fmt.Errorf("failed to read geojson features: %w", err)
	}
	for n := 1; dec.More(); n++ {
		var f feature
		if err := dec.Decode(&f); err != nil {
			return fmt.Errorf("failed to read feature %d: %w", n, err)
		}
		if f.Type != "Feature" {
			return fmt.Errorf("feature %d has type %q", n, f.Type)
		}

		record := make(map[string]domain.Cell)
		if props := bytes.TrimSpace(f.Properties); len(props) > 0 && !bytes.Equal(props, []byte("null")) {
			decoded, err := decodeRecord(newJSONDecoder(bytes.NewReader(props)), book)
			if err != nil {
				return fmt.Errorf("failed to read feature %d properties: %w", n, err)
			}
			record = decoded
		}
		book.addKey(geometryKey)
		record[geometryKey] = geometryCell(f.Geometry)
		book.records = append(book.records, record)
	}
	return expectDelim(dec, ']')
}

// geometryCell re-encodes a feature geometry compactly. Geometries orb
// cannot decode are passed through so validation reports them per row.
func geometryCell(raw json.RawMessage) domain.Cell {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return domain.BlankCell()
	}
	g, err := geojson.UnmarshalGeometry(raw)
	if err != nil {
		return domain.TextCell(string(raw))
	}
	encoded, err := g.MarshalJSON()
	if err != nil {
		return domain.TextCell(string(raw))
	}
	return domain.TextCell(string(encoded))
}

// decodeRecord reads one object, registering its keys in order.
func decodeRecord(dec *json.Decoder, book *recordBook) (map[string]domain.Cell, error) {
	if err := expectDelim(dec, '{'); err != nil {
		return nil, err
	}
	record := make(map[string]domain.Cell)
	for dec.More() {
		key, err := objectKey(dec)
		if err != nil {
			return nil, err
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("value of %q: %w", key, err)
		}
		book.addKey(key)
		record[key] = jsonCell(raw)
	}
	if err := expectDelim(dec, '}'); err != nil {
		return nil, err
	}
	return record, nil
}

// jsonCell maps a JSON value onto the cell model. Strings are classified
// like delimited text; nested values are kept as compact JSON text.
func jsonCell(raw json.RawMessage) domain.Cell {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return domain.BlankCell()
	}
	switch raw[0] {
	case 'n':
		return domain.BlankCell()
	case 't', 'f':
		return domain.TextCell(string(raw))
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return domain.MalformedCell(string(raw))
		}
		return domain.ClassifyCell(s)
	case '{', '[':
		var compact bytes.Buffer
		if err := json.Compact(&compact, raw); err != nil {
			return domain.TextCell(string(raw))
		}
		return domain.TextCell(compact.String())
	default:
		n, err := strconv.ParseFloat(string(raw), 64)
		if err != nil {
			return domain.MalformedCell(string(raw))
		}
		return domain.NumberCell(n, string(raw))
	}
}

func newJSONDecoder(r io.Reader) *json.Decoder {
	dec := json.NewDecoder(bufio.NewReader(r))
	dec.UseNumber()
	return dec
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	token, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := token.(json.Delim); !ok || delim != want {
		return fmt.Errorf("expected %q, found %v", want, token)
	}
	return nil
}

func objectKey(dec *json.Decoder) (string, error) {
	token, err := dec.Token()
	if err != nil {
		return "", err
	}
	key, ok := token.(string)
	if !ok {
		return "", fmt.Errorf("expected object key, found %v", token)
	}
	return key, nil
}

// inspectJSON tells a record array from a GeoJSON object when the sniffed
// prefix was plain JSON.
func inspectJSON(path, detected string) (Format, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	defer func() { _ = file.Close() }()

	token, err := newJSONDecoder(file).Token()
	if err != nil {
		return "", &UnsupportedFormatError{Path: path, Detected: detected}
	}
	switch token {
	case json.Delim('['):
		return FormatJSON, nil
	case json.Delim('{'):
		return FormatGeoJSON, nil
	}
	return "", &UnsupportedFormatError{Path: path, Detected: detected}
}
