package validator

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"github.com/rpattn/urbanimport/internal/domain"
)

var (
	timeLayouts = []string{
		time.RFC3339,
		time.RFC3339Nano,
		"2006-01-02",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02 15:04:05.000",
		"2006-01-02 15:04:05.000000",
		"2006-01-02 15:04:05.000000000",
		"2006/01/02",
		"02.01.2006",
		"02.01.2006 15:04",
		"02.01.2006 15:04:05",
		"01/02/2006",
		"02/01/2006",
	}

	defaultTrueWords  = []string{"true", "t", "yes", "y", "1", "on", "да", "истина", "+"}
	defaultFalseWords = []string{"false", "f", "no", "n", "0", "off", "нет", "ложь", "-"}

	errMalformed = errors.New("malformed cell value")
)

// integerBounds maps a column bit size to its inclusive range.
var integerBounds = map[int][2]int64{
	16: {math.MinInt16, math.MaxInt16},
	32: {math.MinInt32, math.MaxInt32},
	64: {math.MinInt64, math.MaxInt64},
}

// coerceValue converts a cell to the Go value written into the column.
func (v *RowValidator) coerceValue(column domain.ColumnDefinition, cell domain.Cell) (any, error) {
	if cell.Kind == domain.CellMalformed {
		return nil, fmt.Errorf("%w %s", errMalformed, cell.Literal)
	}
	raw := strings.TrimSpace(cell.Literal)

	switch column.Type {
	case domain.FieldTypeString:
		if column.MaxLength > 0 {
			if n := utf8.RuneCountInString(raw); n > column.MaxLength {
				return nil, fmt.Errorf("value is %d characters, column allows %d", n, column.MaxLength)
			}
		}
		return raw, nil
	case domain.FieldTypeInteger:
		return coerceInteger(cell, raw, column.Bits)
	case domain.FieldTypeFloat:
		if cell.Kind == domain.CellNumber {
			return cell.Number, nil
		}
		f, err := parseLocaleFloat(raw)
		if err != nil {
			return nil, fmt.Errorf("unable to coerce %q to float", raw)
		}
		return f, nil
	case domain.FieldTypeDecimal:
		d, err := decimal.NewFromString(normalizeNumber(raw))
		if err != nil {
			return nil, fmt.Errorf("unable to coerce %q to decimal", raw)
		}
		return d, nil
	case domain.FieldTypeBoolean:
		return v.coerceBoolean(raw)
	case domain.FieldTypeTimestamp, domain.FieldTypeDate:
		ts, err := coerceTimestamp(cell, raw)
		if err != nil {
			return nil, err
		}
		if column.Type == domain.FieldTypeDate {
			y, m, d := ts.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
		}
		return ts, nil
	case domain.FieldTypeJSON:
		if !json.Valid([]byte(raw)) {
			return nil, fmt.Errorf("invalid json payload")
		}
		return json.RawMessage(raw), nil
	case domain.FieldTypeUUID:
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("unable to coerce %q to uuid", raw)
		}
		return id, nil
	case domain.FieldTypeGeometry:
		return parseGeometry(raw)
	default:
		return raw, nil
	}
}

func coerceInteger(cell domain.Cell, raw string, bits int) (int64, error) {
	var (
		value int64
		ok    bool
	)
	if cell.Kind == domain.CellNumber {
		if cell.Number == math.Trunc(cell.Number) && math.Abs(cell.Number) < 1<<63 {
			value, ok = int64(cell.Number), true
		}
	} else {
		normalized := normalizeNumber(raw)
		if i, err := strconv.ParseInt(normalized, 10, 64); err == nil {
			value, ok = i, true
		} else if f, err := strconv.ParseFloat(normalized, 64); err == nil && math.Mod(f, 1) == 0 && math.Abs(f) < 1<<63 {
			value, ok = int64(f), true
		}
	}
	if !ok {
		return 0, fmt.Errorf("unable to coerce %q to integer", raw)
	}
	if bounds, known := integerBounds[bits]; known && (value < bounds[0] || value > bounds[1]) {
		return 0, fmt.Errorf("value %d out of range for %d-bit integer", value, bits)
	}
	return value, nil
}

func (v *RowValidator) coerceBoolean(raw string) (bool, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	if _, ok := v.trueWords[value]; ok {
		return true, nil
	}
	if _, ok := v.falseWords[value]; ok {
		return false, nil
	}
	return false, fmt.Errorf("unable to coerce %q to boolean", raw)
}

func coerceTimestamp(cell domain.Cell, raw string) (time.Time, error) {
	if cell.Kind == domain.CellNumber {
		ts, err := excelize.ExcelDateToTime(cell.Number, false)
		if err != nil {
			return time.Time{}, fmt.Errorf("unable to coerce %q to timestamp: %w", raw, err)
		}
		return ts, nil
	}
	ts, err := parseTimestamp(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("unable to coerce %q to timestamp: %w", raw, err)
	}
	return ts, nil
}

func parseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format")
}

// normalizeNumber strips digit group separators and turns a lone decimal
// comma into a point ("1 234,5" -> "1234.5").
func normalizeNumber(raw string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(raw) {
		switch r {
		case ' ', '\u00a0', '\u202f', '\'':
			continue
		}
		b.WriteRune(r)
	}
	s := b.String()
	hasComma := strings.Contains(s, ",")
	hasPoint := strings.Contains(s, ".")
	switch {
	case hasComma && hasPoint:
		s = strings.ReplaceAll(s, ",", "")
	case hasComma && strings.Count(s, ",") == 1:
		s = strings.Replace(s, ",", ".", 1)
	}
	return s
}

func parseLocaleFloat(raw string) (float64, error) {
	f, err := strconv.ParseFloat(normalizeNumber(raw), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%q is not a finite number", raw)
	}
	return f, nil
}
