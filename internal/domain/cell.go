package domain

import (
	"strconv"
	"strings"
)

// CellKind tags the variant held by a Cell.
type CellKind uint8

const (
	CellBlank CellKind = iota
	CellText
	CellNumber
	CellMalformed
)

func (k CellKind) String() string {
	switch k {
	case CellBlank:
		return "blank"
	case CellText:
		return "text"
	case CellNumber:
		return "number"
	case CellMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Cell is a single spreadsheet value. Number cells keep the literal they
// were read from so string columns see the original text (leading zeros,
// trailing decimals).
type Cell struct {
	Kind    CellKind
	Literal string
	Number  float64
}

// spreadsheetErrors lists the error literals spreadsheet engines write into
// cells whose formula failed.
var spreadsheetErrors = map[string]struct{}{
	"#N/A":          {},
	"#DIV/0!":       {},
	"#VALUE!":       {},
	"#REF!":         {},
	"#NAME?":        {},
	"#NUM!":         {},
	"#NULL!":        {},
	"#GETTING_DATA": {},
}

// BlankCell returns the empty cell.
func BlankCell() Cell { return Cell{Kind: CellBlank} }

// TextCell wraps a text literal.
func TextCell(s string) Cell { return Cell{Kind: CellText, Literal: s} }

// NumberCell wraps a numeric value with the literal it was read from.
func NumberCell(n float64, literal string) Cell {
	if literal == "" {
		literal = strconv.FormatFloat(n, 'f', -1, 64)
	}
	return Cell{Kind: CellNumber, Number: n, Literal: literal}
}

// MalformedCell wraps a spreadsheet error literal.
func MalformedCell(literal string) Cell { return Cell{Kind: CellMalformed, Literal: literal} }

// ClassifyCell turns raw cell text into a Cell.
func ClassifyCell(raw string) Cell {
	value := strings.TrimSpace(raw)
	if value == "" {
		return BlankCell()
	}
	if strings.HasPrefix(value, "#") {
		if _, ok := spreadsheetErrors[strings.ToUpper(value)]; ok {
			return MalformedCell(value)
		}
	}
	if n, err := strconv.ParseFloat(value, 64); err == nil && isPlainNumber(value) {
		return NumberCell(n, value)
	}
	return TextCell(value)
}

// isPlainNumber rejects literals ParseFloat accepts but a sheet would not
// hold as a number (Inf, NaN, hex floats, underscores).
func isPlainNumber(value string) bool {
	for _, r := range value {
		switch {
		case r >= '0' && r <= '9':
		case r == '.', r == '-', r == '+', r == 'e', r == 'E':
		default:
			return false
		}
	}
	return true
}

// IsBlank reports whether the cell holds no value.
func (c Cell) IsBlank() bool { return c.Kind == CellBlank }

// String returns the cell literal.
func (c Cell) String() string { return c.Literal }
