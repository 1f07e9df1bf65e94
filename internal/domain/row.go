package domain

import (
	"fmt"
	"strings"
)

// Header is the ordered list of column names taken from a sheet's header row.
type Header struct {
	Names []string
	// Row is the 1-based sheet row the header was read from.
	Row   int
	index map[string]int
}

// NewHeader builds a header and its case-insensitive lookup.
func NewHeader(row int, names []string) *Header {
	h := &Header{Row: row, Names: append([]string(nil), names...), index: make(map[string]int, len(names))}
	for i, name := range h.Names {
		h.index[FoldHeader(name)] = i
	}
	return h
}

// FoldHeader is the comparison key for header names.
func FoldHeader(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Index returns the position of the named column.
func (h *Header) Index(name string) (int, bool) {
	if h == nil {
		return 0, false
	}
	i, ok := h.index[FoldHeader(name)]
	return i, ok
}

// Len returns the number of header columns.
func (h *Header) Len() int {
	if h == nil {
		return 0
	}
	return len(h.Names)
}

// RawRow is one data row as read from the sheet. It is not modified after
// the reader hands it out.
type RawRow struct {
	// Index is the 1-based sheet row number.
	Index  int
	Header *Header
	Cells  []Cell
	// ShapeErr is set when the row had values beyond the header width.
	ShapeErr error
}

// Cell returns the cell under the named column.
func (r RawRow) Cell(name string) (Cell, bool) {
	i, ok := r.Header.Index(name)
	if !ok || i >= len(r.Cells) {
		return BlankCell(), false
	}
	return r.Cells[i], true
}

// Values returns the cell literals keyed by header name.
func (r RawRow) Values() map[string]string {
	values := make(map[string]string, len(r.Cells))
	if r.Header == nil {
		return values
	}
	for i, name := range r.Header.Names {
		if i < len(r.Cells) {
			values[name] = r.Cells[i].Literal
		}
	}
	return values
}

// ViolationKind groups violations by the validation stage that raised them.
type ViolationKind string

const (
	ViolationRequired ViolationKind = "required"
	ViolationType     ViolationKind = "type"
	ViolationDomain   ViolationKind = "domain"
	ViolationShape    ViolationKind = "shape"
)

// Violation is one reason a row was rejected.
type Violation struct {
	Column  string        `json:"column,omitempty"`
	Kind    ViolationKind `json:"kind"`
	Message string        `json:"message"`
}

func (v Violation) String() string {
	if v.Column == "" {
		return fmt.Sprintf("%s: %s", v.Kind, v.Message)
	}
	return fmt.Sprintf("%s: %s: %s", v.Column, v.Kind, v.Message)
}

// RejectedRow is a row that failed validation along with every reason.
type RejectedRow struct {
	Row        RawRow
	Violations []Violation
}

// Reasons renders the violations as strings in the order they were found.
func (r RejectedRow) Reasons() []string {
	reasons := make([]string, len(r.Violations))
	for i, v := range r.Violations {
		reasons[i] = v.String()
	}
	return reasons
}
