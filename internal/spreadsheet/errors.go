package spreadsheet

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedFormat is returned when the file signature matches no
	// known workbook format.
	ErrUnsupportedFormat = errors.New("unsupported file format")
	ErrSheetNotFound     = errors.New("sheet not found")
	ErrNoHeader          = errors.New("header row could not be detected")
)

// UnsupportedFormatError names the file and what its signature looked like.
type UnsupportedFormatError struct {
	Path     string
	Detected string
}

func (e *UnsupportedFormatError) Error() string {
	if e.Detected == "" {
		return fmt.Sprintf("%s: %v", e.Path, ErrUnsupportedFormat)
	}
	return fmt.Sprintf("%s: %v (detected %s)", e.Path, ErrUnsupportedFormat, e.Detected)
}

func (e *UnsupportedFormatError) Unwrap() error { return ErrUnsupportedFormat }

// HeaderError reports a header row that cannot identify columns unambiguously.
type HeaderError struct {
	Row    int
	Column string
	Reason string
}

func (e *HeaderError) Error() string {
	return fmt.Sprintf("header row %d: column %q: %s", e.Row, e.Column, e.Reason)
}

// RowShapeError marks a data row holding values beyond the header width.
type RowShapeError struct {
	Row   int
	Width int
	Got   int
}

func (e *RowShapeError) Error() string {
	return fmt.Sprintf("row %d has values in %d columns but the header defines %d", e.Row, e.Got, e.Width)
}
