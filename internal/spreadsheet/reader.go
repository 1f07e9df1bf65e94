// Package spreadsheet streams rows out of workbook files. Every container
// format sits behind the same sheet interface and is chosen by content
// signature, never by file extension.
package spreadsheet

import (
	"context"
	"fmt"
	"strings"

	"github.com/rpattn/urbanimport/internal/domain"
)

// Options selects what to read from a workbook.
type Options struct {
	// Sheet names the data sheet. Empty selects the first sheet. Delimited
	// text and JSON files have a single sheet and ignore it.
	Sheet string
	// HeaderRow pins the 1-based header row. Zero picks the first non-blank row.
	HeaderRow int
}

// sheetRows iterates the physical rows of one sheet.
type sheetRows interface {
	Next() bool
	// Index is the 1-based row number of the current row.
	Index() int
	Cells() []domain.Cell
	Err() error
	Close() error
}

type workbook interface {
	Sheets() []string
	Rows(sheet string) (sheetRows, error)
	Close() error
}

var openers = map[Format]func(path string) (workbook, error){
	FormatXLSX:    openXLSX,
	FormatXLS:     openXLS,
	FormatODS:     openODS,
	FormatCSV:     openCSV,
	FormatJSON:    openJSON,
	FormatGeoJSON: openGeoJSON,
}

// Reader yields the data rows of one sheet in order, one pass only.
type Reader struct {
	path   string
	format Format
	sheet  string
	book   workbook
	rows   sheetRows
	header *domain.Header

	current domain.RawRow
	err     error
	done    bool
}

// Open detects the file format, selects the data sheet and reads its header.
func Open(path string, opts Options) (*Reader, error) {
	format, err := Detect(path)
	if err != nil {
		return nil, err
	}

	book, err := openers[format](path)
	if err != nil {
		return nil, err
	}

	sheet, err := selectSheet(book, format, opts.Sheet)
	if err != nil {
		_ = book.Close()
		return nil, err
	}

	rows, err := book.Rows(sheet)
	if err != nil {
		_ = book.Close()
		return nil, fmt.Errorf("failed to read sheet %q: %w", sheet, err)
	}

	r := &Reader{path: path, format: format, sheet: sheet, book: book, rows: rows}
	if err := r.readHeader(opts.HeaderRow); err != nil {
		_ = r.Close()
		return nil, err
	}
	return r, nil
}

func selectSheet(book workbook, format Format, requested string) (string, error) {
	sheets := book.Sheets()
	if len(sheets) == 0 {
		return "", fmt.Errorf("%w: workbook has no sheets", ErrSheetNotFound)
	}
	requested = strings.TrimSpace(requested)
	if requested == "" || format.singleSheet() {
		return sheets[0], nil
	}
	for _, name := range sheets {
		if name == requested {
			return name, nil
		}
	}
	for _, name := range sheets {
		if strings.EqualFold(name, requested) {
			return name, nil
		}
	}
	return "", fmt.Errorf("%w: %q (available: %s)", ErrSheetNotFound, requested, strings.Join(sheets, ", "))
}

func (r *Reader) readHeader(pinned int) error {
	for r.rows.Next() {
		cells := r.rows.Cells()
		index := r.rows.Index()
		if pinned > 0 && index < pinned {
			continue
		}
		if isBlankRow(cells) {
			if pinned > 0 {
				return &HeaderError{Row: index, Reason: "selected header row is empty"}
			}
			continue
		}
		header, err := buildHeader(index, cells)
		if err != nil {
			return err
		}
		r.header = header
		return nil
	}
	if err := r.rows.Err(); err != nil {
		return fmt.Errorf("failed to read %s: %w", r.path, err)
	}
	return ErrNoHeader
}

func buildHeader(row int, cells []domain.Cell) (*domain.Header, error) {
	width := len(cells)
	for width > 0 && cells[width-1].IsBlank() {
		width--
	}

	names := make([]string, width)
	seen := make(map[string]int, width)
	for i := 0; i < width; i++ {
		name := strings.TrimSpace(cells[i].Literal)
		if name == "" {
			name = fmt.Sprintf("column_%d", i+1)
		}
		key := domain.FoldHeader(name)
		if first, dup := seen[key]; dup {
			return nil, &HeaderError{
				Row:    row,
				Column: name,
				Reason: fmt.Sprintf("duplicates column %d (%q)", first+1, names[first]),
			}
		}
		seen[key] = i
		names[i] = name
	}
	return domain.NewHeader(row, names), nil
}

// Header returns the header read by Open.
func (r *Reader) Header() *domain.Header { return r.header }

// Format returns the detected container format.
func (r *Reader) Format() Format { return r.format }

// Sheet returns the name of the sheet being read.
func (r *Reader) Sheet() string { return r.sheet }

// Next advances to the next non-blank data row.
func (r *Reader) Next(ctx context.Context) bool {
	if r.done || r.err != nil {
		return false
	}
	if err := ctx.Err(); err != nil {
		r.err = err
		return false
	}

	for r.rows.Next() {
		cells := r.rows.Cells()
		if isBlankRow(cells) {
			continue
		}
		r.current = r.shape(r.rows.Index(), cells)
		return true
	}

	if err := r.rows.Err(); err != nil {
		r.err = fmt.Errorf("failed to read %s: %w", r.path, err)
	}
	r.done = true
	return false
}

// Row returns the row Next advanced to.
func (r *Reader) Row() domain.RawRow { return r.current }

// Err returns the first read error, if any.
func (r *Reader) Err() error { return r.err }

// Close releases the underlying file.
func (r *Reader) Close() error {
	var firstErr error
	if r.rows != nil {
		firstErr = r.rows.Close()
	}
	if r.book != nil {
		if err := r.book.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Reader) shape(index int, cells []domain.Cell) domain.RawRow {
	width := r.header.Len()
	row := domain.RawRow{Index: index, Header: r.header, Cells: make([]domain.Cell, width)}

	copy(row.Cells, cells)
	for i := len(cells); i < width; i++ {
		row.Cells[i] = domain.BlankCell()
	}

	if len(cells) > width {
		last := 0
		for i := width; i < len(cells); i++ {
			if !cells[i].IsBlank() {
				last = i + 1
			}
		}
		if last > 0 {
			row.ShapeErr = &RowShapeError{Row: index, Width: width, Got: last}
		}
	}
	return row
}

func isBlankRow(cells []domain.Cell) bool {
	for _, cell := range cells {
		if !cell.IsBlank() {
			return false
		}
	}
	return true
}
