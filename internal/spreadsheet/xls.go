package spreadsheet

import (
	"fmt"
	"os"

	"github.com/extrame/xls"

	"github.com/rpattn/urbanimport/internal/domain"
)

// xlsMaxColumns is the BIFF8 column limit.
const xlsMaxColumns = 256

// xlsBook reads legacy BIFF workbooks. The decoder parses a whole sheet up
// front; the format caps sheets at 65536 rows.
type xlsBook struct {
	file *os.File
	wb   *xls.WorkBook
}

func openXLS(path string) (book workbook, err error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open xls: %w", err)
	}

	// The decoder panics on truncated or corrupt streams.
	defer func() {
		if p := recover(); p != nil {
			_ = file.Close()
			book, err = nil, fmt.Errorf("failed to open xls: corrupt workbook: %v", p)
		}
	}()

	wb, err := xls.OpenReader(file, "utf-8")
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to open xls: %w", err)
	}
	return &xlsBook{file: file, wb: wb}, nil
}

func (b *xlsBook) Sheets() []string {
	names := make([]string, 0, b.wb.NumSheets())
	for i := 0; i < b.wb.NumSheets(); i++ {
		if sheet := b.wb.GetSheet(i); sheet != nil {
			names = append(names, sheet.Name)
		}
	}
	return names
}

func (b *xlsBook) Rows(name string) (rows sheetRows, err error) {
	defer func() {
		if p := recover(); p != nil {
			rows, err = nil, fmt.Errorf("corrupt sheet %q: %v", name, p)
		}
	}()

	for i := 0; i < b.wb.NumSheets(); i++ {
		sheet := b.wb.GetSheet(i)
		if sheet != nil && sheet.Name == name {
			return &xlsRows{sheet: sheet, last: int(sheet.MaxRow), index: -1}, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrSheetNotFound, name)
}

func (b *xlsBook) Close() error { return b.file.Close() }

type xlsRows struct {
	sheet *xls.WorkSheet
	last  int
	index int
	cells []domain.Cell
	err   error
}

func (r *xlsRows) Next() (ok bool) {
	if r.err != nil || r.index >= r.last {
		return false
	}
	r.index++

	defer func() {
		if p := recover(); p != nil {
			r.err = fmt.Errorf("row %d: corrupt record: %v", r.index+1, p)
			ok = false
		}
	}()

	row := sheetRow(r.sheet, r.index)
	if row == nil {
		r.cells = nil
		return true
	}
	width := row.LastCol()
	if width <= 0 {
		// Cells written without a ROW record carry no extent.
		width = xlsMaxColumns
	}
	r.cells = make([]domain.Cell, width)
	for col := 0; col < width; col++ {
		r.cells[col] = domain.ClassifyCell(row.Col(col))
	}
	for len(r.cells) > 0 && r.cells[len(r.cells)-1].IsBlank() {
		r.cells = r.cells[:len(r.cells)-1]
	}
	return true
}

// sheetRow returns nil for rows the sheet holds no record for; the decoder
// dereferences the missing row instead of reporting it.
func sheetRow(sheet *xls.WorkSheet, i int) (row *xls.Row) {
	defer func() {
		if recover() != nil {
			row = nil
		}
	}()
	return sheet.Row(i)
}

func (r *xlsRows) Index() int { return r.index + 1 }

func (r *xlsRows) Cells() []domain.Cell { return r.cells }

func (r *xlsRows) Err() error { return r.err }

func (r *xlsRows) Close() error { return nil }
