package spreadsheet

import (
	"fmt"

	"github.com/xuri/excelize/v2"

	"github.com/rpattn/urbanimport/internal/domain"
)

type xlsxBook struct {
	file *excelize.File
}

func openXLSX(path string) (workbook, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open xlsx: %w", err)
	}
	return &xlsxBook{file: f}, nil
}

func (b *xlsxBook) Sheets() []string { return b.file.GetSheetList() }

func (b *xlsxBook) Rows(sheet string) (sheetRows, error) {
	rows, err := b.file.Rows(sheet)
	if err != nil {
		return nil, err
	}
	return &xlsxRows{rows: rows}, nil
}

func (b *xlsxBook) Close() error { return b.file.Close() }

// xlsxRows wraps the excelize streaming iterator, which yields one step per
// physical row including empty gaps.
type xlsxRows struct {
	rows  *excelize.Rows
	index int
	cells []domain.Cell
	err   error
}

func (r *xlsxRows) Next() bool {
	if r.err != nil || !r.rows.Next() {
		return false
	}
	r.index++

	// Raw values keep dates as serial numbers and skip number formats.
	columns, err := r.rows.Columns(excelize.Options{RawCellValue: true})
	if err != nil {
		r.err = fmt.Errorf("row %d: %w", r.index, err)
		return false
	}
	r.cells = make([]domain.Cell, len(columns))
	for i, value := range columns {
		r.cells[i] = domain.ClassifyCell(value)
	}
	return true
}

func (r *xlsxRows) Index() int { return r.index }

func (r *xlsxRows) Cells() []domain.Cell { return r.cells }

func (r *xlsxRows) Err() error {
	if r.err != nil {
		return r.err
	}
	return r.rows.Error()
}

func (r *xlsxRows) Close() error { return r.rows.Close() }
