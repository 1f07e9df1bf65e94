package spreadsheet

import (
	"archive/zip"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rpattn/urbanimport/internal/domain"
)

// maxODSColumns bounds repeated-cell expansion to the widest sheet an
// OpenDocument spreadsheet can hold.
const maxODSColumns = 16384

// maxODSCellText bounds the text a cell expands to through text:s runs.
const maxODSCellText = 32767

// odsBook streams content.xml of an OpenDocument spreadsheet so only the
// current row is held in memory.
type odsBook struct {
	archive *zip.ReadCloser
	content *zip.File
	sheets  []string
}

func openODS(path string) (workbook, error) {
	archive, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ods: %w", err)
	}

	book := &odsBook{archive: archive}
	for _, file := range archive.File {
		if file.Name == "content.xml" {
			book.content = file
			break
		}
	}
	if book.content == nil {
		_ = archive.Close()
		return nil, errors.New("failed to open ods: content.xml missing")
	}

	if book.sheets, err = book.scanSheetNames(); err != nil {
		_ = archive.Close()
		return nil, fmt.Errorf("failed to open ods: %w", err)
	}
	return book, nil
}

func (b *odsBook) scanSheetNames() ([]string, error) {
	rc, err := b.content.Open()
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	var names []string
	decoder := xml.NewDecoder(rc)
	for {
		token, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			return names, nil
		}
		if err != nil {
			return nil, err
		}
		if start, ok := token.(xml.StartElement); ok && start.Name.Local == "table" {
			names = append(names, attr(start, "name"))
			// Skip the table body; only names are needed here.
			if err := decoder.Skip(); err != nil {
				return nil, err
			}
		}
	}
}

func (b *odsBook) Sheets() []string { return b.sheets }

func (b *odsBook) Rows(sheet string) (sheetRows, error) {
	rc, err := b.content.Open()
	if err != nil {
		return nil, err
	}
	decoder := xml.NewDecoder(rc)
	for {
		token, err := decoder.Token()
		if err != nil {
			_ = rc.Close()
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("%w: %q", ErrSheetNotFound, sheet)
			}
			return nil, err
		}
		if start, ok := token.(xml.StartElement); ok && start.Name.Local == "table" {
			if attr(start, "name") == sheet {
				return &odsRows{closer: rc, decoder: decoder}, nil
			}
			if err := decoder.Skip(); err != nil {
				_ = rc.Close()
				return nil, err
			}
		}
	}
}

func (b *odsBook) Close() error { return b.archive.Close() }

type odsRows struct {
	closer  io.Closer
	decoder *xml.Decoder
	index   int
	cells   []domain.Cell
	// repeat counts further copies of cells still to be emitted.
	repeat int
	done   bool
	err    error
}

func (r *odsRows) Next() bool {
	if r.repeat > 0 {
		r.repeat--
		r.index++
		return true
	}
	if r.done || r.err != nil {
		return false
	}

	for {
		token, err := r.decoder.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			r.err = err
			return false
		}
		switch el := token.(type) {
		case xml.StartElement:
			if el.Name.Local != "table-row" {
				continue
			}
			repeat := atoiDefault(attr(el, "number-rows-repeated"), 1)
			cells, err := r.readRow()
			if err != nil {
				r.err = fmt.Errorf("row %d: %w", r.index+1, err)
				return false
			}
			if isBlankRow(cells) {
				// Blank runs are often the rest of the sheet; count them
				// without materializing.
				r.index += repeat
				continue
			}
			r.cells = cells
			r.index++
			r.repeat = repeat - 1
			return true
		case xml.EndElement:
			if el.Name.Local == "table" {
				r.done = true
				return false
			}
		}
	}
}

// readRow consumes one table-row element. Trailing blank cells are dropped.
func (r *odsRows) readRow() ([]domain.Cell, error) {
	var cells []domain.Cell
	pendingBlanks := 0

	for {
		token, err := r.decoder.Token()
		if err != nil {
			return nil, err
		}
		switch el := token.(type) {
		case xml.StartElement:
			if el.Name.Local != "table-cell" && el.Name.Local != "covered-table-cell" {
				if err := r.decoder.Skip(); err != nil {
					return nil, err
				}
				continue
			}
			repeat := atoiDefault(attr(el, "number-columns-repeated"), 1)
			cell, err := r.readCell(el)
			if err != nil {
				return nil, err
			}
			if cell.IsBlank() {
				pendingBlanks += repeat
				continue
			}
			if len(cells)+pendingBlanks+repeat > maxODSColumns {
				return nil, fmt.Errorf("row wider than %d columns", maxODSColumns)
			}
			for ; pendingBlanks > 0; pendingBlanks-- {
				cells = append(cells, domain.BlankCell())
			}
			for i := 0; i < repeat; i++ {
				cells = append(cells, cell)
			}
		case xml.EndElement:
			if el.Name.Local == "table-row" {
				return cells, nil
			}
		}
	}
}

func (r *odsRows) readCell(start xml.StartElement) (domain.Cell, error) {
	text, err := r.readCellText(start.Name.Local)
	if err != nil {
		return domain.Cell{}, err
	}
	if start.Name.Local == "covered-table-cell" {
		return domain.BlankCell(), nil
	}

	switch attr(start, "value-type") {
	case "float", "percentage", "currency":
		raw := attr(start, "value")
		if n, err := strconv.ParseFloat(raw, 64); err == nil {
			return domain.NumberCell(n, raw), nil
		}
		return domain.ClassifyCell(text), nil
	case "date":
		return domain.TextCell(attr(start, "date-value")), nil
	case "boolean":
		return domain.TextCell(attr(start, "boolean-value")), nil
	default:
		return domain.ClassifyCell(text), nil
	}
}

// readCellText collects the paragraphs of a cell, expanding text:s and
// text:tab placeholders.
func (r *odsRows) readCellText(element string) (string, error) {
	var (
		builder    strings.Builder
		paragraphs int
		depth      int
	)
	for {
		token, err := r.decoder.Token()
		if err != nil {
			return "", err
		}
		switch el := token.(type) {
		case xml.StartElement:
			depth++
			switch el.Name.Local {
			case "p":
				if paragraphs > 0 {
					builder.WriteByte('\n')
				}
				paragraphs++
			case "s":
				spaces := min(atoiDefault(attr(el, "c"), 1), maxODSCellText-builder.Len())
				if spaces > 0 {
					builder.WriteString(strings.Repeat(" ", spaces))
				}
			case "tab":
				builder.WriteByte('\t')
			case "line-break":
				builder.WriteByte('\n')
			case "annotation":
				if err := r.decoder.Skip(); err != nil {
					return "", err
				}
				depth--
			}
		case xml.CharData:
			if depth > 0 {
				builder.Write(el)
			}
		case xml.EndElement:
			if depth == 0 && el.Name.Local == element {
				return builder.String(), nil
			}
			depth--
		}
	}
}

func (r *odsRows) Index() int { return r.index }

func (r *odsRows) Cells() []domain.Cell { return r.cells }

func (r *odsRows) Err() error { return r.err }

func (r *odsRows) Close() error { return r.closer.Close() }

func attr(el xml.StartElement, local string) string {
	for _, a := range el.Attr {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

func atoiDefault(raw string, fallback int) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}
