package spreadsheet

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rpattn/urbanimport/internal/domain"
)

var byteOrderMark = []byte{0xEF, 0xBB, 0xBF}

// csvBook presents a delimited text file as a single-sheet workbook.
type csvBook struct {
	path string
	file *os.File
}

func openCSV(path string) (workbook, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open csv: %w", err)
	}
	return &csvBook{path: path, file: file}, nil
}

func (b *csvBook) Sheets() []string { return []string{baseSheetName(b.path)} }

// baseSheetName names the implicit sheet of a single-sheet file.
func baseSheetName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func (b *csvBook) Rows(string) (sheetRows, error) {
	reader := bufio.NewReader(b.file)
	if prefix, err := reader.Peek(len(byteOrderMark)); err == nil && bytes.Equal(prefix, byteOrderMark) {
		_, _ = reader.Discard(len(byteOrderMark))
	}

	csvReader := csv.NewReader(reader)
	csvReader.Comma = sniffDelimiter(reader)
	csvReader.TrimLeadingSpace = true
	csvReader.FieldsPerRecord = -1
	csvReader.LazyQuotes = true

	return &csvRows{reader: csvReader}, nil
}

func (b *csvBook) Close() error { return b.file.Close() }

// sniffDelimiter picks the most frequent candidate separator on the first
// line, defaulting to a comma.
func sniffDelimiter(reader *bufio.Reader) rune {
	peek, _ := reader.Peek(reader.Size())
	if i := bytes.IndexByte(peek, '\n'); i >= 0 {
		peek = peek[:i]
	}

	best, bestCount := ',', 0
	for _, candidate := range []rune{',', ';', '\t'} {
		if n := countOutsideQuotes(peek, byte(candidate)); n > bestCount {
			best, bestCount = candidate, n
		}
	}
	return best
}

func countOutsideQuotes(line []byte, sep byte) int {
	count, quoted := 0, false
	for _, c := range line {
		switch {
		case c == '"':
			quoted = !quoted
		case c == sep && !quoted:
			count++
		}
	}
	return count
}

type csvRows struct {
	reader *csv.Reader
	index  int
	cells  []domain.Cell
	err    error
}

func (r *csvRows) Next() bool {
	if r.err != nil {
		return false
	}
	record, err := r.reader.Read()
	if errors.Is(err, io.EOF) {
		return false
	}
	if err != nil {
		r.err = fmt.Errorf("failed to read csv: %w", err)
		return false
	}
	r.index++
	r.cells = make([]domain.Cell, len(record))
	for i, value := range record {
		r.cells[i] = domain.ClassifyCell(value)
	}
	return true
}

func (r *csvRows) Index() int { return r.index }

func (r *csvRows) Cells() []domain.Cell { return r.cells }

func (r *csvRows) Err() error { return r.err }

func (r *csvRows) Close() error { return nil }
