package spreadsheet

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Format is a workbook container format.
type Format string

const (
	FormatXLSX Format = "xlsx"
	FormatXLS  Format = "xls"
	FormatODS  Format = "ods"
	FormatCSV  Format = "csv"
	// FormatJSON is an array of flat objects, one record per object.
	FormatJSON Format = "json"
	// FormatGeoJSON is a FeatureCollection, one record per feature.
	FormatGeoJSON Format = "geojson"
)

// singleSheet reports whether the format has exactly one implicit sheet.
func (f Format) singleSheet() bool {
	return f == FormatCSV || f == FormatJSON || f == FormatGeoJSON
}

const (
	mimeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	mimeXLS  = "application/vnd.ms-excel"
	mimeOLE  = "application/x-ole-storage"
	mimeODS  = "application/vnd.oasis.opendocument.spreadsheet"
	mimeZip  = "application/zip"
	mimeCSV  = "text/csv"
	mimeTSV  = "text/tab-separated-values"
	mimeText = "text/plain"
	mimeJSON = "application/json"
	mimeGeo  = "application/geo+json"
)

// Detect identifies the workbook format from the file's content signature.
// The extension is ignored.
func Detect(path string) (Format, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	if info.Size() == 0 {
		return "", &UnsupportedFormatError{Path: path, Detected: "empty file"}
	}

	detected, err := mimetype.DetectFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}

	// Text formats have no signature; only accept them when text is the
	// most specific match so markup and scripts are not read as CSV.
	if detected.Is(mimeCSV) || detected.Is(mimeTSV) || detected.Is(mimeText) {
		return FormatCSV, nil
	}

	for m := detected; m != nil; m = m.Parent() {
		switch {
		case m.Is(mimeXLSX):
			return FormatXLSX, nil
		case m.Is(mimeODS):
			return FormatODS, nil
		case m.Is(mimeXLS), m.Is(mimeOLE):
			return FormatXLS, nil
		case m.Is(mimeZip):
			return inspectZip(path, detected.String())
		case m.Is(mimeGeo):
			return FormatGeoJSON, nil
		case m.Is(mimeJSON):
			return inspectJSON(path, detected.String())
		}
	}

	return "", &UnsupportedFormatError{Path: path, Detected: detected.String()}
}

// inspectZip looks at the archive directory when the sniffed prefix did not
// reach the entries that identify the workbook kind.
func inspectZip(path, detected string) (Format, error) {
	archive, err := zip.OpenReader(path)
	if err != nil {
		return "", &UnsupportedFormatError{Path: path, Detected: detected}
	}
	defer func() { _ = archive.Close() }()

	hasContent := false
	for _, file := range archive.File {
		switch file.Name {
		case "xl/workbook.xml":
			return FormatXLSX, nil
		case "mimetype":
			rc, err := file.Open()
			if err != nil {
				continue
			}
			payload, _ := io.ReadAll(io.LimitReader(rc, 256))
			_ = rc.Close()
			if strings.TrimSpace(string(payload)) == mimeODS {
				return FormatODS, nil
			}
		case "content.xml":
			hasContent = true
		}
	}
	if hasContent {
		return FormatODS, nil
	}
	return "", &UnsupportedFormatError{Path: path, Detected: detected}
}
