package parser

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

// maxListParts caps how many part numbers a list file may carry.
const maxListParts = 100000

// partColumnNames are header spellings recognized as the part-number
// column of a list file, compared case-insensitively with separators
// stripped.
var partColumnNames = map[string]bool{
	"partnumber":  true,
	"partno":      true,
	"part":        true,
	"pn":          true,
	"mpn":         true,
	"partnumbers": true,
}

// PartList extracts the part numbers from an uploaded list file. CSV and
// XLSX are supported; the part-number column is located by header name,
// falling back to the first column when the file has no recognizable
// header. Blank cells are skipped; duplicates are preserved for the
// engine to collapse.
func PartList(r io.Reader, filename string) ([]string, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv", ".txt":
		return partListCSV(r)
	case ".xlsx", ".xls":
		return partListWorkbook(r)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(filename))
	}
}

func partListCSV(r io.Reader) ([]string, error) {
	records := csv.NewReader(bufio.NewReader(r))
	records.FieldsPerRecord = -1
	records.LazyQuotes = true

	var parts []string
	col := -1
	for {
		rec, err := records.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			if _, ok := err.(*csv.ParseError); ok {
				continue
			}
			return nil, fmt.Errorf("failed to read list file: %w", err)
		}
		if recordEmpty(rec) {
			continue
		}
		if col < 0 {
			var isHeader bool
			col, isHeader = locatePartColumn(rec)
			if isHeader {
				continue
			}
		}
		parts = appendPartCell(parts, rec, col)
		if len(parts) > maxListParts {
			return nil, fmt.Errorf("list file exceeds %d parts", maxListParts)
		}
	}
	return parts, nil
}

func partListWorkbook(r io.Reader) ([]string, error) {
	file, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open list workbook: %w", err)
	}
	defer file.Close()

	sheets := file.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("list workbook has no sheets")
	}

	rows, err := file.Rows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("failed to open sheet %q: %w", sheets[0], err)
	}
	defer rows.Close()

	var parts []string
	col := -1
	for rows.Next() {
		cells, err := rows.Columns()
		if err != nil {
			return nil, fmt.Errorf("failed to read list row: %w", err)
		}
		if recordEmpty(cells) {
			continue
		}
		if col < 0 {
			var isHeader bool
			col, isHeader = locatePartColumn(cells)
			if isHeader {
				continue
			}
		}
		parts = appendPartCell(parts, cells, col)
		if len(parts) > maxListParts {
			return nil, fmt.Errorf("list file exceeds %d parts", maxListParts)
		}
	}
	if err := rows.Error(); err != nil {
		return nil, fmt.Errorf("failed to iterate list rows: %w", err)
	}
	return parts, nil
}

// locatePartColumn inspects the first non-empty record. When a cell
// names a part-number column the record is a header and that column is
// selected; otherwise the record is data and column zero is used.
func locatePartColumn(rec []string) (col int, isHeader bool) {
	for i, cell := range rec {
		key := strings.ToLower(cell)
		for _, cut := range []string{" ", "_", "-", ".", "#"} {
			key = strings.ReplaceAll(key, cut, "")
		}
		if partColumnNames[key] {
			return i, true
		}
	}
	return 0, false
}

func appendPartCell(parts []string, rec []string, col int) []string {
	if col >= len(rec) {
		return parts
	}
	if cell := strings.TrimSpace(rec[col]); cell != "" {
		parts = append(parts, cell)
	}
	return parts
}
