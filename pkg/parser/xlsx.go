package parser

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"github.com/partsearch/partsearch/pkg/schema"
)

// workbookReader streams every matching sheet of an XLSX workbook in order.
// Sheets whose headers do not cover the canonical set are skipped. Rows are
// read through excelize's streaming row iterator so multi-million-row
// sheets never get loaded whole.
type workbookReader struct {
	file   *excelize.File
	sheets []string

	opts    Options
	skipped int64

	sheetIdx int
	rows     *excelize.Rows
	index    map[string]int
	done     bool
}

func openWorkbook(path string, opts Options) (Reader, error) {
	file, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook: %w", err)
	}

	r := &workbookReader{
		file:   file,
		sheets: file.GetSheetList(),
		opts:   opts,
	}
	if err := r.advanceSheet(); err != nil && err != io.EOF {
		file.Close()
		return nil, err
	}
	return r, nil
}

// advanceSheet positions the reader at the first data row of the next sheet
// whose header matches the canonical set. io.EOF means no sheets remain.
func (r *workbookReader) advanceSheet() error {
	for r.sheetIdx < len(r.sheets) {
		sheet := r.sheets[r.sheetIdx]
		r.sheetIdx++

		rows, err := r.file.Rows(sheet)
		if err != nil {
			return fmt.Errorf("failed to open sheet %q: %w", sheet, err)
		}

		index, found, err := locateHeader(rows)
		if err != nil {
			rows.Close()
			return err
		}
		if !found {
			rows.Close()
			continue
		}

		r.rows = rows
		r.index = index
		return nil
	}
	r.rows = nil
	return io.EOF
}

// locateHeader scans the first headerScanLimit rows of a sheet for the row
// that best matches the canonical header set. The iterator is left
// positioned after the header row.
func locateHeader(rows *excelize.Rows) (map[string]int, bool, error) {
	for scanned := 0; scanned < headerScanLimit && rows.Next(); scanned++ {
		cells, err := rows.Columns()
		if err != nil {
			return nil, false, fmt.Errorf("failed to read row: %w", err)
		}
		if schema.HeadersMatch(cells) {
			return schema.HeaderIndex(cells), true, nil
		}
	}
	return nil, false, nil
}

// Next implements Reader.
func (r *workbookReader) Next() (Batch, error) {
	if r.done || r.rows == nil {
		return nil, io.EOF
	}

	batch := make(Batch, 0, r.opts.BatchSize)
	for len(batch) < r.opts.BatchSize {
		if !r.rows.Next() {
			if err := r.rows.Error(); err != nil {
				return batch, fmt.Errorf("failed to iterate rows: %w", err)
			}
			r.rows.Close()
			if err := r.advanceSheet(); err == io.EOF {
				r.done = true
				if len(batch) == 0 {
					return nil, io.EOF
				}
				return batch, nil
			} else if err != nil {
				return batch, err
			}
			continue
		}

		cells, err := r.rows.Columns()
		if err != nil {
			return batch, fmt.Errorf("failed to read row: %w", err)
		}
		if recordEmpty(cells) {
			continue
		}
		if r.skipped < r.opts.SkipRows {
			r.skipped++
			continue
		}
		batch = append(batch, projectRecord(cells, r.index))
	}
	return batch, nil
}

// Close implements Reader.
func (r *workbookReader) Close() error {
	if r.rows != nil {
		r.rows.Close()
	}
	return r.file.Close()
}
