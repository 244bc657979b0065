// Package parser streams tabular upload files (CSV, XLSX) as batches of raw
// rows projected onto the canonical schema. The consumer pulls batches at
// its own pace; the parser holds at most one batch in memory beyond its
// decoder buffer, which keeps multi-million-row workbooks ingestible.
package parser

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
)

const (
	// DefaultBatchSize is the standard batch cap.
	DefaultBatchSize = 5000
	// MaxBatchSize caps batches requested for massive files.
	MaxBatchSize = 100000
	// headerScanLimit bounds the workbook header auto-location.
	headerScanLimit = 20
)

// Options tune a Reader.
type Options struct {
	// BatchSize is the number of rows per emitted batch. Values outside
	// [1, MaxBatchSize] are clamped.
	BatchSize int
	// SkipRows is the count of data rows (across all sheets, excluding
	// headers) already persisted; the reader skips them before emitting.
	SkipRows int64
}

func (o *Options) normalize() {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.BatchSize > MaxBatchSize {
		o.BatchSize = MaxBatchSize
	}
	if o.SkipRows < 0 {
		o.SkipRows = 0
	}
}

// Batch is an ordered sequence of raw rows keyed by canonical column names.
type Batch []map[string]string

// Reader yields row batches from one upload file.
type Reader interface {
	// Next returns the next batch. io.EOF signals exhaustion.
	Next() (Batch, error)
	// Close releases the underlying file handles.
	Close() error
}

// ErrUnsupportedFormat is returned for file extensions the parser does not
// understand.
var ErrUnsupportedFormat = fmt.Errorf("unsupported file format")

// Open detects the format from filename and returns a streaming Reader over
// the file at path.
func Open(path, filename string, opts Options) (Reader, error) {
	opts.normalize()
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv":
		return openCSV(path, opts)
	case ".xlsx", ".xls":
		return openWorkbook(path, opts)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(filename))
	}
}

// Count drains r and returns the total number of rows.
func Count(r Reader) (int64, error) {
	var total int64
	for {
		batch, err := r.Next()
		total += int64(len(batch))
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}
