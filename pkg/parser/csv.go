package parser

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"

	"github.com/partsearch/partsearch/pkg/schema"
)

// csvReader streams a CSV file. UTF-8 is assumed; files that fail UTF-8
// validation on a prefix are decoded as Latin-1.
type csvReader struct {
	file    *os.File
	records *csv.Reader
	index   map[string]int
	opts    Options
	skipped int64
	done    bool
}

func openCSV(path string, opts Options) (Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open csv file: %w", err)
	}

	var src io.Reader = bufio.NewReaderSize(file, 64*1024)
	latin1, err := prefixNeedsLatin1(file)
	if err != nil {
		file.Close()
		return nil, err
	}
	if latin1 {
		src = transform.NewReader(src, charmap.ISO8859_1.NewDecoder())
	}

	records := csv.NewReader(src)
	records.FieldsPerRecord = -1
	records.LazyQuotes = true

	header, err := readHeader(records)
	if err != nil {
		file.Close()
		return nil, err
	}
	if err := schema.ValidateHeaders(header); err != nil {
		file.Close()
		return nil, err
	}

	return &csvReader{
		file:    file,
		records: records,
		index:   schema.HeaderIndex(header),
		opts:    opts,
	}, nil
}

// prefixNeedsLatin1 sniffs up to 64 KiB from the start of the file and
// reports whether it fails UTF-8 validation. The offset is rewound.
func prefixNeedsLatin1(file *os.File) (bool, error) {
	buf := make([]byte, 64*1024)
	n, err := file.Read(buf)
	if err != nil && err != io.EOF {
		return false, fmt.Errorf("failed to sniff encoding: %w", err)
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return false, fmt.Errorf("failed to rewind after sniff: %w", err)
	}
	// A multi-byte rune may be split at the buffer boundary; trimming up to
	// three trailing bytes avoids a false positive.
	prefix := buf[:n]
	for trim := 0; trim < 4 && len(prefix) > 0; trim++ {
		if utf8.Valid(prefix) {
			return false, nil
		}
		prefix = prefix[:len(prefix)-1]
	}
	return true, nil
}

// readHeader returns the first non-empty record.
func readHeader(records *csv.Reader) ([]string, error) {
	for {
		rec, err := records.Read()
		if err == io.EOF {
			return nil, fmt.Errorf("file contains no header row")
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read header: %w", err)
		}
		if !recordEmpty(rec) {
			return rec, nil
		}
	}
}

func recordEmpty(rec []string) bool {
	for _, cell := range rec {
		if cell != "" {
			return false
		}
	}
	return true
}

// Next implements Reader.
func (r *csvReader) Next() (Batch, error) {
	if r.done {
		return nil, io.EOF
	}

	batch := make(Batch, 0, r.opts.BatchSize)
	for len(batch) < r.opts.BatchSize {
		rec, err := r.records.Read()
		if err == io.EOF {
			r.done = true
			if len(batch) == 0 {
				return nil, io.EOF
			}
			return batch, nil
		}
		if err != nil {
			// A malformed line is a per-row problem; skip it.
			if _, ok := err.(*csv.ParseError); ok {
				continue
			}
			return batch, fmt.Errorf("failed to read row: %w", err)
		}
		if recordEmpty(rec) {
			continue
		}
		if r.skipped < r.opts.SkipRows {
			r.skipped++
			continue
		}
		batch = append(batch, projectRecord(rec, r.index))
	}
	return batch, nil
}

// Close implements Reader.
func (r *csvReader) Close() error {
	return r.file.Close()
}

// projectRecord maps a positional record onto canonical keys.
func projectRecord(rec []string, index map[string]int) map[string]string {
	row := make(map[string]string, len(index))
	for col, i := range index {
		if i < len(rec) {
			row[col] = rec[i]
		}
	}
	return row
}
