// Package ingest drives row batches from the streaming parser into a
// dataset's physical table. Batches are cleaned and validated, inserted
// with a split-on-failure strategy that bounds the blast radius of one bad
// row, and committed per sub-batch so an interrupted run can resume.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/partsearch/partsearch/pkg/parser"
	"github.com/partsearch/partsearch/pkg/schema"
)

// ErrCancelled is returned when the cancel check trips between batches.
var ErrCancelled = errors.New("ingestion cancelled")

// TableStore is the slice of the storage layer the ingester needs.
type TableStore interface {
	EnsureDatasetTable(ctx context.Context, fileID int64) error
	InsertRows(ctx context.Context, fileID int64, rows []schema.Row) error
	DatasetRowCount(ctx context.Context, fileID int64) (int64, error)
}

// Summary reports the outcome of one ingestion run.
type Summary struct {
	// Inserted is the number of rows committed by this run.
	Inserted int64
	// Dropped counts rows rejected by validation or by split recursion.
	Dropped int64
	// ResumedFrom is the row count found in the table at startup.
	ResumedFrom int64
	// Batches is the number of parser batches consumed.
	Batches int
	// TableName is the physical table written to.
	TableName string
}

// ProgressFunc observes ingestion progress; batch is 1-based.
type ProgressFunc func(processed int64, batch int)

// CancelFunc is polled between batches; returning true aborts cooperatively.
type CancelFunc func() bool

// Ingester writes parser batches into dataset tables.
type Ingester struct {
	store  TableStore
	logger zerolog.Logger
}

// New creates an Ingester.
func New(store TableStore, logger zerolog.Logger) *Ingester {
	return &Ingester{store: store, logger: logger}
}

// ResumeOffset returns the number of rows already persisted for fileID,
// queried once at startup so the parser can skip them.
func (in *Ingester) ResumeOffset(ctx context.Context, fileID int64) (int64, error) {
	return in.store.DatasetRowCount(ctx, fileID)
}

// Ingest consumes r until exhaustion or cancellation. The dataset table is
// materialized on the first non-empty batch. Invalid rows are counted and
// dropped; a failing insert is retried by bisection down to single rows.
// All committed sub-batches are complete; there is no cross-batch
// transaction.
func (in *Ingester) Ingest(ctx context.Context, r parser.Reader, fileID int64, cancel CancelFunc, progress ProgressFunc) (Summary, error) {
	summary := Summary{TableName: tableName(fileID)}

	resumed, err := in.store.DatasetRowCount(ctx, fileID)
	if err != nil {
		return summary, fmt.Errorf("failed to query resume offset: %w", err)
	}
	summary.ResumedFrom = resumed

	tableReady := resumed > 0

	for {
		if cancel != nil && cancel() {
			return summary, ErrCancelled
		}

		batch, err := r.Next()
		if len(batch) > 0 {
			if !tableReady {
				if err := in.store.EnsureDatasetTable(ctx, fileID); err != nil {
					return summary, err
				}
				tableReady = true
			}

			rows, dropped := cleanBatch(batch, in.logger, fileID)
			summary.Dropped += dropped

			inserted, splitDropped := in.insertWithSplit(ctx, fileID, rows)
			summary.Inserted += inserted
			summary.Dropped += splitDropped
			summary.Batches++

			if progress != nil {
				progress(summary.ResumedFrom+summary.Inserted, summary.Batches)
			}
		}

		if err == io.EOF {
			return summary, nil
		}
		if err != nil {
			return summary, fmt.Errorf("parser failed: %w", err)
		}
	}
}

// cleanBatch normalizes and validates raw rows. Rows failing coercion or
// the row invariants are dropped with an error entry; parsing continues.
func cleanBatch(batch parser.Batch, logger zerolog.Logger, fileID int64) ([]schema.Row, int64) {
	rows := make([]schema.Row, 0, len(batch))
	var dropped int64
	for _, raw := range batch {
		row, err := schema.NormalizeRow(raw)
		if err != nil {
			dropped++
			logger.Debug().Err(err).Int64("file_id", fileID).Msg("row dropped")
			continue
		}
		rows = append(rows, row)
	}
	return rows, dropped
}

// insertWithSplit inserts rows, bisecting on failure down to single rows.
// The single failing row is dropped; everything else commits. This bounds
// the damage of one bad row or one parameter-limit overflow to exactly
// that row.
func (in *Ingester) insertWithSplit(ctx context.Context, fileID int64, rows []schema.Row) (int64, int64) {
	if len(rows) == 0 {
		return 0, 0
	}

	err := in.store.InsertRows(ctx, fileID, rows)
	if err == nil {
		return int64(len(rows)), 0
	}

	if len(rows) == 1 {
		in.logger.Warn().Err(err).Int64("file_id", fileID).
			Str("part_number", rows[0].PartNumber).Msg("dropping failing row")
		return 0, 1
	}

	mid := len(rows) / 2
	leftIns, leftDrop := in.insertWithSplit(ctx, fileID, rows[:mid])
	rightIns, rightDrop := in.insertWithSplit(ctx, fileID, rows[mid:])
	return leftIns + rightIns, leftDrop + rightDrop
}

func tableName(fileID int64) string {
	return fmt.Sprintf("ds_%d", fileID)
}
