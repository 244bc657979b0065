package index

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/partsearch/partsearch/pkg/storage/postgres"
)

// syncBatchSize is the number of rows pulled per cursor page during sync.
const syncBatchSize = 1000

// RowSource pages dataset rows by id cursor; the postgres DB satisfies it.
type RowSource interface {
	RowsAfter(ctx context.Context, fileID, afterID int64, limit int) ([]postgres.StoredRow, error)
}

// SyncStateStore records the sync outcome on the dataset metadata record.
type SyncStateStore interface {
	SetDatasetSyncState(ctx context.Context, fileID int64, synced bool, syncErr string) error
}

// SyncProgressFunc observes sync progress; batch is 1-based.
type SyncProgressFunc func(indexed int64, batch int)

// Syncer mirrors dataset tables into the search index. Because documents
// are keyed by <file_id>_<row_id> and upserts overwrite, running a sync
// twice over an unchanged table leaves the partition byte-for-byte
// identical.
type Syncer struct {
	index  Index
	rows   RowSource
	state  SyncStateStore
	logger zerolog.Logger
}

// NewSyncer creates a Syncer. state may be nil when no metadata record
// should be touched.
func NewSyncer(idx Index, rows RowSource, state SyncStateStore, logger zerolog.Logger) *Syncer {
	return &Syncer{index: idx, rows: rows, state: state, logger: logger}
}

// Sync walks ds_<file_id> by id cursor and upserts every row into the
// index partition. The outcome is recorded on the dataset record; a
// failure leaves index_synced false with the error text so a later run
// can retry.
func (s *Syncer) Sync(ctx context.Context, fileID int64, progress SyncProgressFunc) (int64, error) {
	indexed, err := s.sync(ctx, fileID, progress)
	if s.state != nil {
		msg := ""
		if err != nil {
			msg = err.Error()
		}
		if stateErr := s.state.SetDatasetSyncState(ctx, fileID, err == nil, msg); stateErr != nil {
			s.logger.Warn().Err(stateErr).Int64("file_id", fileID).Msg("failed to record sync state")
		}
	}
	return indexed, err
}

func (s *Syncer) sync(ctx context.Context, fileID int64, progress SyncProgressFunc) (int64, error) {
	if err := s.index.EnsureIndex(ctx); err != nil {
		return 0, fmt.Errorf("failed to prepare index: %w", err)
	}

	var (
		cursor  int64
		indexed int64
		batches int
	)
	for {
		rows, err := s.rows.RowsAfter(ctx, fileID, cursor, syncBatchSize)
		if err != nil {
			return indexed, fmt.Errorf("failed to read rows for dataset %d: %w", fileID, err)
		}
		if len(rows) == 0 {
			break
		}

		docs := make([]Document, 0, len(rows))
		for _, r := range rows {
			docs = append(docs, Document{
				FileID:              fileID,
				RowID:               r.ID,
				PartNumber:          r.PartNumber,
				PrimaryBuyer:        r.PrimaryBuyer,
				ItemDescription:     r.ItemDescription,
				Quantity:            r.Quantity,
				UnitOfMeasure:       r.UnitOfMeasure,
				UnitPrice:           r.UnitPrice,
				SecondaryBuyer:      r.SecondaryBuyer,
				PrimaryBuyerContact: r.PrimaryBuyerContact,
				PrimaryBuyerEmail:   r.PrimaryBuyerEmail,
			})
		}
		if err := s.index.BulkUpsert(ctx, docs); err != nil {
			return indexed, fmt.Errorf("failed to index batch for dataset %d: %w", fileID, err)
		}

		cursor = rows[len(rows)-1].ID
		indexed += int64(len(rows))
		batches++
		if progress != nil {
			progress(indexed, batches)
		}
	}

	if err := s.index.Refresh(ctx); err != nil {
		return indexed, fmt.Errorf("failed to refresh index: %w", err)
	}

	s.logger.Info().Int64("file_id", fileID).Int64("indexed", indexed).
		Str("engine", s.index.Name()).Msg("index sync complete")
	return indexed, nil
}
