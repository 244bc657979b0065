// Package worker drives a dataset from uploaded bytes to processed:
// parse, ingest, index, sync, warm the cache and publish progress. One
// job runs per dataset at a time; cancellation is observed
// cooperatively between batches.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/partsearch/partsearch/pkg/cache"
	"github.com/partsearch/partsearch/pkg/index"
	"github.com/partsearch/partsearch/pkg/ingest"
	"github.com/partsearch/partsearch/pkg/parser"
	"github.com/partsearch/partsearch/pkg/progress"
	"github.com/partsearch/partsearch/pkg/search"
	"github.com/partsearch/partsearch/pkg/storage/postgres"
)

// progressEveryBatches throttles batch_progress events.
const progressEveryBatches = 5

// warmupParts is how many frequent part numbers are pre-searched into
// the cache after processing.
const warmupParts = 100

// Store is the slice of the storage layer the orchestrator needs.
type Store interface {
	GetDataset(ctx context.Context, fileID int64) (*postgres.Dataset, error)
	UpdateDatasetStatus(ctx context.Context, fileID int64, status string) error
	UpdateDatasetRowCount(ctx context.Context, fileID, rowCount int64) error
	CreateDatasetIndexes(ctx context.Context, fileID int64, trigram bool)
	TopPartNumbers(ctx context.Context, fileID int64, limit int) ([]postgres.PartFrequency, error)
	ForEachPartNumber(ctx context.Context, fileID int64, fn func(part string) error) error
}

// Syncer mirrors a dataset table into the search index.
type Syncer interface {
	Sync(ctx context.Context, fileID int64, progress index.SyncProgressFunc) (int64, error)
}

// Searcher is the slice of the search engine used for cache warm-up.
type Searcher interface {
	SearchBulk(ctx context.Context, req search.BulkRequest) map[string]search.Result
}

// Config tunes the orchestrator.
type Config struct {
	// BatchSize is the standard parser batch size.
	BatchSize int
	// MassiveFileThreshold switches files above this many bytes to the
	// massive batch size.
	MassiveFileThreshold int64
	// MassiveBatchSize is the batch size for massive files.
	MassiveBatchSize int
	// Trigram reports whether pg_trgm indexes can be created.
	Trigram bool
}

// Orchestrator processes one dataset at a time per file id.
type Orchestrator struct {
	store    Store
	ingester *ingest.Ingester
	syncer   Syncer
	hub      *progress.Hub
	results  *cache.ResultCache
	filters  *search.MissFilters
	engine   Searcher
	config   Config
	logger   zerolog.Logger
}

// New creates an orchestrator. results, filters and engine may be nil;
// the corresponding post-processing steps are skipped.
func New(store Store, ingester *ingest.Ingester, syncer Syncer, hub *progress.Hub,
	results *cache.ResultCache, filters *search.MissFilters, engine Searcher,
	config Config, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		store:    store,
		ingester: ingester,
		syncer:   syncer,
		hub:      hub,
		results:  results,
		filters:  filters,
		engine:   engine,
		config:   config,
		logger:   logger,
	}
}

// Process runs the full pipeline for one dataset: parse and ingest the
// file at path, create table indexes, sync the search index, warm the
// cache and build the miss filter. Ingestion failure marks the dataset
// failed; failures after ingestion are recorded but leave the dataset
// processed.
func (o *Orchestrator) Process(ctx context.Context, fileID int64, path, filename string) error {
	log := o.logger.With().Int64("file_id", fileID).Logger()

	// A cancellation that lands between enqueue and pickup wins.
	if ds, err := o.store.GetDataset(ctx, fileID); err == nil && ds.Status == postgres.StatusCancelled {
		log.Info().Msg("dataset cancelled before processing started")
		return nil
	}

	if err := o.store.UpdateDatasetStatus(ctx, fileID, postgres.StatusProcessing); err != nil {
		return fmt.Errorf("failed to mark dataset processing: %w", err)
	}
	o.hub.Publish(progress.Event{Type: progress.EventProcessingStarted, FileID: fileID})

	summary, err := o.runIngestion(ctx, fileID, path, filename)
	if err != nil {
		if errors.Is(err, ingest.ErrCancelled) {
			log.Info().Msg("processing cancelled")
			o.hub.Publish(progress.Event{
				Type: progress.EventError, FileID: fileID, Message: "processing cancelled",
			})
			return o.store.UpdateDatasetStatus(ctx, fileID, postgres.StatusCancelled)
		}
		log.Error().Err(err).Msg("ingestion failed")
		o.hub.Publish(progress.Event{
			Type: progress.EventError, FileID: fileID, Message: err.Error(),
		})
		if statusErr := o.store.UpdateDatasetStatus(ctx, fileID, postgres.StatusFailed); statusErr != nil {
			log.Error().Err(statusErr).Msg("failed to mark dataset failed")
		}
		return err
	}

	totalRows := summary.ResumedFrom + summary.Inserted
	if err := o.store.UpdateDatasetRowCount(ctx, fileID, totalRows); err != nil {
		log.Warn().Err(err).Msg("failed to record row count")
	}

	o.store.CreateDatasetIndexes(ctx, fileID, o.config.Trigram)

	// Sync and warm-up failures are recorded but the dataset stays
	// processed: the rows are durable and the relational backend serves
	// them.
	indexSynced := o.runSync(ctx, fileID, log)
	o.warmCache(ctx, fileID, log)
	o.buildMissFilter(ctx, fileID, totalRows, log)

	if err := o.store.UpdateDatasetStatus(ctx, fileID, postgres.StatusProcessed); err != nil {
		return fmt.Errorf("failed to mark dataset processed: %w", err)
	}
	o.hub.Publish(progress.Event{
		Type:        progress.EventProcessingComplete,
		FileID:      fileID,
		TotalRows:   totalRows,
		IndexSynced: indexSynced,
	})

	log.Info().Int64("rows", totalRows).Int64("dropped", summary.Dropped).
		Bool("index_synced", indexSynced).Msg("dataset processed")
	return nil
}

func (o *Orchestrator) runIngestion(ctx context.Context, fileID int64, path, filename string) (ingest.Summary, error) {
	offset, err := o.ingester.ResumeOffset(ctx, fileID)
	if err != nil {
		return ingest.Summary{}, err
	}

	opts := parser.Options{BatchSize: o.config.BatchSize, SkipRows: offset}
	if info, statErr := os.Stat(path); statErr == nil &&
		o.config.MassiveFileThreshold > 0 && info.Size() > o.config.MassiveFileThreshold {
		opts.BatchSize = o.config.MassiveBatchSize
	}

	reader, err := parser.Open(path, filename, opts)
	if err != nil {
		return ingest.Summary{}, err
	}
	defer reader.Close()

	cancelCheck := func() bool {
		ds, err := o.store.GetDataset(ctx, fileID)
		if err != nil {
			return false
		}
		return ds.Status == postgres.StatusCancelled
	}

	progressFn := func(processed int64, batch int) {
		if batch%progressEveryBatches != 0 {
			return
		}
		o.hub.Publish(progress.Event{
			Type:          progress.EventBatchProgress,
			FileID:        fileID,
			ProcessedRows: processed,
			CurrentBatch:  batch,
		})
	}

	return o.ingester.Ingest(ctx, reader, fileID, cancelCheck, progressFn)
}

func (o *Orchestrator) runSync(ctx context.Context, fileID int64, log zerolog.Logger) bool {
	if o.syncer == nil {
		return false
	}
	_, err := o.syncer.Sync(ctx, fileID, func(indexed int64, batch int) {
		o.hub.Publish(progress.Event{
			Type:          progress.EventIndexSyncProgress,
			FileID:        fileID,
			ProcessedRows: indexed,
			CurrentBatch:  batch,
		})
	})
	if err != nil {
		log.Warn().Err(err).Msg("index sync failed; dataset stays processed")
		return false
	}
	return true
}

// warmCache pre-computes results for the most frequent part numbers so
// the first interactive searches hit the cache.
func (o *Orchestrator) warmCache(ctx context.Context, fileID int64, log zerolog.Logger) {
	if o.results == nil || o.engine == nil {
		return
	}
	top, err := o.store.TopPartNumbers(ctx, fileID, warmupParts)
	if err != nil || len(top) == 0 {
		if err != nil {
			log.Warn().Err(err).Msg("cache warm-up skipped")
		}
		return
	}

	parts := make([]string, 0, len(top))
	for _, pf := range top {
		parts = append(parts, pf.PartNumber)
	}

	results := o.engine.SearchBulk(ctx, search.BulkRequest{
		FileID: fileID,
		Parts:  parts,
		Mode:   search.ModeHybrid,
	})
	for part, result := range results {
		key := cache.Key("single", fileID, []string{part}, string(search.ModeHybrid), 0, false)
		o.results.Put(ctx, key, map[string]search.Result{part: result}, cache.WarmupTTL)
	}
	log.Debug().Int("parts", len(parts)).Msg("cache warmed")
}

// buildMissFilter snapshots the dataset's distinct part numbers into a
// bloom filter for the exact-mode bulk shortcut.
func (o *Orchestrator) buildMissFilter(ctx context.Context, fileID, totalRows int64, log zerolog.Logger) {
	if o.filters == nil {
		return
	}
	filter := search.NewPartFilter(uint(totalRows))
	err := o.store.ForEachPartNumber(ctx, fileID, func(part string) error {
		search.AddPart(filter, part)
		return nil
	})
	if err != nil {
		log.Warn().Err(err).Msg("miss filter build failed")
		return
	}
	o.filters.Set(fileID, filter)
}
