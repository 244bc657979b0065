// Command partsearchd runs the dataset ingestion and part-search service:
// HTTP API, background processing workers, search index sync and the
// WebSocket progress feed, backed by PostgreSQL with an optional
// Elasticsearch index and Redis cache.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/netutil"

	"github.com/partsearch/partsearch/pkg/api"
	"github.com/partsearch/partsearch/pkg/auth"
	"github.com/partsearch/partsearch/pkg/cache"
	"github.com/partsearch/partsearch/pkg/config"
	"github.com/partsearch/partsearch/pkg/index"
	"github.com/partsearch/partsearch/pkg/ingest"
	"github.com/partsearch/partsearch/pkg/llm"
	"github.com/partsearch/partsearch/pkg/logging"
	"github.com/partsearch/partsearch/pkg/progress"
	"github.com/partsearch/partsearch/pkg/search"
	"github.com/partsearch/partsearch/pkg/storage/postgres"
	"github.com/partsearch/partsearch/pkg/upload"
	"github.com/partsearch/partsearch/pkg/worker"
)

const (
	shutdownTimeout   = 30 * time.Second
	uploadGCInterval  = 5 * time.Minute
	memoryCacheSlots  = 8192
	readHeaderTimeout = 10 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "partsearchd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Console: cfg.LogConsole})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := postgres.New(ctx, &postgres.Config{
		ConnectionString: cfg.DatabaseURL,
		MaxConnections:   cfg.MaxDBConns,
	}, logger)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	if err := db.MigrateToLatest(); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	trigram := db.TrigramAvailable(ctx)
	logger.Info().Bool("pg_trgm", trigram).Msg("database ready")

	idx, err := buildIndex(cfg, logger)
	if err != nil {
		return fmt.Errorf("search index: %w", err)
	}
	if idx != nil {
		defer idx.Close()
	}

	store, err := buildCacheStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	if redisStore, ok := store.(*cache.RedisStore); ok {
		defer redisStore.Close()
	}
	results := cache.NewResultCache(store, logger)

	filters := search.NewMissFilters()
	hub := progress.NewHub(logger)
	registry := upload.NewRegistry(db, cfg.TempDir, logger)
	registry.StartGC(uploadGCInterval)
	defer registry.Stop()

	engineConfig := search.DefaultEngineConfig()
	engineConfig.BulkChunkSize = cfg.BulkChunkSize
	engineConfig.BulkWorkers = cfg.BulkWorkers
	engineConfig.ChunkTimeout = cfg.SearchTimeout
	engineConfig.PerPartHardCap = cfg.PerPartHardCap

	var backends []search.Backend
	var syncer *index.Syncer
	if idx != nil {
		backends = append(backends, search.NewIndexBackend(idx, logger))
		syncer = index.NewSyncer(idx, db, db, logger)
	}
	backends = append(backends, search.NewRelationalBackend(db, trigram, logger))
	engine := search.NewEngine(engineConfig, filters, logger, backends...)

	ingester := ingest.New(db, logger)
	orchestrator := worker.New(db, ingester, workerSyncer(syncer), hub, results, filters, engine,
		worker.Config{
			BatchSize:            cfg.BatchSize,
			MassiveFileThreshold: cfg.MassiveFileThreshold,
			MassiveBatchSize:     cfg.MassiveBatchSize,
			Trigram:              trigram,
		}, logger)
	pool := worker.NewPool(orchestrator, cfg.WorkerCount, cfg.WorkerQueue, logger)
	defer pool.Stop()

	authService, err := auth.NewService(db, cfg.JWTSecret, cfg.TokenTTL)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	apiConfig := api.DefaultConfig()
	apiConfig.RateLimitPerSecond = cfg.RateLimitPerSecond
	apiConfig.RateLimitBurst = cfg.RateLimitBurst

	var planner llm.Planner
	if cfg.LLMEndpoint != "" {
		httpPlanner := llm.NewHTTPPlanner(cfg.LLMEndpoint, logger).WithAPIKey(cfg.LLMAPIKey)
		planner = llm.NewCachedPlanner(httpPlanner, store, cfg.MappingTTL)
	}

	server := api.NewServer(db, registry, pool, engine, results, filters,
		apiSyncer(syncer), apiIndex(idx), hub, authService, planner, apiConfig, logger)

	return serveHTTP(ctx, cfg, server, logger)
}

// buildIndex picks the search index implementation: Elasticsearch when an
// endpoint is configured, the embedded bleve index otherwise.
func buildIndex(cfg *config.Config, logger zerolog.Logger) (index.Index, error) {
	if cfg.ElasticsearchURL != "" {
		logger.Info().Str("url", cfg.ElasticsearchURL).Msg("using elasticsearch index")
		return index.NewElasticIndex(index.ElasticConfig{
			URL:       cfg.ElasticsearchURL,
			Username:  cfg.ElasticsearchUser,
			Password:  cfg.ElasticsearchPassword,
			IndexName: cfg.IndexName,
		})
	}
	logger.Info().Str("path", cfg.BleveIndexPath).Msg("using embedded bleve index")
	return index.NewBleveIndex(cfg.BleveIndexPath)
}

// buildCacheStore prefers Redis and falls back to the in-process LRU when
// no cache URL is configured.
func buildCacheStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (cache.Store, error) {
	if cfg.RedisURL != "" {
		logger.Info().Msg("using redis result cache")
		return cache.NewRedisStore(ctx, cfg.RedisURL)
	}
	logger.Info().Msg("using in-process result cache")
	return cache.NewMemoryStore(memoryCacheSlots)
}

// workerSyncer converts the nilable *index.Syncer into the worker's
// interface; a typed-nil interface would defeat the orchestrator's nil
// checks.
func workerSyncer(s *index.Syncer) worker.Syncer {
	if s == nil {
		return nil
	}
	return s
}

func apiSyncer(s *index.Syncer) api.SyncRunner {
	if s == nil {
		return nil
	}
	return s
}

func apiIndex(idx index.Index) api.IndexAdmin {
	if idx == nil {
		return nil
	}
	return idx
}

func serveHTTP(ctx context.Context, cfg *config.Config, server *api.Server, logger zerolog.Logger) error {
	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	if cfg.MaxConnections > 0 {
		listener = netutil.LimitListener(listener, cfg.MaxConnections)
	}

	httpServer := &http.Server{
		Handler:           server.Router(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("listening")
		errCh <- httpServer.Serve(listener)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
