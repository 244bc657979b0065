// Package api exposes the HTTP surface: authentication, uploads, search,
// sync administration, health probes and the WebSocket progress feed.
// Handlers validate and translate; all semantics live in the packages
// they delegate to.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/partsearch/partsearch/pkg/auth"
	"github.com/partsearch/partsearch/pkg/cache"
	"github.com/partsearch/partsearch/pkg/index"
	"github.com/partsearch/partsearch/pkg/llm"
	"github.com/partsearch/partsearch/pkg/progress"
	"github.com/partsearch/partsearch/pkg/search"
	"github.com/partsearch/partsearch/pkg/storage/postgres"
	"github.com/partsearch/partsearch/pkg/upload"
)

// Store is the slice of the storage layer the handlers need.
type Store interface {
	GetDataset(ctx context.Context, fileID int64) (*postgres.Dataset, error)
	ListDatasets(ctx context.Context) ([]*postgres.Dataset, error)
	DeleteDataset(ctx context.Context, fileID int64) error
	DatasetRows(ctx context.Context, fileID int64, offset, limit int) ([]postgres.StoredRow, error)
	DatasetRowCount(ctx context.Context, fileID int64) (int64, error)
	RecordQuery(ctx context.Context, entry postgres.QueryLogEntry)
	Ping(ctx context.Context) error
}

// Searcher resolves part queries.
type Searcher interface {
	SearchSingle(ctx context.Context, req search.SingleRequest) search.Result
	SearchBulk(ctx context.Context, req search.BulkRequest) map[string]search.Result
}

// Jobs schedules dataset processing.
type Jobs interface {
	Enqueue(fileID int64, path, filename string) bool
}

// SyncRunner mirrors dataset tables into the search index.
type SyncRunner interface {
	Sync(ctx context.Context, fileID int64, progress index.SyncProgressFunc) (int64, error)
}

// IndexAdmin is the administrative slice of the search index.
type IndexAdmin interface {
	Available(ctx context.Context) bool
	DeleteDataset(ctx context.Context, fileID int64) error
}

// Config tunes the HTTP layer.
type Config struct {
	// RateLimitPerSecond is the sustained request rate before 429s.
	RateLimitPerSecond float64
	// RateLimitBurst is the burst allowance above the sustained rate.
	RateLimitBurst int
	// MaxUploadBytes caps one upload request body.
	MaxUploadBytes int64
	// DefaultPageSize applies when a paging request omits page_size.
	DefaultPageSize int
	// SyncTimeout bounds one administrative sync run.
	SyncTimeout time.Duration
}

// DefaultConfig returns the HTTP layer defaults.
func DefaultConfig() Config {
	return Config{
		RateLimitPerSecond: 20,
		RateLimitBurst:     40,
		MaxUploadBytes:     2 << 30,
		DefaultPageSize:    20,
		SyncTimeout:        10 * time.Minute,
	}
}

// Server holds the handler dependencies.
type Server struct {
	store    Store
	registry *upload.Registry
	jobs     Jobs
	engine   Searcher
	results  *cache.ResultCache
	filters  *search.MissFilters
	syncer   SyncRunner
	idx      IndexAdmin
	hub      *progress.Hub
	auth     *auth.Service
	planner  llm.Planner
	limiters *limiterSet
	config   Config
	logger   zerolog.Logger
}

// NewServer wires the HTTP layer. results, filters, syncer, idx and
// planner may be nil; the corresponding endpoints degrade (sync
// endpoints report the index unavailable, caching is skipped, ask
// returns 503).
func NewServer(store Store, registry *upload.Registry, jobs Jobs, engine Searcher,
	results *cache.ResultCache, filters *search.MissFilters, syncer SyncRunner,
	idx IndexAdmin, hub *progress.Hub, authService *auth.Service, planner llm.Planner,
	config Config, logger zerolog.Logger) *Server {
	if config.RateLimitPerSecond <= 0 {
		config.RateLimitPerSecond = DefaultConfig().RateLimitPerSecond
	}
	if config.RateLimitBurst <= 0 {
		config.RateLimitBurst = DefaultConfig().RateLimitBurst
	}
	if config.MaxUploadBytes <= 0 {
		config.MaxUploadBytes = DefaultConfig().MaxUploadBytes
	}
	if config.DefaultPageSize <= 0 {
		config.DefaultPageSize = DefaultConfig().DefaultPageSize
	}
	if config.SyncTimeout <= 0 {
		config.SyncTimeout = DefaultConfig().SyncTimeout
	}
	return &Server{
		store:    store,
		registry: registry,
		jobs:     jobs,
		engine:   engine,
		results:  results,
		filters:  filters,
		syncer:   syncer,
		idx:      idx,
		hub:      hub,
		auth:     authService,
		planner:  planner,
		limiters: newLimiterSet(config.RateLimitPerSecond, config.RateLimitBurst),
		config:   config,
		logger:   logger,
	}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.HandleFunc("/health/live", s.handleLive).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", s.handleReady).Methods(http.MethodGet)

	r.HandleFunc("/auth/register", s.rateLimited(s.handleRegister)).Methods(http.MethodPost)
	r.HandleFunc("/auth/login", s.rateLimited(s.handleLogin)).Methods(http.MethodPost)

	// Auth runs first so the rate limiter can charge the user's bucket.
	protected := func(h http.HandlerFunc) http.HandlerFunc {
		return s.requireAuth(s.rateLimited(h))
	}

	r.HandleFunc("/upload", protected(s.handleDirectUpload)).Methods(http.MethodPost)
	r.HandleFunc("/upload", protected(s.handleListDatasets)).Methods(http.MethodGet)
	r.HandleFunc("/upload/", protected(s.handleListDatasets)).Methods(http.MethodGet)
	r.HandleFunc("/upload/multipart/init", protected(s.handleMultipartInit)).Methods(http.MethodPost)
	r.HandleFunc("/upload/multipart/part", protected(s.handleMultipartPart)).Methods(http.MethodPost)
	r.HandleFunc("/upload/multipart/complete", protected(s.handleMultipartComplete)).Methods(http.MethodPost)
	r.HandleFunc("/upload/{id:[0-9]+}/cancel", protected(s.handleCancelUpload)).Methods(http.MethodPost)
	r.HandleFunc("/upload/{id:[0-9]+}", protected(s.handleGetDataset)).Methods(http.MethodGet)
	r.HandleFunc("/upload/{id:[0-9]+}", protected(s.handleDeleteDataset)).Methods(http.MethodDelete)
	r.HandleFunc("/upload/{id:[0-9]+}/rows", protected(s.handleDatasetRows)).Methods(http.MethodGet)

	r.HandleFunc("/query/search-part", protected(s.handleSearchPart)).Methods(http.MethodPost)
	r.HandleFunc("/query/search-part-bulk", protected(s.handleSearchPartBulk)).Methods(http.MethodPost)
	r.HandleFunc("/query/search-part-bulk-upload", protected(s.handleSearchPartBulkUpload)).Methods(http.MethodPost)
	r.HandleFunc("/bulk-search/bulk-excel-search", protected(s.handleBulkExcelSearch)).Methods(http.MethodPost)
	r.HandleFunc("/query/ask", protected(s.handleAsk)).Methods(http.MethodPost)

	r.HandleFunc("/sync/sync-file/{id:[0-9]+}", protected(s.handleSyncFile)).Methods(http.MethodPost)
	r.HandleFunc("/sync/sync-all", protected(s.handleSyncAll)).Methods(http.MethodPost)
	r.HandleFunc("/sync/sync-status", protected(s.handleSyncStatus)).Methods(http.MethodGet)

	r.HandleFunc("/ws/{id:[0-9]+}", s.requireAuth(s.handleWebSocket)).Methods(http.MethodGet)

	return r
}
