package search

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// EngineConfig tunes the unified engine.
type EngineConfig struct {
	// BulkChunkSize is the chunk size for bulk part lists; lists that fit
	// one chunk run inline, larger lists fan out through the worker pool.
	BulkChunkSize int
	// BulkWorkers bounds concurrent chunk execution.
	BulkWorkers int
	// ChunkTimeout is the soft deadline per chunk per backend.
	ChunkTimeout time.Duration
	// PerPartHardCap bounds "show all" listings.
	PerPartHardCap int
	// DefaultPageSize applies when a request carries none.
	DefaultPageSize int
	// FetchLimit is how many candidates a paged single search pulls
	// before ranking; pagination slices the ranked list.
	FetchLimit int
	// ProbeTimeout bounds the availability probe at construction.
	ProbeTimeout time.Duration
}

// DefaultEngineConfig returns production defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		BulkChunkSize:   1000,
		BulkWorkers:     10,
		ChunkTimeout:    25 * time.Second,
		PerPartHardCap:  10000000,
		DefaultPageSize: 20,
		FetchLimit:      10000,
		ProbeTimeout:    5 * time.Second,
	}
}

// Engine routes queries across the backend chain, falls back on failure,
// deduplicates, ranks and paginates. Availability is probed once at
// construction and cached for the engine's lifetime.
type Engine struct {
	backends  []Backend
	available []bool
	filters   *MissFilters
	config    EngineConfig
	logger    zerolog.Logger
}

// NewEngine builds an engine over backends in priority order. filters
// may be nil to disable the miss shortcut.
func NewEngine(config EngineConfig, filters *MissFilters, logger zerolog.Logger, backends ...Backend) *Engine {
	if config.BulkChunkSize <= 0 {
		config = DefaultEngineConfig()
	}

	e := &Engine{
		backends:  backends,
		available: make([]bool, len(backends)),
		filters:   filters,
		config:    config,
		logger:    logger,
	}

	probeCtx, cancel := context.WithTimeout(context.Background(), config.ProbeTimeout)
	defer cancel()
	for i, b := range backends {
		e.available[i] = b.Available(probeCtx)
		logger.Info().Str("backend", b.Name()).Bool("available", e.available[i]).
			Msg("search backend probed")
	}
	return e
}

// SingleRequest is one part query.
type SingleRequest struct {
	FileID   int64
	Part     string
	Mode     Mode
	Page     int
	PageSize int
	ShowAll  bool
}

// SearchSingle resolves one part through the backend chain. A backend
// that errors or returns nothing passes the query down the chain; if
// every backend comes up empty the result is an empty success.
func (e *Engine) SearchSingle(ctx context.Context, req SingleRequest) Result {
	start := time.Now()

	limit := e.config.FetchLimit
	if req.ShowAll {
		limit = e.config.PerPartHardCap
	}

	var matches []CompanyMatch
	engine := ""
	for i, b := range e.backends {
		if !e.available[i] {
			continue
		}
		found, err := b.SearchSingle(ctx, req.FileID, req.Part, req.Mode, limit)
		if err != nil {
			e.logger.Warn().Err(err).Str("backend", b.Name()).
				Str("part", req.Part).Msg("backend failed, descending chain")
			continue
		}
		if len(found) == 0 {
			continue
		}
		matches, engine = found, b.Name()
		break
	}

	return e.finalize(matches, engine, req.Page, req.PageSize, req.ShowAll, start)
}

// BulkRequest is a many-part query.
type BulkRequest struct {
	FileID       int64
	Parts        []string
	Mode         Mode
	PerPartLimit int
	PageSize     int
	ShowAll      bool
}

// SearchBulk resolves every requested part, preserving the input key
// set: every distinct part appears in the output, duplicates collapse to
// one key. Lists above the direct maximum are chunked through a bounded
// worker pool; one failing chunk yields error entries for its parts
// without aborting the rest. Cancellation stops new chunks, awaits
// in-flight ones and flags the unissued parts.
func (e *Engine) SearchBulk(ctx context.Context, req BulkRequest) map[string]Result {
	start := time.Now()

	unique := dedupeParts(req.Parts)
	out := make(map[string]Result, len(unique))

	// Definite bloom misses never reach a backend in exact mode.
	pending := unique
	if req.Mode == ModeExact && e.filters != nil {
		pending = pending[:0:0]
		for _, part := range unique {
			if e.filters.DefiniteMiss(req.FileID, part) {
				out[part] = e.finalize(nil, "", 1, req.PageSize, req.ShowAll, start)
			} else {
				pending = append(pending, part)
			}
		}
	}

	perPart := req.PerPartLimit
	if perPart <= 0 || perPart > e.config.PerPartHardCap {
		perPart = e.config.PerPartHardCap
	}
	if !req.ShowAll && perPart > e.config.FetchLimit {
		perPart = e.config.FetchLimit
	}

	if len(pending) <= e.config.BulkChunkSize {
		e.runChunkInto(ctx, out, nil, req.FileID, pending, req.Mode, perPart, req.PageSize, req.ShowAll, start)
		return out
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config.BulkWorkers)

	for chunkStart := 0; chunkStart < len(pending); chunkStart += e.config.BulkChunkSize {
		chunkEnd := chunkStart + e.config.BulkChunkSize
		if chunkEnd > len(pending) {
			chunkEnd = len(pending)
		}
		chunk := pending[chunkStart:chunkEnd]

		if ctx.Err() != nil {
			mu.Lock()
			for _, part := range chunk {
				r := e.finalize(nil, "", 1, req.PageSize, req.ShowAll, start)
				r.Cancelled = true
				out[part] = r
			}
			mu.Unlock()
			continue
		}

		g.Go(func() error {
			e.runChunkInto(gctx, out, &mu, req.FileID, chunk, req.Mode, perPart, req.PageSize, req.ShowAll, start)
			return nil
		})
	}
	g.Wait()
	return out
}

// runChunkInto resolves one chunk through the backend chain and writes
// per-part results into out. A chunk that fails on every backend records
// error entries for each of its parts.
func (e *Engine) runChunkInto(ctx context.Context, out map[string]Result, mu *sync.Mutex, fileID int64, parts []string, mode Mode, perPart, pageSize int, showAll bool, start time.Time) {
	if len(parts) == 0 {
		return
	}

	found, engine, err := e.runChunk(ctx, fileID, parts, mode, perPart)

	if mu != nil {
		mu.Lock()
		defer mu.Unlock()
	}
	if err != nil {
		for _, part := range parts {
			out[part] = Result{
				TotalMatches: 0,
				SearchEngine: engine,
				LatencyMs:    time.Since(start).Milliseconds(),
				Error:        err.Error(),
				Cancelled:    ctx.Err() != nil,
			}
		}
		return
	}
	for _, part := range parts {
		out[part] = e.finalize(found[part], engine, 1, pageSize, showAll, start)
	}
}

// runChunk tries each available backend once, under the chunk timeout.
func (e *Engine) runChunk(ctx context.Context, fileID int64, parts []string, mode Mode, perPart int) (map[string][]CompanyMatch, string, error) {
	var lastErr error
	lastName := ""
	for i, b := range e.backends {
		if !e.available[i] {
			continue
		}
		chunkCtx, cancel := context.WithTimeout(ctx, e.config.ChunkTimeout)
		found, err := b.SearchBulk(chunkCtx, fileID, parts, mode, perPart)
		cancel()
		if err == nil {
			return found, b.Name(), nil
		}
		lastErr, lastName = err, b.Name()
		e.logger.Warn().Err(err).Str("backend", b.Name()).
			Int("parts", len(parts)).Msg("bulk chunk failed, descending chain")
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no search backend available")
	}
	return nil, lastName, lastErr
}

// finalize dedups, ranks, summarizes and paginates one part's matches.
func (e *Engine) finalize(matches []CompanyMatch, engine string, page, pageSize int, showAll bool, start time.Time) Result {
	matches = dedupeMatches(matches)
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].rank != matches[j].rank {
			return matches[i].rank > matches[j].rank
		}
		return matches[i].UnitPrice < matches[j].UnitPrice
	})

	result := Result{
		TotalMatches: len(matches),
		PriceSummary: summarizePrices(matches),
		SearchEngine: engine,
		LatencyMs:    time.Since(start).Milliseconds(),
	}
	if len(matches) > 0 {
		result.MatchType = string(matches[0].MatchType)
	} else {
		result.Message = "no matches found"
	}

	if pageSize <= 0 {
		pageSize = e.config.DefaultPageSize
	}
	if page <= 0 {
		page = 1
	}

	if showAll {
		if len(matches) > e.config.PerPartHardCap {
			matches = matches[:e.config.PerPartHardCap]
		}
		result.Companies = matches
		result.Page = 1
		result.PageSize = len(matches)
		result.TotalPages = 1
		return result
	}

	result.Page = page
	result.PageSize = pageSize
	result.TotalPages = (len(matches) + pageSize - 1) / pageSize

	lo := (page - 1) * pageSize
	if lo >= len(matches) {
		result.Companies = []CompanyMatch{}
		return result
	}
	hi := lo + pageSize
	if hi > len(matches) {
		hi = len(matches)
	}
	result.Companies = matches[lo:hi]
	return result
}

// dedupeMatches collapses duplicates identified by (part_number,
// company_name, unit_price), keeping the highest-ranked occurrence.
func dedupeMatches(matches []CompanyMatch) []CompanyMatch {
	if len(matches) < 2 {
		return matches
	}
	best := make(map[string]int, len(matches))
	out := matches[:0:0]
	for _, m := range matches {
		key := fmt.Sprintf("%s|%s|%.2f",
			strings.ToLower(m.PartNumber), strings.ToLower(m.CompanyName), m.UnitPrice)
		if i, ok := best[key]; ok {
			if m.rank > out[i].rank {
				out[i] = m
			}
			continue
		}
		best[key] = len(out)
		out = append(out, m)
	}
	return out
}

// dedupeParts removes duplicate inputs preserving first-seen order.
func dedupeParts(parts []string) []string {
	seen := make(map[string]bool, len(parts))
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}
