package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/partsearch/partsearch/pkg/search"
)

// maxEntryBytes is the threshold above which a value is stored in its
// lossy summary form.
const maxEntryBytes = 1 << 20

// Summary is the lossy form of an oversized result set: totals and
// per-part match counts only.
type Summary struct {
	TotalParts     int            `json:"total_parts"`
	TotalMatches   int            `json:"total_matches"`
	PerPartMatches map[string]int `json:"per_part_matches"`
}

// Envelope wraps a cached result set. Compressed signals that only the
// summary survived.
type Envelope struct {
	Compressed bool                     `json:"compressed"`
	Results    map[string]search.Result `json:"results,omitempty"`
	Summary    *Summary                 `json:"summary,omitempty"`
	CachedAt   time.Time                `json:"cached_at"`
}

// ResultCache is the typed layer over a Store for search results. Every
// operation tolerates store failure by behaving as a miss.
type ResultCache struct {
	store  Store
	logger zerolog.Logger
}

// NewResultCache wraps a store.
func NewResultCache(store Store, logger zerolog.Logger) *ResultCache {
	return &ResultCache{store: store, logger: logger}
}

// Get returns the cached envelope for key, or ok=false on miss or store
// failure.
func (c *ResultCache) Get(ctx context.Context, key string) (*Envelope, bool) {
	raw, err := c.store.Get(ctx, key)
	if err != nil {
		if err != ErrMiss {
			c.logger.Warn().Err(err).Str("key", key).Msg("cache read failed, bypassing")
		}
		return nil, false
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache entry corrupt, bypassing")
		return nil, false
	}
	return &env, true
}

// Put stores results under key. Values above 1 MiB are replaced with
// their summary form and flagged compressed. Store failures are logged
// and swallowed.
func (c *ResultCache) Put(ctx context.Context, key string, results map[string]search.Result, ttl time.Duration) {
	env := Envelope{Results: results, CachedAt: time.Now()}
	raw, err := json.Marshal(env)
	if err != nil {
		c.logger.Warn().Err(err).Msg("cache marshal failed")
		return
	}

	if len(raw) > maxEntryBytes {
		env = Envelope{Compressed: true, Summary: summarize(results), CachedAt: env.CachedAt}
		raw, err = json.Marshal(env)
		if err != nil {
			c.logger.Warn().Err(err).Msg("cache summary marshal failed")
			return
		}
	}

	if err := c.store.Put(ctx, key, raw, ttl); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache write failed")
	}
}

// Invalidate drops one entry; used when a dataset is deleted or
// re-processed.
func (c *ResultCache) Invalidate(ctx context.Context, key string) {
	if err := c.store.Delete(ctx, key); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache delete failed")
	}
}

// Healthy probes the underlying store for the readiness check. A miss
// is a healthy answer; only a store error counts as down.
func (c *ResultCache) Healthy(ctx context.Context) bool {
	_, err := c.store.Get(ctx, "readiness-probe")
	return err == nil || errors.Is(err, ErrMiss)
}

func summarize(results map[string]search.Result) *Summary {
	s := &Summary{PerPartMatches: make(map[string]int, len(results))}
	for part, r := range results {
		s.TotalParts++
		s.TotalMatches += r.TotalMatches
		s.PerPartMatches[part] = r.TotalMatches
	}
	return s
}
