// Package llm integrates the external natural-language query planner.
// The planner is a collaborator service: calls are fallible, slow and
// cacheable, and nothing in the core depends on it succeeding.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/partsearch/partsearch/pkg/cache"
)

// Route says how a natural-language question should be answered.
type Route string

const (
	// RouteSQL answers by executing the planner-generated SQL.
	RouteSQL Route = "sql"
	// RouteSemantic answers from the planner's semantic hits.
	RouteSemantic Route = "semantic"
	// RouteDirect answers by an ordinary part search.
	RouteDirect Route = "direct"
)

// SemanticHit is one row the planner considers relevant.
type SemanticHit struct {
	RowID      int64   `json:"row_id"`
	PartNumber string  `json:"part_number"`
	Score      float64 `json:"score"`
}

// Plan is the planner's answer for one question.
type Plan struct {
	Route        Route         `json:"route"`
	SQL          string        `json:"sql,omitempty"`
	SemanticHits []SemanticHit `json:"semantic_hits,omitempty"`
}

// Planner translates a question about one dataset into an executable
// intent.
type Planner interface {
	Plan(ctx context.Context, question string, fileID int64) (*Plan, error)
}

// defaultTimeout bounds one planner round trip.
const defaultTimeout = 30 * time.Second

// HTTPPlanner calls the external planner endpoint.
type HTTPPlanner struct {
	endpoint string
	apiKey   string
	client   *http.Client
	logger   zerolog.Logger
}

// NewHTTPPlanner creates a planner client for endpoint.
func NewHTTPPlanner(endpoint string, logger zerolog.Logger) *HTTPPlanner {
	return &HTTPPlanner{
		endpoint: endpoint,
		client:   &http.Client{Timeout: defaultTimeout},
		logger:   logger,
	}
}

// WithAPIKey attaches a bearer credential to every planner call.
func (p *HTTPPlanner) WithAPIKey(key string) *HTTPPlanner {
	p.apiKey = key
	return p
}

type planRequest struct {
	Question string `json:"question"`
	FileID   int64  `json:"file_id"`
}

// Plan implements Planner.
func (p *HTTPPlanner) Plan(ctx context.Context, question string, fileID int64) (*Plan, error) {
	body, err := json.Marshal(planRequest{Question: question, FileID: fileID})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal plan request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build plan request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("planner call failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("planner returned %s", resp.Status)
	}

	var plan Plan
	if err := json.NewDecoder(resp.Body).Decode(&plan); err != nil {
		return nil, fmt.Errorf("failed to decode plan: %w", err)
	}
	return &plan, nil
}

// CachedPlanner memoizes plans; identical questions against the same
// dataset reuse the cached intent.
type CachedPlanner struct {
	inner Planner
	store cache.Store
	ttl   time.Duration
}

// NewCachedPlanner wraps inner with a cache layer.
func NewCachedPlanner(inner Planner, store cache.Store, ttl time.Duration) *CachedPlanner {
	if ttl <= 0 {
		ttl = cache.ColumnMapTTL
	}
	return &CachedPlanner{inner: inner, store: store, ttl: ttl}
}

// Plan implements Planner.
func (c *CachedPlanner) Plan(ctx context.Context, question string, fileID int64) (*Plan, error) {
	key := cache.Key("llm_plan", fileID, []string{question}, "", 0, false)
	if raw, err := c.store.Get(ctx, key); err == nil {
		var plan Plan
		if json.Unmarshal(raw, &plan) == nil {
			return &plan, nil
		}
	}

	plan, err := c.inner.Plan(ctx, question, fileID)
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(plan); err == nil {
		_ = c.store.Put(ctx, key, raw, c.ttl)
	}
	return plan, nil
}
