package search

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partsearch/partsearch/pkg/logging"
	"github.com/partsearch/partsearch/pkg/scoring"
)

// mockBackend serves canned matches and can be programmed to fail.
type mockBackend struct {
	name      string
	up        bool
	data      map[string][]CompanyMatch
	failAll   bool
	failParts map[string]bool // fail any bulk chunk containing one of these

	mu         sync.Mutex
	bulkCalls  int
	chunkSizes []int
	asked      map[string]int
}

func newMockBackend(name string) *mockBackend {
	return &mockBackend{
		name:  name,
		up:    true,
		data:  make(map[string][]CompanyMatch),
		asked: make(map[string]int),
	}
}

func (m *mockBackend) Name() string                   { return m.name }
func (m *mockBackend) Available(context.Context) bool { return m.up }

func (m *mockBackend) SearchSingle(ctx context.Context, fileID int64, part string, mode Mode, limit int) ([]CompanyMatch, error) {
	res, err := m.SearchBulk(ctx, fileID, []string{part}, mode, limit)
	if err != nil {
		return nil, err
	}
	return res[part], nil
}

func (m *mockBackend) SearchBulk(_ context.Context, _ int64, parts []string, _ Mode, _ int) (map[string][]CompanyMatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bulkCalls++
	m.chunkSizes = append(m.chunkSizes, len(parts))
	for _, p := range parts {
		m.asked[p]++
	}

	if m.failAll {
		return nil, fmt.Errorf("backend %s down", m.name)
	}
	for _, p := range parts {
		if m.failParts[p] {
			return nil, fmt.Errorf("chunk containing %s exploded", p)
		}
	}

	out := make(map[string][]CompanyMatch)
	for _, p := range parts {
		if matches, ok := m.data[p]; ok {
			out[p] = matches
		}
	}
	return out, nil
}

func match(part, company string, price, rank float64) CompanyMatch {
	status := scoring.StatusPartial
	if rank >= 70 {
		status = scoring.StatusFound
	}
	mt := scoring.MatchFuzzy
	if rank == 100 {
		mt = scoring.MatchExact
	}
	return CompanyMatch{
		CompanyName: company,
		PartNumber:  part,
		Quantity:    10,
		UnitPrice:   price,
		Confidence:  rank,
		MatchStatus: status,
		MatchType:   mt,
		rank:        rank,
	}
}

func testConfig() EngineConfig {
	cfg := DefaultEngineConfig()
	cfg.ProbeTimeout = time.Second
	return cfg
}

func TestSearchSingleExactWins(t *testing.T) {
	primary := newMockBackend("elasticsearch")
	primary.data["abc-123"] = []CompanyMatch{
		match("ABC-123", "Acme", 5.00, 100),
		match("ABC-123-X", "Globex", 4.00, 50),
	}
	engine := NewEngine(testConfig(), nil, logging.Nop(), primary)

	res := engine.SearchSingle(context.Background(), SingleRequest{
		FileID: 1, Part: "abc-123", Mode: ModeHybrid, Page: 1, PageSize: 10,
	})
	require.Equal(t, 2, res.TotalMatches)
	assert.Equal(t, float64(100), res.Companies[0].Confidence)
	assert.Equal(t, scoring.MatchExact, res.Companies[0].MatchType)
	assert.Equal(t, "elasticsearch", res.SearchEngine)
}

func TestSearchSingleFallsBackOnError(t *testing.T) {
	primary := newMockBackend("elasticsearch")
	primary.failAll = true
	secondary := newMockBackend("postgres")
	secondary.data["P-1"] = []CompanyMatch{match("P-1", "Acme", 1.00, 100)}

	engine := NewEngine(testConfig(), nil, logging.Nop(), primary, secondary)

	res := engine.SearchSingle(context.Background(), SingleRequest{FileID: 1, Part: "P-1"})
	assert.Equal(t, 1, res.TotalMatches)
	assert.Equal(t, "postgres", res.SearchEngine)
}

func TestSearchSingleFallsBackOnEmpty(t *testing.T) {
	primary := newMockBackend("elasticsearch")
	secondary := newMockBackend("postgres")
	secondary.data["P-2"] = []CompanyMatch{match("P-2", "Globex", 2.00, 95)}

	engine := NewEngine(testConfig(), nil, logging.Nop(), primary, secondary)

	res := engine.SearchSingle(context.Background(), SingleRequest{FileID: 1, Part: "P-2"})
	assert.Equal(t, 1, res.TotalMatches)
	assert.Equal(t, "postgres", res.SearchEngine)
}

func TestSearchSingleSkipsUnavailableBackend(t *testing.T) {
	primary := newMockBackend("elasticsearch")
	primary.up = false
	primary.data["P-3"] = []CompanyMatch{match("P-3", "Acme", 1.00, 100)}
	secondary := newMockBackend("postgres")
	secondary.data["P-3"] = []CompanyMatch{match("P-3", "Acme", 1.00, 100)}

	engine := NewEngine(testConfig(), nil, logging.Nop(), primary, secondary)

	res := engine.SearchSingle(context.Background(), SingleRequest{FileID: 1, Part: "P-3"})
	assert.Equal(t, "postgres", res.SearchEngine)
	assert.Zero(t, primary.bulkCalls, "unavailable backend must never be queried")
}

func TestSearchSingleAllEmpty(t *testing.T) {
	engine := NewEngine(testConfig(), nil, logging.Nop(), newMockBackend("elasticsearch"))

	res := engine.SearchSingle(context.Background(), SingleRequest{FileID: 1, Part: "MISSING"})
	assert.Zero(t, res.TotalMatches)
	assert.Empty(t, res.Companies)
	assert.NotEmpty(t, res.Message)
}

func TestDeduplicationKeepsHighestRank(t *testing.T) {
	primary := newMockBackend("elasticsearch")
	primary.data["D-1"] = []CompanyMatch{
		match("D-1", "Acme", 5.00, 60),
		match("D-1", "Acme", 5.00, 100), // same identity, higher rank
		match("D-1", "Acme", 6.00, 80),  // different price, distinct
	}
	engine := NewEngine(testConfig(), nil, logging.Nop(), primary)

	res := engine.SearchSingle(context.Background(), SingleRequest{FileID: 1, Part: "D-1", PageSize: 10})
	require.Equal(t, 2, res.TotalMatches)

	seen := make(map[string]bool)
	for _, c := range res.Companies {
		key := fmt.Sprintf("%s|%s|%.2f", c.PartNumber, c.CompanyName, c.UnitPrice)
		assert.False(t, seen[key], "duplicate identity in companies")
		seen[key] = true
	}
	assert.Equal(t, float64(100), res.Companies[0].Confidence)
}

func TestRankingTiesBrokenByPrice(t *testing.T) {
	primary := newMockBackend("elasticsearch")
	primary.data["T-1"] = []CompanyMatch{
		match("T-1", "Expensive", 9.00, 90),
		match("T-1", "Cheap", 1.00, 90),
		match("T-1", "Mid", 5.00, 90),
	}
	engine := NewEngine(testConfig(), nil, logging.Nop(), primary)

	res := engine.SearchSingle(context.Background(), SingleRequest{FileID: 1, Part: "T-1", PageSize: 10})
	require.Equal(t, 3, res.TotalMatches)
	assert.Equal(t, "Cheap", res.Companies[0].CompanyName)
	assert.Equal(t, "Mid", res.Companies[1].CompanyName)
	assert.Equal(t, "Expensive", res.Companies[2].CompanyName)
}

func TestPagination(t *testing.T) {
	primary := newMockBackend("elasticsearch")
	for i := 0; i < 25; i++ {
		primary.data["PG-1"] = append(primary.data["PG-1"],
			match("PG-1", fmt.Sprintf("Co-%02d", i), float64(i), 90))
	}
	engine := NewEngine(testConfig(), nil, logging.Nop(), primary)

	res := engine.SearchSingle(context.Background(), SingleRequest{
		FileID: 1, Part: "PG-1", Page: 3, PageSize: 10,
	})
	assert.Equal(t, 25, res.TotalMatches)
	assert.Equal(t, 3, res.TotalPages)
	assert.Len(t, res.Companies, 5)
	assert.Equal(t, 3, res.Page)

	// price_summary covers every match, not just the page
	assert.Equal(t, float64(0), res.PriceSummary.MinPrice)
	assert.Equal(t, float64(24), res.PriceSummary.MaxPrice)
	assert.Equal(t, int64(250), res.PriceSummary.TotalQuantity)
}

func TestShowAllBypassesPagination(t *testing.T) {
	primary := newMockBackend("elasticsearch")
	for i := 0; i < 25; i++ {
		primary.data["PG-2"] = append(primary.data["PG-2"],
			match("PG-2", fmt.Sprintf("Co-%02d", i), float64(i), 90))
	}
	engine := NewEngine(testConfig(), nil, logging.Nop(), primary)

	res := engine.SearchSingle(context.Background(), SingleRequest{
		FileID: 1, Part: "PG-2", Page: 3, PageSize: 10, ShowAll: true,
	})
	assert.Len(t, res.Companies, 25)
	assert.Equal(t, 1, res.TotalPages)
}

func TestBulkPreservesKeySetAndDedupesInput(t *testing.T) {
	primary := newMockBackend("elasticsearch")
	primary.data["A-1"] = []CompanyMatch{match("A-1", "Acme", 1.00, 100)}

	engine := NewEngine(testConfig(), nil, logging.Nop(), primary)

	out := engine.SearchBulk(context.Background(), BulkRequest{
		FileID: 1,
		Parts:  []string{"A-1", "A-2", "A-1", "  ", "A-2"},
		Mode:   ModeHybrid,
	})
	require.Len(t, out, 2, "duplicates and blanks collapse")
	assert.Equal(t, 1, out["A-1"].TotalMatches)
	assert.Zero(t, out["A-2"].TotalMatches, "unmatched part still gets an entry")
	assert.Empty(t, out["A-2"].Error)
}

func TestBulkFanOutChunks2500Parts(t *testing.T) {
	primary := newMockBackend("elasticsearch")
	engine := NewEngine(testConfig(), nil, logging.Nop(), primary)

	parts := make([]string, 2500)
	for i := range parts {
		parts[i] = fmt.Sprintf("B-%04d", i)
	}

	out := engine.SearchBulk(context.Background(), BulkRequest{FileID: 1, Parts: parts, Mode: ModeHybrid})
	require.Len(t, out, 2500)

	assert.Equal(t, 3, primary.bulkCalls, "2500 parts chunk into three groups")
	for _, size := range primary.chunkSizes {
		assert.LessOrEqual(t, size, 1000)
	}
	for _, p := range parts {
		r, ok := out[p]
		require.True(t, ok, "missing key %s", p)
		assert.Zero(t, r.TotalMatches)
	}
}

func TestBulkChunkFailureIsIsolated(t *testing.T) {
	primary := newMockBackend("elasticsearch")
	primary.failParts = map[string]bool{"C-1500": true}
	for i := 0; i < 2500; i++ {
		p := fmt.Sprintf("C-%04d", i)
		primary.data[p] = []CompanyMatch{match(p, "Acme", 1.00, 100)}
	}

	engine := NewEngine(testConfig(), nil, logging.Nop(), primary)

	parts := make([]string, 2500)
	for i := range parts {
		parts[i] = fmt.Sprintf("C-%04d", i)
	}

	out := engine.SearchBulk(context.Background(), BulkRequest{FileID: 1, Parts: parts, Mode: ModeHybrid})
	require.Len(t, out, 2500)

	var failed, succeeded int
	for _, r := range out {
		if r.Error != "" {
			failed++
			assert.Zero(t, r.TotalMatches)
		} else {
			succeeded++
			assert.Equal(t, 1, r.TotalMatches)
		}
	}
	assert.Equal(t, 1000, failed, "exactly the poisoned chunk fails")
	assert.Equal(t, 1500, succeeded)
}

func TestBulkChunkFallbackToSecondary(t *testing.T) {
	primary := newMockBackend("elasticsearch")
	primary.failAll = true
	secondary := newMockBackend("postgres")
	secondary.data["F-1"] = []CompanyMatch{match("F-1", "Acme", 1.00, 100)}

	engine := NewEngine(testConfig(), nil, logging.Nop(), primary, secondary)

	out := engine.SearchBulk(context.Background(), BulkRequest{
		FileID: 1, Parts: []string{"F-1"}, Mode: ModeHybrid,
	})
	assert.Equal(t, 1, out["F-1"].TotalMatches)
	assert.Equal(t, "postgres", out["F-1"].SearchEngine)
}

func TestBulkCancellationFlagsRemainingParts(t *testing.T) {
	primary := newMockBackend("elasticsearch")
	engine := NewEngine(testConfig(), nil, logging.Nop(), primary)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	parts := make([]string, 1500)
	for i := range parts {
		parts[i] = fmt.Sprintf("X-%04d", i)
	}
	out := engine.SearchBulk(ctx, BulkRequest{FileID: 1, Parts: parts, Mode: ModeHybrid})
	require.Len(t, out, 1500)

	var cancelled int
	for _, r := range out {
		if r.Cancelled {
			cancelled++
		}
	}
	assert.Equal(t, 1500, cancelled, "pre-cancelled context flags every part")
}

func TestBloomFilterSkipsDefiniteMisses(t *testing.T) {
	primary := newMockBackend("elasticsearch")
	primary.data["IN-1"] = []CompanyMatch{match("IN-1", "Acme", 1.00, 100)}

	filters := NewMissFilters()
	filter := NewPartFilter(10)
	AddPart(filter, "IN-1")
	filters.Set(1, filter)

	engine := NewEngine(testConfig(), filters, logging.Nop(), primary)

	out := engine.SearchBulk(context.Background(), BulkRequest{
		FileID: 1, Parts: []string{"IN-1", "DEFINITELY-ABSENT"}, Mode: ModeExact,
	})
	require.Len(t, out, 2)
	assert.Equal(t, 1, out["IN-1"].TotalMatches)
	assert.Zero(t, out["DEFINITELY-ABSENT"].TotalMatches)
	assert.Zero(t, primary.asked["DEFINITELY-ABSENT"], "definite miss must not reach the backend")
}

func TestBloomFilterIgnoredInFuzzyMode(t *testing.T) {
	primary := newMockBackend("elasticsearch")
	filters := NewMissFilters()
	filters.Set(1, NewPartFilter(10))

	engine := NewEngine(testConfig(), filters, logging.Nop(), primary)

	engine.SearchBulk(context.Background(), BulkRequest{
		FileID: 1, Parts: []string{"ANY-1"}, Mode: ModeHybrid,
	})
	assert.Equal(t, 1, primary.asked["ANY-1"], "fuzzy mode bypasses the miss filter")
}

func TestBulkWorkerPoolBoundsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int64
	primary := newMockBackend("elasticsearch")

	slow := &slowBackend{inner: primary, inFlight: &inFlight, peak: &peak}

	cfg := testConfig()
	cfg.BulkWorkers = 3
	engine := NewEngine(cfg, nil, logging.Nop(), slow)

	parts := make([]string, 5000)
	for i := range parts {
		parts[i] = fmt.Sprintf("W-%04d", i)
	}
	engine.SearchBulk(context.Background(), BulkRequest{FileID: 1, Parts: parts, Mode: ModeHybrid})

	assert.LessOrEqual(t, peak.Load(), int64(3), "worker pool must bound concurrent chunks")
}

// slowBackend wraps a backend adding a small delay and concurrency
// accounting.
type slowBackend struct {
	inner    Backend
	inFlight *atomic.Int64
	peak     *atomic.Int64
}

func (s *slowBackend) Name() string                       { return s.inner.Name() }
func (s *slowBackend) Available(ctx context.Context) bool { return s.inner.Available(ctx) }

func (s *slowBackend) SearchSingle(ctx context.Context, fileID int64, part string, mode Mode, limit int) ([]CompanyMatch, error) {
	return s.inner.SearchSingle(ctx, fileID, part, mode, limit)
}

func (s *slowBackend) SearchBulk(ctx context.Context, fileID int64, parts []string, mode Mode, limit int) (map[string][]CompanyMatch, error) {
	n := s.inFlight.Add(1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	defer s.inFlight.Add(-1)
	return s.inner.SearchBulk(ctx, fileID, parts, mode, limit)
}
