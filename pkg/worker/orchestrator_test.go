package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partsearch/partsearch/pkg/cache"
	"github.com/partsearch/partsearch/pkg/index"
	"github.com/partsearch/partsearch/pkg/ingest"
	"github.com/partsearch/partsearch/pkg/logging"
	"github.com/partsearch/partsearch/pkg/progress"
	"github.com/partsearch/partsearch/pkg/schema"
	"github.com/partsearch/partsearch/pkg/search"
	"github.com/partsearch/partsearch/pkg/storage/postgres"
)

// fakeWorkerStore backs both the orchestrator and the ingester in
// memory.
type fakeWorkerStore struct {
	mu             sync.Mutex
	statuses       map[int64]string
	rowCounts      map[int64]int64
	tables         map[int64][]schema.Row
	indexesCreated bool
}

func newFakeWorkerStore() *fakeWorkerStore {
	return &fakeWorkerStore{
		statuses:  make(map[int64]string),
		rowCounts: make(map[int64]int64),
		tables:    make(map[int64][]schema.Row),
	}
}

func (f *fakeWorkerStore) GetDataset(_ context.Context, fileID int64) (*postgres.Dataset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &postgres.Dataset{ID: fileID, Status: f.statuses[fileID]}, nil
}

func (f *fakeWorkerStore) UpdateDatasetStatus(_ context.Context, fileID int64, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[fileID] = status
	return nil
}

func (f *fakeWorkerStore) UpdateDatasetRowCount(_ context.Context, fileID, n int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rowCounts[fileID] = n
	return nil
}

func (f *fakeWorkerStore) CreateDatasetIndexes(_ context.Context, _ int64, _ bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexesCreated = true
}

func (f *fakeWorkerStore) TopPartNumbers(_ context.Context, fileID int64, limit int) ([]postgres.PartFrequency, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := make(map[string]int64)
	for _, r := range f.tables[fileID] {
		if r.PartNumber != "" {
			counts[r.PartNumber]++
		}
	}
	var out []postgres.PartFrequency
	for part, n := range counts {
		out = append(out, postgres.PartFrequency{PartNumber: part, Count: n})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeWorkerStore) ForEachPartNumber(_ context.Context, fileID int64, fn func(string) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := make(map[string]bool)
	for _, r := range f.tables[fileID] {
		if r.PartNumber != "" && !seen[r.PartNumber] {
			seen[r.PartNumber] = true
			if err := fn(r.PartNumber); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f *fakeWorkerStore) EnsureDatasetTable(_ context.Context, fileID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tables[fileID]; !ok {
		f.tables[fileID] = nil
	}
	return nil
}

func (f *fakeWorkerStore) InsertRows(_ context.Context, fileID int64, rows []schema.Row) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables[fileID] = append(f.tables[fileID], rows...)
	return nil
}

func (f *fakeWorkerStore) DatasetRowCount(_ context.Context, fileID int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.tables[fileID])), nil
}

func (f *fakeWorkerStore) status(fileID int64) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[fileID]
}

// fakeSyncer records sync invocations.
type fakeSyncer struct {
	mu    sync.Mutex
	calls int
	fail  bool
}

func (s *fakeSyncer) Sync(_ context.Context, _ int64, progressFn index.SyncProgressFunc) (int64, error) {
	s.mu.Lock()
	s.calls++
	fail := s.fail
	s.mu.Unlock()
	if fail {
		return 0, fmt.Errorf("index unreachable")
	}
	if progressFn != nil {
		progressFn(3, 1)
	}
	return 3, nil
}

// fakeEngine returns one empty result per part.
type fakeEngine struct {
	mu      sync.Mutex
	queried []string
}

func (e *fakeEngine) SearchBulk(_ context.Context, req search.BulkRequest) map[string]search.Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]search.Result, len(req.Parts))
	for _, p := range req.Parts {
		e.queried = append(e.queried, p)
		out[p] = search.Result{TotalMatches: 1}
	}
	return out
}

func writeTestCSV(t *testing.T, descriptions []string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "parts.csv")
	content := "primary_buyer,item_description,quantity,unit_of_measure,unit_price,secondary_buyer,primary_buyer_contact,primary_buyer_email\n"
	for i, desc := range descriptions {
		content += fmt.Sprintf("Buyer%d,%s,10,EA,1.50,,,\n", i, desc)
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newTestOrchestrator(t *testing.T, store *fakeWorkerStore, syncer Syncer, engine Searcher) (*Orchestrator, *progress.Hub, *cache.ResultCache, *search.MissFilters) {
	t.Helper()
	hub := progress.NewHub(logging.Nop())
	memStore, err := cache.NewMemoryStore(64)
	require.NoError(t, err)
	results := cache.NewResultCache(memStore, logging.Nop())
	filters := search.NewMissFilters()
	ingester := ingest.New(store, logging.Nop())

	o := New(store, ingester, syncer, hub, results, filters, engine,
		Config{BatchSize: 2, Trigram: true}, logging.Nop())
	return o, hub, results, filters
}

func TestProcessHappyPath(t *testing.T) {
	store := newFakeWorkerStore()
	syncer := &fakeSyncer{}
	engine := &fakeEngine{}
	o, hub, _, filters := newTestOrchestrator(t, store, syncer, engine)

	path := writeTestCSV(t, []string{"CONN 3585720 GOLD", "BOLT-M8x20", "WIDGET assy 12-AB"})

	sub := hub.Subscribe(1)
	defer hub.Unsubscribe(sub)

	require.NoError(t, o.Process(context.Background(), 1, path, "parts.csv"))

	assert.Equal(t, postgres.StatusProcessed, store.status(1))
	assert.Equal(t, int64(3), store.rowCounts[1])
	assert.True(t, store.indexesCreated)
	assert.Equal(t, 1, syncer.calls)

	parts := make(map[string]bool)
	for _, r := range store.tables[1] {
		parts[r.PartNumber] = true
	}
	assert.True(t, parts["3585720"])
	assert.True(t, parts["BOLT-M8x20"])
	assert.True(t, parts["12-AB"])

	// The miss filter knows the ingested parts.
	assert.False(t, filters.DefiniteMiss(1, "3585720"))
	assert.True(t, filters.DefiniteMiss(1, "NOT-A-PART-99"))

	// Warm-up searched the frequent parts.
	assert.NotEmpty(t, engine.queried)

	types := drainEventTypes(t, sub, 2)
	assert.Contains(t, types, progress.EventProcessingStarted)
	assert.Contains(t, types, progress.EventProcessingComplete)
}

func TestProcessCancelledDataset(t *testing.T) {
	store := newFakeWorkerStore()
	o, _, _, _ := newTestOrchestrator(t, store, &fakeSyncer{}, &fakeEngine{})

	path := writeTestCSV(t, []string{"CONN 3585720 GOLD", "BOLT-M8x20", "WIDGET assy 12-AB"})

	// Cancellation arrives before processing starts; the first poll sees
	// it.
	store.statuses[1] = postgres.StatusCancelled
	err := o.Process(context.Background(), 1, path, "parts.csv")
	require.NoError(t, err)
	assert.Equal(t, postgres.StatusCancelled, store.status(1))
	assert.Empty(t, store.tables[1])
}

func TestProcessUnreadableFileFails(t *testing.T) {
	store := newFakeWorkerStore()
	o, hub, _, _ := newTestOrchestrator(t, store, &fakeSyncer{}, &fakeEngine{})

	sub := hub.Subscribe(2)
	defer hub.Unsubscribe(sub)

	err := o.Process(context.Background(), 2, "/does/not/exist.csv", "exist.csv")
	require.Error(t, err)
	assert.Equal(t, postgres.StatusFailed, store.status(2))

	types := drainEventTypes(t, sub, 2)
	assert.Contains(t, types, progress.EventError)
}

func TestProcessSyncFailureStaysProcessed(t *testing.T) {
	store := newFakeWorkerStore()
	syncer := &fakeSyncer{fail: true}
	o, hub, _, _ := newTestOrchestrator(t, store, syncer, &fakeEngine{})

	path := writeTestCSV(t, []string{"CONN 3585720 GOLD"})

	sub := hub.Subscribe(3)
	defer hub.Unsubscribe(sub)

	require.NoError(t, o.Process(context.Background(), 3, path, "parts.csv"))
	assert.Equal(t, postgres.StatusProcessed, store.status(3))

	var complete *progress.Event
	for _, ev := range drainEvents(t, sub, 2) {
		if ev.Type == progress.EventProcessingComplete {
			complete = &ev
			break
		}
	}
	require.NotNil(t, complete)
	assert.False(t, complete.IndexSynced)
}

func TestPoolSerializesPerDataset(t *testing.T) {
	store := newFakeWorkerStore()
	o, _, _, _ := newTestOrchestrator(t, store, &fakeSyncer{}, &fakeEngine{})
	pool := NewPool(o, 2, 8, logging.Nop())
	defer pool.Stop()

	path := writeTestCSV(t, []string{"CONN 3585720 GOLD"})

	assert.True(t, pool.Enqueue(10, path, "parts.csv"))
	assert.False(t, pool.Enqueue(10, path, "parts.csv"),
		"a dataset with an active job must not enqueue twice")

	require.Eventually(t, func() bool {
		return store.status(10) == postgres.StatusProcessed
	}, 5*time.Second, 10*time.Millisecond)

	// Once finished the dataset may be re-queued.
	assert.True(t, pool.Enqueue(10, path, "parts.csv"))
}

func drainEvents(t *testing.T, sub *progress.Subscriber, want int) []progress.Event {
	t.Helper()
	var events []progress.Event
	deadline := time.After(2 * time.Second)
	for len(events) < want {
		select {
		case ev := <-sub.Events():
			events = append(events, ev)
		case <-deadline:
			t.Fatalf("only %d of %d events arrived", len(events), want)
		}
	}
	return events
}

func drainEventTypes(t *testing.T, sub *progress.Subscriber, want int) []progress.EventType {
	t.Helper()
	var types []progress.EventType
	for _, ev := range drainEvents(t, sub, want) {
		types = append(types, ev.Type)
	}
	return types
}
