package cache

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// defaultMemoryEntries bounds the in-process fallback cache.
const defaultMemoryEntries = 4096

type memEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryStore is an in-process LRU used when no external cache is
// configured, and in tests. Entries carry their own expiry; eviction is
// LRU beyond the size bound.
type MemoryStore struct {
	entries *lru.Cache[string, memEntry]
}

// NewMemoryStore creates a store holding up to maxEntries values;
// maxEntries <= 0 selects the default.
func NewMemoryStore(maxEntries int) (*MemoryStore, error) {
	if maxEntries <= 0 {
		maxEntries = defaultMemoryEntries
	}
	entries, err := lru.New[string, memEntry](maxEntries)
	if err != nil {
		return nil, err
	}
	return &MemoryStore{entries: entries}, nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	entry, ok := s.entries.Get(key)
	if !ok {
		return nil, ErrMiss
	}
	if time.Now().After(entry.expiresAt) {
		s.entries.Remove(key)
		return nil, ErrMiss
	}
	return entry.value, nil
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.entries.Add(key, memEntry{value: value, expiresAt: time.Now().Add(ttl)})
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.entries.Remove(key)
	return nil
}
