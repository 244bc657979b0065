package search

import (
	"strings"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

// minFilterCapacity keeps tiny datasets from producing degenerate
// filters.
const minFilterCapacity = 1024

// MissFilters holds per-dataset bloom filters over the distinct part
// numbers of each processed dataset. A filter can prove a part is
// definitely absent, letting exact-mode bulk searches skip the backend
// for guaranteed misses. Bloom filters have no false negatives, so the
// shortcut never drops a real match.
type MissFilters struct {
	mu      sync.RWMutex
	filters map[int64]*bloom.BloomFilter
}

// NewMissFilters creates an empty registry.
func NewMissFilters() *MissFilters {
	return &MissFilters{filters: make(map[int64]*bloom.BloomFilter)}
}

// NewPartFilter sizes a filter for the expected number of distinct parts
// at a 1% false-positive rate.
func NewPartFilter(expected uint) *bloom.BloomFilter {
	if expected < minFilterCapacity {
		expected = minFilterCapacity
	}
	return bloom.NewWithEstimates(expected, 0.01)
}

// AddPart records a part number in the filter; lookups are
// case-insensitive.
func AddPart(filter *bloom.BloomFilter, part string) {
	filter.AddString(strings.ToLower(part))
}

// Set installs (or replaces) the filter for a dataset.
func (f *MissFilters) Set(fileID int64, filter *bloom.BloomFilter) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filters[fileID] = filter
}

// Remove drops a dataset's filter, typically on dataset deletion.
func (f *MissFilters) Remove(fileID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.filters, fileID)
}

// DefiniteMiss reports whether part is provably absent from the dataset.
// Without a filter the answer is always false.
func (f *MissFilters) DefiniteMiss(fileID int64, part string) bool {
	f.mu.RLock()
	filter := f.filters[fileID]
	f.mu.RUnlock()
	if filter == nil {
		return false
	}
	return !filter.TestString(strings.ToLower(part))
}
