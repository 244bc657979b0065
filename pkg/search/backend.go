package search

import "context"

// Backend resolves part queries against one dataset. Implementations
// return raw graded matches; the engine owns deduplication, ranking and
// pagination. Unmatched parts yield empty slices, not errors.
type Backend interface {
	// Name identifies the backend in results and logs.
	Name() string
	// Available reports whether the backend can serve queries; the engine
	// probes this once per instance and caches the answer.
	Available(ctx context.Context) bool
	// SearchSingle resolves one part. limit caps the matches returned.
	SearchSingle(ctx context.Context, fileID int64, part string, mode Mode, limit int) ([]CompanyMatch, error)
	// SearchBulk resolves many parts in one call, keyed by the input part
	// strings. Parts without matches may be absent from the map.
	SearchBulk(ctx context.Context, fileID int64, parts []string, mode Mode, perPartLimit int) (map[string][]CompanyMatch, error)
}
