// Package cache provides the shared result cache: a byte store with
// per-entry TTLs behind a stable key scheme, plus a typed layer for
// search results that compresses oversized values to a summary form.
// The cache never guarantees presence; callers must treat every miss as
// recoverable.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrMiss is returned when a key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Default TTLs per entry class.
const (
	ResultTTL    = 30 * time.Minute
	ColumnMapTTL = 2 * time.Hour
	WarmupTTL    = 5 * time.Minute
)

// Store is the byte-level cache contract. Implementations must be safe
// for concurrent use.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// keyPayload is the canonical form hashed into a cache key. Parts are
// sorted so permutations of the same set share an entry.
type keyPayload struct {
	Op       string   `json:"op"`
	FileID   int64    `json:"file_id"`
	Parts    []string `json:"parts"`
	Mode     string   `json:"mode"`
	PageSize int      `json:"page_size"`
	ShowAll  bool     `json:"show_all"`
}

// Key derives the stable cache key for a search operation.
func Key(op string, fileID int64, parts []string, mode string, pageSize int, showAll bool) string {
	sorted := make([]string, len(parts))
	copy(sorted, parts)
	sort.Strings(sorted)

	payload, _ := json.Marshal(keyPayload{
		Op:       op,
		FileID:   fileID,
		Parts:    sorted,
		Mode:     mode,
		PageSize: pageSize,
		ShowAll:  showAll,
	})
	sum := sha256.Sum256(payload)
	return fmt.Sprintf("%s:%d:%s", op, fileID, hex.EncodeToString(sum[:16]))
}
