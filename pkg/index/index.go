// Package index abstracts the full-text search index that mirrors dataset
// tables. Two implementations exist: an external Elasticsearch cluster and
// an embedded bleve index used when no external endpoint is configured.
// Both key documents as <file_id>_<row_id> and carry file_id as a
// discriminator field, so sync and search are implementation-agnostic.
package index

import (
	"context"
	"fmt"
)

// Document is one dataset row as stored in the search index.
type Document struct {
	FileID              int64   `json:"file_id"`
	RowID               int64   `json:"row_id"`
	PartNumber          string  `json:"part_number"`
	PrimaryBuyer        string  `json:"primary_buyer"`
	ItemDescription     string  `json:"item_description"`
	Quantity            int64   `json:"quantity"`
	UnitOfMeasure       string  `json:"unit_of_measure"`
	UnitPrice           float64 `json:"unit_price"`
	SecondaryBuyer      string  `json:"secondary_buyer"`
	PrimaryBuyerContact string  `json:"primary_buyer_contact"`
	PrimaryBuyerEmail   string  `json:"primary_buyer_email"`
}

// DocID returns the index document id for a dataset row.
func DocID(fileID, rowID int64) string {
	return fmt.Sprintf("%d_%d", fileID, rowID)
}

// Query boosts, shared by both implementations.
const (
	BoostExact  = 10.0
	BoostPrefix = 5.0
	BoostFuzzy  = 2.0
)

// PartQuery is one sub-query of a multi-search request.
type PartQuery struct {
	FileID int64
	Part   string
	// Limit caps the number of hits returned for this part.
	Limit int
}

// Hit is one scored index match.
type Hit struct {
	Score float64
	Doc   Document
}

// PartHits are the matches for one queried part, sorted by score
// descending then unit price ascending.
type PartHits struct {
	Part string
	Hits []Hit
}

// Index is the search-index contract shared by the Elasticsearch and bleve
// implementations.
type Index interface {
	// Name identifies the implementation ("elasticsearch" or "bleve").
	Name() string
	// Available reports whether the index can serve requests right now.
	Available(ctx context.Context) bool
	// EnsureIndex creates the index and its mappings if missing.
	EnsureIndex(ctx context.Context) error
	// BulkUpsert writes documents, overwriting by document id.
	BulkUpsert(ctx context.Context, docs []Document) error
	// DeleteDataset removes every document of one dataset partition.
	DeleteDataset(ctx context.Context, fileID int64) error
	// Refresh makes pending writes visible to search.
	Refresh(ctx context.Context) error
	// MultiSearch executes one request carrying several part sub-queries.
	MultiSearch(ctx context.Context, queries []PartQuery) ([]PartHits, error)
	// Close releases resources.
	Close() error
}
