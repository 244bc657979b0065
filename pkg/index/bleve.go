package index

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
)

// BleveIndex is the embedded implementation backed by a local bleve index.
type BleveIndex struct {
	index bleve.Index
	path  string
}

// NewBleveIndex opens (or creates) a bleve index at path. An empty path
// creates an in-memory index, which the tests use.
func NewBleveIndex(path string) (*BleveIndex, error) {
	var idx bleve.Index
	var err error

	if path == "" {
		idx, err = bleve.NewMemOnly(createBleveMapping())
	} else if _, statErr := os.Stat(path); statErr == nil {
		idx, err = bleve.Open(path)
	} else {
		idx, err = bleve.New(path, createBleveMapping())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open bleve index: %w", err)
	}
	return &BleveIndex{index: idx, path: path}, nil
}

// createBleveMapping builds the document mapping: part_number and file_id
// as keyword fields for exact and prefix matching, part_number_text and
// item_description analyzed for fuzzy matching, numerics stored for
// sorting.
func createBleveMapping() mapping.IndexMapping {
	docMapping := bleve.NewDocumentMapping()

	keywordField := func() *mapping.FieldMapping {
		f := bleve.NewTextFieldMapping()
		f.Analyzer = "keyword"
		f.Store = true
		return f
	}
	textField := func() *mapping.FieldMapping {
		f := bleve.NewTextFieldMapping()
		f.Store = true
		return f
	}
	numericField := func() *mapping.FieldMapping {
		f := bleve.NewNumericFieldMapping()
		f.Store = true
		return f
	}

	docMapping.AddFieldMappingsAt("file_id", keywordField())
	docMapping.AddFieldMappingsAt("part_number", keywordField())
	docMapping.AddFieldMappingsAt("part_number_text", textField())
	docMapping.AddFieldMappingsAt("item_description", textField())
	docMapping.AddFieldMappingsAt("primary_buyer", keywordField())
	docMapping.AddFieldMappingsAt("secondary_buyer", keywordField())
	docMapping.AddFieldMappingsAt("primary_buyer_contact", keywordField())
	docMapping.AddFieldMappingsAt("primary_buyer_email", keywordField())
	docMapping.AddFieldMappingsAt("unit_of_measure", keywordField())
	docMapping.AddFieldMappingsAt("row_id", numericField())
	docMapping.AddFieldMappingsAt("quantity", numericField())
	docMapping.AddFieldMappingsAt("unit_price", numericField())

	indexMapping := bleve.NewIndexMapping()
	indexMapping.DefaultMapping = docMapping
	return indexMapping
}

// bleveDoc is the indexed shape; part numbers are stored lowercased in the
// keyword field so exact matching is case-insensitive.
type bleveDoc struct {
	FileID              string  `json:"file_id"`
	RowID               float64 `json:"row_id"`
	PartNumber          string  `json:"part_number"`
	PartNumberText      string  `json:"part_number_text"`
	PrimaryBuyer        string  `json:"primary_buyer"`
	ItemDescription     string  `json:"item_description"`
	Quantity            float64 `json:"quantity"`
	UnitOfMeasure       string  `json:"unit_of_measure"`
	UnitPrice           float64 `json:"unit_price"`
	SecondaryBuyer      string  `json:"secondary_buyer"`
	PrimaryBuyerContact string  `json:"primary_buyer_contact"`
	PrimaryBuyerEmail   string  `json:"primary_buyer_email"`
}

// Name implements Index.
func (b *BleveIndex) Name() string { return "bleve" }

// Available implements Index; an open embedded index is always available.
func (b *BleveIndex) Available(_ context.Context) bool { return b.index != nil }

// EnsureIndex implements Index; creation happened in NewBleveIndex.
func (b *BleveIndex) EnsureIndex(_ context.Context) error { return nil }

// BulkUpsert implements Index.
func (b *BleveIndex) BulkUpsert(_ context.Context, docs []Document) error {
	batch := b.index.NewBatch()
	for _, doc := range docs {
		id := DocID(doc.FileID, doc.RowID)
		err := batch.Index(id, bleveDoc{
			FileID:              strconv.FormatInt(doc.FileID, 10),
			RowID:               float64(doc.RowID),
			PartNumber:          strings.ToLower(doc.PartNumber),
			PartNumberText:      doc.PartNumber,
			PrimaryBuyer:        doc.PrimaryBuyer,
			ItemDescription:     doc.ItemDescription,
			Quantity:            float64(doc.Quantity),
			UnitOfMeasure:       doc.UnitOfMeasure,
			UnitPrice:           doc.UnitPrice,
			SecondaryBuyer:      doc.SecondaryBuyer,
			PrimaryBuyerContact: doc.PrimaryBuyerContact,
			PrimaryBuyerEmail:   doc.PrimaryBuyerEmail,
		})
		if err != nil {
			return fmt.Errorf("failed to stage document %s: %w", id, err)
		}
	}
	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("failed to apply index batch: %w", err)
	}
	return nil
}

// DeleteDataset implements Index by walking the dataset partition.
func (b *BleveIndex) DeleteDataset(ctx context.Context, fileID int64) error {
	filter := bleve.NewTermQuery(strconv.FormatInt(fileID, 10))
	filter.SetField("file_id")

	for {
		req := bleve.NewSearchRequest(filter)
		req.Size = 1000
		res, err := b.index.SearchInContext(ctx, req)
		if err != nil {
			return fmt.Errorf("failed to enumerate dataset %d documents: %w", fileID, err)
		}
		if len(res.Hits) == 0 {
			return nil
		}
		batch := b.index.NewBatch()
		for _, hit := range res.Hits {
			batch.Delete(hit.ID)
		}
		if err := b.index.Batch(batch); err != nil {
			return fmt.Errorf("failed to delete dataset %d documents: %w", fileID, err)
		}
	}
}

// Refresh implements Index; bleve writes are visible once the batch
// applies.
func (b *BleveIndex) Refresh(_ context.Context) error { return nil }

// MultiSearch implements Index. Each part becomes a boolean disjunction of
// exact keyword (boost 10), keyword prefix (boost 5) and single-edit fuzzy
// match (boost 2), filtered to the dataset partition and sorted by score
// descending then unit price ascending.
func (b *BleveIndex) MultiSearch(ctx context.Context, queries []PartQuery) ([]PartHits, error) {
	results := make([]PartHits, 0, len(queries))
	for _, q := range queries {
		hits, err := b.searchPart(ctx, q)
		if err != nil {
			return nil, err
		}
		results = append(results, PartHits{Part: q.Part, Hits: hits})
	}
	return results, nil
}

func (b *BleveIndex) searchPart(ctx context.Context, q PartQuery) ([]Hit, error) {
	lower := strings.ToLower(q.Part)

	exact := bleve.NewTermQuery(lower)
	exact.SetField("part_number")
	exact.SetBoost(BoostExact)

	prefix := bleve.NewPrefixQuery(lower)
	prefix.SetField("part_number")
	prefix.SetBoost(BoostPrefix)

	fuzzy := bleve.NewMatchQuery(q.Part)
	fuzzy.SetField("part_number_text")
	fuzzy.SetFuzziness(1)
	fuzzy.SetBoost(BoostFuzzy)

	disjunction := bleve.NewDisjunctionQuery(exact, prefix, fuzzy)

	partition := bleve.NewTermQuery(strconv.FormatInt(q.FileID, 10))
	partition.SetField("file_id")

	var full query.Query = bleve.NewConjunctionQuery(disjunction, partition)

	req := bleve.NewSearchRequest(full)
	req.Size = q.Limit
	if req.Size <= 0 {
		req.Size = 100
	}
	req.Fields = []string{"*"}
	req.SortBy([]string{"-_score", "unit_price"})

	res, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("bleve search for %q failed: %w", q.Part, err)
	}

	hits := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hits = append(hits, Hit{Score: h.Score, Doc: docFromFields(h.Fields)})
	}
	return hits, nil
}

func docFromFields(fields map[string]interface{}) Document {
	doc := Document{}
	if v, ok := fields["file_id"].(string); ok {
		doc.FileID, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := fields["row_id"].(float64); ok {
		doc.RowID = int64(v)
	}
	if v, ok := fields["part_number_text"].(string); ok {
		doc.PartNumber = v
	}
	if v, ok := fields["primary_buyer"].(string); ok {
		doc.PrimaryBuyer = v
	}
	if v, ok := fields["item_description"].(string); ok {
		doc.ItemDescription = v
	}
	if v, ok := fields["quantity"].(float64); ok {
		doc.Quantity = int64(v)
	}
	if v, ok := fields["unit_of_measure"].(string); ok {
		doc.UnitOfMeasure = v
	}
	if v, ok := fields["unit_price"].(float64); ok {
		doc.UnitPrice = v
	}
	if v, ok := fields["secondary_buyer"].(string); ok {
		doc.SecondaryBuyer = v
	}
	if v, ok := fields["primary_buyer_contact"].(string); ok {
		doc.PrimaryBuyerContact = v
	}
	if v, ok := fields["primary_buyer_email"].(string); ok {
		doc.PrimaryBuyerEmail = v
	}
	return doc
}

// Close implements Index.
func (b *BleveIndex) Close() error {
	return b.index.Close()
}
