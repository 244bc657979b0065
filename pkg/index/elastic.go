package index

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
)

// ElasticIndex is the external implementation backed by an Elasticsearch
// cluster.
type ElasticIndex struct {
	client *elasticsearch.Client
	name   string
}

// ElasticConfig configures the Elasticsearch connection.
type ElasticConfig struct {
	URL      string
	Username string
	Password string
	// IndexName is the physical index holding all dataset partitions.
	IndexName string
}

// NewElasticIndex creates a client for the configured cluster. The
// connection is not probed here; Available does that.
func NewElasticIndex(config ElasticConfig) (*ElasticIndex, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("elasticsearch url is required")
	}
	if config.IndexName == "" {
		config.IndexName = "parts"
	}

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{config.URL},
		Username:  config.Username,
		Password:  config.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}
	return &ElasticIndex{client: client, name: config.IndexName}, nil
}

// Name implements Index.
func (e *ElasticIndex) Name() string { return "elasticsearch" }

// Available implements Index with a cluster ping.
func (e *ElasticIndex) Available(ctx context.Context) bool {
	res, err := e.client.Ping(e.client.Ping.WithContext(ctx))
	if err != nil {
		return false
	}
	defer res.Body.Close()
	return !res.IsError()
}

// indexSettings defines the mapping: part_number analyzed as text with a
// lowercase-normalized keyword sub-field for exact and prefix terms,
// file_id as the partition discriminator.
const indexSettings = `{
	"settings": {
		"analysis": {
			"normalizer": {
				"lowercase_normalizer": {"type": "custom", "filter": ["lowercase"]}
			}
		}
	},
	"mappings": {
		"properties": {
			"file_id": {"type": "keyword"},
			"row_id": {"type": "long"},
			"part_number": {
				"type": "text",
				"fields": {"keyword": {"type": "keyword", "normalizer": "lowercase_normalizer"}}
			},
			"item_description": {"type": "text"},
			"primary_buyer": {"type": "keyword"},
			"secondary_buyer": {"type": "keyword"},
			"primary_buyer_contact": {"type": "keyword"},
			"primary_buyer_email": {"type": "keyword"},
			"unit_of_measure": {"type": "keyword"},
			"quantity": {"type": "long"},
			"unit_price": {"type": "double"}
		}
	}
}`

// EnsureIndex implements Index.
func (e *ElasticIndex) EnsureIndex(ctx context.Context) error {
	exists, err := e.client.Indices.Exists([]string{e.name},
		e.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to check index existence: %w", err)
	}
	defer exists.Body.Close()
	if exists.StatusCode == 200 {
		return nil
	}

	res, err := e.client.Indices.Create(e.name,
		e.client.Indices.Create.WithContext(ctx),
		e.client.Indices.Create.WithBody(strings.NewReader(indexSettings)))
	if err != nil {
		return fmt.Errorf("failed to create index %s: %w", e.name, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("index creation returned %s", res.Status())
	}
	return nil
}

type esDoc struct {
	FileID              string  `json:"file_id"`
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

// BulkUpsert implements Index via the _bulk API; document ids make the
// operation idempotent.
func (e *ElasticIndex) BulkUpsert(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}

	var buf bytes.Buffer
	for _, doc := range docs {
		action := fmt.Sprintf(`{"index":{"_index":%q,"_id":%q}}`, e.name, DocID(doc.FileID, doc.RowID))
		buf.WriteString(action)
		buf.WriteByte('\n')

		body, err := json.Marshal(esDoc{
			FileID:              fmt.Sprintf("%d", doc.FileID),
			RowID:               doc.RowID,
			PartNumber:          doc.PartNumber,
			PrimaryBuyer:        doc.PrimaryBuyer,
			ItemDescription:     doc.ItemDescription,
			Quantity:            doc.Quantity,
			UnitOfMeasure:       doc.UnitOfMeasure,
			UnitPrice:           doc.UnitPrice,
			SecondaryBuyer:      doc.SecondaryBuyer,
			PrimaryBuyerContact: doc.PrimaryBuyerContact,
			PrimaryBuyerEmail:   doc.PrimaryBuyerEmail,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal document: %w", err)
		}
		buf.Write(body)
		buf.WriteByte('\n')
	}

	res, err := e.client.Bulk(bytes.NewReader(buf.Bytes()), e.client.Bulk.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("bulk upsert failed: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("bulk upsert returned %s", res.Status())
	}

	var report struct {
		Errors bool `json:"errors"`
	}
	if err := json.NewDecoder(res.Body).Decode(&report); err != nil {
		return fmt.Errorf("failed to decode bulk response: %w", err)
	}
	if report.Errors {
		return fmt.Errorf("bulk upsert reported item errors")
	}
	return nil
}

// DeleteDataset implements Index with a delete-by-query on the partition
// discriminator.
func (e *ElasticIndex) DeleteDataset(ctx context.Context, fileID int64) error {
	body := fmt.Sprintf(`{"query":{"term":{"file_id":"%d"}}}`, fileID)
	res, err := e.client.DeleteByQuery([]string{e.name}, strings.NewReader(body),
		e.client.DeleteByQuery.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to delete dataset %d partition: %w", fileID, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("delete-by-query returned %s", res.Status())
	}
	return nil
}

// Refresh implements Index.
func (e *ElasticIndex) Refresh(ctx context.Context) error {
	res, err := e.client.Indices.Refresh(
		e.client.Indices.Refresh.WithContext(ctx),
		e.client.Indices.Refresh.WithIndex(e.name))
	if err != nil {
		return fmt.Errorf("failed to refresh index: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("refresh returned %s", res.Status())
	}
	return nil
}

// esWindowLimit is Elasticsearch's default max result window; larger
// requests are clamped and the relational backend serves exhaustive
// "show all" listings.
const esWindowLimit = 10000

// MultiSearch implements Index via _msearch. Each part becomes a boolean
// disjunction over an exact keyword term (boost 10), a keyword prefix
// (boost 5) and an analyzed match with single-edit fuzziness (boost 2),
// filtered to the dataset partition.
func (e *ElasticIndex) MultiSearch(ctx context.Context, queries []PartQuery) ([]PartHits, error) {
	if len(queries) == 0 {
		return nil, nil
	}

	var buf bytes.Buffer
	for _, q := range queries {
		buf.WriteString(fmt.Sprintf(`{"index":%q}`, e.name))
		buf.WriteByte('\n')

		size := q.Limit
		if size <= 0 || size > esWindowLimit {
			size = esWindowLimit
		}
		lower := strings.ToLower(q.Part)

		body := map[string]any{
			"size": size,
			"query": map[string]any{
				"bool": map[string]any{
					"filter": []any{
						map[string]any{"term": map[string]any{"file_id": fmt.Sprintf("%d", q.FileID)}},
					},
					"should": []any{
						map[string]any{"term": map[string]any{
							"part_number.keyword": map[string]any{"value": lower, "boost": BoostExact},
						}},
						map[string]any{"prefix": map[string]any{
							"part_number.keyword": map[string]any{"value": lower, "boost": BoostPrefix},
						}},
						map[string]any{"match": map[string]any{
							"part_number": map[string]any{"query": q.Part, "fuzziness": 1, "boost": BoostFuzzy},
						}},
					},
					"minimum_should_match": 1,
				},
			},
			"sort": []any{
				map[string]any{"_score": "desc"},
				map[string]any{"unit_price": "asc"},
			},
		}
		line, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal msearch body: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	res, err := e.client.Msearch(bytes.NewReader(buf.Bytes()), e.client.Msearch.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("msearch failed: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("msearch returned %s", res.Status())
	}

	var parsed struct {
		Responses []struct {
			Error *struct {
				Type string `json:"type"`
			} `json:"error"`
			Hits struct {
				Hits []struct {
					Score  float64 `json:"_score"`
					Source esDoc   `json:"_source"`
				} `json:"hits"`
			} `json:"hits"`
		} `json:"responses"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode msearch response: %w", err)
	}
	if len(parsed.Responses) != len(queries) {
		return nil, fmt.Errorf("msearch returned %d responses for %d queries", len(parsed.Responses), len(queries))
	}

	results := make([]PartHits, 0, len(queries))
	for i, q := range queries {
		resp := parsed.Responses[i]
		if resp.Error != nil {
			return nil, fmt.Errorf("msearch sub-query for %q failed: %s", q.Part, resp.Error.Type)
		}
		hits := make([]Hit, 0, len(resp.Hits.Hits))
		for _, h := range resp.Hits.Hits {
			src := h.Source
			var fileID int64
			fmt.Sscanf(src.FileID, "%d", &fileID)
			hits = append(hits, Hit{
				Score: h.Score,
				Doc: Document{
					FileID:              fileID,
					RowID:               src.RowID,
					PartNumber:          src.PartNumber,
					PrimaryBuyer:        src.PrimaryBuyer,
					ItemDescription:     src.ItemDescription,
					Quantity:            src.Quantity,
					UnitOfMeasure:       src.UnitOfMeasure,
					UnitPrice:           src.UnitPrice,
					SecondaryBuyer:      src.SecondaryBuyer,
					PrimaryBuyerContact: src.PrimaryBuyerContact,
					PrimaryBuyerEmail:   src.PrimaryBuyerEmail,
				},
			})
		}
		results = append(results, PartHits{Part: q.Part, Hits: hits})
	}
	return results, nil
}

// Close implements Index; the HTTP client needs no explicit shutdown.
func (e *ElasticIndex) Close() error { return nil }
