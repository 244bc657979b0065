package search

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/partsearch/partsearch/pkg/index"
	"github.com/partsearch/partsearch/pkg/scoring"
)

const (
	// indexChunkSize caps the sub-queries per multi-search request.
	indexChunkSize = 50
	// indexTimeout bounds one multi-search round trip; exceeding it is a
	// backend failure and surfaces to the engine's fallback chain.
	indexTimeout = 25 * time.Second
)

// IndexBackend serves queries from the full-text index.
type IndexBackend struct {
	idx     index.Index
	timeout time.Duration
	logger  zerolog.Logger
}

// NewIndexBackend wraps an index as a search backend.
func NewIndexBackend(idx index.Index, logger zerolog.Logger) *IndexBackend {
	return &IndexBackend{idx: idx, timeout: indexTimeout, logger: logger}
}

// Name implements Backend.
func (b *IndexBackend) Name() string { return b.idx.Name() }

// Available implements Backend.
func (b *IndexBackend) Available(ctx context.Context) bool {
	return b.idx.Available(ctx)
}

// SearchSingle implements Backend.
func (b *IndexBackend) SearchSingle(ctx context.Context, fileID int64, part string, mode Mode, limit int) ([]CompanyMatch, error) {
	results, err := b.SearchBulk(ctx, fileID, []string{part}, mode, limit)
	if err != nil {
		return nil, err
	}
	return results[part], nil
}

// SearchBulk implements Backend, issuing one multi-search request per
// chunk of at most 50 parts.
func (b *IndexBackend) SearchBulk(ctx context.Context, fileID int64, parts []string, mode Mode, perPartLimit int) (map[string][]CompanyMatch, error) {
	out := make(map[string][]CompanyMatch, len(parts))

	for start := 0; start < len(parts); start += indexChunkSize {
		end := start + indexChunkSize
		if end > len(parts) {
			end = len(parts)
		}
		chunk := parts[start:end]

		queries := make([]index.PartQuery, 0, len(chunk))
		for _, p := range chunk {
			queries = append(queries, index.PartQuery{FileID: fileID, Part: p, Limit: perPartLimit})
		}

		reqCtx, cancel := context.WithTimeout(ctx, b.timeout)
		hits, err := b.idx.MultiSearch(reqCtx, queries)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("index multi-search failed: %w", err)
		}

		for _, ph := range hits {
			out[ph.Part] = matchesFromHits(ph.Hits, mode)
		}
	}

	b.logger.Debug().Int64("file_id", fileID).Int("parts", len(parts)).
		Str("engine", b.Name()).Msg("index bulk search complete")
	return out, nil
}

// matchesFromHits converts scored index hits into graded matches.
// Confidence is approximated from the backend score; in exact mode only
// exact-tier hits survive.
func matchesFromHits(hits []index.Hit, mode Mode) []CompanyMatch {
	matches := make([]CompanyMatch, 0, len(hits))
	for _, h := range hits {
		matchType := tierFromScore(h.Score)
		if mode == ModeExact && matchType != scoring.MatchExact {
			continue
		}

		confidence := h.Score / index.BoostExact * 100
		if confidence > 100 {
			confidence = 100
		}
		if confidence < 0 {
			confidence = 0
		}

		status := scoring.StatusPartial
		switch {
		case confidence >= 70:
			status = scoring.StatusFound
		case confidence == 0:
			status = scoring.StatusNotFound
		}

		doc := h.Doc
		matches = append(matches, CompanyMatch{
			CompanyName:         doc.PrimaryBuyer,
			PartNumber:          doc.PartNumber,
			ItemDescription:     doc.ItemDescription,
			Quantity:            doc.Quantity,
			UnitOfMeasure:       doc.UnitOfMeasure,
			UnitPrice:           doc.UnitPrice,
			SecondaryBuyer:      doc.SecondaryBuyer,
			PrimaryBuyerContact: doc.PrimaryBuyerContact,
			PrimaryBuyerEmail:   doc.PrimaryBuyerEmail,
			Confidence:          confidence,
			MatchStatus:         status,
			MatchType:           matchType,
			ConfidenceBreakdown: scoring.Breakdown{
				PartScore:     confidence,
				PartMatchType: string(matchType),
			},
			rank: confidence,
		})
	}
	return matches
}

// tierFromScore maps an index score to a match type: the exact keyword
// clause dominates above its boost minus slack, prefix next, everything
// else counts as fuzzy.
func tierFromScore(score float64) scoring.MatchType {
	switch {
	case score > 8:
		return scoring.MatchExact
	case score > 4:
		return scoring.MatchPrefix
	default:
		return scoring.MatchFuzzy
	}
}
