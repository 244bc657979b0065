package search

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/partsearch/partsearch/pkg/partnorm"
	"github.com/partsearch/partsearch/pkg/scoring"
	"github.com/partsearch/partsearch/pkg/storage/postgres"
)

const (
	// partSimilarityThreshold gates the trigram strategy on part_number.
	partSimilarityThreshold = 0.6
	// descSimilarityThreshold gates the description strategy.
	descSimilarityThreshold = 0.3
	// bulkRowBound caps the rows one bulk union query may return.
	bulkRowBound = 10000
)

// RelationalStore is the slice of the storage layer the relational
// backend queries; *postgres.DB satisfies it.
type RelationalStore interface {
	SearchPartExact(ctx context.Context, fileID int64, part string, limit int) ([]postgres.StoredRow, error)
	SearchPartNormalized(ctx context.Context, fileID int64, part string, level partnorm.Level, limit int) ([]postgres.StoredRow, error)
	SearchPartTrigram(ctx context.Context, fileID int64, part string, threshold float64, limit int) ([]postgres.StoredRow, error)
	SearchDescription(ctx context.Context, fileID int64, term string, threshold float64, trigram bool, limit int) ([]postgres.StoredRow, error)
	SearchPartTokens(ctx context.Context, fileID int64, tokens []string, limit int) ([]postgres.StoredRow, error)
	SearchPartsBulk(ctx context.Context, fileID int64, parts []string, fuzzy, trigram bool, threshold float64, maxRows int) ([]postgres.BulkMatch, error)
}

// RelationalBackend serves queries straight from the dataset tables. It
// is the fallback when the index is unavailable, and the authoritative
// engine for exhaustive listings the index cannot page through.
type RelationalBackend struct {
	store   RelationalStore
	scorer  *scoring.Scorer
	trigram bool
	logger  zerolog.Logger
}

// NewRelationalBackend creates the backend. trigram reports whether the
// database has the pg_trgm extension; similarity strategies are skipped
// without it.
func NewRelationalBackend(store RelationalStore, trigram bool, logger zerolog.Logger) *RelationalBackend {
	return &RelationalBackend{
		store:   store,
		scorer:  scoring.NewScorer(partnorm.DefaultConfig().MinSimilarity),
		trigram: trigram,
		logger:  logger,
	}
}

// Name implements Backend.
func (b *RelationalBackend) Name() string { return "postgres" }

// Available implements Backend. The relational store is the system of
// record; if it is down nothing else works either.
func (b *RelationalBackend) Available(_ context.Context) bool { return b.store != nil }

// SearchSingle implements Backend by running match strategies in order
// and unioning distinct rows. Exact mode stops at case-insensitive
// equality; hybrid descends to weaker strategies only when stronger ones
// found nothing; fuzzy always runs the full set.
func (b *RelationalBackend) SearchSingle(ctx context.Context, fileID int64, part string, mode Mode, limit int) ([]CompanyMatch, error) {
	seen := make(map[int64]bool)
	var rows []postgres.StoredRow

	collect := func(found []postgres.StoredRow, err error) error {
		if err != nil {
			return err
		}
		for _, r := range found {
			if !seen[r.ID] {
				seen[r.ID] = true
				rows = append(rows, r)
			}
		}
		return nil
	}

	if err := collect(b.store.SearchPartExact(ctx, fileID, part, limit)); err != nil {
		return nil, err
	}

	if mode != ModeExact && (mode == ModeFuzzy || len(rows) == 0) {
		if err := collect(b.store.SearchPartNormalized(ctx, fileID, part, partnorm.LevelSeparators, limit)); err != nil {
			return nil, err
		}
		if err := collect(b.store.SearchPartNormalized(ctx, fileID, part, partnorm.LevelAlphanumeric, limit)); err != nil {
			return nil, err
		}
		if b.trigram {
			if err := collect(b.store.SearchPartTrigram(ctx, fileID, part, partSimilarityThreshold, limit)); err != nil {
				return nil, err
			}
		}
		if len(rows) == 0 {
			if err := collect(b.store.SearchDescription(ctx, fileID, part, descSimilarityThreshold, b.trigram, limit)); err != nil {
				return nil, err
			}
		}
		if len(rows) == 0 {
			tokens := partnorm.SeparatorTokenize(part)
			if err := collect(b.store.SearchPartTokens(ctx, fileID, tokens, limit)); err != nil {
				return nil, err
			}
		}
	}

	matches := make([]CompanyMatch, 0, len(rows))
	for _, r := range rows {
		matches = append(matches, b.grade(part, r))
	}
	return matches, nil
}

// SearchBulk implements Backend with a single union query over the parts
// array, bounded to 10^4 rows, grouped here by the queried part.
func (b *RelationalBackend) SearchBulk(ctx context.Context, fileID int64, parts []string, mode Mode, perPartLimit int) (map[string][]CompanyMatch, error) {
	fuzzy := mode != ModeExact
	found, err := b.store.SearchPartsBulk(ctx, fileID, parts, fuzzy, b.trigram, partSimilarityThreshold, bulkRowBound)
	if err != nil {
		return nil, fmt.Errorf("relational bulk search failed: %w", err)
	}

	out := make(map[string][]CompanyMatch, len(parts))
	for _, m := range found {
		if perPartLimit > 0 && len(out[m.Part]) >= perPartLimit {
			continue
		}
		out[m.Part] = append(out[m.Part], b.grade(m.Part, m.Row))
	}
	return out, nil
}

// grade turns a stored row into a graded match: the confidence scorer
// supplies the user-facing score, the relevance rank orders matches.
func (b *RelationalBackend) grade(part string, r postgres.StoredRow) CompanyMatch {
	scored := b.scorer.Score(
		scoring.Query{Part: part},
		scoring.Record{PartNumber: r.PartNumber, Description: r.ItemDescription, Manufacturer: r.PrimaryBuyer},
	)
	return CompanyMatch{
		CompanyName:         r.PrimaryBuyer,
		PartNumber:          r.PartNumber,
		ItemDescription:     r.ItemDescription,
		Quantity:            r.Quantity,
		UnitOfMeasure:       r.UnitOfMeasure,
		UnitPrice:           r.UnitPrice,
		SecondaryBuyer:      r.SecondaryBuyer,
		PrimaryBuyerContact: r.PrimaryBuyerContact,
		PrimaryBuyerEmail:   r.PrimaryBuyerEmail,
		Confidence:          scored.Confidence,
		MatchStatus:         scored.Status,
		MatchType:           scored.Type,
		ConfidenceBreakdown: scored.Breakdown,
		rank:                relevanceRank(part, r.PartNumber, r.ItemDescription),
	}
}

// relevanceRank orders matches after strategy union: exact equality,
// then separator-stripped equality, then alphanumeric equality, then the
// better of part similarity and description similarity.
func relevanceRank(part, partNumber, description string) float64 {
	if strings.EqualFold(part, partNumber) {
		return 100
	}
	l2a := strings.ToLower(partnorm.Normalize(part, partnorm.LevelSeparators))
	l2b := strings.ToLower(partnorm.Normalize(partNumber, partnorm.LevelSeparators))
	if l2a != "" && l2a == l2b {
		return 95
	}
	l3a := strings.ToLower(partnorm.Normalize(part, partnorm.LevelAlphanumeric))
	l3b := strings.ToLower(partnorm.Normalize(partNumber, partnorm.LevelAlphanumeric))
	if l3a != "" && l3a == l3b {
		return 90
	}

	simPart := partnorm.BestVariantSimilarity(part, partNumber) * 100
	simDesc := partnorm.Similarity(strings.ToLower(part), strings.ToLower(description)) * 80
	if simDesc > simPart {
		return simDesc
	}
	return simPart
}
