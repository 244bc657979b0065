package search

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partsearch/partsearch/pkg/logging"
	"github.com/partsearch/partsearch/pkg/partnorm"
	"github.com/partsearch/partsearch/pkg/scoring"
	"github.com/partsearch/partsearch/pkg/storage/postgres"
)

// fakeStore returns canned rows per strategy and records which
// strategies ran.
type fakeStore struct {
	exact      []postgres.StoredRow
	normalized []postgres.StoredRow
	trigram    []postgres.StoredRow
	desc       []postgres.StoredRow
	tokens     []postgres.StoredRow
	bulk       []postgres.BulkMatch

	ran []string
}

func (f *fakeStore) SearchPartExact(_ context.Context, _ int64, _ string, _ int) ([]postgres.StoredRow, error) {
	f.ran = append(f.ran, "exact")
	return f.exact, nil
}

func (f *fakeStore) SearchPartNormalized(_ context.Context, _ int64, _ string, level partnorm.Level, _ int) ([]postgres.StoredRow, error) {
	f.ran = append(f.ran, "normalized")
	if level == partnorm.LevelSeparators {
		return f.normalized, nil
	}
	return nil, nil
}

func (f *fakeStore) SearchPartTrigram(_ context.Context, _ int64, _ string, _ float64, _ int) ([]postgres.StoredRow, error) {
	f.ran = append(f.ran, "trigram")
	return f.trigram, nil
}

func (f *fakeStore) SearchDescription(_ context.Context, _ int64, _ string, _ float64, _ bool, _ int) ([]postgres.StoredRow, error) {
	f.ran = append(f.ran, "description")
	return f.desc, nil
}

func (f *fakeStore) SearchPartTokens(_ context.Context, _ int64, _ []string, _ int) ([]postgres.StoredRow, error) {
	f.ran = append(f.ran, "tokens")
	return f.tokens, nil
}

func (f *fakeStore) SearchPartsBulk(_ context.Context, _ int64, _ []string, _, _ bool, _ float64, _ int) ([]postgres.BulkMatch, error) {
	f.ran = append(f.ran, "bulk")
	return f.bulk, nil
}

func dbRow(id int64, part, buyer, desc string, price float64) postgres.StoredRow {
	r := postgres.StoredRow{ID: id}
	r.PartNumber = part
	r.PrimaryBuyer = buyer
	r.ItemDescription = desc
	r.Quantity = 5
	r.UnitPrice = price
	return r
}

func TestRelationalExactModeStopsAtExact(t *testing.T) {
	store := &fakeStore{exact: []postgres.StoredRow{dbRow(1, "ABC-123", "Acme", "connector", 5.00)}}
	b := NewRelationalBackend(store, true, logging.Nop())

	matches, err := b.SearchSingle(context.Background(), 1, "abc-123", ModeExact, 100)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, []string{"exact"}, store.ran)
	assert.Equal(t, float64(100), matches[0].Confidence)
	assert.Equal(t, scoring.StatusFound, matches[0].MatchStatus)
}

func TestRelationalHybridDescendsWhenExactEmpty(t *testing.T) {
	store := &fakeStore{normalized: []postgres.StoredRow{dbRow(2, "ABC123", "Globex", "bolt", 2.00)}}
	b := NewRelationalBackend(store, true, logging.Nop())

	matches, err := b.SearchSingle(context.Background(), 1, "ABC-123", ModeHybrid, 100)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Contains(t, store.ran, "normalized")
	assert.Contains(t, store.ran, "trigram")

	// Separator-stripped equality ranks at 95.
	assert.Equal(t, float64(95), matches[0].rank)
}

func TestRelationalHybridSkipsWeakStrategiesAfterHit(t *testing.T) {
	store := &fakeStore{exact: []postgres.StoredRow{dbRow(1, "XYZ-9", "Acme", "widget", 1.00)}}
	b := NewRelationalBackend(store, true, logging.Nop())

	_, err := b.SearchSingle(context.Background(), 1, "XYZ-9", ModeHybrid, 100)
	require.NoError(t, err)
	assert.NotContains(t, store.ran, "description")
	assert.NotContains(t, store.ran, "tokens")
}

func TestRelationalFuzzyFallbackScoresAboveSixty(t *testing.T) {
	// No exact match for ABC124; the trigram strategy surfaces ABC-123.
	store := &fakeStore{trigram: []postgres.StoredRow{dbRow(3, "ABC-123", "Acme", "connector gold", 4.00)}}
	b := NewRelationalBackend(store, true, logging.Nop())

	matches, err := b.SearchSingle(context.Background(), 1, "ABC124", ModeHybrid, 100)
	require.NoError(t, err)
	require.Len(t, matches, 1)

	m := matches[0]
	assert.NotEqual(t, scoring.MatchExact, m.MatchType)
	assert.GreaterOrEqual(t, m.Confidence, float64(60))
	assert.Contains(t, []scoring.MatchStatus{scoring.StatusFound, scoring.StatusPartial}, m.MatchStatus)
}

func TestRelationalTrigramSkippedWithoutExtension(t *testing.T) {
	store := &fakeStore{}
	b := NewRelationalBackend(store, false, logging.Nop())

	_, err := b.SearchSingle(context.Background(), 1, "NOPE-1", ModeFuzzy, 100)
	require.NoError(t, err)
	assert.NotContains(t, store.ran, "trigram")
	assert.Contains(t, store.ran, "tokens")
}

func TestRelationalUnionDeduplicatesRows(t *testing.T) {
	shared := dbRow(7, "DUP-1", "Acme", "duplicate", 3.00)
	store := &fakeStore{
		exact:      []postgres.StoredRow{shared},
		normalized: []postgres.StoredRow{shared},
		trigram:    []postgres.StoredRow{shared},
	}
	b := NewRelationalBackend(store, true, logging.Nop())

	matches, err := b.SearchSingle(context.Background(), 1, "DUP-1", ModeFuzzy, 100)
	require.NoError(t, err)
	assert.Len(t, matches, 1, "the same row id must appear once across strategies")
}

func TestRelationalBulkGroupsByPart(t *testing.T) {
	store := &fakeStore{bulk: []postgres.BulkMatch{
		{Part: "B-1", Row: dbRow(1, "B-1", "Acme", "a", 1.00)},
		{Part: "B-1", Row: dbRow(2, "B-1", "Globex", "b", 2.00)},
		{Part: "B-2", Row: dbRow(3, "B-2", "Initech", "c", 3.00)},
	}}
	b := NewRelationalBackend(store, true, logging.Nop())

	out, err := b.SearchBulk(context.Background(), 1, []string{"B-1", "B-2", "B-3"}, ModeHybrid, 10)
	require.NoError(t, err)
	assert.Len(t, out["B-1"], 2)
	assert.Len(t, out["B-2"], 1)
	assert.Empty(t, out["B-3"])
}

func TestRelevanceRankTiers(t *testing.T) {
	assert.Equal(t, float64(100), relevanceRank("abc-123", "ABC-123", ""))
	assert.Equal(t, float64(95), relevanceRank("ABC-123", "ABC123", ""))
	assert.Equal(t, float64(90), relevanceRank("ABC_123", "ABC123", ""))

	weak := relevanceRank("ABC124", "ABC-123", "")
	assert.Less(t, weak, float64(90))
	assert.Greater(t, weak, float64(0))
}
