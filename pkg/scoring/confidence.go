// Package scoring grades how well a database record matches a part-number
// query. It combines part, description and manufacturer evidence into a
// single confidence score in [0,100] with a structured breakdown.
package scoring

import (
	"strings"

	"github.com/partsearch/partsearch/pkg/partnorm"
)

// Fixed evidence weights.
const (
	partWeight         = 0.6
	descriptionWeight  = 0.4
	manufacturerWeight = 0.2

	maxLengthPenalty = 20.0

	// FoundThreshold is the minimum final score for match_status "found".
	FoundThreshold = 70.0
)

// MatchStatus classifies the final score.
type MatchStatus string

const (
	StatusFound    MatchStatus = "found"
	StatusPartial  MatchStatus = "partial"
	StatusNotFound MatchStatus = "not_found"
)

// MatchType names the strongest evidence tier that produced the score.
type MatchType string

const (
	MatchExact        MatchType = "exact"
	MatchPrefix       MatchType = "prefix"
	MatchNormalized   MatchType = "normalized"
	MatchAlphanumeric MatchType = "alphanumeric"
	MatchFuzzy        MatchType = "fuzzy"
	MatchToken        MatchType = "token"
	MatchDescription  MatchType = "description"
	MatchManufacturer MatchType = "manufacturer"
	MatchNone         MatchType = "none"
)

// Record is the projection of a stored row the scorer inspects.
type Record struct {
	PartNumber   string
	Description  string
	Manufacturer string
}

// Query carries the search-side evidence.
type Query struct {
	Part         string
	Name         string
	Manufacturer string
}

// Breakdown explains a confidence score.
type Breakdown struct {
	PartScore         float64 `json:"part_score"`
	DescriptionScore  float64 `json:"description_score"`
	ManufacturerScore float64 `json:"manufacturer_score"`
	LengthPenalty     float64 `json:"length_penalty"`
	PartMatchType     string  `json:"part_match_type"`
}

// Result is the graded outcome for one (query, record) pair.
type Result struct {
	Confidence float64
	Status     MatchStatus
	Type       MatchType
	Breakdown  Breakdown
}

// Scorer computes confidence scores. The zero value is not usable; use
// NewScorer.
type Scorer struct {
	minSimilarity float64
}

// NewScorer creates a scorer with the given minimum similarity threshold.
func NewScorer(minSimilarity float64) *Scorer {
	if minSimilarity <= 0 {
		minSimilarity = partnorm.DefaultConfig().MinSimilarity
	}
	return &Scorer{minSimilarity: minSimilarity}
}

// Score grades how well record matches query. Identical inputs always yield
// identical results; the final score is clamped to [0,100].
func (s *Scorer) Score(q Query, rec Record) Result {
	partScore, partType := s.partScore(q.Part, rec.PartNumber)
	descScore := s.descriptionScore(q.Name, rec.Description)
	mfrScore := s.manufacturerScore(q.Manufacturer, rec.Manufacturer)
	penalty := lengthPenalty(q.Part, rec.PartNumber)

	// A part-only query stands on the part evidence alone; the weighted
	// blend applies when name or manufacturer evidence was supplied.
	final := partScore
	if q.Name != "" || q.Manufacturer != "" {
		final = partScore*partWeight + descScore*descriptionWeight + mfrScore*manufacturerWeight
	}
	final -= penalty
	if final < 0 {
		final = 0
	}
	if final > 100 {
		final = 100
	}

	res := Result{
		Confidence: final,
		Type:       dominantType(partScore, partType, descScore, mfrScore),
		Breakdown: Breakdown{
			PartScore:         partScore,
			DescriptionScore:  descScore,
			ManufacturerScore: mfrScore,
			LengthPenalty:     penalty,
			PartMatchType:     string(partType),
		},
	}

	switch {
	case final >= FoundThreshold:
		res.Status = StatusFound
	case final > 0:
		res.Status = StatusPartial
	default:
		res.Status = StatusNotFound
	}
	return res
}

// partScore applies the tiered part-number precedence.
func (s *Scorer) partScore(query, stored string) (float64, MatchType) {
	if query == "" || stored == "" {
		return 0, MatchNone
	}

	if strings.EqualFold(query, stored) {
		return 100, MatchExact
	}

	q2 := strings.ToLower(partnorm.Normalize(query, partnorm.LevelSeparators))
	r2 := strings.ToLower(partnorm.Normalize(stored, partnorm.LevelSeparators))
	if q2 != "" && q2 == r2 {
		return 95, MatchNormalized
	}

	q3 := strings.ToLower(partnorm.Normalize(query, partnorm.LevelAlphanumeric))
	r3 := strings.ToLower(partnorm.Normalize(stored, partnorm.LevelAlphanumeric))
	if q3 != "" && q3 == r3 {
		return 90, MatchAlphanumeric
	}

	if sim := partnorm.BestVariantSimilarity(query, stored); sim >= s.minSimilarity {
		return sim * 100, MatchFuzzy
	}

	if sim := partnorm.Similarity(strings.ToLower(query), strings.ToLower(stored)); sim >= s.minSimilarity {
		return sim * 100, MatchFuzzy
	}

	overlap := partnorm.TokenOverlap(partnorm.SeparatorTokenize(query), partnorm.SeparatorTokenize(stored))
	if overlap >= s.minSimilarity {
		return overlap * 100, MatchToken
	}

	return 0, MatchNone
}

// descriptionScore grades free-text description evidence.
func (s *Scorer) descriptionScore(query, stored string) float64 {
	if query == "" || stored == "" {
		return 0
	}
	q := strings.ToLower(strings.TrimSpace(query))
	d := strings.ToLower(strings.TrimSpace(stored))

	if q == d {
		return 80
	}
	if strings.Contains(d, q) || strings.Contains(q, d) {
		return 70
	}
	if jac := wordJaccard(q, d); jac >= 0.3 {
		return jac * 60
	}
	if sim := partnorm.Similarity(q, d); sim >= 0.3 {
		return sim * 60
	}
	return 0
}

// manufacturerScore grades manufacturer evidence.
func (s *Scorer) manufacturerScore(query, stored string) float64 {
	if query == "" || stored == "" {
		return 0
	}
	q := strings.ToLower(strings.TrimSpace(query))
	m := strings.ToLower(strings.TrimSpace(stored))

	if q == m {
		return 50
	}
	if strings.Contains(m, q) || strings.Contains(q, m) {
		return 40
	}
	if sim := partnorm.Similarity(q, m); sim >= 0.5 {
		return sim * 50
	}
	return 0
}

// lengthPenalty charges up to maxLengthPenalty points when the raw lengths
// diverge by more than half of the longer string.
func lengthPenalty(a, b string) float64 {
	la, lb := len(a), len(b)
	if la == 0 || lb == 0 {
		return 0
	}
	maxLen := la
	if lb > maxLen {
		maxLen = lb
	}
	diff := la - lb
	if diff < 0 {
		diff = -diff
	}
	ratio := float64(diff) / float64(maxLen)
	if ratio <= 0.5 {
		return 0
	}
	return ratio * maxLengthPenalty
}

// dominantType maps the strongest sub-score onto a match type.
func dominantType(partScore float64, partType MatchType, descScore, mfrScore float64) MatchType {
	if partScore == 0 && descScore == 0 && mfrScore == 0 {
		return MatchNone
	}
	if partScore >= descScore && partScore >= mfrScore {
		return partType
	}
	if descScore >= mfrScore {
		return MatchDescription
	}
	return MatchManufacturer
}

func wordJaccard(a, b string) float64 {
	return partnorm.TokenOverlap(strings.Fields(a), strings.Fields(b))
}
