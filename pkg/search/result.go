// Package search answers part-number queries against processed datasets.
// Two backends implement a common contract: one against the full-text
// index, one against the relational tables. A unified engine routes
// between them, falls back on failure, deduplicates, ranks and paginates.
package search

import (
	"math"

	"github.com/partsearch/partsearch/pkg/scoring"
)

// Mode selects the matching strategy set.
type Mode string

const (
	ModeExact  Mode = "exact"
	ModeFuzzy  Mode = "fuzzy"
	ModeHybrid Mode = "hybrid"
)

// ParseMode maps a request string to a Mode, defaulting to hybrid.
func ParseMode(s string) Mode {
	switch Mode(s) {
	case ModeExact, ModeFuzzy, ModeHybrid:
		return Mode(s)
	default:
		return ModeHybrid
	}
}

// CompanyMatch is one matched row graded against the searched part.
type CompanyMatch struct {
	CompanyName         string  `json:"company_name"`
	PartNumber          string  `json:"part_number"`
	ItemDescription     string  `json:"item_description"`
	Quantity            int64   `json:"quantity"`
	UnitOfMeasure       string  `json:"unit_of_measure"`
	UnitPrice           float64 `json:"unit_price"`
	SecondaryBuyer      string  `json:"secondary_buyer,omitempty"`
	PrimaryBuyerContact string  `json:"primary_buyer_contact,omitempty"`
	PrimaryBuyerEmail   string  `json:"primary_buyer_email,omitempty"`

	Confidence          float64             `json:"confidence"`
	MatchStatus         scoring.MatchStatus `json:"match_status"`
	MatchType           scoring.MatchType   `json:"match_type"`
	ConfidenceBreakdown scoring.Breakdown   `json:"confidence_breakdown"`

	// rank orders matches within a result; it is engine-internal and
	// not serialized.
	rank float64
}

// PriceSummary aggregates the matched rows of one part.
type PriceSummary struct {
	MinPrice      float64 `json:"min"`
	MaxPrice      float64 `json:"max"`
	TotalQuantity int64   `json:"total_quantity"`
}

// Result is the response for one searched part.
type Result struct {
	TotalMatches int            `json:"total_matches"`
	Companies    []CompanyMatch `json:"companies"`
	PriceSummary PriceSummary   `json:"price_summary"`
	MatchType    string         `json:"match_type"`
	SearchEngine string         `json:"search_engine"`
	LatencyMs    int64          `json:"latency_ms"`
	Page         int            `json:"page"`
	PageSize     int            `json:"page_size"`
	TotalPages   int            `json:"total_pages"`
	Message      string         `json:"message,omitempty"`
	Error        string         `json:"error,omitempty"`
	Cancelled    bool           `json:"cancelled,omitempty"`
}

// summarizePrices computes the price summary over every match, not just
// the returned page.
func summarizePrices(matches []CompanyMatch) PriceSummary {
	if len(matches) == 0 {
		return PriceSummary{}
	}
	summary := PriceSummary{MinPrice: math.MaxFloat64}
	for _, m := range matches {
		if m.UnitPrice < summary.MinPrice {
			summary.MinPrice = m.UnitPrice
		}
		if m.UnitPrice > summary.MaxPrice {
			summary.MaxPrice = m.UnitPrice
		}
		summary.TotalQuantity += m.Quantity
	}
	return summary
}
