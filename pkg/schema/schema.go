// Package schema defines the canonical dataset row shape: the fixed header
// set, header validation, part-number derivation from free-text
// descriptions, and value coercion. Every uploaded file is mapped onto this
// schema before anything downstream sees it.
package schema

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
)

// Canonical column names, in storage order.
const (
	ColPrimaryBuyer        = "primary_buyer"
	ColItemDescription     = "item_description"
	ColQuantity            = "quantity"
	ColUnitOfMeasure       = "unit_of_measure"
	ColUnitPrice           = "unit_price"
	ColSecondaryBuyer      = "secondary_buyer"
	ColPrimaryBuyerContact = "primary_buyer_contact"
	ColPrimaryBuyerEmail   = "primary_buyer_email"
	ColPartNumber          = "part_number"
)

// MaxStringLength is the upper bound on any stored string field.
const MaxStringLength = 4000

// CanonicalHeaders is the fixed ordered header set an input file must carry.
// part_number is derived, never required in the input.
var CanonicalHeaders = []string{
	ColPrimaryBuyer,
	ColItemDescription,
	ColQuantity,
	ColUnitOfMeasure,
	ColUnitPrice,
	ColSecondaryBuyer,
	ColPrimaryBuyerContact,
	ColPrimaryBuyerEmail,
}

// Row is one canonical dataset row.
type Row struct {
	PrimaryBuyer        string  `json:"primary_buyer"`
	ItemDescription     string  `json:"item_description"`
	Quantity            int64   `json:"quantity"`
	UnitOfMeasure       string  `json:"unit_of_measure"`
	UnitPrice           float64 `json:"unit_price"`
	SecondaryBuyer      string  `json:"secondary_buyer"`
	PrimaryBuyerContact string  `json:"primary_buyer_contact"`
	PrimaryBuyerEmail   string  `json:"primary_buyer_email"`
	PartNumber          string  `json:"part_number"`
}

// NormalizeHeader canonicalizes a raw header cell for comparison: lowercase,
// trimmed, internal whitespace and dashes folded to underscores.
func NormalizeHeader(h string) string {
	h = strings.TrimSpace(strings.ToLower(h))
	h = strings.ReplaceAll(h, "-", "_")
	h = strings.Join(strings.FieldsFunc(h, func(r rune) bool {
		return unicode.IsSpace(r)
	}), "_")
	return h
}

// ValidateHeaders checks that every canonical header appears in incoming
// (order-independent, extra columns tolerated). On failure the error lists
// the missing names.
func ValidateHeaders(incoming []string) error {
	present := make(map[string]bool, len(incoming))
	for _, h := range incoming {
		present[NormalizeHeader(h)] = true
	}

	var missing []string
	for _, want := range CanonicalHeaders {
		if !present[want] {
			missing = append(missing, want)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required columns: %s", strings.Join(missing, ", "))
	}
	return nil
}

// HeadersMatch reports whether incoming covers the canonical set. Used by
// the workbook reader to decide whether a sheet participates.
func HeadersMatch(incoming []string) bool {
	return ValidateHeaders(incoming) == nil
}

// HeaderIndex maps canonical column names to their positions in incoming.
// Columns outside the canonical set are ignored.
func HeaderIndex(incoming []string) map[string]int {
	index := make(map[string]int, len(CanonicalHeaders))
	for i, h := range incoming {
		norm := NormalizeHeader(h)
		for _, want := range CanonicalHeaders {
			if norm == want {
				if _, dup := index[want]; !dup {
					index[want] = i
				}
			}
		}
	}
	return index
}

// DerivePartNumber extracts a part number from a free-text description:
// the longest whitespace-separated token of length >= 3 mixing letters
// and digits; failing that, the longest such token carrying any digit
// (bare numeric codes are part numbers too); failing that, the first
// token of length >= 3; else "". Deterministic for a given input.
func DerivePartNumber(description string) string {
	tokens := strings.Fields(description)

	if best := longestToken(tokens, mixesLettersAndDigits); best != "" {
		return best
	}
	if best := longestToken(tokens, containsDigit); best != "" {
		return best
	}
	for _, tok := range tokens {
		if len(tok) >= 3 {
			return tok
		}
	}
	return ""
}

// longestToken returns the longest token of length >= 3 satisfying ok;
// ties keep the earliest, which makes derivation deterministic.
func longestToken(tokens []string, ok func(string) bool) string {
	best := ""
	for _, tok := range tokens {
		if len(tok) >= 3 && ok(tok) && len(tok) > len(best) {
			best = tok
		}
	}
	return best
}

func mixesLettersAndDigits(s string) bool {
	hasLetter, hasDigit := false, false
	for _, r := range s {
		switch {
		case unicode.IsLetter(r):
			hasLetter = true
		case unicode.IsDigit(r):
			hasDigit = true
		}
	}
	return hasLetter && hasDigit
}

func containsDigit(s string) bool {
	for _, r := range s {
		if unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

// CoerceQuantity parses a quantity value, tolerating thousands separators
// and decimal renderings of whole numbers.
func CoerceQuantity(raw string) (int64, error) {
	cleaned := cleanNumeric(raw)
	if cleaned == "" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(cleaned, 10, 64); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, fmt.Errorf("quantity %q is not numeric", raw)
	}
	return int64(math.Round(f)), nil
}

// CoercePrice parses a unit price, stripping thousands separators and
// currency noise, rounding to 2 fractional digits.
func CoercePrice(raw string) (float64, error) {
	cleaned := cleanNumeric(raw)
	if cleaned == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, fmt.Errorf("unit price %q is not numeric", raw)
	}
	return math.Round(f*100) / 100, nil
}

// cleanNumeric strips thousands separators, whitespace and currency symbols
// but keeps digits, sign, decimal point and exponent markers.
func cleanNumeric(raw string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(raw) {
		switch {
		case r >= '0' && r <= '9', r == '.', r == '-', r == '+', r == 'e', r == 'E':
			b.WriteRune(r)
		case r == ',', unicode.IsSpace(r), r == '$', r == '€', r == '£':
			// dropped
		default:
			// Any other character makes the value non-numeric; keep it so
			// ParseFloat rejects the result.
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizeRow projects a raw record keyed by arbitrary incoming headers
// onto the canonical Row, null-filling missing keys, coercing numerics and
// attaching the derived part number. A non-nil error means the row must be
// dropped; parsing continues with the next row.
func NormalizeRow(raw map[string]string) (Row, error) {
	row := Row{
		PrimaryBuyer:        raw[ColPrimaryBuyer],
		ItemDescription:     raw[ColItemDescription],
		UnitOfMeasure:       raw[ColUnitOfMeasure],
		SecondaryBuyer:      raw[ColSecondaryBuyer],
		PrimaryBuyerContact: raw[ColPrimaryBuyerContact],
		PrimaryBuyerEmail:   raw[ColPrimaryBuyerEmail],
	}

	qty, err := CoerceQuantity(raw[ColQuantity])
	if err != nil {
		return Row{}, err
	}
	price, err := CoercePrice(raw[ColUnitPrice])
	if err != nil {
		return Row{}, err
	}
	row.Quantity = qty
	row.UnitPrice = price

	if pn, ok := raw[ColPartNumber]; ok && strings.TrimSpace(pn) != "" {
		row.PartNumber = strings.TrimSpace(pn)
	} else {
		row.PartNumber = DerivePartNumber(row.ItemDescription)
	}

	if err := row.Validate(); err != nil {
		return Row{}, err
	}
	return row, nil
}

// Validate enforces the per-row invariants: non-negative quantity and
// price, bounded string lengths.
func (r Row) Validate() error {
	if r.Quantity < 0 {
		return fmt.Errorf("quantity %d is negative", r.Quantity)
	}
	if r.UnitPrice < 0 {
		return fmt.Errorf("unit price %f is negative", r.UnitPrice)
	}
	for name, v := range map[string]string{
		ColPrimaryBuyer:        r.PrimaryBuyer,
		ColItemDescription:     r.ItemDescription,
		ColUnitOfMeasure:       r.UnitOfMeasure,
		ColSecondaryBuyer:      r.SecondaryBuyer,
		ColPrimaryBuyerContact: r.PrimaryBuyerContact,
		ColPrimaryBuyerEmail:   r.PrimaryBuyerEmail,
		ColPartNumber:          r.PartNumber,
	} {
		if len(v) > MaxStringLength {
			return fmt.Errorf("field %s exceeds %d characters", name, MaxStringLength)
		}
	}
	return nil
}
