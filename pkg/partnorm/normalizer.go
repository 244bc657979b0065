// Package partnorm provides deterministic canonicalization, tokenization
// and similarity scoring for commercial part numbers. Every function is
// pure; the package has no external dependencies and is safe for
// concurrent use.
package partnorm

import (
	"strings"
	"unicode"
)

// Separators is the closed set of characters treated as part-number
// separators across the whole pipeline.
const Separators = "-/,*&~.%"

// Level selects how aggressively Normalize canonicalizes a string.
type Level int

const (
	// LevelWhitespace trims and collapses internal whitespace.
	LevelWhitespace Level = 1
	// LevelSeparators additionally strips separator characters.
	LevelSeparators Level = 2
	// LevelAlphanumeric keeps only [A-Za-z0-9].
	LevelAlphanumeric Level = 3
)

// Config holds normalizer tuning knobs.
type Config struct {
	// MinSimilarity is the minimum similarity threshold used by callers
	// that gate fuzzy matches.
	MinSimilarity float64
	// EnableVariants toggles FormatVariants generation.
	EnableVariants bool
}

// DefaultConfig returns the default normalizer configuration.
func DefaultConfig() Config {
	return Config{
		MinSimilarity:  0.6,
		EnableVariants: true,
	}
}

// IsSeparator reports whether r belongs to the separator set.
func IsSeparator(r rune) bool {
	return strings.ContainsRune(Separators, r)
}

// Normalize canonicalizes s at the requested level. The operation is
// idempotent within a level: Normalize(Normalize(s, l), l) == Normalize(s, l).
func Normalize(s string, level Level) string {
	switch {
	case level <= LevelWhitespace:
		return strings.Join(strings.Fields(s), " ")
	case level == LevelSeparators:
		var b strings.Builder
		b.Grow(len(s))
		for _, r := range s {
			if IsSeparator(r) || unicode.IsSpace(r) {
				continue
			}
			b.WriteRune(r)
		}
		return b.String()
	default:
		var b strings.Builder
		b.Grow(len(s))
		for _, r := range s {
			if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
				b.WriteRune(r)
			}
		}
		return b.String()
	}
}

// Variant is one normalized rendering of a part number.
type Variant struct {
	Value string
	Level Level
}

// FormatVariants yields the normalized renderings of s at levels 1..3,
// deduplicated by (lowercased value, level), preserving order.
func FormatVariants(s string) []Variant {
	variants := make([]Variant, 0, 3)
	seen := make(map[string]bool, 3)
	for _, level := range []Level{LevelWhitespace, LevelSeparators, LevelAlphanumeric} {
		v := Normalize(s, level)
		if v == "" {
			continue
		}
		key := strings.ToLower(v)
		if seen[key] {
			continue
		}
		seen[key] = true
		variants = append(variants, Variant{Value: v, Level: level})
	}
	return variants
}

// SeparatorTokenize splits s on separators and whitespace, then splits each
// fragment at alphabetic/digit boundaries. The result is an ordered sequence
// of non-empty alphanumeric chunks.
func SeparatorTokenize(s string) []string {
	fragments := strings.FieldsFunc(s, func(r rune) bool {
		return IsSeparator(r) || unicode.IsSpace(r)
	})

	tokens := make([]string, 0, len(fragments))
	for _, frag := range fragments {
		tokens = appendBoundarySplit(tokens, frag)
	}
	return tokens
}

// appendBoundarySplit splits frag wherever the character class flips between
// alphabetic and digit, dropping any non-alphanumeric residue.
func appendBoundarySplit(tokens []string, frag string) []string {
	var current strings.Builder
	var currentIsDigit bool

	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}

	for _, r := range frag {
		isLetter := unicode.IsLetter(r)
		isDigit := unicode.IsDigit(r)
		if !isLetter && !isDigit {
			flush()
			continue
		}
		if current.Len() > 0 && isDigit != currentIsDigit {
			flush()
		}
		current.WriteRune(r)
		currentIsDigit = isDigit
	}
	flush()
	return tokens
}

// TokenOverlap computes the Jaccard overlap |A∩B|/|A∪B| of the two token
// sequences on case-folded sets. Two empty sets overlap fully.
func TokenOverlap(a, b []string) float64 {
	setA := foldSet(a)
	setB := foldSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 1
	}
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}

	intersection := 0
	for tok := range setA {
		if setB[tok] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	return float64(intersection) / float64(union)
}

func foldSet(tokens []string) map[string]bool {
	set := make(map[string]bool, len(tokens))
	for _, tok := range tokens {
		if tok == "" {
			continue
		}
		set[strings.ToLower(tok)] = true
	}
	return set
}

// Similarity computes 1 - levenshtein(a,b)/max(|a|,|b|) in [0,1].
// Both empty yields 1; one empty yields 0.
func Similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	ra, rb := []rune(a), []rune(b)
	maxLen := len(ra)
	if len(rb) > maxLen {
		maxLen = len(rb)
	}
	if maxLen == 0 {
		return 1
	}
	dist := levenshteinRunes(ra, rb, -1)
	return 1 - float64(dist)/float64(maxLen)
}

// BestVariantSimilarity returns the maximum Similarity over the level
// variants of a and b compared level-for-level.
func BestVariantSimilarity(a, b string) float64 {
	best := 0.0
	for _, level := range []Level{LevelWhitespace, LevelSeparators, LevelAlphanumeric} {
		va := strings.ToLower(Normalize(a, level))
		vb := strings.ToLower(Normalize(b, level))
		if sim := Similarity(va, vb); sim > best {
			best = sim
		}
	}
	return best
}
