package partnorm

// Levenshtein computes the unit-cost edit distance between a and b.
func Levenshtein(a, b string) int {
	return levenshteinRunes([]rune(a), []rune(b), -1)
}

// LevenshteinBounded computes the edit distance with an early exit: when the
// running minimum of a row exceeds bound, bound+1 is returned immediately.
// A negative bound disables the early exit.
func LevenshteinBounded(a, b string, bound int) int {
	return levenshteinRunes([]rune(a), []rune(b), bound)
}

// levenshteinRunes is the two-row dynamic program shared by the exported
// entry points. bound < 0 means unbounded.
func levenshteinRunes(a, b []rune, bound int) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := 0; j <= len(b); j++ {
		prev[j] = j
	}

	for i := 1; i <= len(a); i++ {
		curr[0] = i
		rowMin := curr[0]
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			del := prev[j] + 1
			ins := curr[j-1] + 1
			sub := prev[j-1] + cost

			best := del
			if ins < best {
				best = ins
			}
			if sub < best {
				best = sub
			}
			curr[j] = best
			if best < rowMin {
				rowMin = best
			}
		}
		if bound >= 0 && rowMin > bound {
			return bound + 1
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}
