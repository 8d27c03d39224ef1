package ai

import "strings"

// MatchThreshold is the minimum similarity score for a confident match.
// Below it, a candidate is treated as unrelated.
const MatchThreshold = 0.5

// Similarity scores how well a wanted name matches a candidate, in
// [0, 1]. Comparison is case-insensitive; containment counts as a
// perfect match, otherwise a Dice coefficient over character bigrams.
func Similarity(wanted, candidate string) float64 {
	a := normalizeName(wanted)
	b := normalizeName(candidate)
	if a == "" || b == "" {
		return 0
	}
	if a == b || strings.Contains(b, a) {
		return 1.0
	}
	return diceCoefficient(a, b)
}

func normalizeName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	// Name separators are interchangeable across catalogs.
	s = strings.NewReplacer("_", " ", "-", " ").Replace(s)
	return strings.Join(strings.Fields(s), " ")
}

func diceCoefficient(a, b string) float64 {
	ba := bigrams(a)
	bb := bigrams(b)
	if len(ba) == 0 || len(bb) == 0 {
		return 0
	}
	var shared int
	for g, n := range ba {
		if m, ok := bb[g]; ok {
			shared += min(n, m)
		}
	}
	var total int
	for _, n := range ba {
		total += n
	}
	for _, n := range bb {
		total += n
	}
	return 2 * float64(shared) / float64(total)
}

func bigrams(s string) map[string]int {
	grams := make(map[string]int)
	runes := []rune(s)
	for i := 0; i+1 < len(runes); i++ {
		grams[string(runes[i:i+2])]++
	}
	return grams
}
