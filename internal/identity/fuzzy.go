package identity

import "strings"

// Locale folding applied before fuzzy comparison; fixed, not configurable,
// so two processes can never disagree on a similarity score.
var localeFolder = strings.NewReplacer(
	"ä", "ae", "ö", "oe", "ü", "ue", "ß", "ss",
)

// Similarity returns the normalized Levenshtein similarity of a and b in
// [0,1] after lowercasing, locale folding, and whitespace normalization.
func Similarity(a, b string) float64 {
	a = foldForMatch(a)
	b = foldForMatch(b)
	if a == b {
		return 1.0
	}
	la, lb := len(a), len(b)
	if la == 0 || lb == 0 {
		return 0.0
	}
	dist := levenshtein(a, b)
	max := la
	if lb > max {
		max = lb
	}
	return 1.0 - float64(dist)/float64(max)
}

func foldForMatch(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = localeFolder.Replace(s)
	return strings.Join(strings.Fields(s), " ")
}

func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min3(curr[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
