// Package fuzzy compares short human-written titles.
package fuzzy

import (
	"strings"
	"unicode"
)

// DefaultTitleSimilarity is the ratio above which two titles name the same
// thing.
const DefaultTitleSimilarity = 0.8

// LevenshteinDistance calculates the edit distance between two normalized
// strings, counted in runes.
func LevenshteinDistance(s1, s2 string) int {
	r1 := []rune(Normalize(s1))
	r2 := []rune(Normalize(s2))
	if len(r1) == 0 {
		return len(r2)
	}
	if len(r2) == 0 {
		return len(r1)
	}

	prev := make([]int, len(r2)+1)
	cur := make([]int, len(r2)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(r1); i++ {
		cur[0] = i
		for j := 1; j <= len(r2); j++ {
			cost := 1
			if r1[i-1] == r2[j-1] {
				cost = 0
			}
			cur[j] = min(
				prev[j]+1,      // deletion
				cur[j-1]+1,     // insertion
				prev[j-1]+cost, // substitution
			)
		}
		prev, cur = cur, prev
	}
	return prev[len(r2)]
}

// Similarity returns 1 - distance/longer length, in [0,1].
func Similarity(a, b string) float64 {
	na, nb := []rune(Normalize(a)), []rune(Normalize(b))
	longer := max(len(na), len(nb))
	if longer == 0 {
		return 1
	}
	return 1 - float64(LevenshteinDistance(a, b))/float64(longer)
}

// SameTitle reports whether two titles are close enough to describe the same
// task: either similar overall, or one's words are all contained in the other.
func SameTitle(a, b string, threshold float64) bool {
	if threshold <= 0 {
		threshold = DefaultTitleSimilarity
	}
	if Similarity(a, b) >= threshold {
		return true
	}
	wa, wb := strings.Fields(Normalize(a)), strings.Fields(Normalize(b))
	if len(wa) == 0 || len(wb) == 0 {
		return false
	}
	if len(wa) > len(wb) {
		wa, wb = wb, wa
	}
	// Single shared words like "meeting" are too weak on their own.
	if len(wa) < 2 {
		return false
	}
	return containsAll(wb, wa)
}

// Normalize lowercases, strips accents and punctuation and collapses
// whitespace.
func Normalize(s string) string {
	s = removeAccents(strings.ToLower(s))
	s = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return ' '
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

func containsAll(haystack, needles []string) bool {
	set := make(map[string]bool, len(haystack))
	for _, w := range haystack {
		set[w] = true
	}
	for _, w := range needles {
		if !set[w] {
			return false
		}
	}
	return true
}

// removeAccents removes diacritical marks from a string
func removeAccents(s string) string {
	var result strings.Builder
	for _, r := range s {
		if unicode.Is(unicode.Mn, r) { // Mn: Mark, nonspacing
			continue
		}
		switch r {
		case 'á', 'à', 'ả', 'ã', 'ạ', 'ă', 'â', 'ä', 'å':
			result.WriteRune('a')
		case 'é', 'è', 'ẻ', 'ẽ', 'ẹ', 'ê', 'ë':
			result.WriteRune('e')
		case 'í', 'ì', 'ỉ', 'ĩ', 'ị', 'î', 'ï':
			result.WriteRune('i')
		case 'ó', 'ò', 'ỏ', 'õ', 'ọ', 'ô', 'ơ', 'ö', 'ø':
			result.WriteRune('o')
		case 'ú', 'ù', 'ủ', 'ũ', 'ụ', 'ư', 'û', 'ü':
			result.WriteRune('u')
		case 'ý', 'ỳ', 'ỷ', 'ỹ', 'ỵ', 'ÿ':
			result.WriteRune('y')
		case 'đ':
			result.WriteRune('d')
		case 'ç':
			result.WriteRune('c')
		case 'ñ':
			result.WriteRune('n')
		default:
			result.WriteRune(r)
		}
	}
	return result.String()
}
