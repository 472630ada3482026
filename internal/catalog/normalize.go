package catalog

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	punctuation = regexp.MustCompile(`[^\p{L}\p{N}\s]`)
	numberParts = regexp.MustCompile(`^([a-z]*)0*(\d+)([a-z]*)$`)
)

// Normalize folds accents, case and punctuation so that "Pokémon-EX" and
// "pokemon ex" compare equal.
func Normalize(text string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, text)
	if err != nil {
		folded = text
	}
	folded = strings.ToLower(folded)
	folded = punctuation.ReplaceAllString(folded, " ")
	return strings.Join(strings.Fields(folded), " ")
}

// NormalizeNumber reduces a printed collector number to its comparable
// form: "025/165" becomes "25" and "TG05" becomes "tg5".
func NormalizeNumber(number string) string {
	number = strings.ToLower(strings.TrimSpace(number))
	if i := strings.IndexByte(number, '/'); i >= 0 {
		number = strings.TrimSpace(number[:i])
	}
	number = strings.TrimPrefix(number, "#")
	number = strings.ReplaceAll(number, " ", "")

	if m := numberParts.FindStringSubmatch(number); m != nil {
		n, err := strconv.Atoi(m[2])
		if err == nil {
			return m[1] + strconv.Itoa(n) + m[3]
		}
	}
	return number
}

// Similarity returns a ratio in [0,1] derived from the Levenshtein
// distance between two already normalized strings.
func Similarity(s1, s2 string) float64 {
	if s1 == s2 {
		return 1.0
	}

	r1, r2 := []rune(s1), []rune(s2)
	if len(r1) == 0 || len(r2) == 0 {
		return 0.0
	}

	distance := levenshtein(r1, r2)
	maxLen := max(len(r1), len(r2))
	return 1.0 - float64(distance)/float64(maxLen)
}

func levenshtein(s1, s2 []rune) int {
	prev := make([]int, len(s2)+1)
	curr := make([]int, len(s2)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(s1); i++ {
		curr[0] = i
		for j := 1; j <= len(s2); j++ {
			cost := 1
			if s1[i-1] == s2[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(s2)]
}
