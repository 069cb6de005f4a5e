// Package phonetic matches spoken, transcribed answers against stored
// answers. It tolerates accent, pronunciation and speech-to-text noise by
// trying an exact comparison, then a French-tuned phonetic code, then edit
// distance.
package phonetic

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Matching thresholds.
const (
	SimilarityThreshold = 0.85
	MaxDistance         = 3
)

// Method names how a match was established.
type Method string

const (
	MethodExact    Method = "exact"
	MethodPhonetic Method = "phonetic"
	MethodFuzzy    Method = "fuzzy"
	MethodNone     Method = "none"
)

// Result is the outcome of a Match.
type Result struct {
	IsMatch          bool    `json:"isMatch"`
	Method           Method  `json:"method"`
	Similarity       float64 `json:"similarity"`
	NormalizedInput  string  `json:"normalizedInput"`
	NormalizedStored string  `json:"normalizedStored"`
}

var (
	nonAlnum   = regexp.MustCompile(`[^a-z0-9\s]`)
	whitespace = regexp.MustCompile(`\s+`)
)

// Normalize lowercases, strips diacritics and punctuation, and collapses
// whitespace.
func Normalize(text string) string {
	if text == "" {
		return ""
	}
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)))
	stripped, _, err := transform.String(t, strings.ToLower(text))
	if err != nil {
		stripped = strings.ToLower(text)
	}
	stripped = nonAlnum.ReplaceAllString(stripped, "")
	return whitespace.ReplaceAllString(strings.TrimSpace(stripped), " ")
}

type rewrite struct {
	pattern *regexp.Regexp
	repl    string
}

// Applied in order; later folds see the output of earlier ones.
var codeRewrites = []rewrite{
	{regexp.MustCompile(`[aeiouy]+`), "a"},
	{regexp.MustCompile(`ph`), "f"},
	{regexp.MustCompile(`ch`), "s"},
	{regexp.MustCompile(`qu`), "k"},
	{regexp.MustCompile(`c([eiy])`), "s${1}"},
	{regexp.MustCompile(`c`), "k"},
	{regexp.MustCompile(`g([eiy])`), "j${1}"},
	{regexp.MustCompile(`gn`), "n"},
	{regexp.MustCompile(`tion`), "sion"},
	{regexp.MustCompile(`[bpfv]`), "b"},
	{regexp.MustCompile(`[dt]`), "d"},
	{regexp.MustCompile(`[kg]`), "k"},
	{regexp.MustCompile(`[mn]`), "m"},
	{regexp.MustCompile(`[lr]`), "r"},
	{regexp.MustCompile(`[sz]`), "s"},
}

// Code returns the four character French soundex code of word, or "" for
// an empty word.
func Code(word string) string {
	w := strings.ToLower(strings.TrimSpace(word))
	if w == "" {
		return ""
	}
	for _, rw := range codeRewrites {
		w = rw.pattern.ReplaceAllString(w, rw.repl)
	}
	w = collapseRuns(w)

	chars := []rune(w)
	rest := []rune(strings.Map(func(r rune) rune {
		if strings.ContainsRune("aeiouyhw", r) {
			return -1
		}
		return r
	}, string(chars[1:])))
	if len(rest) > 3 {
		rest = rest[:3]
	}
	code := string(chars[0]) + string(rest) + strings.Repeat("0", 3-len(rest))
	return strings.ToUpper(code)
}

func collapseRuns(s string) string {
	var b strings.Builder
	var prev rune = -1
	for _, r := range s {
		if r != prev {
			b.WriteRune(r)
		}
		prev = r
	}
	return b.String()
}

// Distance is the Levenshtein edit distance between a and b.
func Distance(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}

// Similarity is 1 - distance/maxLen, or 1 when both strings are empty.
func Similarity(a, b string) float64 {
	maxLen := max(len([]rune(a)), len([]rune(b)))
	if maxLen == 0 {
		return 1.0
	}
	return 1 - float64(Distance(a, b))/float64(maxLen)
}

// Match compares a transcribed input against a stored answer.
func Match(input, stored string) Result {
	res := Result{
		NormalizedInput:  Normalize(input),
		NormalizedStored: Normalize(stored),
	}
	in, st := res.NormalizedInput, res.NormalizedStored

	// Silence or noise that normalizes away never matches.
	if in == "" {
		res.Method = MethodNone
		return res
	}
	if in == st {
		res.IsMatch, res.Method, res.Similarity = true, MethodExact, 1.0
		return res
	}

	res.Similarity = Similarity(in, st)
	if samePhonetics(in, st) {
		res.IsMatch, res.Method = true, MethodPhonetic
		return res
	}
	if res.Similarity >= SimilarityThreshold || Distance(in, st) <= MaxDistance {
		res.IsMatch, res.Method = true, MethodFuzzy
		return res
	}
	res.Method = MethodNone
	return res
}

func samePhonetics(a, b string) bool {
	wa, wb := strings.Split(a, " "), strings.Split(b, " ")
	if len(wa) != len(wb) {
		return false
	}
	for i := range wa {
		if Code(wa[i]) != Code(wb[i]) {
			return false
		}
	}
	return true
}

// Codes returns the per-word codes of a normalized phrase joined by "-".
func Codes(normalized string) string {
	words := strings.Split(normalized, " ")
	codes := make([]string, len(words))
	for i, w := range words {
		codes[i] = Code(w)
	}
	return strings.Join(codes, "-")
}

// BestMatch returns the matching stored answer with the highest similarity.
// ok is false when nothing matches.
func BestMatch(input string, stored []StoredAnswer) (best Result, ok bool) {
	highest := 0.0
	for _, s := range stored {
		res := Match(input, s.Normalized)
		if res.IsMatch && res.Similarity > highest {
			highest = res.Similarity
			best, ok = res, true
		}
	}
	return best, ok
}
