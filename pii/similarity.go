package pii

import (
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Similarity scores two strings on a 0..100 scale, 100 meaning identical.
type Similarity interface {
	Score(a, b string) int
}

// SimilarityFunc adapts a plain function to the Similarity interface.
type SimilarityFunc func(a, b string) int

// Score calls f(a, b).
func (f SimilarityFunc) Score(a, b string) int {
	return f(a, b)
}

// LevenshteinSimilarity normalizes the rune-level edit distance by the longer
// input: floor(100 * (max - d) / max). Inputs are lowercased first. Only equal
// strings score 100.
type LevenshteinSimilarity struct{}

// Score implements Similarity.
func (LevenshteinSimilarity) Score(a, b string) int {
	lower := cases.Lower(language.Und)
	a, b = lower.String(a), lower.String(b)
	if a == b {
		return 100
	}

	longest := utf8.RuneCountInString(a)
	if n := utf8.RuneCountInString(b); n > longest {
		longest = n
	}
	d := levenshtein.ComputeDistance(a, b)
	if d >= longest {
		return 0
	}
	return (longest - d) * 100 / longest
}

// clampScore keeps a similarity result inside [0,100].
func clampScore(score int) int {
	switch {
	case score < 0:
		return 0
	case score > 100:
		return 100
	default:
		return score
	}
}
