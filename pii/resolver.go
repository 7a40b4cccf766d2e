package pii

import (
	"fmt"
	"regexp"
	"strings"

	detectors "github.com/hannes/yaak-anon/pii/detectors"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// MatchSource is a bit set of the triggers that fired for a token.
type MatchSource uint8

const (
	SourceEntity MatchSource = 1 << iota
	SourceCustomWord
	SourceFuzzy
	SourceRegex
)

// Has reports whether s contains every bit of other.
func (s MatchSource) Has(other MatchSource) bool {
	return s&other == other && other != 0
}

func (s MatchSource) String() string {
	if s == 0 {
		return "none"
	}
	var parts []string
	for _, src := range []struct {
		bit  MatchSource
		name string
	}{
		{SourceEntity, "entity"},
		{SourceCustomWord, "custom"},
		{SourceFuzzy, "fuzzy"},
		{SourceRegex, "regex"},
	} {
		if s&src.bit != 0 {
			parts = append(parts, src.name)
		}
	}
	return strings.Join(parts, "|")
}

// Decision is the redact/keep verdict for one token.
type Decision struct {
	Redact   bool
	Category detectors.Category
	Sources  MatchSource
}

// Decisions is the per-token verdict list, aligned with the token sequence.
type Decisions []Decision

// Mask returns the plain redact flags.
func (ds Decisions) Mask() []bool {
	mask := make([]bool, len(ds))
	for i, d := range ds {
		mask[i] = d.Redact
	}
	return mask
}

// Count returns how many tokens are redacted.
func (ds Decisions) Count() int {
	n := 0
	for _, d := range ds {
		if d.Redact {
			n++
		}
	}
	return n
}

// Resolver decides per token whether it is redacted. It holds only
// configuration compiled at construction and is safe for concurrent use.
type Resolver struct {
	customWords []string
	fuzzy       FuzzyConfig
	similarity  Similarity
	pattern     *regexp.Regexp
	protected   map[string]struct{}
}

// NewResolver validates opts and compiles the regex. sim may be nil, in which
// case LevenshteinSimilarity is used for fuzzy matching.
func NewResolver(opts Options, sim Similarity) (*Resolver, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	r := &Resolver{
		fuzzy:      opts.Fuzzy,
		similarity: sim,
		protected:  make(map[string]struct{}),
	}
	if r.similarity == nil {
		r.similarity = LevenshteinSimilarity{}
	}

	if opts.RegexPattern != "" {
		pattern, err := regexp.Compile("(?i)" + opts.RegexPattern)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPattern, err)
		}
		r.pattern = pattern
	}

	lower := cases.Lower(language.Und)
	for _, w := range opts.CustomWords {
		if w = strings.TrimSpace(w); w != "" {
			r.customWords = append(r.customWords, lower.String(w))
		}
	}
	for _, literal := range placeholderLiterals() {
		r.protected[lower.String(literal)] = struct{}{}
	}

	return r, nil
}

// Resolve returns one decision per token. A token is redacted when it lies in
// a span of an allowed category, when its lowercase form is a custom word (or
// a fuzzy match of one), or when it equals a regex match over text in full.
func (r *Resolver) Resolve(text string, tokens []detectors.Token, spans []detectors.EntitySpan) (Decisions, error) {
	decisions := make(Decisions, len(tokens))

	for _, span := range spans {
		if span.Start < 0 || span.End > len(tokens) || span.Start > span.End {
			return nil, fmt.Errorf("%w: span %s [%d,%d) outside [0,%d)",
				ErrEntitySource, span.Label, span.Start, span.End, len(tokens))
		}
		if !span.Category.Allowed() {
			continue
		}
		for i := span.Start; i < span.End; i++ {
			if decisions[i].Category == detectors.CategoryNone {
				decisions[i].Category = span.Category
			}
			decisions[i].Sources |= SourceEntity
		}
	}

	lower := cases.Lower(language.Und)
	lowered := make([]string, len(tokens))
	for i, tok := range tokens {
		lowered[i] = lower.String(tok.Text)
	}

	wordMatches, wordSource := r.customWordMatches(lowered)
	regexMatches := r.regexMatches(text, lower)

	for i, lt := range lowered {
		if _, ok := r.protected[lt]; !ok {
			if _, ok := wordMatches[lt]; ok {
				decisions[i].Sources |= wordSource
			}
			if _, ok := regexMatches[lt]; ok {
				decisions[i].Sources |= SourceRegex
			}
		}
		decisions[i].Redact = decisions[i].Sources != 0
	}

	return decisions, nil
}

// customWordMatches builds the custom-word match set. Without fuzzy matching
// it is the lowercased word list. With fuzzy matching it is the set of
// lowercased tokens scoring at least the threshold against any word.
func (r *Resolver) customWordMatches(lowered []string) (map[string]struct{}, MatchSource) {
	matches := make(map[string]struct{})
	if len(r.customWords) == 0 {
		return matches, 0
	}

	if !r.fuzzy.Enabled {
		for _, w := range r.customWords {
			matches[w] = struct{}{}
		}
		return matches, SourceCustomWord
	}

	for _, w := range r.customWords {
		for _, lt := range lowered {
			if _, seen := matches[lt]; seen {
				continue
			}
			if clampScore(r.similarity.Score(w, lt)) >= r.fuzzy.Threshold {
				matches[lt] = struct{}{}
			}
		}
	}
	return matches, SourceFuzzy
}

// regexMatches returns the distinct lowercased substrings of text matched by
// the pattern. Matches spanning several tokens never equal a single token and
// so redact nothing.
func (r *Resolver) regexMatches(text string, lower cases.Caser) map[string]struct{} {
	matches := make(map[string]struct{})
	if r.pattern == nil {
		return matches
	}
	for _, m := range r.pattern.FindAllString(text, -1) {
		if m != "" {
			matches[lower.String(m)] = struct{}{}
		}
	}
	return matches
}
