package pii

import (
	"fmt"
	"strings"
)

// DefaultFuzzyThreshold is the similarity score a token must reach against a
// custom word when fuzzy matching is enabled.
const DefaultFuzzyThreshold = 85

// PlaceholderMode selects how redacted tokens are rendered.
type PlaceholderMode string

const (
	// PlaceholderUniform renders every redacted token as [ANONYMIZED].
	PlaceholderUniform PlaceholderMode = "uniform"
	// PlaceholderPerCategory renders entity tokens as [PER], [ORG], [LOC] or [DATE].
	PlaceholderPerCategory PlaceholderMode = "per-category"
)

// ParsePlaceholderMode accepts the mode names case-insensitively. An empty
// string selects the uniform mode.
func ParsePlaceholderMode(s string) (PlaceholderMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(PlaceholderUniform):
		return PlaceholderUniform, nil
	case string(PlaceholderPerCategory), "per_category", "category":
		return PlaceholderPerCategory, nil
	default:
		return "", fmt.Errorf("%w: unknown placeholder mode %q (want %q or %q)",
			ErrInvalidConfiguration, s, PlaceholderUniform, PlaceholderPerCategory)
	}
}

// FuzzyConfig controls approximate custom-word matching.
type FuzzyConfig struct {
	Enabled   bool `json:"enabled"`
	Threshold int  `json:"threshold"`
}

// Options is the per-run configuration of the match resolver.
type Options struct {
	CustomWords     []string        `json:"custom_words,omitempty"`
	RegexPattern    string          `json:"regex,omitempty"`
	Fuzzy           FuzzyConfig     `json:"fuzzy"`
	PlaceholderMode PlaceholderMode `json:"placeholder_mode,omitempty"`
}

// DefaultOptions returns options with no custom words, no pattern, fuzzy
// matching off at the default threshold and uniform placeholders.
func DefaultOptions() Options {
	return Options{
		Fuzzy:           FuzzyConfig{Threshold: DefaultFuzzyThreshold},
		PlaceholderMode: PlaceholderUniform,
	}
}

// Validate checks the threshold and placeholder mode. The regex is checked
// when the resolver compiles it.
func (o Options) Validate() error {
	if o.Fuzzy.Threshold < 0 || o.Fuzzy.Threshold > 100 {
		return fmt.Errorf("%w: fuzzy threshold must be between 0 and 100 (current value: %d)",
			ErrInvalidConfiguration, o.Fuzzy.Threshold)
	}
	if _, err := ParsePlaceholderMode(string(o.PlaceholderMode)); err != nil {
		return err
	}
	return nil
}
