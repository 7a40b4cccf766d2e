package pii

import (
	"context"
	"fmt"
	"regexp"
	"sort"
)

const DetectorNameRegex = "regex_detector"

// DefaultRegexPatterns tags German, ISO and slash-separated dates.
var DefaultRegexPatterns = map[string]string{
	"DATE": `\d{1,2}\.\d{1,2}\.\d{2,4}|\d{4}-\d{2}-\d{2}|\d{1,2}/\d{1,2}/\d{2,4}`,
}

type labelPattern struct {
	label    string
	category Category
	re       *regexp.Regexp
}

// RegexDetector is an offline entity source. It splits the text with
// SplitWords and tags every token that a pattern matches in full.
type RegexDetector struct {
	patterns []labelPattern
}

// NewRegexDetector compiles patterns keyed by entity label. Labels must map
// to a category via CategoryFromLabel.
func NewRegexDetector(patterns map[string]string) (*RegexDetector, error) {
	labels := make([]string, 0, len(patterns))
	for label := range patterns {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	compiled := make([]labelPattern, 0, len(labels))
	for _, label := range labels {
		category := CategoryFromLabel(label)
		if category == CategoryNone {
			return nil, fmt.Errorf("label %q does not map to an entity category", label)
		}
		re, err := regexp.Compile(`^(?:` + patterns[label] + `)$`)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern for %s: %w", label, err)
		}
		compiled = append(compiled, labelPattern{label: label, category: category, re: re})
	}
	return &RegexDetector{patterns: compiled}, nil
}

// GetName returns the name of this detector
func (r *RegexDetector) GetName() string {
	return DetectorNameRegex
}

// Detect tags single-token spans. The first matching label wins.
func (r *RegexDetector) Detect(ctx context.Context, input DetectorInput) (DetectorOutput, error) {
	if err := ctx.Err(); err != nil {
		return DetectorOutput{}, err
	}

	tokens := SplitWords(input.Text)
	entities := []EntitySpan{}
	for i, tok := range tokens {
		for _, p := range r.patterns {
			if p.re.MatchString(tok.Text) {
				entities = append(entities, EntitySpan{
					Label:      p.label,
					Category:   p.category,
					Start:      i,
					End:        i + 1,
					Confidence: 1.0,
				})
				break
			}
		}
	}

	return DetectorOutput{
		Text:     input.Text,
		Tokens:   tokens,
		Entities: entities,
	}, nil
}

// Close implements the Detector interface
func (r *RegexDetector) Close() error {
	// Regex detector doesn't need cleanup
	return nil
}

// patternsFromSettings reads an optional "patterns" map from factory settings.
func patternsFromSettings(settings map[string]interface{}) (map[string]string, error) {
	raw, ok := settings["patterns"]
	if !ok || raw == nil {
		return DefaultRegexPatterns, nil
	}
	switch p := raw.(type) {
	case map[string]string:
		return p, nil
	case map[string]interface{}:
		patterns := make(map[string]string, len(p))
		for label, v := range p {
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("pattern for %s must be a string", label)
			}
			patterns[label] = s
		}
		return patterns, nil
	default:
		return nil, fmt.Errorf("patterns must be a map of label to expression")
	}
}
