package pii

import (
	detectors "github.com/hannes/yaak-anon/pii/detectors"
)

// AnonymizedMarker is the uniform placeholder literal.
const AnonymizedMarker = "[ANONYMIZED]"

// Placeholder renders the replacement text for a redacted token.
type Placeholder interface {
	Render(d Decision) string
	// Literals lists every string Render can produce.
	Literals() []string
	Mode() PlaceholderMode
}

// NewPlaceholder returns the strategy for mode.
func NewPlaceholder(mode PlaceholderMode) (Placeholder, error) {
	parsed, err := ParsePlaceholderMode(string(mode))
	if err != nil {
		return nil, err
	}
	if parsed == PlaceholderPerCategory {
		return categoryPlaceholder{}, nil
	}
	return uniformPlaceholder{}, nil
}

type uniformPlaceholder struct{}

func (uniformPlaceholder) Render(Decision) string { return AnonymizedMarker }

func (uniformPlaceholder) Literals() []string { return []string{AnonymizedMarker} }

func (uniformPlaceholder) Mode() PlaceholderMode { return PlaceholderUniform }

// categoryPlaceholder tags entity tokens with their category code. Tokens
// redacted only by custom words, fuzzy matches or the regex carry no category
// and fall back to the uniform marker.
type categoryPlaceholder struct{}

func (categoryPlaceholder) Render(d Decision) string {
	if code := d.Category.Code(); code != "" {
		return "[" + code + "]"
	}
	return AnonymizedMarker
}

func (categoryPlaceholder) Literals() []string {
	literals := []string{AnonymizedMarker}
	for _, c := range detectors.AllCategories() {
		literals = append(literals, "["+c.Code()+"]")
	}
	return literals
}

func (categoryPlaceholder) Mode() PlaceholderMode { return PlaceholderPerCategory }

// placeholderLiterals collects the literals of every mode. The resolver never
// lets a non-entity source fire on one of these.
func placeholderLiterals() []string {
	return categoryPlaceholder{}.Literals()
}
