package pii

import (
	"context"
	"regexp"
)

// wordPattern splits text into placeholder tags such as [PER], words
// (letter/digit runs with inner apostrophes, dots or hyphens) and single
// punctuation marks. Keeping tags whole makes re-anonymizing output stable.
var wordPattern = regexp.MustCompile(`\[[A-Z]+\]|[\p{L}\p{M}\p{N}]+(?:['’.\-][\p{L}\p{M}\p{N}]+)*|[^\s\p{L}\p{M}\p{N}]`)

// SplitWords tokenizes text into word-level tokens with byte offsets.
func SplitWords(text string) []Token {
	matches := wordPattern.FindAllStringIndex(text, -1)
	tokens := make([]Token, 0, len(matches))
	for i, m := range matches {
		tokens = append(tokens, Token{
			Text:     text[m[0]:m[1]],
			Index:    i,
			StartPos: m[0],
			EndPos:   m[1],
		})
	}
	return tokens
}

// TokensFromStrings builds a token sequence from surface strings as if they
// had been separated by single spaces.
func TokensFromStrings(texts []string) []Token {
	tokens := make([]Token, len(texts))
	pos := 0
	for i, t := range texts {
		tokens[i] = Token{Text: t, Index: i, StartPos: pos, EndPos: pos + len(t)}
		pos += len(t) + 1
	}
	return tokens
}

// StaticDetector returns a fixed, already computed tokenization. It serves
// callers that hold NER output from elsewhere.
type StaticDetector struct {
	output   DetectorOutput
	tokenize bool
}

// NewStaticDetector wraps a precomputed detector output.
func NewStaticDetector(output DetectorOutput) *StaticDetector {
	return &StaticDetector{output: output}
}

// NewStaticDetectorFromTokens builds a static detector from token strings and spans.
func NewStaticDetectorFromTokens(texts []string, entities []EntitySpan) *StaticDetector {
	return &StaticDetector{output: DetectorOutput{
		Tokens:   TokensFromStrings(texts),
		Entities: entities,
	}}
}

// NewTokenizingDetector returns a detector that splits the input with
// SplitWords and tags no entities, leaving custom words and the regex as the
// only redaction sources.
func NewTokenizingDetector() *StaticDetector {
	return &StaticDetector{tokenize: true}
}

// GetName returns the name of this detector
func (s *StaticDetector) GetName() string {
	return DetectorNameStatic
}

// Detect returns the stored output. Text is echoed from the input.
func (s *StaticDetector) Detect(ctx context.Context, input DetectorInput) (DetectorOutput, error) {
	if err := ctx.Err(); err != nil {
		return DetectorOutput{}, err
	}
	if s.tokenize {
		return DetectorOutput{
			Text:     input.Text,
			Tokens:   SplitWords(input.Text),
			Entities: []EntitySpan{},
		}, nil
	}
	out := s.output
	out.Text = input.Text
	return out, nil
}

// Close implements the Detector interface
func (s *StaticDetector) Close() error {
	return nil
}
