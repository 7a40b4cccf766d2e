package pii

import (
	"fmt"
	"strings"

	detectors "github.com/hannes/yaak-anon/pii/detectors"
)

// Reconstruct emits the placeholder for every redacted token and the original
// surface text otherwise, joined by single spaces in token order. Original
// whitespace and punctuation adjacency is not preserved.
func Reconstruct(tokens []detectors.Token, decisions Decisions, placeholder Placeholder) (string, error) {
	if len(tokens) != len(decisions) {
		return "", fmt.Errorf("token/decision count mismatch: %d tokens, %d decisions", len(tokens), len(decisions))
	}
	if placeholder == nil {
		placeholder = uniformPlaceholder{}
	}

	var sb strings.Builder
	for i, tok := range tokens {
		if i > 0 {
			sb.WriteByte(' ')
		}
		if decisions[i].Redact {
			sb.WriteString(placeholder.Render(decisions[i]))
		} else {
			sb.WriteString(tok.Text)
		}
	}
	return sb.String(), nil
}
