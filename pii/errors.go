package pii

import "errors"

// Error classes surfaced by the anonymizer. Callers match them with errors.Is;
// the wrapped message carries the detail.
var (
	// ErrInvalidConfiguration reports options that can never be valid, such
	// as a fuzzy threshold outside [0,100] or an unknown placeholder mode.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrInvalidPattern reports a regex that failed to compile.
	ErrInvalidPattern = errors.New("invalid pattern")

	// ErrEntitySource reports a failed or inconsistent entity source result.
	// It is never retried.
	ErrEntitySource = errors.New("entity source failure")
)
