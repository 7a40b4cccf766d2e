package pii

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	detectors "github.com/hannes/yaak-anon/pii/detectors"
)

// DetectorProvider hands out the current entity source. The ModelManager is
// the production implementation; it owns loading and release.
type DetectorProvider interface {
	GetDetector() (detectors.Detector, error)
}

type staticProvider struct {
	detector detectors.Detector
}

func (p staticProvider) GetDetector() (detectors.Detector, error) {
	if p.detector == nil {
		return nil, fmt.Errorf("no detector available")
	}
	return p.detector, nil
}

// ProvideDetector wraps a single detector as a DetectorProvider.
func ProvideDetector(d detectors.Detector) DetectorProvider {
	return staticProvider{detector: d}
}

// Result is the outcome of anonymizing one document.
type Result struct {
	RunID          string            `json:"run_id"`
	Text           string            `json:"text"`
	Detector       string            `json:"detector"`
	Mode           PlaceholderMode   `json:"placeholder_mode"`
	TokenCount     int               `json:"token_count"`
	RedactedCount  int               `json:"redacted_count"`
	SourceCounts   map[string]int    `json:"source_counts"`
	CategoryCounts map[string]int    `json:"category_counts"`
	Duration       time.Duration     `json:"duration_ns"`
	Tokens         []detectors.Token `json:"-"`
	Decisions      Decisions         `json:"-"`
}

// Anonymizer ties an entity source to a resolver and a placeholder strategy.
// It keeps no per-document state, so one instance may serve many goroutines.
type Anonymizer struct {
	provider    DetectorProvider
	similarity  Similarity
	opts        Options
	resolver    *Resolver
	placeholder Placeholder
	store       RunStore
	logger      *log.Logger
	logVerbose  bool
}

// AnonymizerOption customizes an Anonymizer.
type AnonymizerOption func(*Anonymizer)

// WithRunStore records a RunRecord for every successful run.
func WithRunStore(store RunStore) AnonymizerOption {
	return func(a *Anonymizer) { a.store = store }
}

// WithLogger sets the logger. The default is log.Default().
func WithLogger(logger *log.Logger) AnonymizerOption {
	return func(a *Anonymizer) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithVerboseLogging logs redacted token text at debug level.
func WithVerboseLogging(enabled bool) AnonymizerOption {
	return func(a *Anonymizer) { a.logVerbose = enabled }
}

// NewAnonymizer validates opts and compiles the resolver. Configuration errors
// (ErrInvalidConfiguration, ErrInvalidPattern) surface here, before any
// document is processed.
func NewAnonymizer(provider DetectorProvider, opts Options, sim Similarity, options ...AnonymizerOption) (*Anonymizer, error) {
	if provider == nil {
		return nil, fmt.Errorf("%w: detector provider is required", ErrInvalidConfiguration)
	}
	resolver, err := NewResolver(opts, sim)
	if err != nil {
		return nil, err
	}
	placeholder, err := NewPlaceholder(opts.PlaceholderMode)
	if err != nil {
		return nil, err
	}

	a := &Anonymizer{
		provider:    provider,
		similarity:  sim,
		opts:        opts,
		resolver:    resolver,
		placeholder: placeholder,
		logger:      log.Default(),
	}
	for _, o := range options {
		o(a)
	}
	return a, nil
}

// WithOptions returns an Anonymizer for different match options that shares
// the provider, store and logger of a.
func (a *Anonymizer) WithOptions(opts Options) (*Anonymizer, error) {
	return NewAnonymizer(a.provider, opts, a.similarity,
		WithRunStore(a.store), WithLogger(a.logger), WithVerboseLogging(a.logVerbose))
}

// Options returns the match options this anonymizer was built with.
func (a *Anonymizer) Options() Options {
	return a.opts
}

// Anonymize redacts text. On error no text is returned.
func (a *Anonymizer) Anonymize(ctx context.Context, text string) (Result, error) {
	return a.AnonymizeDocument(ctx, "", text)
}

// AnonymizeDocument is Anonymize with a document name recorded in the audit
// trail (a file path or "api").
func (a *Anonymizer) AnonymizeDocument(ctx context.Context, name, text string) (Result, error) {
	started := time.Now()
	result := Result{
		RunID:          uuid.NewString(),
		Mode:           a.placeholder.Mode(),
		SourceCounts:   map[string]int{},
		CategoryCounts: map[string]int{},
	}

	if text == "" {
		result.Tokens = []detectors.Token{}
		result.Decisions = Decisions{}
		result.Duration = time.Since(started)
		return result, nil
	}

	detector, err := a.provider.GetDetector()
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrEntitySource, err)
	}
	result.Detector = detector.GetName()

	output, err := detector.Detect(ctx, detectors.DetectorInput{Text: text})
	if err != nil {
		return Result{}, fmt.Errorf("%w: %s: %v", ErrEntitySource, detector.GetName(), err)
	}

	decisions, err := a.resolver.Resolve(text, output.Tokens, output.Entities)
	if err != nil {
		return Result{}, err
	}

	anonymized, err := Reconstruct(output.Tokens, decisions, a.placeholder)
	if err != nil {
		return Result{}, err
	}

	result.Text = anonymized
	result.Tokens = output.Tokens
	result.Decisions = decisions
	result.TokenCount = len(output.Tokens)
	result.RedactedCount = decisions.Count()
	for i, d := range decisions {
		if !d.Redact {
			continue
		}
		for _, src := range []MatchSource{SourceEntity, SourceCustomWord, SourceFuzzy, SourceRegex} {
			if d.Sources.Has(src) {
				result.SourceCounts[src.String()]++
			}
		}
		if d.Category != detectors.CategoryNone {
			result.CategoryCounts[d.Category.String()]++
		}
		if a.logVerbose {
			a.logger.Debug("redacted token", "index", i, "token", output.Tokens[i].Text, "sources", d.Sources.String())
		}
	}
	result.Duration = time.Since(started)

	a.logger.Info("anonymized document",
		"run_id", result.RunID,
		"detector", result.Detector,
		"tokens", result.TokenCount,
		"redacted", result.RedactedCount,
		"duration", result.Duration)

	if a.store != nil {
		record := newRunRecord(name, result)
		if err := a.store.RecordRun(ctx, record); err != nil {
			// Audit failures never fail a run.
			a.logger.Warn("failed to record run", "run_id", result.RunID, "err", err)
		}
	}

	return result, nil
}
