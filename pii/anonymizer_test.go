package pii

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/charmbracelet/log"
	detectors "github.com/hannes/yaak-anon/pii/detectors"
)

// mockDetector implements detectors.Detector for testing
type mockDetector struct {
	output detectors.DetectorOutput
	err    error
	calls  int
}

func (m *mockDetector) Detect(ctx context.Context, input detectors.DetectorInput) (detectors.DetectorOutput, error) {
	m.calls++
	return m.output, m.err
}

func (m *mockDetector) GetName() string {
	return "mock_detector"
}

func (m *mockDetector) Close() error {
	return nil
}

type failingProvider struct{}

func (failingProvider) GetDetector() (detectors.Detector, error) {
	return nil, errors.New("model is unhealthy")
}

func quietLogger() *log.Logger {
	return log.New(io.Discard)
}

func herrMuellerDetector() *mockDetector {
	return &mockDetector{output: detectors.DetectorOutput{
		Tokens: detectors.TokensFromStrings(herrMueller),
		Entities: []detectors.EntitySpan{
			{Label: "PER", Category: detectors.CategoryPerson, Start: 0, End: 2},
			{Label: "LOC", Category: detectors.CategoryLocation, Start: 4, End: 5},
		},
	}}
}

func TestAnonymize_UniformMode(t *testing.T) {
	a, err := NewAnonymizer(ProvideDetector(herrMuellerDetector()), DefaultOptions(), nil, WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("NewAnonymizer failed: %v", err)
	}

	result, err := a.Anonymize(context.Background(), "Herr Müller wohnt in Berlin")
	if err != nil {
		t.Fatalf("Anonymize failed: %v", err)
	}

	if want := "[ANONYMIZED] [ANONYMIZED] wohnt in [ANONYMIZED]"; result.Text != want {
		t.Errorf("Expected %q, got %q", want, result.Text)
	}
	if result.TokenCount != 5 || result.RedactedCount != 3 {
		t.Errorf("Unexpected counts: tokens=%d redacted=%d", result.TokenCount, result.RedactedCount)
	}
	if result.SourceCounts["entity"] != 3 {
		t.Errorf("Expected 3 entity matches, got %v", result.SourceCounts)
	}
	if result.CategoryCounts["Person"] != 2 || result.CategoryCounts["Location"] != 1 {
		t.Errorf("Unexpected category counts %v", result.CategoryCounts)
	}
	if result.RunID == "" || result.Detector != "mock_detector" {
		t.Errorf("Expected run id and detector name, got %q %q", result.RunID, result.Detector)
	}
}

func TestAnonymize_PerCategoryMode(t *testing.T) {
	opts := DefaultOptions()
	opts.PlaceholderMode = PlaceholderPerCategory
	a, err := NewAnonymizer(ProvideDetector(herrMuellerDetector()), opts, nil, WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("NewAnonymizer failed: %v", err)
	}

	result, err := a.Anonymize(context.Background(), "Herr Müller wohnt in Berlin")
	if err != nil {
		t.Fatalf("Anonymize failed: %v", err)
	}
	if want := "[PER] [PER] wohnt in [LOC]"; result.Text != want {
		t.Errorf("Expected %q, got %q", want, result.Text)
	}
}

func TestAnonymize_CustomWordWithoutEntities(t *testing.T) {
	detector := &mockDetector{output: detectors.DetectorOutput{Tokens: detectors.TokensFromStrings(herrMueller)}}
	opts := DefaultOptions()
	opts.CustomWords = []string{"Müller"}
	a, err := NewAnonymizer(ProvideDetector(detector), opts, nil, WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}

	result, err := a.Anonymize(context.Background(), "Herr Müller wohnt in Berlin")
	if err != nil {
		t.Fatal(err)
	}
	if want := "Herr [ANONYMIZED] wohnt in Berlin"; result.Text != want {
		t.Errorf("Expected %q, got %q", want, result.Text)
	}
}

func TestAnonymize_Idempotent(t *testing.T) {
	opts := DefaultOptions()
	opts.CustomWords = []string{AnonymizedMarker, "Müller"}

	first, err := NewAnonymizer(ProvideDetector(herrMuellerDetector()), opts, nil, WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	r1, err := first.Anonymize(context.Background(), "Herr Müller wohnt in Berlin")
	if err != nil {
		t.Fatal(err)
	}

	// Feed the output back through a source that tokenizes on spaces and tags nothing.
	second := &mockDetector{output: detectors.DetectorOutput{
		Tokens: detectors.TokensFromStrings([]string{AnonymizedMarker, AnonymizedMarker, "wohnt", "in", AnonymizedMarker}),
	}}
	again, err := first.WithOptions(opts)
	if err != nil {
		t.Fatal(err)
	}
	again.provider = ProvideDetector(second)

	r2, err := again.Anonymize(context.Background(), r1.Text)
	if err != nil {
		t.Fatal(err)
	}
	if r2.Text != r1.Text {
		t.Errorf("Expected second pass to be a no-op, got %q from %q", r2.Text, r1.Text)
	}
	if r2.RedactedCount != 0 {
		t.Errorf("Expected no redactions on second pass, got %d", r2.RedactedCount)
	}
}

func TestAnonymize_EmptyText(t *testing.T) {
	detector := herrMuellerDetector()
	a, err := NewAnonymizer(ProvideDetector(detector), DefaultOptions(), nil, WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}

	result, err := a.Anonymize(context.Background(), "")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if result.Text != "" || result.TokenCount != 0 {
		t.Errorf("Expected empty result, got %+v", result)
	}
	if detector.calls != 0 {
		t.Errorf("Expected detector not to be called for empty text, got %d calls", detector.calls)
	}
}

func TestAnonymize_EntitySourceFailure(t *testing.T) {
	detector := &mockDetector{err: errors.New("inference crashed")}
	a, err := NewAnonymizer(ProvideDetector(detector), DefaultOptions(), nil, WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}

	result, err := a.Anonymize(context.Background(), "Herr Müller")
	if !errors.Is(err, ErrEntitySource) {
		t.Fatalf("Expected ErrEntitySource, got %v", err)
	}
	if result.Text != "" {
		t.Errorf("Expected no partial output, got %q", result.Text)
	}
	if detector.calls != 1 {
		t.Errorf("Expected exactly one attempt without retry, got %d", detector.calls)
	}
}

func TestAnonymize_ProviderFailure(t *testing.T) {
	a, err := NewAnonymizer(failingProvider{}, DefaultOptions(), nil, WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Anonymize(context.Background(), "Herr Müller"); !errors.Is(err, ErrEntitySource) {
		t.Errorf("Expected ErrEntitySource, got %v", err)
	}
}

func TestAnonymize_InconsistentSpans(t *testing.T) {
	detector := &mockDetector{output: detectors.DetectorOutput{
		Tokens:   detectors.TokensFromStrings([]string{"Berlin"}),
		Entities: []detectors.EntitySpan{{Category: detectors.CategoryLocation, Start: 0, End: 3}},
	}}
	a, err := NewAnonymizer(ProvideDetector(detector), DefaultOptions(), nil, WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Anonymize(context.Background(), "Berlin"); !errors.Is(err, ErrEntitySource) {
		t.Errorf("Expected ErrEntitySource, got %v", err)
	}
}

func TestNewAnonymizer_ConfigurationErrors(t *testing.T) {
	provider := ProvideDetector(herrMuellerDetector())

	if _, err := NewAnonymizer(nil, DefaultOptions(), nil); !errors.Is(err, ErrInvalidConfiguration) {
		t.Errorf("Expected ErrInvalidConfiguration for nil provider, got %v", err)
	}
	if _, err := NewAnonymizer(provider, Options{Fuzzy: FuzzyConfig{Enabled: true, Threshold: 150}}, nil); !errors.Is(err, ErrInvalidConfiguration) {
		t.Errorf("Expected ErrInvalidConfiguration, got %v", err)
	}
	if _, err := NewAnonymizer(provider, Options{RegexPattern: `[`}, nil); !errors.Is(err, ErrInvalidPattern) {
		t.Errorf("Expected ErrInvalidPattern, got %v", err)
	}
}

func TestAnonymize_RecordsRun(t *testing.T) {
	store := NewInMemoryRunStore()
	opts := DefaultOptions()
	opts.RegexPattern = `wohnt`
	a, err := NewAnonymizer(ProvideDetector(herrMuellerDetector()), opts, nil,
		WithLogger(quietLogger()), WithRunStore(store), WithVerboseLogging(true))
	if err != nil {
		t.Fatal(err)
	}

	result, err := a.AnonymizeDocument(context.Background(), "brief.txt", "Herr Müller wohnt in Berlin")
	if err != nil {
		t.Fatal(err)
	}

	runs, err := store.ListRuns(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 {
		t.Fatalf("Expected 1 recorded run, got %d", len(runs))
	}
	run := runs[0]
	if run.ID != result.RunID || run.Document != "brief.txt" {
		t.Errorf("Unexpected run record %+v", run)
	}
	if run.EntityMatches != 3 || run.RegexMatches != 1 || run.RedactedCount != 4 {
		t.Errorf("Unexpected counts in run record %+v", run)
	}
}
