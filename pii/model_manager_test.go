package pii

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	detectors "github.com/hannes/yaak-anon/pii/detectors"
)

const (
	testDetectorName       = "test_detector"
	brokenDetectorName     = "broken_detector"
	unavailableFactoryName = "unavailable_detector"
	flakyDetectorName      = "flaky_detector"
	countingDetectorName   = "counting_detector"
)

// closeTrackingDetector records Close calls so swaps can be verified.
type closeTrackingDetector struct {
	mockDetector
	closed bool
}

func (c *closeTrackingDetector) Close() error {
	c.closed = true
	return nil
}

var lastTestDetector *closeTrackingDetector

// flakyLoads and countingLoads count factory invocations. The flaky factory
// only builds a working detector on its first load.
var flakyLoads, countingLoads atomic.Int32

func init() {
	detectors.RegisterDetectorFactory(testDetectorName, func(settings map[string]interface{}) (detectors.Detector, error) {
		lastTestDetector = &closeTrackingDetector{}
		return lastTestDetector, nil
	})
	detectors.RegisterDetectorFactory(brokenDetectorName, func(settings map[string]interface{}) (detectors.Detector, error) {
		return &mockDetector{err: errors.New("inference failed")}, nil
	})
	detectors.RegisterDetectorFactory(unavailableFactoryName, func(settings map[string]interface{}) (detectors.Detector, error) {
		return nil, errors.New("sidecar not configured")
	})
	detectors.RegisterDetectorFactory(flakyDetectorName, func(settings map[string]interface{}) (detectors.Detector, error) {
		if flakyLoads.Add(1) == 1 {
			return &closeTrackingDetector{}, nil
		}
		return &mockDetector{err: errors.New("half-copied model")}, nil
	})
	detectors.RegisterDetectorFactory(countingDetectorName, func(settings map[string]interface{}) (detectors.Detector, error) {
		countingLoads.Add(1)
		return &mockDetector{}, nil
	})
}

func TestModelManager_LoadsDetector(t *testing.T) {
	mm := NewModelManager(testDetectorName, "", nil, quietLogger())
	defer mm.Close()

	if !mm.IsHealthy() {
		t.Fatalf("Expected healthy manager, last error: %v", mm.GetLastError())
	}
	detector, err := mm.GetDetector()
	if err != nil {
		t.Fatalf("Expected detector, got error %v", err)
	}
	if detector != lastTestDetector {
		t.Error("Expected manager to hand out the loaded detector")
	}
	if lastTestDetector.calls != 1 {
		t.Errorf("Expected one validation inference, got %d", lastTestDetector.calls)
	}

	info := mm.GetInfo()
	if info["detector"] != testDetectorName || info["healthy"] != true || info["error"] != nil {
		t.Errorf("Unexpected info %v", info)
	}
}

func TestModelManager_ValidationFailureIsUnhealthy(t *testing.T) {
	mm := NewModelManager(brokenDetectorName, "", nil, quietLogger())
	defer mm.Close()

	if mm.IsHealthy() {
		t.Fatal("Expected unhealthy manager")
	}
	if _, err := mm.GetDetector(); err == nil {
		t.Error("Expected error from unhealthy manager")
	}
	if err := mm.GetLastError(); err == nil || !strings.Contains(err.Error(), "inference failed") {
		t.Errorf("Unexpected last error %v", err)
	}
	if info := mm.GetInfo(); info["error"] == nil {
		t.Error("Expected error in info")
	}
}

func TestModelManager_FactoryFailure(t *testing.T) {
	mm := NewModelManager(unavailableFactoryName, "", nil, quietLogger())
	defer mm.Close()

	if mm.IsHealthy() {
		t.Fatal("Expected unhealthy manager")
	}

	a, err := NewAnonymizer(mm, DefaultOptions(), nil, WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Anonymize(context.Background(), "Herr Müller"); !errors.Is(err, ErrEntitySource) {
		t.Errorf("Expected ErrEntitySource, got %v", err)
	}
}

func TestModelManager_ReloadSwapsAndClosesOld(t *testing.T) {
	mm := NewModelManager(testDetectorName, "", nil, quietLogger())
	defer mm.Close()
	first := lastTestDetector

	if err := mm.reload(nil, "second"); err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if !first.closed {
		t.Error("Expected old detector to be closed after swap")
	}
	detector, _ := mm.GetDetector()
	if detector != lastTestDetector || detector == first {
		t.Error("Expected new detector after reload")
	}
	if mm.GetInfo()["directory"] != "second" {
		t.Errorf("Expected directory to be updated, got %v", mm.GetInfo()["directory"])
	}
}

func TestModelManager_RejectedReloadKeepsServing(t *testing.T) {
	flakyLoads.Store(0)
	mm := NewModelManager(flakyDetectorName, "v1", nil, quietLogger())
	defer mm.Close()
	first, err := mm.GetDetector()
	if err != nil {
		t.Fatalf("Expected initial detector, got %v", err)
	}

	if err := mm.reload(nil, "v2"); err == nil {
		t.Fatal("Expected reload to fail validation")
	}

	if !mm.IsHealthy() {
		t.Error("Expected manager to stay healthy with the previous detector")
	}
	detector, err := mm.GetDetector()
	if err != nil || detector != first {
		t.Errorf("Expected previous detector to stay in service, got %v, %v", detector, err)
	}
	if first.(*closeTrackingDetector).closed {
		t.Error("Previous detector must not be closed by a rejected reload")
	}
	if err := mm.GetLastError(); err == nil || !strings.Contains(err.Error(), "half-copied model") {
		t.Errorf("Expected rejected reload to be reported, got %v", err)
	}
	if info := mm.GetInfo(); info["directory"] != "v1" || info["error"] == nil {
		t.Errorf("Unexpected info %v", info)
	}

	a, err := NewAnonymizer(mm, DefaultOptions(), nil, WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Anonymize(context.Background(), "Herr Müller"); err != nil {
		t.Errorf("Expected anonymization to keep working, got %v", err)
	}
}

func TestModelManager_WatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	countingLoads.Store(0)
	mm := NewModelManager(countingDetectorName, dir, nil, quietLogger())
	defer mm.Close()
	mm.debounce = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- mm.Watch(ctx) }()

	// The watcher registers asynchronously, so keep touching the directory
	// until the first reload lands.
	deadline := time.Now().Add(5 * time.Second)
	for countingLoads.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("Expected a reload after the model directory changed")
		}
		if err := os.WriteFile(filepath.Join(dir, "label_mappings.json"), []byte("{}"), 0600); err != nil {
			t.Fatal(err)
		}
		time.Sleep(200 * time.Millisecond)
	}
	time.Sleep(200 * time.Millisecond)

	// A burst of writes is coalesced into a single reload.
	before := countingLoads.Load()
	for _, name := range []string{"model_quantized.onnx", "tokenizer.json", "label_mappings.json"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0600); err != nil {
			t.Fatal(err)
		}
	}
	time.Sleep(500 * time.Millisecond)
	if got := countingLoads.Load() - before; got != 1 {
		t.Errorf("Expected one reload for a burst of writes, got %d", got)
	}
	if !mm.IsHealthy() {
		t.Errorf("Expected healthy manager after reload, last error: %v", mm.GetLastError())
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancellation")
	}
}

func TestModelManager_WatchMissingDirectory(t *testing.T) {
	mm := NewModelManager(countingDetectorName, filepath.Join(t.TempDir(), "gone"), nil, quietLogger())
	defer mm.Close()

	if err := mm.Watch(context.Background()); err == nil {
		t.Error("Expected error watching a missing directory")
	}
}

func TestModelManager_ReloadModelRequiresONNX(t *testing.T) {
	mm := NewModelManager(testDetectorName, "", nil, quietLogger())
	defer mm.Close()

	if err := mm.ReloadModel(t.TempDir()); err == nil {
		t.Error("Expected error reloading a non-ONNX detector from a directory")
	}
	if !mm.IsHealthy() {
		t.Error("Rejected reload must not affect a healthy manager")
	}
}

func TestModelManager_ONNXMissingFiles(t *testing.T) {
	mm := NewModelManager(detectors.DetectorNameONNXModel, t.TempDir(), nil, quietLogger())
	defer mm.Close()

	if mm.IsHealthy() {
		t.Fatal("Expected unhealthy manager for empty model directory")
	}
	if err := mm.GetLastError(); err == nil || !strings.Contains(err.Error(), "model_quantized.onnx") {
		t.Errorf("Expected missing file error, got %v", err)
	}
}

func TestModelManager_Close(t *testing.T) {
	mm := NewModelManager(testDetectorName, "", nil, quietLogger())
	detector := lastTestDetector

	if err := mm.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !detector.closed {
		t.Error("Expected detector to be closed")
	}
	if _, err := mm.GetDetector(); err == nil {
		t.Error("Expected error after Close")
	}
}

// ============================================================================
// Model directory validation
// ============================================================================

func TestValidateModelDirectory(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"model_quantized.onnx", "tokenizer.json", "label_mappings.json"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0600); err != nil {
			t.Fatal(err)
		}
	}

	config, err := validateModelDirectory(dir)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if filepath.Base(config.ModelPath) != "model_quantized.onnx" || !filepath.IsAbs(config.TokenizerPath) {
		t.Errorf("Unexpected config %+v", config)
	}
}

func TestValidateModelDirectory_Errors(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "plain.txt")
	if err := os.WriteFile(file, nil, 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "tokenizer.json"), nil, 0600); err != nil {
		t.Fatal(err)
	}

	testCases := []struct {
		name    string
		dir     string
		wantErr string
	}{
		{"missing directory", filepath.Join(dir, "nope"), "does not exist"},
		{"not a directory", file, "not a directory"},
		{"missing files", dir, "label_mappings.json"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := validateModelDirectory(tc.dir)
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}
