package pii

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
	detectors "github.com/hannes/yaak-anon/pii/detectors"
)

// validationText is run through every freshly loaded detector before it is
// swapped in.
const validationText = "Herr Müller wohnt in Berlin."

// reloadDebounce coalesces the burst of events produced when model files are
// copied. Large models take a while to land, and a reload that fires too early
// is rejected without affecting the detector in service.
const reloadDebounce = 2 * time.Second

// ModelManager owns the entity source: it loads it once, hands it out to any
// number of anonymizers, hot-swaps it on reload and releases it on Close.
type ModelManager struct {
	mu              sync.RWMutex
	currentDetector detectors.Detector
	detectorName    string
	settings        map[string]interface{}
	modelDirectory  string
	isHealthy       bool
	lastError       error
	debounce        time.Duration
	logger          *log.Logger
}

// ModelConfig holds paths to required model files
type ModelConfig struct {
	ModelPath     string
	TokenizerPath string
	LabelMapPath  string
}

// NewModelManager creates a manager for the named detector. For the ONNX
// detector the model is loaded from modelDirectory; other detectors are built
// from settings. A failed initial load leaves the manager unhealthy rather
// than failing, so a server can still start and report the error.
func NewModelManager(detectorName, modelDirectory string, settings map[string]interface{}, logger *log.Logger) *ModelManager {
	if logger == nil {
		logger = log.Default()
	}
	mm := &ModelManager{
		detectorName:   detectorName,
		settings:       settings,
		modelDirectory: modelDirectory,
		debounce:       reloadDebounce,
		logger:         logger.WithPrefix("model-manager"),
	}

	var err error
	if detectorName == detectors.DetectorNameONNXModel {
		err = mm.ReloadModel(modelDirectory)
	} else {
		err = mm.reload(settings, modelDirectory)
	}
	if err != nil {
		mm.logger.Warn("failed to load initial model, manager is unhealthy", "err", err)
	}
	return mm
}

// GetDetector returns the current detector in a thread-safe manner. A
// rejected reload leaves the previous detector in service.
func (mm *ModelManager) GetDetector() (detectors.Detector, error) {
	mm.mu.RLock()
	defer mm.mu.RUnlock()

	if mm.currentDetector == nil {
		if mm.lastError == nil {
			return nil, fmt.Errorf("model is not loaded")
		}
		return nil, fmt.Errorf("model is unhealthy: %w", mm.lastError)
	}
	return mm.currentDetector, nil
}

// ReloadModel validates newDirectory and swaps in an ONNX detector loaded from it.
func (mm *ModelManager) ReloadModel(newDirectory string) error {
	if mm.detectorName != detectors.DetectorNameONNXModel {
		return fmt.Errorf("detector %s does not load models from a directory", mm.detectorName)
	}
	mm.logger.Info("reloading model", "directory", newDirectory)

	config, err := validateModelDirectory(newDirectory)
	if err != nil {
		mm.recordFailure(err)
		return fmt.Errorf("validation failed: %w", err)
	}

	settings := map[string]interface{}{
		"model_path":     config.ModelPath,
		"tokenizer_path": config.TokenizerPath,
		"label_map_path": config.LabelMapPath,
	}
	return mm.reload(settings, newDirectory)
}

// reload builds a detector, runs validation inference and swaps it in.
func (mm *ModelManager) reload(settings map[string]interface{}, directory string) error {
	newDetector, err := detectors.NewDetector(mm.detectorName, settings)
	if err != nil {
		mm.recordFailure(err)
		return fmt.Errorf("failed to load model: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := newDetector.Detect(ctx, detectors.DetectorInput{Text: validationText}); err != nil {
		if closeErr := newDetector.Close(); closeErr != nil {
			mm.logger.Warn("failed to close rejected detector", "err", closeErr)
		}
		mm.recordFailure(err)
		return fmt.Errorf("model validation failed: %w", err)
	}

	mm.mu.Lock()
	oldDetector := mm.currentDetector
	mm.currentDetector = newDetector
	mm.settings = settings
	mm.modelDirectory = directory
	mm.isHealthy = true
	mm.lastError = nil
	mm.mu.Unlock()

	// Close the old detector outside the lock
	if oldDetector != nil {
		if err := oldDetector.Close(); err != nil {
			mm.logger.Warn("failed to close old detector", "err", err)
		}
	}

	mm.logger.Info("model swap completed", "detector", newDetector.GetName(), "directory", directory)
	return nil
}

// recordFailure keeps err for reporting. The manager only turns unhealthy
// when there is no detector left to serve with.
func (mm *ModelManager) recordFailure(err error) {
	mm.mu.Lock()
	mm.lastError = err
	if mm.currentDetector == nil {
		mm.isHealthy = false
	} else {
		mm.logger.Warn("reload rejected, keeping current detector", "err", err)
	}
	mm.mu.Unlock()
}

// IsHealthy reports whether a detector is in service
func (mm *ModelManager) IsHealthy() bool {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	return mm.isHealthy
}

// GetLastError returns the last error encountered (if any)
func (mm *ModelManager) GetLastError() error {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	return mm.lastError
}

// GetInfo returns information about the current model state
func (mm *ModelManager) GetInfo() map[string]interface{} {
	mm.mu.RLock()
	defer mm.mu.RUnlock()

	info := map[string]interface{}{
		"detector":  mm.detectorName,
		"directory": mm.modelDirectory,
		"healthy":   mm.isHealthy,
		"error":     nil,
	}
	if mm.lastError != nil {
		info["error"] = mm.lastError.Error()
	}
	return info
}

// Watch reloads the detector whenever a file in the model directory changes:
// ONNX models through ReloadModel, other detectors are rebuilt from their
// settings. It blocks until ctx is cancelled.
func (mm *ModelManager) Watch(ctx context.Context) error {
	mm.mu.RLock()
	dir := mm.modelDirectory
	mm.mu.RUnlock()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	mm.logger.Info("watching model directory", "directory", dir)

	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(mm.debounce)
			timerC = timer.C
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			mm.logger.Warn("model watcher error", "err", err)
		case <-timerC:
			timerC = nil
			if err := mm.reloadFrom(dir); err != nil {
				mm.logger.Error("model reload failed", "err", err)
			}
		}
	}
}

func (mm *ModelManager) reloadFrom(dir string) error {
	if mm.detectorName == detectors.DetectorNameONNXModel {
		return mm.ReloadModel(dir)
	}
	mm.mu.RLock()
	settings := mm.settings
	mm.mu.RUnlock()
	return mm.reload(settings, dir)
}

// validateModelDirectory checks that the directory exists and contains all required files
func validateModelDirectory(dir string) (*ModelConfig, error) {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("directory does not exist: %s", dir)
		}
		return nil, fmt.Errorf("failed to access directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("path is not a directory: %s", dir)
	}

	requiredFiles := []string{
		"model_quantized.onnx",
		"tokenizer.json",
		"label_mappings.json",
	}

	var missingFiles []string
	for _, filename := range requiredFiles {
		if _, err := os.Stat(filepath.Join(dir, filename)); os.IsNotExist(err) {
			missingFiles = append(missingFiles, filename)
		}
	}
	if len(missingFiles) > 0 {
		return nil, fmt.Errorf("missing required files in directory: %v", missingFiles)
	}

	absDir, err := filepath.Abs(dir)
	if err != nil {
		absDir = dir
	}

	return &ModelConfig{
		ModelPath:     filepath.Join(absDir, "model_quantized.onnx"),
		TokenizerPath: filepath.Join(absDir, "tokenizer.json"),
		LabelMapPath:  filepath.Join(absDir, "label_mappings.json"),
	}, nil
}

// Close closes the current detector and cleans up resources
func (mm *ModelManager) Close() error {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	mm.isHealthy = false
	if mm.currentDetector != nil {
		mm.logger.Info("closing current detector")
		if err := mm.currentDetector.Close(); err != nil {
			return fmt.Errorf("failed to close detector: %w", err)
		}
		mm.currentDetector = nil
	}
	return nil
}
