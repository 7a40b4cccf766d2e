package pii

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

const (
	DetectorNameModel     = "model_detector"
	DetectorNameONNXModel = "onnx_model_detector"
	DetectorNameStatic    = "static_detector"
)

// ErrDetectorClosed is returned by Detect once the detector has been closed,
// e.g. after the model manager swapped it out.
var ErrDetectorClosed = errors.New("detector is closed")

// Detector tokenizes a document and tags entity spans over its tokens.
type Detector interface {
	GetName() string
	Detect(ctx context.Context, input DetectorInput) (DetectorOutput, error)
	Close() error
}

type NewDetectorFunc func(settings map[string]interface{}) (Detector, error)

var (
	factoriesMu       sync.RWMutex
	detectorFactories = make(map[string]NewDetectorFunc)
)

func RegisterDetectorFactory(name string, factory NewDetectorFunc) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	detectorFactories[name] = factory
}

// NewDetector builds the detector registered under name.
func NewDetector(name string, settings map[string]interface{}) (Detector, error) {
	factoriesMu.RLock()
	factory, ok := detectorFactories[name]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("detector factory not found for name: %s", name)
	}
	return factory(settings)
}

// RegisteredDetectors returns the sorted names of all registered factories.
func RegisteredDetectors() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(detectorFactories))
	for name := range detectorFactories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	RegisterDetectorFactory(DetectorNameModel, func(settings map[string]interface{}) (Detector, error) {
		baseURL, ok := settings["base_url"].(string)
		if !ok || baseURL == "" {
			return nil, fmt.Errorf("base_url is required for model detector")
		}
		return NewModelDetector(baseURL), nil
	})

	RegisterDetectorFactory(DetectorNameONNXModel, func(settings map[string]interface{}) (Detector, error) {
		modelPath, ok := settings["model_path"].(string)
		if !ok || modelPath == "" {
			return nil, fmt.Errorf("model_path is required for ONNX model detector")
		}
		tokenizerPath, ok := settings["tokenizer_path"].(string)
		if !ok || tokenizerPath == "" {
			return nil, fmt.Errorf("tokenizer_path is required for ONNX model detector")
		}
		labelMapPath, _ := settings["label_map_path"].(string)
		return NewONNXModelDetector(modelPath, tokenizerPath, labelMapPath)
	})

	RegisterDetectorFactory(DetectorNameStatic, func(settings map[string]interface{}) (Detector, error) {
		return NewTokenizingDetector(), nil
	})

	RegisterDetectorFactory(DetectorNameRegex, func(settings map[string]interface{}) (Detector, error) {
		patterns, err := patternsFromSettings(settings)
		if err != nil {
			return nil, err
		}
		return NewRegexDetector(patterns)
	})
}

func CloseDetector(detector Detector) error {
	return detector.Close()
}
