package pii

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/daulet/tokenizers"
	onnxruntime "github.com/yalue/onnxruntime_go"
)

// maxSeqLen is the model's max_position_embeddings.
const maxSeqLen = 512

// minConfidence is the softmax probability below which a subword is tagged O.
const minConfidence = 0.5

// ONNXModelDetector runs a token-classification model with ONNX Runtime.
// Words are produced by SplitWords; each word takes the label predicted for
// its first subword.
type ONNXModelDetector struct {
	mu           sync.Mutex
	tokenizer    *tokenizers.Tokenizer
	session      *onnxruntime.AdvancedSession
	inputTensor  *onnxruntime.Tensor[int64]
	maskTensor   *onnxruntime.Tensor[int64]
	outputTensor *onnxruntime.Tensor[float32]
	id2label     map[int]string
	numLabels    int
	outputName   string
	modelPath    string
	closed       bool
}

// labelMapping is the label_mappings.json layout. Both a flat layout and the
// nested {"pii": {...}} layout are accepted.
type labelMapping struct {
	ID2Label   map[string]string `json:"id2label"`
	Label2ID   map[string]int    `json:"label2id"`
	OutputName string            `json:"output_name"`
	PII        *struct {
		ID2Label map[string]string `json:"id2label"`
		Label2ID map[string]int    `json:"label2id"`
	} `json:"pii"`
}

// subwordPrediction is the label of one tokenizer piece.
type subwordPrediction struct {
	label      string
	confidence float64
	start      int
	end        int
}

// wordLabel is the BIO label assigned to a word token.
type wordLabel struct {
	prefix     string
	base       string
	confidence float64
}

// tokenChunk is a window of at most maxSeqLen subwords.
type tokenChunk struct {
	tokenIDs []uint32
	offsets  []tokenizers.Offset
	isFirst  bool
	isLast   bool
}

// safeUintToInt safely converts a uint to int with bounds checking
// Returns maxInt if the value would overflow
func safeUintToInt(val uint) int {
	const maxInt = int(^uint(0) >> 1)
	if val <= uint(maxInt) {
		// #nosec G115 - Safe conversion with bounds checking
		return int(val)
	}
	return maxInt
}

var (
	runtimeMu          sync.Mutex
	runtimeInitialized bool
)

// initRuntime points onnxruntime_go at the shared library and initializes the
// process-wide environment once.
func initRuntime() error {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()

	if runtimeInitialized || onnxruntime.IsInitialized() {
		runtimeInitialized = true
		return nil
	}

	libPath := os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH")
	if libPath == "" {
		candidates := []string{
			"./libonnxruntime.so",
			"./build/libonnxruntime.so",
			"/usr/local/lib/libonnxruntime.so",
			"./libonnxruntime.dylib",
			"./build/libonnxruntime.dylib",
		}
		for _, path := range candidates {
			if _, err := os.Stat(path); err == nil {
				libPath = path
				break
			}
		}
	}
	if libPath != "" {
		onnxruntime.SetSharedLibraryPath(libPath)
	}

	if err := onnxruntime.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX Runtime environment: %w", err)
	}
	runtimeInitialized = true
	return nil
}

// ShutdownRuntime releases the ONNX Runtime environment. Call it once at
// process shutdown after every ONNXModelDetector has been closed.
func ShutdownRuntime() error {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()

	if !runtimeInitialized {
		return nil
	}
	runtimeInitialized = false
	return onnxruntime.DestroyEnvironment()
}

// loadLabelMapping reads label_mappings.json from labelMapPath or, when empty,
// from next to the model file.
func loadLabelMapping(modelPath, labelMapPath string) (map[int]string, string, error) {
	paths := []string{labelMapPath}
	if labelMapPath == "" {
		paths = []string{
			filepath.Join(filepath.Dir(modelPath), "label_mappings.json"),
			"model/label_mappings.json",
			"./label_mappings.json",
		}
	}

	var data []byte
	for _, path := range paths {
		// #nosec G304 - label mapping path comes from application config
		b, err := os.ReadFile(path)
		if err == nil {
			data = b
			break
		}
	}
	if data == nil {
		return nil, "", fmt.Errorf("failed to load label mapping from any of the attempted paths: %v", paths)
	}

	var mapping labelMapping
	if err := json.Unmarshal(data, &mapping); err != nil {
		return nil, "", fmt.Errorf("failed to parse label mapping: %w", err)
	}
	raw := mapping.ID2Label
	label2id := mapping.Label2ID
	if len(raw) == 0 && mapping.PII != nil {
		raw = mapping.PII.ID2Label
		label2id = mapping.PII.Label2ID
	}
	if len(raw) == 0 {
		for label, id := range label2id {
			if raw == nil {
				raw = make(map[string]string)
			}
			raw[strconv.Itoa(id)] = label
		}
	}
	id2label, err := parseID2Label(raw)
	if err != nil {
		return nil, "", err
	}

	outputName := mapping.OutputName
	if outputName == "" {
		outputName = "logits"
	}
	return id2label, outputName, nil
}

func parseID2Label(raw map[string]string) (map[int]string, error) {
	id2label := make(map[int]string, len(raw))
	for idStr, label := range raw {
		id, err := strconv.Atoi(idStr)
		if err != nil {
			return nil, fmt.Errorf("invalid label id %q: %w", idStr, err)
		}
		// -100 is the IGNORE index used during training
		if id < 0 {
			continue
		}
		id2label[id] = label
	}
	if len(id2label) == 0 {
		return nil, fmt.Errorf("label mapping contains no labels")
	}
	return id2label, nil
}

// numLabelsFor returns max label id + 1.
func numLabelsFor(id2label map[int]string) int {
	n := 0
	for id := range id2label {
		if id >= n {
			n = id + 1
		}
	}
	return n
}

// NewONNXModelDetector loads the tokenizer and label mapping. The ONNX session
// is created lazily on the first Detect call.
func NewONNXModelDetector(modelPath, tokenizerPath, labelMapPath string) (*ONNXModelDetector, error) {
	if err := initRuntime(); err != nil {
		return nil, err
	}

	tk, err := tokenizers.FromFile(tokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer: %w", err)
	}

	id2label, outputName, err := loadLabelMapping(modelPath, labelMapPath)
	if err != nil {
		if closeErr := tk.Close(); closeErr != nil {
			err = fmt.Errorf("%w (tokenizer cleanup: %v)", err, closeErr)
		}
		return nil, err
	}

	return &ONNXModelDetector{
		tokenizer:  tk,
		id2label:   id2label,
		numLabels:  numLabelsFor(id2label),
		outputName: outputName,
		modelPath:  modelPath,
	}, nil
}

// GetName returns the name of this detector
func (d *ONNXModelDetector) GetName() string {
	return DetectorNameONNXModel
}

// Detect tokenizes the text into words and tags entity spans over them.
func (d *ONNXModelDetector) Detect(ctx context.Context, input DetectorInput) (DetectorOutput, error) {
	words := SplitWords(input.Text)
	if len(words) == 0 {
		return DetectorOutput{Text: input.Text, Tokens: words, Entities: []EntitySpan{}}, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return DetectorOutput{}, ErrDetectorClosed
	}
	if d.session == nil {
		if err := d.initializeSession(); err != nil {
			return DetectorOutput{}, fmt.Errorf("failed to initialize session: %w", err)
		}
	}

	encoding := d.tokenizer.EncodeWithOptions(input.Text, false, tokenizers.WithReturnOffsets())
	numTokens := len(encoding.IDs)
	if len(encoding.Offsets) < numTokens {
		numTokens = len(encoding.Offsets)
	}

	var predictions []subwordPrediction
	for _, chunk := range chunkTokens(encoding.IDs[:numTokens], encoding.Offsets[:numTokens]) {
		if err := ctx.Err(); err != nil {
			return DetectorOutput{}, err
		}

		inputIDs := make([]int64, len(chunk.tokenIDs))
		attentionMask := make([]int64, len(chunk.tokenIDs))
		for i, id := range chunk.tokenIDs {
			inputIDs[i] = int64(id)
			attentionMask[i] = 1
		}
		d.updateInputTensors(inputIDs, attentionMask)

		if err := d.session.Run(); err != nil {
			return DetectorOutput{}, fmt.Errorf("failed to run inference: %w", err)
		}

		predictions = append(predictions, classifyLogits(d.outputTensor.GetData(), chunk.offsets, d.numLabels, d.id2label)...)
	}

	labels := alignWordLabels(words, predictions)
	return DetectorOutput{
		Text:     input.Text,
		Tokens:   words,
		Entities: buildSpans(labels),
	}, nil
}

// chunkTokens splits the subword sequence into windows of at most maxSeqLen.
func chunkTokens(tokenIDs []uint32, offsets []tokenizers.Offset) []tokenChunk {
	if len(tokenIDs) <= maxSeqLen {
		return []tokenChunk{{tokenIDs: tokenIDs, offsets: offsets, isFirst: true, isLast: true}}
	}

	var chunks []tokenChunk
	for start := 0; start < len(tokenIDs); start += maxSeqLen {
		end := start + maxSeqLen
		if end > len(tokenIDs) {
			end = len(tokenIDs)
		}
		chunks = append(chunks, tokenChunk{
			tokenIDs: tokenIDs[start:end],
			offsets:  offsets[start:end],
			isFirst:  start == 0,
			isLast:   end == len(tokenIDs),
		})
	}
	return chunks
}

// classifyLogits turns the flat [seq, numLabels] logits of one chunk into
// per-subword labels.
func classifyLogits(logits []float32, offsets []tokenizers.Offset, numLabels int, id2label map[int]string) []subwordPrediction {
	predictions := make([]subwordPrediction, 0, len(offsets))
	for i, offset := range offsets {
		startIdx := i * numLabels
		endIdx := (i + 1) * numLabels
		if endIdx > len(logits) {
			break
		}
		tokenLogits := logits[startIdx:endIdx]

		maxLogit := float64(-math.MaxFloat64)
		bestClass := 0
		for j, logit := range tokenLogits {
			if float64(logit) > maxLogit {
				maxLogit = float64(logit)
				bestClass = j
			}
		}

		var sum float64
		for _, logit := range tokenLogits {
			sum += math.Exp(float64(logit) - maxLogit)
		}
		confidence := 1 / sum

		label, ok := id2label[bestClass]
		if !ok || confidence < minConfidence {
			label = "O"
		}

		predictions = append(predictions, subwordPrediction{
			label:      label,
			confidence: confidence,
			start:      safeUintToInt(offset[0]),
			end:        safeUintToInt(offset[1]),
		})
	}
	return predictions
}

// alignWordLabels gives each word the label of the first subword overlapping it.
// Both inputs are ordered by offset.
func alignWordLabels(words []Token, predictions []subwordPrediction) []wordLabel {
	labels := make([]wordLabel, len(words))
	p := 0
	for i, w := range words {
		for p < len(predictions) && predictions[p].end <= w.StartPos {
			p++
		}
		for q := p; q < len(predictions) && predictions[q].start < w.EndPos; q++ {
			pred := predictions[q]
			if pred.start == pred.end {
				continue
			}
			prefix, base := SplitBIO(pred.label)
			labels[i] = wordLabel{prefix: prefix, base: base, confidence: pred.confidence}
			break
		}
	}
	return labels
}

// buildSpans groups consecutive words carrying the same base label into spans.
// A B- prefix always opens a new span.
func buildSpans(labels []wordLabel) []EntitySpan {
	spans := []EntitySpan{}
	var current *EntitySpan

	flush := func() {
		if current != nil {
			spans = append(spans, *current)
			current = nil
		}
	}

	for i, wl := range labels {
		switch {
		case wl.base == "":
			flush()
		case current != nil && wl.prefix != "B" && strings.EqualFold(current.Label, wl.base):
			current.End = i + 1
			current.Confidence = (current.Confidence + wl.confidence) / 2
		default:
			flush()
			current = &EntitySpan{
				Label:      wl.base,
				Category:   CategoryFromLabel(wl.base),
				Start:      i,
				End:        i + 1,
				Confidence: wl.confidence,
			}
		}
	}
	flush()
	return spans
}

// initializeSession initializes the ONNX session and tensors
func (d *ONNXModelDetector) initializeSession() error {
	batchSize := int64(1)

	inputShape := onnxruntime.NewShape(batchSize, maxSeqLen)
	inputTensor, err := onnxruntime.NewTensor(inputShape, make([]int64, maxSeqLen))
	if err != nil {
		return fmt.Errorf("failed to create input tensor: %w", err)
	}

	maskTensor, err := onnxruntime.NewTensor(inputShape, make([]int64, maxSeqLen))
	if err != nil {
		destroyAll(inputTensor)
		return fmt.Errorf("failed to create mask tensor: %w", err)
	}

	outputShape := onnxruntime.NewShape(batchSize, maxSeqLen, int64(d.numLabels))
	outputTensor, err := onnxruntime.NewEmptyTensor[float32](outputShape)
	if err != nil {
		destroyAll(inputTensor, maskTensor)
		return fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := onnxruntime.NewAdvancedSession(d.modelPath,
		[]string{"input_ids", "attention_mask"},
		[]string{d.outputName},
		[]onnxruntime.Value{inputTensor, maskTensor},
		[]onnxruntime.Value{outputTensor},
		nil)
	if err != nil {
		destroyAll(inputTensor, maskTensor, outputTensor)
		return fmt.Errorf("failed to create session: %w", err)
	}

	d.session = session
	d.inputTensor = inputTensor
	d.maskTensor = maskTensor
	d.outputTensor = outputTensor
	return nil
}

func destroyAll(values ...onnxruntime.Value) {
	for _, v := range values {
		// Errors here only occur on double free; nothing to recover.
		_ = v.Destroy()
	}
}

// updateInputTensors updates the input tensors with new data
func (d *ONNXModelDetector) updateInputTensors(inputIDs, attentionMask []int64) {
	inputData := d.inputTensor.GetData()
	maskData := d.maskTensor.GetData()

	for i := range inputData {
		inputData[i] = 0
		maskData[i] = 0
	}

	copy(inputData, inputIDs)
	copy(maskData, attentionMask)
}

// Close releases the session, tensors and tokenizer. It waits for an
// in-flight Detect; later calls fail with ErrDetectorClosed. The runtime
// environment stays alive for other detectors; see ShutdownRuntime.
func (d *ONNXModelDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closed = true

	var errs []error
	if d.session != nil {
		if err := d.session.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("failed to destroy session: %w", err))
		}
		d.session = nil
	}
	if d.inputTensor != nil {
		if err := d.inputTensor.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("failed to destroy input tensor: %w", err))
		}
		d.inputTensor = nil
	}
	if d.maskTensor != nil {
		if err := d.maskTensor.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("failed to destroy mask tensor: %w", err))
		}
		d.maskTensor = nil
	}
	if d.outputTensor != nil {
		if err := d.outputTensor.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("failed to destroy output tensor: %w", err))
		}
		d.outputTensor = nil
	}
	if d.tokenizer != nil {
		if err := d.tokenizer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close tokenizer: %w", err))
		}
		d.tokenizer = nil
	}

	if len(errs) > 0 {
		return fmt.Errorf("cleanup errors: %v", errs)
	}
	return nil
}
