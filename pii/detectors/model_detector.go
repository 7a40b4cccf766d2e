package pii

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ModelDetector calls an NER sidecar (for example a spaCy service) over HTTP.
// The sidecar owns tokenization; entity bounds are token indices.
type ModelDetector struct {
	baseURL string
	client  *http.Client
}

type analyzeRequest struct {
	Text string `json:"text"`
}

type analyzeResponse struct {
	Tokens   []analyzeToken  `json:"tokens"`
	Entities []analyzeEntity `json:"entities"`
}

type analyzeToken struct {
	Text  string `json:"text"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

type analyzeEntity struct {
	Label      string   `json:"label"`
	Start      int      `json:"start"`
	End        int      `json:"end"`
	Confidence *float64 `json:"confidence,omitempty"`
}

func NewModelDetector(baseURL string) *ModelDetector {
	return &ModelDetector{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// GetName returns the name of this detector
func (m *ModelDetector) GetName() string {
	return DetectorNameModel
}

// Detect posts the text to {baseURL}/analyze and converts the reply.
func (m *ModelDetector) Detect(ctx context.Context, input DetectorInput) (DetectorOutput, error) {
	jsonData, err := json.Marshal(analyzeRequest{Text: input.Text})
	if err != nil {
		return DetectorOutput{}, fmt.Errorf("failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/analyze", bytes.NewBuffer(jsonData))
	if err != nil {
		return DetectorOutput{}, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	response, err := m.client.Do(req)
	if err != nil {
		return DetectorOutput{}, fmt.Errorf("model server unreachable: %w", err)
	}
	defer func() { _ = response.Body.Close() }()

	if response.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(response.Body, 512))
		return DetectorOutput{}, fmt.Errorf("model server returned status %d: %s", response.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded analyzeResponse
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		return DetectorOutput{}, fmt.Errorf("failed to decode model response: %w", err)
	}

	return convertAnalyzeResponse(input.Text, decoded)
}

func convertAnalyzeResponse(text string, resp analyzeResponse) (DetectorOutput, error) {
	tokens := make([]Token, len(resp.Tokens))
	for i, t := range resp.Tokens {
		tokens[i] = Token{Text: t.Text, Index: i, StartPos: t.Start, EndPos: t.End}
	}

	entities := make([]EntitySpan, 0, len(resp.Entities))
	for _, e := range resp.Entities {
		if e.Start < 0 || e.End > len(tokens) || e.Start > e.End {
			return DetectorOutput{}, fmt.Errorf("entity %s has token range [%d,%d) outside [0,%d)", e.Label, e.Start, e.End, len(tokens))
		}
		confidence := 1.0
		if e.Confidence != nil {
			confidence = *e.Confidence
		}
		entities = append(entities, EntitySpan{
			Label:      e.Label,
			Category:   CategoryFromLabel(e.Label),
			Start:      e.Start,
			End:        e.End,
			Confidence: confidence,
		})
	}

	return DetectorOutput{
		Text:     text,
		Tokens:   tokens,
		Entities: entities,
	}, nil
}

// Close implements the Detector interface
func (m *ModelDetector) Close() error {
	m.client.CloseIdleConnections()
	return nil
}
