package pii

// DetectorInput represents the input for entity detection
type DetectorInput struct {
	Text string `json:"text"`
}

// Token is a single unit of the document as produced by the entity source.
// StartPos and EndPos are byte offsets into the original text.
type Token struct {
	Text     string `json:"text"`
	Index    int    `json:"index"`
	StartPos int    `json:"start_pos"`
	EndPos   int    `json:"end_pos"`
}

// EntitySpan tags the half-open token range [Start, End) with a category.
type EntitySpan struct {
	Label      string   `json:"label"`
	Category   Category `json:"category"`
	Start      int      `json:"start"`
	End        int      `json:"end"`
	Confidence float64  `json:"confidence"`
}

// DetectorOutput represents the tokenization and entity tagging of one document
type DetectorOutput struct {
	Text     string       `json:"text"`
	Tokens   []Token      `json:"tokens"`
	Entities []EntitySpan `json:"entities"`
}

// TokenTexts returns the surface strings of the output tokens in order.
func (o DetectorOutput) TokenTexts() []string {
	texts := make([]string, len(o.Tokens))
	for i, tok := range o.Tokens {
		texts[i] = tok.Text
	}
	return texts
}
