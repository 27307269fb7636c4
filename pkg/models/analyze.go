package models

type AnalyzeRequest struct {
	Image     []byte
	MimeType  string
	Prompt    string
	Model     string
	MaxTokens int
	// JSON asks the model to answer with a single JSON object.
	JSON bool
}

const defaultAnalyzeMaxTokens = 2048

func NewAnalyzeRequest(image []byte, prompt string) *AnalyzeRequest {
	return &AnalyzeRequest{
		Image:     image,
		Prompt:    prompt,
		Model:     DefaultAnalyzeModel,
		MaxTokens: defaultAnalyzeMaxTokens,
	}
}

func (r *AnalyzeRequest) Validate() error {
	if len(r.Image) == 0 {
		return ErrNoImageData
	}
	if r.Prompt == "" {
		return ErrEmptyPrompt
	}
	return nil
}

type AnalyzeResponse struct {
	Text         string `json:"text"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
}
