package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/coreyrab/statickit/internal/provider"
	"github.com/coreyrab/statickit/pkg/models"
)

type chatMessage struct {
	Role    string        `json:"role"`
	Content []chatContent `json:"content"`
}

type chatContent struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

type chatRequest struct {
	Model               string          `json:"model"`
	Messages            []chatMessage   `json:"messages"`
	MaxCompletionTokens int             `json:"max_completion_tokens,omitempty"`
	ResponseFormat      *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   *chatUsage   `json:"usage,omitempty"`
	Error   *apiError    `json:"error,omitempty"`
}

type chatChoice struct {
	Index        int            `json:"index"`
	Message      chatMessageOut `json:"message"`
	FinishReason string         `json:"finish_reason"`
}

type chatMessageOut struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

func (p *Provider) SupportsAnalyze(model string) bool {
	cap, ok := p.registry.Get(model)
	return ok && cap.SupportsAnalyze && cap.Provider == models.ProviderOpenAI
}

func (p *Provider) Analyze(ctx context.Context, req *models.AnalyzeRequest) (*models.AnalyzeResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if !p.SupportsAnalyze(req.Model) {
		return nil, fmt.Errorf("%w: %s", models.ErrAnalyzeNotSupported, req.Model)
	}

	dataURL := fmt.Sprintf("data:%s;base64,%s",
		provider.MimeType(req.MimeType, req.Image),
		base64.StdEncoding.EncodeToString(req.Image))

	chatReq := &chatRequest{
		Model: req.Model,
		Messages: []chatMessage{{
			Role: "user",
			Content: []chatContent{
				{Type: "text", Text: req.Prompt},
				{Type: "image_url", ImageURL: &imageURL{URL: dataURL, Detail: "high"}},
			},
		}},
		MaxCompletionTokens: req.MaxTokens,
	}
	if req.JSON {
		chatReq.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	jsonData, err := json.Marshal(chatReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	status, body, err := p.post(ctx, "/chat/completions", "application/json", jsonData)
	if err != nil {
		return nil, err
	}

	var chatResp chatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	if chatResp.Error != nil {
		return nil, fmt.Errorf("%w: %s", provider.ErrAnalyzeFailed, chatResp.Error.Message)
	}

	if status != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", provider.ErrAnalyzeFailed, status)
	}

	if len(chatResp.Choices) == 0 {
		return nil, fmt.Errorf("%w: no response choices", provider.ErrAnalyzeFailed)
	}

	out := &models.AnalyzeResponse{Text: chatResp.Choices[0].Message.Content}
	if chatResp.Usage != nil {
		out.InputTokens = chatResp.Usage.PromptTokens
		out.OutputTokens = chatResp.Usage.CompletionTokens
	}
	return out, nil
}
