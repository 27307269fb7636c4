// Package gemini talks to the Generative Language API. Image models answer
// generateContent calls with inline image parts; text models are used for
// product analysis.
package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/coreyrab/statickit/internal/provider"
	"github.com/coreyrab/statickit/pkg/models"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultTimeout = 180 * time.Second
	name           = "gemini"
)

var errBlocked = errors.New("request blocked")

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	ResponseModalities []string `json:"responseModalities,omitempty"`
	ResponseMimeType   string   `json:"responseMimeType,omitempty"`
	MaxOutputTokens    int      `json:"maxOutputTokens,omitempty"`
	CandidateCount     int      `json:"candidateCount,omitempty"`
}

type apiRequest struct {
	Contents         []content         `json:"contents"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
}

type apiResponse struct {
	Candidates     []candidate     `json:"candidates"`
	PromptFeedback *promptFeedback `json:"promptFeedback,omitempty"`
	UsageMetadata  *usageMetadata  `json:"usageMetadata,omitempty"`
	Error          *apiError       `json:"error,omitempty"`
}

type candidate struct {
	Content      content `json:"content"`
	FinishReason string  `json:"finishReason"`
}

type promptFeedback struct {
	BlockReason string `json:"blockReason"`
}

type usageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

type Provider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	registry   *models.ModelRegistry
}

func New(cfg *provider.Config, registry *models.ModelRegistry) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, provider.ErrAPIKeyRequired
	}

	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	return &Provider{
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: cfg.Timeout(defaultTimeout)},
		registry:   registry,
	}, nil
}

func (p *Provider) Name() models.ProviderType {
	return models.ProviderGemini
}

func (p *Provider) SupportsModel(model string) bool {
	cap, ok := p.registry.Get(model)
	return ok && cap.Provider == models.ProviderGemini
}

func (p *Provider) SupportsEdit(model string) bool {
	cap, ok := p.registry.Get(model)
	return ok && cap.Provider == models.ProviderGemini && cap.SupportsEdit
}

func (p *Provider) ListModels() []string {
	return p.registry.ListByProvider(models.ProviderGemini)
}

func (p *Provider) Generate(ctx context.Context, req *models.Request) (*models.Response, error) {
	cap, ok := p.registry.Get(req.Model)
	if !ok || cap.Provider != models.ProviderGemini || !cap.SupportsGen {
		return nil, fmt.Errorf("%w: %s", provider.ErrModelNotSupported, req.Model)
	}

	apiReq := &apiRequest{
		Contents:         []content{{Role: "user", Parts: []part{{Text: req.Prompt}}}},
		GenerationConfig: &generationConfig{ResponseModalities: []string{"TEXT", "IMAGE"}},
	}

	apiResp, err := p.generateContent(ctx, req.Model, apiReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", provider.ErrGenerationFailed, err)
	}
	resp, err := imagesFrom(apiResp)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", provider.ErrGenerationFailed, err)
	}
	return resp, nil
}

// Edit sends the instruction followed by the source image and then each
// reference image as inline parts.
func (p *Provider) Edit(ctx context.Context, req *models.EditRequest) (*models.Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if !p.SupportsEdit(req.Model) {
		return nil, fmt.Errorf("%w: %s", provider.ErrEditNotSupported, req.Model)
	}

	parts := []part{{Text: req.Prompt}, imagePart(req.MimeType, req.Image)}
	for _, ref := range req.References {
		parts = append(parts, imagePart("", ref))
	}

	apiReq := &apiRequest{
		Contents:         []content{{Role: "user", Parts: parts}},
		GenerationConfig: &generationConfig{ResponseModalities: []string{"TEXT", "IMAGE"}},
	}

	apiResp, err := p.generateContent(ctx, req.Model, apiReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", provider.ErrEditFailed, err)
	}
	resp, err := imagesFrom(apiResp)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", provider.ErrEditFailed, err)
	}
	return resp, nil
}

func (p *Provider) Analyze(ctx context.Context, req *models.AnalyzeRequest) (*models.AnalyzeResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	cap, ok := p.registry.Get(req.Model)
	if !ok || cap.Provider != models.ProviderGemini || !cap.SupportsAnalyze {
		return nil, fmt.Errorf("%w: %s", models.ErrAnalyzeNotSupported, req.Model)
	}

	cfg := &generationConfig{MaxOutputTokens: req.MaxTokens}
	if req.JSON {
		cfg.ResponseMimeType = "application/json"
	}
	apiReq := &apiRequest{
		Contents:         []content{{Role: "user", Parts: []part{imagePart(req.MimeType, req.Image), {Text: req.Prompt}}}},
		GenerationConfig: cfg,
	}

	apiResp, err := p.generateContent(ctx, req.Model, apiReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", provider.ErrAnalyzeFailed, err)
	}

	var text strings.Builder
	for _, c := range apiResp.Candidates {
		for _, pt := range c.Content.Parts {
			text.WriteString(pt.Text)
		}
		if text.Len() > 0 {
			break
		}
	}
	if text.Len() == 0 {
		return nil, fmt.Errorf("%w: empty response", provider.ErrAnalyzeFailed)
	}

	out := &models.AnalyzeResponse{Text: text.String()}
	if apiResp.UsageMetadata != nil {
		out.InputTokens = apiResp.UsageMetadata.PromptTokenCount
		out.OutputTokens = apiResp.UsageMetadata.CandidatesTokenCount
	}
	return out, nil
}

func (p *Provider) generateContent(ctx context.Context, model string, apiReq *apiRequest) (*apiResponse, error) {
	jsonData, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", p.baseURL, model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", p.apiKey)

	provider.LogRequest(name, http.MethodPost, url, httpReq.Header, jsonData)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	provider.LogResponse(name, resp.StatusCode, body)

	var apiResp apiResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if apiResp.Error != nil {
		return nil, fmt.Errorf("%s", apiResp.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	if fb := apiResp.PromptFeedback; fb != nil && fb.BlockReason != "" {
		return nil, fmt.Errorf("%w: %s", errBlocked, fb.BlockReason)
	}
	return &apiResp, nil
}

func imagePart(mimeType string, data []byte) part {
	return part{InlineData: &inlineData{
		MimeType: provider.MimeType(mimeType, data),
		Data:     base64.StdEncoding.EncodeToString(data),
	}}
}

// imagesFrom collects every inline image across the candidates. Text parts
// become the revised prompt.
func imagesFrom(apiResp *apiResponse) (*models.Response, error) {
	resp := &models.Response{}
	var finish string
	for _, c := range apiResp.Candidates {
		finish = c.FinishReason
		for _, pt := range c.Content.Parts {
			if pt.InlineData == nil {
				if pt.Text != "" && resp.RevisedPrompt == "" {
					resp.RevisedPrompt = pt.Text
				}
				continue
			}
			data, err := base64.StdEncoding.DecodeString(pt.InlineData.Data)
			if err != nil {
				return nil, fmt.Errorf("failed to decode image %d: %w", len(resp.Images), err)
			}
			resp.Images = append(resp.Images, models.GeneratedImage{
				Data:     data,
				MimeType: pt.InlineData.MimeType,
				Index:    len(resp.Images),
			})
		}
	}
	if len(resp.Images) == 0 {
		if finish != "" && finish != "STOP" {
			return nil, fmt.Errorf("%w: finish reason %s", models.ErrNoImageData, finish)
		}
		return nil, models.ErrNoImageData
	}
	return resp, nil
}
