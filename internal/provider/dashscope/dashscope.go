// Package dashscope drives Alibaba Model Studio image models. Wanx jobs are
// asynchronous: a task is submitted, polled until it settles and its result
// URLs are downloaded. Qwen image edit answers synchronously.
package dashscope

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

	"github.com/coreyrab/statickit/internal/logger"
	"github.com/coreyrab/statickit/internal/provider"
	"github.com/coreyrab/statickit/internal/security"
	"github.com/coreyrab/statickit/pkg/models"
)

const (
	defaultBaseURL      = "https://dashscope-intl.aliyuncs.com/api/v1"
	defaultTimeout      = 120 * time.Second
	defaultPollInterval = 2 * time.Second
	defaultPollTimeout  = 5 * time.Minute
	maxDownloadBytes    = 30 << 20
	name                = "dashscope"

	qwenEditModel = "qwen-image-edit"
)

const (
	pathImage2Image = "/services/aigc/image2image/image-synthesis"
	pathText2Image  = "/services/aigc/text2image/image-synthesis"
	pathMultimodal  = "/services/aigc/multimodal-generation/generation"
)

const (
	statusPending   = "PENDING"
	statusRunning   = "RUNNING"
	statusSucceeded = "SUCCEEDED"
	statusFailed    = "FAILED"
	statusCanceled  = "CANCELED"
	statusUnknown   = "UNKNOWN"
)

var (
	ErrTaskFailed  = errors.New("task failed")
	ErrTaskTimeout = errors.New("task did not finish in time")
)

type taskRequest struct {
	Model      string         `json:"model"`
	Input      taskInput      `json:"input"`
	Parameters taskParameters `json:"parameters,omitempty"`
}

type taskInput struct {
	Function     string `json:"function,omitempty"`
	Prompt       string `json:"prompt"`
	BaseImageURL string `json:"base_image_url,omitempty"`
	MaskImageURL string `json:"mask_image_url,omitempty"`
}

type taskParameters struct {
	N    int    `json:"n,omitempty"`
	Size string `json:"size,omitempty"`
}

type taskResponse struct {
	RequestID string     `json:"request_id"`
	Output    taskOutput `json:"output"`
	Code      string     `json:"code,omitempty"`
	Message   string     `json:"message,omitempty"`
}

type taskOutput struct {
	TaskID     string       `json:"task_id"`
	TaskStatus string       `json:"task_status"`
	Results    []taskResult `json:"results,omitempty"`
	Code       string       `json:"code,omitempty"`
	Message    string       `json:"message,omitempty"`
}

type taskResult struct {
	URL     string `json:"url,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

type multimodalRequest struct {
	Model string          `json:"model"`
	Input multimodalInput `json:"input"`
}

type multimodalInput struct {
	Messages []multimodalMessage `json:"messages"`
}

type multimodalMessage struct {
	Role    string              `json:"role"`
	Content []multimodalContent `json:"content"`
}

type multimodalContent struct {
	Image string `json:"image,omitempty"`
	Text  string `json:"text,omitempty"`
}

type multimodalResponse struct {
	Output struct {
		Choices []struct {
			Message multimodalMessage `json:"message"`
		} `json:"choices"`
	} `json:"output"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

type Provider struct {
	apiKey       string
	baseURL      string
	httpClient   *http.Client
	registry     *models.ModelRegistry
	pollInterval time.Duration
	pollTimeout  time.Duration
}

func New(cfg *provider.Config, registry *models.ModelRegistry) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, provider.ErrAPIKeyRequired
	}

	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}

	return &Provider{
		apiKey:       cfg.APIKey,
		baseURL:      baseURL,
		httpClient:   &http.Client{Timeout: cfg.Timeout(defaultTimeout)},
		registry:     registry,
		pollInterval: interval,
		pollTimeout:  defaultPollTimeout,
	}, nil
}

func (p *Provider) Name() models.ProviderType {
	return models.ProviderDashScope
}

func (p *Provider) SupportsModel(model string) bool {
	cap, ok := p.registry.Get(model)
	return ok && cap.Provider == models.ProviderDashScope
}

func (p *Provider) SupportsEdit(model string) bool {
	cap, ok := p.registry.Get(model)
	return ok && cap.Provider == models.ProviderDashScope && cap.SupportsEdit
}

func (p *Provider) ListModels() []string {
	return p.registry.ListByProvider(models.ProviderDashScope)
}

func (p *Provider) Generate(ctx context.Context, req *models.Request) (*models.Response, error) {
	cap, ok := p.registry.Get(req.Model)
	if !ok || cap.Provider != models.ProviderDashScope || !cap.SupportsGen {
		return nil, fmt.Errorf("%w: %s", provider.ErrModelNotSupported, req.Model)
	}

	task := &taskRequest{
		Model:      req.Model,
		Input:      taskInput{Prompt: req.Prompt},
		Parameters: taskParameters{N: req.Count, Size: dashSize(req.Size)},
	}
	resp, err := p.runTask(ctx, pathText2Image, task)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", provider.ErrGenerationFailed, err)
	}
	return resp, nil
}

// Edit runs a description edit. Reference images are not accepted by the
// wanx edit function; qwen-image-edit receives them as extra image parts.
func (p *Provider) Edit(ctx context.Context, req *models.EditRequest) (*models.Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if !p.SupportsEdit(req.Model) {
		return nil, fmt.Errorf("%w: %s", provider.ErrEditNotSupported, req.Model)
	}

	var (
		resp *models.Response
		err  error
	)
	if req.Model == qwenEditModel {
		resp, err = p.multimodalEdit(ctx, req)
	} else {
		task := &taskRequest{
			Model: req.Model,
			Input: taskInput{
				Function:     "description_edit",
				Prompt:       req.Prompt,
				BaseImageURL: dataURL(req.MimeType, req.Image),
			},
			Parameters: taskParameters{N: req.Count},
		}
		if len(req.Mask) > 0 {
			task.Input.Function = "description_edit_with_mask"
			task.Input.MaskImageURL = dataURL("", req.Mask)
		}
		resp, err = p.runTask(ctx, pathImage2Image, task)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", provider.ErrEditFailed, err)
	}
	return resp, nil
}

func (p *Provider) multimodalEdit(ctx context.Context, req *models.EditRequest) (*models.Response, error) {
	content := []multimodalContent{{Image: dataURL(req.MimeType, req.Image)}}
	for _, ref := range req.References {
		content = append(content, multimodalContent{Image: dataURL("", ref)})
	}
	content = append(content, multimodalContent{Text: req.Prompt})

	body := &multimodalRequest{
		Model: req.Model,
		Input: multimodalInput{Messages: []multimodalMessage{{Role: "user", Content: content}}},
	}

	var out multimodalResponse
	status, err := p.do(ctx, http.MethodPost, pathMultimodal, body, false, &out)
	if err != nil {
		return nil, err
	}
	if out.Code != "" {
		return nil, fmt.Errorf("%s: %s", out.Code, out.Message)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("status %d", status)
	}

	var urls []string
	for _, choice := range out.Output.Choices {
		for _, c := range choice.Message.Content {
			if c.Image != "" {
				urls = append(urls, c.Image)
			}
		}
	}
	return p.download(ctx, urls)
}

func (p *Provider) runTask(ctx context.Context, path string, task *taskRequest) (*models.Response, error) {
	var submitted taskResponse
	status, err := p.do(ctx, http.MethodPost, path, task, true, &submitted)
	if err != nil {
		return nil, err
	}
	if submitted.Code != "" {
		return nil, fmt.Errorf("%s: %s", submitted.Code, submitted.Message)
	}
	if status != http.StatusOK || submitted.Output.TaskID == "" {
		return nil, fmt.Errorf("status %d, no task id", status)
	}

	logger.Logger.Debug().
		Str("task_id", submitted.Output.TaskID).
		Str("model", task.Model).
		Msg("dashscope task submitted")

	out, err := p.waitTask(ctx, submitted.Output.TaskID)
	if err != nil {
		return nil, err
	}

	urls := make([]string, 0, len(out.Results))
	for _, r := range out.Results {
		if r.URL != "" {
			urls = append(urls, r.URL)
		}
	}
	return p.download(ctx, urls)
}

func (p *Provider) waitTask(ctx context.Context, taskID string) (*taskOutput, error) {
	ctx, cancel := context.WithTimeout(ctx, p.pollTimeout)
	defer cancel()

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		var resp taskResponse
		status, err := p.do(ctx, http.MethodGet, "/tasks/"+taskID, nil, false, &resp)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %s", ErrTaskTimeout, taskID)
			}
			return nil, err
		}
		if resp.Code != "" {
			return nil, fmt.Errorf("%w: %s: %s: %s", ErrTaskFailed, taskID, resp.Code, resp.Message)
		}
		if status != http.StatusOK {
			return nil, fmt.Errorf("%w: %s: status %d", ErrTaskFailed, taskID, status)
		}

		switch resp.Output.TaskStatus {
		case statusPending, statusRunning:
		case statusSucceeded:
			return &resp.Output, nil
		case statusFailed, statusCanceled, statusUnknown:
			msg := resp.Output.Message
			if msg == "" {
				msg = resp.Message
			}
			return nil, fmt.Errorf("%w: %s %s: %s", ErrTaskFailed, taskID, resp.Output.TaskStatus, msg)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s", ErrTaskTimeout, taskID)
		case <-ticker.C:
		}
	}
}

func (p *Provider) do(ctx context.Context, method, path string, in any, async bool, out any) (int, error) {
	var body []byte
	var reader io.Reader
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return 0, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(body)
	}

	url := p.baseURL + path
	httpReq, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	if in != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if async {
		httpReq.Header.Set("X-DashScope-Async", "enable")
	}

	provider.LogRequest(name, method, url, httpReq.Header, body)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return 0, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("failed to read response: %w", err)
	}

	provider.LogResponse(name, resp.StatusCode, respBody)

	if err := json.Unmarshal(respBody, out); err != nil {
		return resp.StatusCode, fmt.Errorf("failed to parse response: %w", err)
	}
	return resp.StatusCode, nil
}

// download fetches result URLs. They point at signed OSS objects, so they
// are checked against the result host allow list first.
func (p *Provider) download(ctx context.Context, urls []string) (*models.Response, error) {
	if len(urls) == 0 {
		return nil, models.ErrNoImageData
	}

	resp := &models.Response{Images: make([]models.GeneratedImage, 0, len(urls))}
	for i, u := range urls {
		if err := security.ValidateImageURL(u, true); err != nil {
			return nil, fmt.Errorf("result %d: %w", i, err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create download request: %w", err)
		}
		r, err := p.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("failed to download image: %w", err)
		}
		data, err := io.ReadAll(io.LimitReader(r.Body, maxDownloadBytes+1))
		r.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to download image: %w", err)
		}
		if r.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("download failed with status: %d", r.StatusCode)
		}
		if len(data) > maxDownloadBytes {
			return nil, fmt.Errorf("result %d exceeds %d bytes", i, maxDownloadBytes)
		}

		ct, _, _ := strings.Cut(r.Header.Get("Content-Type"), ";")
		if !strings.HasPrefix(ct, "image/") {
			ct = ""
		}
		resp.Images = append(resp.Images, models.GeneratedImage{
			Data:     data,
			URL:      u,
			MimeType: provider.MimeType(ct, data),
			Index:    i,
		})
	}
	return resp, nil
}

func dataURL(mimeType string, data []byte) string {
	return "data:" + provider.MimeType(mimeType, data) + ";base64," + base64.StdEncoding.EncodeToString(data)
}

func dashSize(size string) string {
	return strings.Replace(size, "x", "*", 1)
}
