package studio

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coreyrab/statickit/internal/credits"
	"github.com/coreyrab/statickit/internal/imageconv"
	"github.com/coreyrab/statickit/internal/logger"
	"github.com/coreyrab/statickit/internal/provider"
	"github.com/coreyrab/statickit/internal/session"
	"github.com/coreyrab/statickit/pkg/models"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrEmptyResult  = errors.New("provider returned no image")

	errUsageBelowEstimate = errors.New("usage below estimate")
)

type Accountant interface {
	Charge(ctx context.Context, op credits.Operation, model string, credits int) (*credits.Entry, error)
	Refund(ctx context.Context, charge *credits.Entry, note string) (*credits.Entry, error)
}

type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, string, error)
}

type Options struct {
	Presets      *Presets
	Calculator   *credits.Calculator
	Fetcher      Fetcher
	EditModel    string
	AnalyzeModel string
}

type Service struct {
	factory *provider.Factory
	ledger  Accountant
	presets *Presets
	calc    *credits.Calculator
	fetcher Fetcher

	editModel    string
	analyzeModel string
}

// NewService builds a Service. A nil ledger makes every call free.
func NewService(factory *provider.Factory, ledger Accountant, opts Options) *Service {
	s := &Service{
		factory:      factory,
		ledger:       ledger,
		presets:      opts.Presets,
		calc:         opts.Calculator,
		fetcher:      opts.Fetcher,
		editModel:    opts.EditModel,
		analyzeModel: opts.AnalyzeModel,
	}
	if s.presets == nil {
		s.presets = DefaultPresets()
	}
	if s.calc == nil {
		s.calc = credits.NewCalculator(nil)
	}
	if s.editModel == "" {
		s.editModel = models.DefaultEditModel
	}
	if s.analyzeModel == "" {
		s.analyzeModel = models.DefaultAnalyzeModel
	}
	return s
}

func (s *Service) Presets() *Presets {
	return s.presets
}

type Image struct {
	Data     []byte `json:"-"`
	MimeType string `json:"mime_type"`
}

type Result struct {
	Image
	Prompt  string `json:"prompt"`
	Model   string `json:"model"`
	Credits int    `json:"credits"`
}

type AnalyzeInput struct {
	Image Image
	Model string
}

type AnalyzeResult struct {
	Analysis *session.Analysis `json:"analysis"`
	Raw      string            `json:"raw"`
	Model    string            `json:"model"`
	Credits  int               `json:"credits"`
}

func (s *Service) Analyze(ctx context.Context, in AnalyzeInput) (*AnalyzeResult, error) {
	if len(in.Image.Data) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, models.ErrNoImageData)
	}
	model := in.Model
	if model == "" {
		model = s.analyzeModel
	}
	analyzer, err := s.factory.GetAnalyzer(model)
	if err != nil {
		return nil, err
	}

	estimate := s.calc.AnalyzeCredits(model, 0, 0)
	hold, err := s.reserve(ctx, credits.OpAnalyze, model, estimate)
	if err != nil {
		return nil, err
	}

	req := models.NewAnalyzeRequest(in.Image.Data, analyzePrompt)
	req.MimeType = in.Image.MimeType
	req.Model = model
	req.JSON = true

	start := time.Now()
	resp, err := analyzer.Analyze(ctx, req)
	if err != nil {
		s.refund(ctx, hold, err)
		return nil, err
	}
	analysis, err := parseAnalysis(resp.Text)
	if err != nil {
		s.refund(ctx, hold, err)
		return nil, fmt.Errorf("%w: %w", provider.ErrAnalyzeFailed, err)
	}

	cost := s.calc.AnalyzeCredits(model, resp.InputTokens, resp.OutputTokens)
	s.settle(ctx, hold, credits.OpAnalyze, model, cost)
	logger.Logger.Info().
		Str("model", model).
		Int("credits", cost).
		Dur("took", time.Since(start)).
		Msg("image analyzed")
	return &AnalyzeResult{Analysis: analysis, Raw: resp.Text, Model: model, Credits: cost}, nil
}

// SceneInput drives the background and model tools. Description wins over
// PresetID; References are extra images showing the wanted scene or person.
type SceneInput struct {
	Image       Image
	PresetID    string
	Description string
	References  [][]byte
	Model       string
}

func (s *Service) ChangeBackground(ctx context.Context, in SceneInput) (*Result, error) {
	desc, err := s.describe(in, s.presets.Background)
	if err != nil {
		return nil, err
	}
	prompt := backgroundPrompt(desc, len(in.References))
	return s.edit(ctx, credits.OpBackground, &models.EditRequest{
		Image:      in.Image.Data,
		MimeType:   in.Image.MimeType,
		References: in.References,
		Prompt:     prompt,
		Model:      in.Model,
	})
}

func (s *Service) ChangeModel(ctx context.Context, in SceneInput) (*Result, error) {
	desc, err := s.describe(in, s.presets.Model)
	if err != nil {
		return nil, err
	}
	prompt := modelPrompt(desc, len(in.References))
	return s.edit(ctx, credits.OpModel, &models.EditRequest{
		Image:      in.Image.Data,
		MimeType:   in.Image.MimeType,
		References: in.References,
		Prompt:     prompt,
		Model:      in.Model,
	})
}

func (s *Service) describe(in SceneInput, lookup func(string) (Preset, error)) (string, error) {
	if in.Description != "" {
		return in.Description, nil
	}
	if in.PresetID != "" {
		p, err := lookup(in.PresetID)
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
		return p.Prompt, nil
	}
	if len(in.References) > 0 {
		return "", nil
	}
	return "", fmt.Errorf("%w: a preset, description or reference image is required", ErrInvalidInput)
}

type ResizeInput struct {
	Image Image
	Size string
	// Recompose has a model extend the scene to the new aspect before the
	// final crop. Without it the image is only cropped and scaled, for free.
	Recompose bool
	Model     string
}

func (s *Service) Resize(ctx context.Context, in ResizeInput) (*Result, error) {
	width, height, err := imageconv.ParseSize(in.Size)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if len(in.Image.Data) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, models.ErrNoImageData)
	}

	res := &Result{Image: in.Image}
	if in.Recompose {
		if res, err = s.edit(ctx, credits.OpResize, &models.EditRequest{
			Image:    in.Image.Data,
			MimeType: in.Image.MimeType,
			Prompt:   resizePrompt(width, height),
			Model:    in.Model,
		}); err != nil {
			return nil, err
		}
	}

	format, ok := imageconv.Detect(res.Data)
	if !ok {
		format = imageconv.PNG
	}
	data, format, err := imageconv.FitBytes(res.Data, in.Size, format)
	if err != nil {
		return nil, fmt.Errorf("failed to fit image to %s: %w", in.Size, err)
	}
	res.Data = data
	res.MimeType = format.MimeType()
	return res, nil
}

type EditInput struct {
	Image       Image
	Instruction string
	References  [][]byte
	Mask        []byte
	Model       string
}

func (s *Service) Edit(ctx context.Context, in EditInput) (*Result, error) {
	if in.Instruction == "" {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, models.ErrEmptyPrompt)
	}
	return s.edit(ctx, credits.OpEdit, &models.EditRequest{
		Image:      in.Image.Data,
		MimeType:   in.Image.MimeType,
		References: in.References,
		Mask:       in.Mask,
		Prompt:     editPrompt(in.Instruction),
		Model:      in.Model,
	})
}

func (s *Service) edit(ctx context.Context, op credits.Operation, req *models.EditRequest) (*Result, error) {
	if req.Model == "" {
		req.Model = s.editModel
	}
	req.Count = 1
	req.Format = models.FormatPNG

	caps, ok := s.factory.Registry().Get(req.Model)
	if !ok {
		return nil, fmt.Errorf("%w: %s", provider.ErrModelNotSupported, req.Model)
	}
	if err := caps.ValidateEdit(req); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	p, err := s.factory.GetForModel(req.Model)
	if err != nil {
		return nil, err
	}

	cost := s.calc.ImageCredits(op, req.Model, req.Size, 1)
	hold, err := s.reserve(ctx, op, req.Model, cost)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := p.Edit(ctx, req)
	if err != nil {
		logger.Logger.Warn().Err(err).Str("operation", string(op)).Str("model", req.Model).Msg("edit failed")
		s.refund(ctx, hold, err)
		return nil, err
	}
	img, err := s.firstImage(ctx, resp)
	if err != nil {
		s.refund(ctx, hold, err)
		return nil, err
	}

	logger.Logger.Info().
		Str("operation", string(op)).
		Str("model", req.Model).
		Int("credits", cost).
		Dur("took", time.Since(start)).
		Msg("image edited")
	return &Result{Image: img, Prompt: req.Prompt, Model: req.Model, Credits: cost}, nil
}

func (s *Service) firstImage(ctx context.Context, resp *models.Response) (Image, error) {
	first := resp.First()
	if first == nil {
		return Image{}, ErrEmptyResult
	}
	if len(first.Data) > 0 {
		return Image{Data: first.Data, MimeType: provider.MimeType(first.MimeType, first.Data)}, nil
	}
	if first.URL == "" || s.fetcher == nil {
		return Image{}, ErrEmptyResult
	}
	data, mimeType, err := s.fetcher.Fetch(ctx, first.URL)
	if err != nil {
		return Image{}, fmt.Errorf("failed to download result: %w", err)
	}
	return Image{Data: data, MimeType: provider.MimeType(mimeType, data)}, nil
}

// reserve debits cost before the provider is called, so concurrent calls
// cannot spend the same credits. A nil entry means nothing was taken.
func (s *Service) reserve(ctx context.Context, op credits.Operation, model string, cost int) (*credits.Entry, error) {
	if s.ledger == nil || cost == 0 {
		return nil, nil
	}
	return s.ledger.Charge(ctx, op, model, cost)
}

func (s *Service) refund(ctx context.Context, hold *credits.Entry, cause error) {
	if hold == nil {
		return
	}
	if _, err := s.ledger.Refund(context.WithoutCancel(ctx), hold, cause.Error()); err != nil {
		logger.Logger.Error().Err(err).
			Str("operation", string(hold.Operation)).
			Int("credits", -hold.Delta).
			Msg("failed to refund credits")
	}
}

// settle moves the ledger from the reserved amount to the actual cost. A
// failed extra charge is only logged.
func (s *Service) settle(ctx context.Context, hold *credits.Entry, op credits.Operation, model string, cost int) {
	if s.ledger == nil {
		return
	}
	reserved := 0
	if hold != nil {
		reserved = -hold.Delta
	}
	ctx = context.WithoutCancel(ctx)
	switch {
	case cost > reserved:
		if _, err := s.ledger.Charge(ctx, op, model, cost-reserved); err != nil {
			logger.Logger.Error().Err(err).
				Str("operation", string(op)).
				Int("credits", cost-reserved).
				Msg("failed to record usage")
		}
	case cost < reserved:
		s.refund(ctx, &credits.Entry{Operation: op, Model: model, Delta: cost - reserved}, errUsageBelowEstimate)
	}
}
