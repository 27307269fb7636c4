package studio

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreyrab/statickit/internal/credits"
	"github.com/coreyrab/statickit/internal/imageconv"
	"github.com/coreyrab/statickit/internal/provider"
	"github.com/coreyrab/statickit/pkg/models"
)

type fakeProvider struct {
	mu       sync.Mutex
	name     models.ProviderType
	edits    []*models.EditRequest
	analyzes []*models.AnalyzeRequest
	result   models.GeneratedImage
	text     string
	err      error
	block    chan struct{}
}

func (p *fakeProvider) Name() models.ProviderType { return p.name }

func (p *fakeProvider) Generate(context.Context, *models.Request) (*models.Response, error) {
	return nil, provider.ErrGenerationFailed
}

func (p *fakeProvider) Edit(_ context.Context, req *models.EditRequest) (*models.Response, error) {
	if p.block != nil {
		<-p.block
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.edits = append(p.edits, req)
	if p.err != nil {
		return nil, p.err
	}
	return &models.Response{Images: []models.GeneratedImage{p.result}}, nil
}

func (p *fakeProvider) Analyze(_ context.Context, req *models.AnalyzeRequest) (*models.AnalyzeResponse, error) {
	p.analyzes = append(p.analyzes, req)
	if p.err != nil {
		return nil, p.err
	}
	return &models.AnalyzeResponse{Text: p.text, InputTokens: 1200, OutputTokens: 300}, nil
}

func (p *fakeProvider) SupportsModel(string) bool { return true }
func (p *fakeProvider) SupportsEdit(string) bool  { return true }
func (p *fakeProvider) ListModels() []string      { return nil }

type fakeLedger struct {
	mu      sync.Mutex
	balance int
	charges []credits.Operation
	refunds []string
}

func (l *fakeLedger) Charge(_ context.Context, op credits.Operation, model string, n int) (*credits.Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n > l.balance {
		return nil, credits.ErrInsufficientCredits
	}
	l.balance -= n
	l.charges = append(l.charges, op)
	return &credits.Entry{Operation: op, Model: model, Delta: -n}, nil
}

func (l *fakeLedger) Refund(_ context.Context, charge *credits.Entry, note string) (*credits.Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balance -= charge.Delta
	l.refunds = append(l.refunds, note)
	return &credits.Entry{Operation: credits.OpRefund, Model: charge.Model, Delta: -charge.Delta, Note: note}, nil
}

type fakeFetcher map[string][]byte

func (f fakeFetcher) Fetch(_ context.Context, url string) ([]byte, string, error) {
	data, ok := f[url]
	if !ok {
		return nil, "", errors.New("not found")
	}
	return data, "image/png", nil
}

func pngOf(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))))
	return buf.Bytes()
}

func newTestService(t *testing.T, balance int) (*Service, *fakeProvider, *fakeLedger) {
	t.Helper()
	fp := &fakeProvider{name: models.ProviderGemini, result: models.GeneratedImage{Data: pngOf(t, 4, 4)}}
	factory := provider.NewFactory(models.DefaultRegistry())
	factory.Register(fp)
	ledger := &fakeLedger{balance: balance}
	return NewService(factory, ledger, Options{}), fp, ledger
}

func TestService_Analyze(t *testing.T) {
	svc, fp, ledger := newTestService(t, 100)
	fp.text = "Here you go:\n```json\n{\"summary\": \"A bottle on sand\", \"colors\": [\"blue\", \"gold\"], \"mood\": \"calm\"}\n```"

	res, err := svc.Analyze(context.Background(), AnalyzeInput{Image: Image{Data: []byte("img"), MimeType: "image/png"}})
	require.NoError(t, err)

	assert.Equal(t, models.DefaultAnalyzeModel, res.Model)
	assert.Equal(t, "A bottle on sand", res.Analysis.Summary)
	assert.Equal(t, []string{"blue", "gold"}, res.Analysis.Colors)
	assert.Equal(t, "calm", res.Analysis.Fields["mood"])
	assert.GreaterOrEqual(t, res.Credits, 1)

	require.Len(t, fp.analyzes, 1)
	assert.True(t, fp.analyzes[0].JSON)
	assert.Equal(t, "image/png", fp.analyzes[0].MimeType)
	assert.Equal(t, 100-res.Credits, ledger.balance)
}

func TestService_Analyze_Errors(t *testing.T) {
	svc, fp, ledger := newTestService(t, 100)
	ctx := context.Background()
	img := Image{Data: []byte("img")}

	_, err := svc.Analyze(ctx, AnalyzeInput{})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.Analyze(ctx, AnalyzeInput{Image: img, Model: "gemini-2.5-flash-image"})
	assert.ErrorIs(t, err, models.ErrAnalyzeNotSupported)

	fp.text = "I cannot describe this image."
	_, err = svc.Analyze(ctx, AnalyzeInput{Image: img})
	assert.ErrorIs(t, err, provider.ErrAnalyzeFailed)
	assert.ErrorIs(t, err, ErrNoJSON)
	assert.Equal(t, 100, ledger.balance, "a reply without JSON is refunded")
	assert.Len(t, ledger.refunds, 1)

	ledger.balance = 0
	_, err = svc.Analyze(ctx, AnalyzeInput{Image: img})
	assert.ErrorIs(t, err, credits.ErrInsufficientCredits)
	assert.Len(t, fp.analyzes, 1)
}

func TestService_ChangeBackground(t *testing.T) {
	svc, fp, ledger := newTestService(t, 100)

	res, err := svc.ChangeBackground(context.Background(), SceneInput{
		Image:    Image{Data: []byte("src"), MimeType: "image/jpeg"},
		PresetID: "beach",
	})
	require.NoError(t, err)

	require.Len(t, fp.edits, 1)
	req := fp.edits[0]
	assert.Equal(t, models.DefaultEditModel, req.Model)
	assert.Equal(t, "image/jpeg", req.MimeType)
	assert.Contains(t, req.Prompt, "sandy beach")
	assert.Contains(t, req.Prompt, "Keep the product exactly")
	assert.Equal(t, "image/png", res.MimeType)
	assert.Equal(t, 4, res.Credits)
	assert.Equal(t, 96, ledger.balance)
}

func TestService_ChangeModel_References(t *testing.T) {
	svc, fp, _ := newTestService(t, 100)

	res, err := svc.ChangeModel(context.Background(), SceneInput{
		Image:      Image{Data: []byte("src")},
		References: [][]byte{[]byte("person")},
	})
	require.NoError(t, err)
	assert.Equal(t, 6, res.Credits)
	assert.Len(t, fp.edits[0].References, 1)
	assert.Contains(t, fp.edits[0].Prompt, "reference image")
}

func TestService_SceneValidation(t *testing.T) {
	svc, fp, _ := newTestService(t, 100)
	ctx := context.Background()
	src := Image{Data: []byte("src")}

	_, err := svc.ChangeBackground(ctx, SceneInput{Image: src})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.ChangeBackground(ctx, SceneInput{Image: src, PresetID: "nope"})
	assert.ErrorIs(t, err, ErrPresetNotFound)

	_, err = svc.ChangeModel(ctx, SceneInput{Image: src, Description: "a chef", References: [][]byte{{1}, {2}, {3}}})
	assert.ErrorIs(t, err, models.ErrTooManyReferences)

	_, err = svc.ChangeBackground(ctx, SceneInput{Image: src, Description: "a lake", Model: "unknown-model"})
	assert.ErrorIs(t, err, provider.ErrModelNotSupported)

	_, err = svc.ChangeBackground(ctx, SceneInput{Image: src, Description: "a lake", Model: "gpt-image-1"})
	assert.ErrorIs(t, err, provider.ErrProviderNotFound)

	assert.Empty(t, fp.edits)
}

func TestService_ProviderFailureNotCharged(t *testing.T) {
	svc, fp, ledger := newTestService(t, 100)
	fp.err = provider.ErrEditFailed

	_, err := svc.Edit(context.Background(), EditInput{Image: Image{Data: []byte("src")}, Instruction: "make it blue"})
	assert.ErrorIs(t, err, provider.ErrEditFailed)
	assert.Equal(t, 100, ledger.balance)
	assert.Equal(t, []credits.Operation{credits.OpEdit}, ledger.charges, "credits are held while the provider runs")
	require.Len(t, ledger.refunds, 1)
	assert.Contains(t, ledger.refunds[0], "edit failed")
}

func TestService_ConcurrentCallsCannotShareCredits(t *testing.T) {
	svc, fp, ledger := newTestService(t, 4)
	release := make(chan struct{})
	fp.block = release

	errs := make(chan error, 2)
	for range 2 {
		go func() {
			_, err := svc.ChangeBackground(context.Background(), SceneInput{Image: Image{Data: []byte("src")}, PresetID: "beach"})
			errs <- err
		}()
	}

	// One call holds the credits while the provider runs; the other is refused.
	err := <-errs
	assert.ErrorIs(t, err, credits.ErrInsufficientCredits)
	close(release)
	assert.NoError(t, <-errs)
	assert.Equal(t, 0, ledger.balance)
}

func TestService_Edit(t *testing.T) {
	svc, fp, _ := newTestService(t, 100)

	_, err := svc.Edit(context.Background(), EditInput{Image: Image{Data: []byte("src")}})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.Edit(context.Background(), EditInput{
		Image:       Image{Data: []byte("src")},
		Instruction: "  remove the logo ",
		Mask:        []byte("mask"),
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("mask"), fp.edits[0].Mask)
	assert.Contains(t, fp.edits[0].Prompt, "remove the logo\n")
}

func TestService_EditResultByURL(t *testing.T) {
	fp := &fakeProvider{name: models.ProviderGemini, result: models.GeneratedImage{URL: "https://cdn.example/out.png"}}
	factory := provider.NewFactory(models.DefaultRegistry())
	factory.Register(fp)
	data := pngOf(t, 2, 2)

	svc := NewService(factory, nil, Options{Fetcher: fakeFetcher{"https://cdn.example/out.png": data}})
	res, err := svc.Edit(context.Background(), EditInput{Image: Image{Data: []byte("src")}, Instruction: "x"})
	require.NoError(t, err)
	assert.Equal(t, data, res.Data)

	fp.result = models.GeneratedImage{}
	_, err = svc.Edit(context.Background(), EditInput{Image: Image{Data: []byte("src")}, Instruction: "x"})
	assert.ErrorIs(t, err, ErrEmptyResult)
}

func TestService_Resize(t *testing.T) {
	svc, fp, ledger := newTestService(t, 100)
	ctx := context.Background()
	src := Image{Data: pngOf(t, 40, 20), MimeType: "image/png"}

	res, err := svc.Resize(ctx, ResizeInput{Image: src, Size: "10x10"})
	require.NoError(t, err)
	w, h, err := imageconv.Dimensions(res.Data)
	require.NoError(t, err)
	assert.Equal(t, 10, w)
	assert.Equal(t, 10, h)
	assert.Empty(t, fp.edits, "plain resize must not call a provider")
	assert.Equal(t, 100, ledger.balance)

	res, err = svc.Resize(ctx, ResizeInput{Image: src, Size: "1080x1920", Recompose: true})
	require.NoError(t, err)
	w, h, _ = imageconv.Dimensions(res.Data)
	assert.Equal(t, 1080, w)
	assert.Equal(t, 1920, h)
	require.Len(t, fp.edits, 1)
	assert.Contains(t, fp.edits[0].Prompt, "9:16")
	assert.Equal(t, 4, res.Credits)

	_, err = svc.Resize(ctx, ResizeInput{Image: src, Size: "big"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestLoadPresets(t *testing.T) {
	p, err := LoadPresets("")
	require.NoError(t, err)
	assert.NotEmpty(t, p.Backgrounds)

	p, err = LoadPresets(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, len(DefaultPresets().Models), len(p.Models))

	path := filepath.Join(t.TempDir(), "presets.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
backgrounds:
  - id: beach
    name: Tropical beach
    prompt: a tropical beach with palm trees
  - id: neon
    name: Neon alley
    prompt: a rainy alley lit by neon signs
  - id: broken
models:
  - id: chef
    name: Chef
    prompt: a chef in whites
`), 0644))

	p, err = LoadPresets(path)
	require.NoError(t, err)

	beach, err := p.Background("beach")
	require.NoError(t, err)
	assert.Equal(t, "a tropical beach with palm trees", beach.Prompt)
	_, err = p.Background("neon")
	assert.NoError(t, err)
	_, err = p.Background("broken")
	assert.ErrorIs(t, err, ErrPresetNotFound)
	_, err = p.Model("chef")
	assert.NoError(t, err)
	assert.Len(t, p.Backgrounds, len(DefaultPresets().Backgrounds)+1)

	require.NoError(t, os.WriteFile(path, []byte("backgrounds: ["), 0644))
	_, err = LoadPresets(path)
	assert.Error(t, err)
}
