package provider

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/coreyrab/statickit/pkg/models"
)

// mockProvider is a test implementation of Provider.
type mockProvider struct {
	name            models.ProviderType
	supportedModels []string
	generateFunc    func(ctx context.Context, req *models.Request) (*models.Response, error)
}

func (m *mockProvider) Name() models.ProviderType {
	return m.name
}

func (m *mockProvider) Generate(ctx context.Context, req *models.Request) (*models.Response, error) {
	if m.generateFunc != nil {
		return m.generateFunc(ctx, req)
	}
	return &models.Response{}, nil
}

func (m *mockProvider) Edit(_ context.Context, _ *models.EditRequest) (*models.Response, error) {
	return nil, ErrEditNotSupported
}

func (m *mockProvider) SupportsModel(model string) bool {
	for _, m := range m.supportedModels {
		if m == model {
			return true
		}
	}
	return false
}

func (m *mockProvider) SupportsEdit(_ string) bool {
	return false
}

func (m *mockProvider) ListModels() []string {
	return m.supportedModels
}

func testFactory() *Factory {
	f := NewFactory(models.DefaultRegistry())
	f.Register(&mockProvider{name: models.ProviderGemini})
	f.Register(&mockProvider{name: models.ProviderDashScope})
	return f
}

func TestFactory_GetForModel(t *testing.T) {
	tests := []struct {
		model   string
		want    models.ProviderType
		wantErr error
	}{
		{model: "gemini-2.5-flash-image", want: models.ProviderGemini},
		{model: "qwen-image-edit", want: models.ProviderDashScope},
		{model: "wanx2.1-imageedit", want: models.ProviderDashScope},
		// openai has no key, so its models are unavailable.
		{model: "gpt-image-1", wantErr: ErrProviderNotFound},
		{model: "dall-e-9", wantErr: ErrModelNotSupported},
	}

	f := testFactory()
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			p, err := f.GetForModel(tt.model)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("GetForModel(%s) error = %v, want %v", tt.model, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("GetForModel(%s) error = %v", tt.model, err)
			}
			if p.Name() != tt.want {
				t.Errorf("GetForModel(%s) = %s, want %s", tt.model, p.Name(), tt.want)
			}
		})
	}
}

func TestFactory_GetMissingProvider(t *testing.T) {
	_, err := testFactory().Get(models.ProviderOpenAI)
	if !errors.Is(err, ErrProviderNotFound) {
		t.Errorf("Get(openai) error = %v, want ErrProviderNotFound", err)
	}
	if !strings.Contains(err.Error(), "openai") {
		t.Errorf("error should name the provider: %v", err)
	}
}

func TestFactory_ConfigureKeepsConfigPerProvider(t *testing.T) {
	f := NewFactory(models.DefaultRegistry())
	f.Configure(models.ProviderGemini, &Config{APIKey: "AIza-1", TimeoutSec: 30})
	f.Configure(models.ProviderDashScope, &Config{APIKey: "sk-ds", BaseURL: "https://dashscope-intl.aliyuncs.com"})

	gemini, ok := f.GetConfig(models.ProviderGemini)
	if !ok || gemini.APIKey != "AIza-1" || gemini.TimeoutSec != 30 {
		t.Errorf("GetConfig(gemini) = %+v, %v", gemini, ok)
	}
	ds, ok := f.GetConfig(models.ProviderDashScope)
	if !ok || ds.BaseURL != "https://dashscope-intl.aliyuncs.com" {
		t.Errorf("GetConfig(dashscope) = %+v, %v", ds, ok)
	}
	if _, ok := f.GetConfig(models.ProviderOpenAI); ok {
		t.Error("GetConfig(openai) found a config that was never set")
	}
}

func TestFactory_RegisterReplaces(t *testing.T) {
	f := NewFactory(models.DefaultRegistry())
	first := &mockProvider{name: models.ProviderGemini, supportedModels: []string{"a"}}
	second := &mockProvider{name: models.ProviderGemini, supportedModels: []string{"b"}}
	f.Register(first)
	f.Register(second)

	got, err := f.Get(models.ProviderGemini)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != second {
		t.Error("Register() should replace the provider of the same name")
	}
	if n := len(f.ListProviders()); n != 1 {
		t.Errorf("ListProviders() has %d entries, want 1", n)
	}
}

func TestMimeType(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	jpeg := []byte{0xff, 0xd8, 0xff, 0xe0, 0x00, 0x10, 'J', 'F', 'I', 'F'}

	tests := []struct {
		name string
		hint string
		data []byte
		want string
	}{
		{"hint wins", "image/webp", png, "image/webp"},
		{"sniffed png", "", png, "image/png"},
		{"sniffed jpeg", "", jpeg, "image/jpeg"},
		{"unknown falls back to png", "", []byte("plain text"), "image/png"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MimeType(tt.hint, tt.data); got != tt.want {
				t.Errorf("MimeType() = %s, want %s", got, tt.want)
			}
		})
	}
}

type mockAnalyzer struct {
	mockProvider
	text string
}

func (m *mockAnalyzer) Analyze(_ context.Context, _ *models.AnalyzeRequest) (*models.AnalyzeResponse, error) {
	return &models.AnalyzeResponse{Text: m.text}, nil
}

func TestFactory_GetAnalyzer(t *testing.T) {
	registry := models.NewModelRegistry()
	registry.Register(&models.ModelCapabilities{Name: "vision", Provider: models.ProviderGemini, SupportsAnalyze: true})
	registry.Register(&models.ModelCapabilities{Name: "painter", Provider: models.ProviderGemini, SupportsEdit: true})
	registry.Register(&models.ModelCapabilities{Name: "plain", Provider: models.ProviderOpenAI, SupportsAnalyze: true})

	factory := NewFactory(registry)
	factory.Register(&mockAnalyzer{mockProvider: mockProvider{name: models.ProviderGemini}, text: "ok"})
	factory.Register(&mockProvider{name: models.ProviderOpenAI})

	a, err := factory.GetAnalyzer("vision")
	if err != nil {
		t.Fatalf("GetAnalyzer() error = %v", err)
	}
	resp, err := a.Analyze(context.Background(), models.NewAnalyzeRequest([]byte("x"), "p"))
	if err != nil || resp.Text != "ok" {
		t.Errorf("Analyze() = %+v, %v", resp, err)
	}

	tests := []string{"painter", "plain", "missing"}
	for _, model := range tests {
		if _, err := factory.GetAnalyzer(model); !errors.Is(err, models.ErrAnalyzeNotSupported) {
			t.Errorf("GetAnalyzer(%s) error = %v, want ErrAnalyzeNotSupported", model, err)
		}
	}
}

func TestFactory_ListProviders_Sorted(t *testing.T) {
	factory := NewFactory(models.NewModelRegistry())
	factory.Register(&mockProvider{name: models.ProviderOpenAI})
	factory.Register(&mockProvider{name: models.ProviderDashScope})
	factory.Register(&mockProvider{name: models.ProviderGemini})

	got := factory.ListProviders()
	want := []models.ProviderType{models.ProviderDashScope, models.ProviderGemini, models.ProviderOpenAI}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ListProviders() = %v, want %v", got, want)
		}
	}
}

func TestConfig_Timeout(t *testing.T) {
	if got := (&Config{}).Timeout(time.Minute); got != time.Minute {
		t.Errorf("Timeout() = %v, want 1m", got)
	}
	if got := (&Config{TimeoutSec: 5}).Timeout(time.Minute); got != 5*time.Second {
		t.Errorf("Timeout() = %v, want 5s", got)
	}
}

func TestRedactHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Authorization", "Bearer sk-secret")
	h.Set("X-Goog-Api-Key", "AIza-secret")
	h.Set("Content-Type", "application/json")

	got := redactHeaders(h)
	if got["Authorization"] != "[REDACTED]" || got["X-Goog-Api-Key"] != "[REDACTED]" {
		t.Errorf("redactHeaders() leaked a secret: %v", got)
	}
	if got["Content-Type"] != "application/json" {
		t.Errorf("redactHeaders() Content-Type = %v", got["Content-Type"])
	}
}

func TestCompactJSON_TruncatesPayloads(t *testing.T) {
	long := strings.Repeat("A", 500)
	body := []byte(`{"data":[{"b64_json":"` + long + `"}],"model":"m"}`)

	out := string(compactJSON(body))
	if strings.Contains(out, long) {
		t.Error("compactJSON() kept the full payload")
	}
	if !strings.Contains(out, "[truncated]") || !strings.Contains(out, `"model":"m"`) {
		t.Errorf("compactJSON() = %s", out)
	}

	if got := string(compactJSON([]byte("not json"))); got != `"not json"` {
		t.Errorf("compactJSON(text) = %s", got)
	}
	if got := string(compactJSON(nil)); got != "null" {
		t.Errorf("compactJSON(nil) = %s", got)
	}
}

func TestTruncatePayload(t *testing.T) {
	if got := TruncatePayload("short"); got != "short" {
		t.Errorf("TruncatePayload(short) = %v", got)
	}
	got := TruncatePayload(strings.Repeat("x", 200))
	if len(got) != payloadKeep+len("... [truncated]") {
		t.Errorf("TruncatePayload() length = %d", len(got))
	}
}
