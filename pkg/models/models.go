package models

import (
	"errors"
	"fmt"
	"slices"
	"sort"
)

var (
	ErrEmptyPrompt          = errors.New("prompt cannot be empty")
	ErrInvalidCount         = errors.New("count must be at least 1")
	ErrCountExceedsMax      = errors.New("count exceeds maximum for model")
	ErrInvalidSize          = errors.New("invalid size for model")
	ErrEditNotSupported     = errors.New("image editing not supported by model")
	ErrAnalyzeNotSupported  = errors.New("image analysis not supported by model")
	ErrGenerateNotSupported = errors.New("text-to-image not supported by model")
	ErrNoImageData          = errors.New("image data is required")
	ErrTooManyReferences    = errors.New("too many reference images for model")
)

type ProviderType string

const (
	ProviderOpenAI    ProviderType = "openai"
	ProviderGemini    ProviderType = "gemini"
	ProviderDashScope ProviderType = "dashscope"
)

func (p ProviderType) EnvVar() string {
	switch p {
	case ProviderOpenAI:
		return "OPENAI_API_KEY"
	case ProviderGemini:
		return "GEMINI_API_KEY"
	case ProviderDashScope:
		return "DASHSCOPE_API_KEY"
	default:
		return ""
	}
}

func ValidProviders() []ProviderType {
	return []ProviderType{ProviderOpenAI, ProviderGemini, ProviderDashScope}
}

func (p ProviderType) IsValid() bool {
	return slices.Contains(ValidProviders(), p)
}

type OutputFormat string

const (
	FormatPNG  OutputFormat = "png"
	FormatJPEG OutputFormat = "jpeg"
	FormatWebP OutputFormat = "webp"
)

func ValidFormats() []OutputFormat {
	return []OutputFormat{FormatPNG, FormatJPEG, FormatWebP}
}

func (f OutputFormat) IsValid() bool {
	return slices.Contains(ValidFormats(), f)
}

func (f OutputFormat) String() string {
	return string(f)
}

func (f OutputFormat) MimeType() string {
	switch f {
	case FormatJPEG:
		return "image/jpeg"
	case FormatWebP:
		return "image/webp"
	default:
		return "image/png"
	}
}

type Request struct {
	Prompt string
	Model  string
	Size   string
	Count  int
	Format OutputFormat
}

func NewRequest(prompt string) *Request {
	return &Request{
		Prompt: prompt,
		Count:  1,
		Format: FormatPNG,
	}
}

// EditRequest sends a source image plus optional reference images (a new
// background or model to place the product with) and an instruction.
type EditRequest struct {
	Image      []byte
	MimeType   string
	References [][]byte
	Mask       []byte
	Prompt     string
	Model      string
	Size       string
	Count      int
	Format     OutputFormat
}

func NewEditRequest(image []byte, prompt string) *EditRequest {
	return &EditRequest{
		Image:  image,
		Prompt: prompt,
		Count:  1,
		Format: FormatPNG,
	}
}

func (r *EditRequest) Validate() error {
	if len(r.Image) == 0 {
		return ErrNoImageData
	}
	if r.Prompt == "" {
		return ErrEmptyPrompt
	}
	return nil
}

type Response struct {
	Images        []GeneratedImage
	RevisedPrompt string
}

type GeneratedImage struct {
	Data     []byte
	URL      string
	MimeType string
	Index    int
}

func (r *Response) First() *GeneratedImage {
	if r == nil || len(r.Images) == 0 {
		return nil
	}
	return &r.Images[0]
}

type ModelCapabilities struct {
	Name            string
	Provider        ProviderType
	SupportedSizes  []string
	MaxImages       int
	MaxReferences   int
	DefaultSize     string
	SupportsEdit    bool
	SupportsGen     bool
	SupportsAnalyze bool
}

func (c *ModelCapabilities) Validate(req *Request) error {
	if !c.SupportsGen {
		return fmt.Errorf("%w: %s", ErrGenerateNotSupported, c.Name)
	}
	if req.Prompt == "" {
		return ErrEmptyPrompt
	}
	if req.Count < 1 {
		return ErrInvalidCount
	}
	if req.Count > c.MaxImages {
		return fmt.Errorf("%w: max %d, got %d", ErrCountExceedsMax, c.MaxImages, req.Count)
	}
	if req.Size != "" && len(c.SupportedSizes) > 0 && !slices.Contains(c.SupportedSizes, req.Size) {
		return fmt.Errorf("%w: %q not in %v", ErrInvalidSize, req.Size, c.SupportedSizes)
	}
	return nil
}

func (c *ModelCapabilities) ValidateEdit(req *EditRequest) error {
	if !c.SupportsEdit {
		return fmt.Errorf("%w: %s", ErrEditNotSupported, c.Name)
	}
	if err := req.Validate(); err != nil {
		return err
	}
	if len(req.References) > c.MaxReferences {
		return fmt.Errorf("%w: max %d, got %d", ErrTooManyReferences, c.MaxReferences, len(req.References))
	}
	if req.Size != "" && len(c.SupportedSizes) > 0 && !slices.Contains(c.SupportedSizes, req.Size) {
		return fmt.Errorf("%w: %q not in %v", ErrInvalidSize, req.Size, c.SupportedSizes)
	}
	return nil
}

func (c *ModelCapabilities) ApplyDefaults(req *Request) {
	if req.Size == "" {
		req.Size = c.DefaultSize
	}
	if req.Model == "" {
		req.Model = c.Name
	}
	if req.Count == 0 {
		req.Count = 1
	}
}

type ModelRegistry struct {
	models map[string]*ModelCapabilities
}

func NewModelRegistry() *ModelRegistry {
	return &ModelRegistry{
		models: make(map[string]*ModelCapabilities),
	}
}

func (r *ModelRegistry) Register(cap *ModelCapabilities) {
	r.models[cap.Name] = cap
}

func (r *ModelRegistry) Get(name string) (*ModelCapabilities, bool) {
	cap, ok := r.models[name]
	return cap, ok
}

func (r *ModelRegistry) List() []string {
	names := make([]string, 0, len(r.models))
	for name := range r.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *ModelRegistry) ListByProvider(provider ProviderType) []string {
	var names []string
	for name, cap := range r.models {
		if cap.Provider == provider {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (r *ModelRegistry) ListAnalyzers() []string {
	var names []string
	for name, cap := range r.models {
		if cap.SupportsAnalyze {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

const (
	DefaultEditModel    = "gemini-2.5-flash-image"
	DefaultAnalyzeModel = "gemini-2.5-flash"
)

func DefaultRegistry() *ModelRegistry {
	r := NewModelRegistry()

	r.Register(&ModelCapabilities{
		Name:           "gpt-image-1",
		Provider:       ProviderOpenAI,
		SupportedSizes: []string{"1024x1024", "1536x1024", "1024x1536", "auto"},
		MaxImages:      10,
		MaxReferences:  15,
		DefaultSize:    "1024x1024",
		SupportsEdit:   true,
		SupportsGen:    true,
	})

	r.Register(&ModelCapabilities{
		Name:            "gpt-4.1-mini",
		Provider:        ProviderOpenAI,
		SupportsAnalyze: true,
	})

	r.Register(&ModelCapabilities{
		Name:          "gemini-2.5-flash-image",
		Provider:      ProviderGemini,
		MaxImages:     1,
		MaxReferences: 2,
		SupportsEdit:  true,
		SupportsGen:   true,
	})

	r.Register(&ModelCapabilities{
		Name:            "gemini-2.5-flash",
		Provider:        ProviderGemini,
		SupportsAnalyze: true,
	})

	r.Register(&ModelCapabilities{
		Name:         "qwen-image-edit",
		Provider:     ProviderDashScope,
		MaxImages:    1,
		SupportsEdit: true,
	})

	r.Register(&ModelCapabilities{
		Name:           "wanx2.1-imageedit",
		Provider:       ProviderDashScope,
		MaxImages:      4,
		SupportedSizes: []string{"1024x1024", "1280x720", "720x1280"},
		SupportsEdit:   true,
	})

	r.Register(&ModelCapabilities{
		Name:           "wanx2.1-t2i-turbo",
		Provider:       ProviderDashScope,
		MaxImages:      4,
		SupportedSizes: []string{"1024x1024", "1280x720", "720x1280"},
		DefaultSize:    "1024x1024",
		SupportsGen:    true,
	})

	return r
}
