package session

import (
	"io"
	"time"
)

const CurrentKey = "current"

type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

type VariationKind string

const (
	KindBackground VariationKind = "background"
	KindModel      VariationKind = "model"
	KindEdit       VariationKind = "edit"
	KindResize     VariationKind = "resize"
)

type StoredImage struct {
	ID        string
	Data      []byte
	MimeType  string
	CreatedAt time.Time
}

// Analysis holds the descriptive fields produced by image analysis. Fields
// carries anything the model returned that has no dedicated slot.
type Analysis struct {
	Summary     string            `json:"summary,omitempty"`
	Subject     string            `json:"subject,omitempty"`
	Background  string            `json:"background,omitempty"`
	Model       string            `json:"model,omitempty"`
	Style       string            `json:"style,omitempty"`
	Colors      []string          `json:"colors,omitempty"`
	Suggestions []string          `json:"suggestions,omitempty"`
	Fields      map[string]string `json:"fields,omitempty"`
}

type ToolState struct {
	ActiveTool         string   `json:"activeTool,omitempty"`
	BackgroundPresetID string   `json:"backgroundPresetId,omitempty"`
	ModelPresetID      string   `json:"modelPresetId,omitempty"`
	CustomPrompt       string   `json:"customPrompt,omitempty"`
	ResizeTargets      []string `json:"resizeTargets,omitempty"`
	Provider           string   `json:"provider,omitempty"`
	Model              string   `json:"model,omitempty"`
}

// In-memory editing state. Image fields hold URLs the client can load.

type UploadedImage struct {
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`

	// File is the original upload handle when the image came straight from
	// disk or a request body. It is never persisted and is always nil after
	// Restore; URL is the only source that survives a reload.
	File io.Reader `json:"-"`
}

type ImageVersion struct {
	URL         string    `json:"url,omitempty"`
	Prompt      string    `json:"prompt,omitempty"`
	ParentIndex int       `json:"parentIndex"`
	Status      Status    `json:"status"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

type ResizedImage struct {
	Size   string `json:"size"`
	URL    string `json:"url,omitempty"`
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
}

type Branch struct {
	ID             string         `json:"id"`
	Name           string         `json:"name,omitempty"`
	Versions       []ImageVersion `json:"versions"`
	CurrentIndex   int            `json:"currentIndex"`
	Resized        []ResizedImage `json:"resized,omitempty"`
	IsRegenerating bool           `json:"isRegenerating,omitempty"`
}

type BaseVersion struct {
	Branch
}

type Variation struct {
	Branch
	Kind                VariationKind `json:"kind"`
	SourceBaseVersionID string        `json:"sourceBaseVersionId,omitempty"`
}

type ReferenceImage struct {
	ID   string `json:"id"`
	URL  string `json:"url"`
	Name string `json:"name,omitempty"`
}

type ReferenceImages struct {
	Background []ReferenceImage `json:"background,omitempty"`
	Model      []ReferenceImage `json:"model,omitempty"`
	Edit       []ReferenceImage `json:"edit,omitempty"`
}

type State struct {
	UploadedImage        *UploadedImage  `json:"uploadedImage,omitempty"`
	Analysis             *Analysis       `json:"analysis,omitempty"`
	BaseVersions         []BaseVersion   `json:"baseVersions"`
	Variations           []Variation     `json:"variations"`
	ActiveBaseVersionID  string          `json:"activeBaseVersionId,omitempty"`
	ActiveVariationID    string          `json:"activeVariationId,omitempty"`
	SelectedVersionIndex int             `json:"selectedVersionIndex"`
	Tools                ToolState       `json:"tools"`
	References           ReferenceImages `json:"references"`
	IsAnalyzing          bool            `json:"isAnalyzing,omitempty"`
	IsProcessing         bool            `json:"isProcessing,omitempty"`
}

// Persisted form. Every image field is a StoredImage id or "".

type StoredUpload struct {
	ImageID  string `json:"imageId"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

type StoredVersion struct {
	ImageID     string    `json:"imageId,omitempty"`
	Prompt      string    `json:"prompt,omitempty"`
	ParentIndex int       `json:"parentIndex"`
	Status      Status    `json:"status"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

type StoredRendition struct {
	Size    string `json:"size"`
	ImageID string `json:"imageId,omitempty"`
	Status  Status `json:"status"`
	Error   string `json:"error,omitempty"`
}

type StoredBranch struct {
	ID           string            `json:"id"`
	Name         string            `json:"name,omitempty"`
	Versions     []StoredVersion   `json:"versions"`
	CurrentIndex int               `json:"currentIndex"`
	Resized      []StoredRendition `json:"resized,omitempty"`
}

type StoredBaseVersion struct {
	StoredBranch
}

type StoredVariation struct {
	StoredBranch
	Kind                VariationKind `json:"kind"`
	SourceBaseVersionID string        `json:"sourceBaseVersionId,omitempty"`
}

type StoredReference struct {
	ID      string `json:"id"`
	ImageID string `json:"imageId"`
	Name    string `json:"name,omitempty"`
}

type StoredReferences struct {
	Background []StoredReference `json:"background,omitempty"`
	Model      []StoredReference `json:"model,omitempty"`
	Edit       []StoredReference `json:"edit,omitempty"`
}

type SessionRecord struct {
	Key                  string              `json:"key"`
	UploadedImage        *StoredUpload       `json:"uploadedImage,omitempty"`
	Analysis             *Analysis           `json:"analysis,omitempty"`
	BaseVersions         []StoredBaseVersion `json:"baseVersions"`
	Variations           []StoredVariation   `json:"variations"`
	ActiveBaseVersionID  string              `json:"activeBaseVersionId,omitempty"`
	ActiveVariationID    string              `json:"activeVariationId,omitempty"`
	SelectedVersionIndex int                 `json:"selectedVersionIndex"`
	Tools                ToolState           `json:"tools"`
	References           StoredReferences    `json:"references"`
	SavedAt              time.Time           `json:"savedAt"`
}

func (r *SessionRecord) ImageIDs() []string {
	seen := make(map[string]bool)
	var ids []string
	add := func(id string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		ids = append(ids, id)
	}
	addBranch := func(b *StoredBranch) {
		for _, v := range b.Versions {
			add(v.ImageID)
		}
		for _, rz := range b.Resized {
			add(rz.ImageID)
		}
	}

	if r.UploadedImage != nil {
		add(r.UploadedImage.ImageID)
	}
	for i := range r.BaseVersions {
		addBranch(&r.BaseVersions[i].StoredBranch)
	}
	for i := range r.Variations {
		addBranch(&r.Variations[i].StoredBranch)
	}
	for _, list := range [][]StoredReference{r.References.Background, r.References.Model, r.References.Edit} {
		for _, ref := range list {
			add(ref.ImageID)
		}
	}
	return ids
}
