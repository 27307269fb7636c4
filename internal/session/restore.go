package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/coreyrab/statickit/internal/logger"
)

const InterruptedMessage = "interrupted"

type ImageSource interface {
	GetSession(ctx context.Context) (*SessionRecord, error)
	GetImage(ctx context.Context, id string) (*StoredImage, error)
}

type Restorer struct {
	source  ImageSource
	objects *ObjectURLs
}

func NewRestorer(source ImageSource, objects *ObjectURLs) *Restorer {
	return &Restorer{source: source, objects: objects}
}

type restorePass struct {
	r       *Restorer
	ctx     context.Context
	urls    map[string]string
	missing int
}

// Restore rebuilds the State from the saved record. Images that can no
// longer be found resolve to "" and are logged, not returned as errors.
func (r *Restorer) Restore(ctx context.Context) (*State, error) {
	rec, err := r.source.GetSession(ctx)
	if err != nil {
		return nil, err
	}
	return r.RestoreRecord(ctx, rec)
}

func (r *Restorer) RestoreRecord(ctx context.Context, rec *SessionRecord) (*State, error) {
	p := &restorePass{r: r, ctx: ctx, urls: make(map[string]string)}

	st := &State{
		Analysis:             rec.Analysis,
		ActiveBaseVersionID:  rec.ActiveBaseVersionID,
		ActiveVariationID:    rec.ActiveVariationID,
		SelectedVersionIndex: rec.SelectedVersionIndex,
		Tools:                rec.Tools,
		BaseVersions:         make([]BaseVersion, 0, len(rec.BaseVersions)),
		Variations:           make([]Variation, 0, len(rec.Variations)),
	}

	if up := rec.UploadedImage; up != nil {
		url, err := p.url(up.ImageID)
		if err != nil {
			return nil, err
		}
		if url != "" {
			st.UploadedImage = &UploadedImage{URL: url, Name: up.Name, MimeType: up.MimeType}
		}
	}

	for i := range rec.BaseVersions {
		b, err := p.branch(&rec.BaseVersions[i].StoredBranch)
		if err != nil {
			return nil, err
		}
		st.BaseVersions = append(st.BaseVersions, BaseVersion{Branch: b})
	}

	for i := range rec.Variations {
		v := &rec.Variations[i]
		b, err := p.branch(&v.StoredBranch)
		if err != nil {
			return nil, err
		}
		st.Variations = append(st.Variations, Variation{
			Branch:              b,
			Kind:                v.Kind,
			SourceBaseVersionID: v.SourceBaseVersionID,
		})
	}

	var err error
	if st.References.Background, err = p.references(rec.References.Background); err != nil {
		return nil, err
	}
	if st.References.Model, err = p.references(rec.References.Model); err != nil {
		return nil, err
	}
	if st.References.Edit, err = p.references(rec.References.Edit); err != nil {
		return nil, err
	}

	if p.missing > 0 {
		logger.Logger.Warn().Int("missing_images", p.missing).Msg("restored session with missing images")
	}
	return st, nil
}

func (p *restorePass) url(id string) (string, error) {
	if id == "" {
		return "", nil
	}
	if url, ok := p.urls[id]; ok {
		return url, nil
	}
	img, err := p.r.source.GetImage(p.ctx, id)
	if errors.Is(err, ErrImageNotFound) {
		p.missing++
		p.urls[id] = ""
		logger.Logger.Warn().Str("image_id", id).Msg("stored image missing")
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load image %s: %w", id, err)
	}
	url := p.r.objects.Create(img)
	p.urls[id] = url
	return url, nil
}

func (p *restorePass) branch(b *StoredBranch) (Branch, error) {
	out := Branch{
		ID:           b.ID,
		Name:         b.Name,
		CurrentIndex: b.CurrentIndex,
		Versions:     make([]ImageVersion, 0, len(b.Versions)),
	}
	for _, v := range b.Versions {
		url, err := p.url(v.ImageID)
		if err != nil {
			return out, err
		}
		iv := ImageVersion{
			URL:         url,
			Prompt:      v.Prompt,
			ParentIndex: v.ParentIndex,
			Status:      v.Status,
			Error:       v.Error,
			CreatedAt:   v.CreatedAt,
		}
		if iv.Status == StatusProcessing {
			iv.Status = StatusError
			iv.Error = InterruptedMessage
		}
		out.Versions = append(out.Versions, iv)
	}
	for _, r := range b.Resized {
		url, err := p.url(r.ImageID)
		if err != nil {
			return out, err
		}
		rz := ResizedImage{Size: r.Size, URL: url, Status: r.Status, Error: r.Error}
		if rz.Status == StatusProcessing {
			rz.Status = StatusError
			rz.Error = InterruptedMessage
		}
		out.Resized = append(out.Resized, rz)
	}
	if out.CurrentIndex >= len(out.Versions) {
		out.CurrentIndex = len(out.Versions) - 1
	}
	if out.CurrentIndex < 0 && len(out.Versions) > 0 {
		out.CurrentIndex = 0
	}
	return out, nil
}

func (p *restorePass) references(refs []StoredReference) ([]ReferenceImage, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	out := make([]ReferenceImage, 0, len(refs))
	for _, ref := range refs {
		url, err := p.url(ref.ImageID)
		if err != nil {
			return nil, err
		}
		if url == "" {
			continue
		}
		out = append(out, ReferenceImage{ID: ref.ID, URL: url, Name: ref.Name})
	}
	return out, nil
}
