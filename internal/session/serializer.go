package session

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coreyrab/statickit/internal/logger"
)

type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, string, error)
}

type ImageSink interface {
	HasImage(ctx context.Context, id string) (bool, error)
	PutImage(ctx context.Context, img *StoredImage) error
}

// Serializer flattens a State into a SessionRecord, storing each distinct
// image URL once.
type Serializer struct {
	fetcher Fetcher
	objects *ObjectURLs

	mu sync.Mutex
	// URLs persisted by earlier passes. Checked against the sink before reuse.
	known map[string]string
}

func NewSerializer(fetcher Fetcher, objects *ObjectURLs) *Serializer {
	return &Serializer{
		fetcher: fetcher,
		objects: objects,
		known:   make(map[string]string),
	}
}

func (s *Serializer) Forget() {
	s.mu.Lock()
	s.known = make(map[string]string)
	s.mu.Unlock()
}

type Prefetched map[string]fetchedImage

type fetchedImage struct {
	data     []byte
	mimeType string
}

// Prefetch loads every URL in st that has no stored id yet, so the slow
// fetches happen before the caller opens a transaction.
func (s *Serializer) Prefetch(ctx context.Context, st *State) (Prefetched, error) {
	s.mu.Lock()
	var urls []string
	seen := make(map[string]bool)
	st.eachURL(func(url string) {
		if url == "" || seen[url] {
			return
		}
		seen[url] = true
		if _, ok := s.known[url]; ok {
			return
		}
		if s.objects != nil {
			if _, ok := s.objects.ImageID(url); ok {
				return
			}
		}
		urls = append(urls, url)
	})
	s.mu.Unlock()

	pre := make(Prefetched, len(urls))
	for _, url := range urls {
		data, mimeType, err := s.fetcher.Fetch(ctx, url)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch %s: %w", truncateURL(url), err)
		}
		pre[url] = fetchedImage{data: data, mimeType: mimeType}
	}
	return pre, nil
}

type serializePass struct {
	s       *Serializer
	ctx     context.Context
	sink    ImageSink
	fetched Prefetched
	cache   map[string]string
	added   []string
}

// Serialize walks st, writing new images to sink. URLs found in pre are not
// fetched again. It never mutates st.
func (s *Serializer) Serialize(ctx context.Context, st *State, sink ImageSink, pre Prefetched) (*SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := &serializePass{s: s, ctx: ctx, sink: sink, fetched: pre, cache: make(map[string]string)}

	rec := &SessionRecord{
		Key:                  CurrentKey,
		Analysis:             st.Analysis,
		ActiveBaseVersionID:  st.ActiveBaseVersionID,
		ActiveVariationID:    st.ActiveVariationID,
		SelectedVersionIndex: st.SelectedVersionIndex,
		Tools:                st.Tools,
		BaseVersions:         make([]StoredBaseVersion, 0, len(st.BaseVersions)),
		Variations:           make([]StoredVariation, 0, len(st.Variations)),
	}

	if up := st.UploadedImage; up != nil {
		id, err := p.storeUpload(up)
		if err != nil {
			return nil, fmt.Errorf("uploaded image: %w", err)
		}
		if id != "" {
			rec.UploadedImage = &StoredUpload{ImageID: id, Name: up.Name, MimeType: up.MimeType}
		}
	}

	for i := range st.BaseVersions {
		b, err := p.branch(&st.BaseVersions[i].Branch)
		if err != nil {
			return nil, fmt.Errorf("base version %s: %w", st.BaseVersions[i].ID, err)
		}
		rec.BaseVersions = append(rec.BaseVersions, StoredBaseVersion{StoredBranch: b})
	}

	for i := range st.Variations {
		v := &st.Variations[i]
		b, err := p.branch(&v.Branch)
		if err != nil {
			return nil, fmt.Errorf("variation %s: %w", v.ID, err)
		}
		rec.Variations = append(rec.Variations, StoredVariation{
			StoredBranch:        b,
			Kind:                v.Kind,
			SourceBaseVersionID: v.SourceBaseVersionID,
		})
	}

	var err error
	if rec.References.Background, err = p.references(st.References.Background); err != nil {
		return nil, fmt.Errorf("background references: %w", err)
	}
	if rec.References.Model, err = p.references(st.References.Model); err != nil {
		return nil, fmt.Errorf("model references: %w", err)
	}
	if rec.References.Edit, err = p.references(st.References.Edit); err != nil {
		return nil, fmt.Errorf("edit references: %w", err)
	}

	for url, id := range p.cache {
		s.known[url] = id
	}
	logger.Logger.Debug().
		Int("images_total", len(p.cache)).
		Int("images_added", len(p.added)).
		Msg("serialized session")
	return rec, nil
}

func (p *serializePass) storeUpload(up *UploadedImage) (string, error) {
	if up.URL != "" {
		return p.imageID(up.URL)
	}
	if up.File == nil {
		return "", nil
	}
	data, err := io.ReadAll(up.File)
	if err != nil {
		return "", fmt.Errorf("failed to read upload: %w", err)
	}
	mimeType := up.MimeType
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return p.put(data, mimeType)
}

func (p *serializePass) branch(b *Branch) (StoredBranch, error) {
	out := StoredBranch{
		ID:           b.ID,
		Name:         b.Name,
		CurrentIndex: b.CurrentIndex,
		Versions:     make([]StoredVersion, 0, len(b.Versions)),
	}
	for i, v := range b.Versions {
		id, err := p.imageID(v.URL)
		if err != nil {
			return out, fmt.Errorf("version %d: %w", i, err)
		}
		out.Versions = append(out.Versions, StoredVersion{
			ImageID:     id,
			Prompt:      v.Prompt,
			ParentIndex: v.ParentIndex,
			Status:      v.Status,
			Error:       v.Error,
			CreatedAt:   v.CreatedAt,
		})
	}
	for _, r := range b.Resized {
		id, err := p.imageID(r.URL)
		if err != nil {
			return out, fmt.Errorf("resized %s: %w", r.Size, err)
		}
		out.Resized = append(out.Resized, StoredRendition{
			Size:    r.Size,
			ImageID: id,
			Status:  r.Status,
			Error:   r.Error,
		})
	}
	return out, nil
}

func (p *serializePass) references(refs []ReferenceImage) ([]StoredReference, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	out := make([]StoredReference, 0, len(refs))
	for _, ref := range refs {
		id, err := p.imageID(ref.URL)
		if err != nil {
			return nil, fmt.Errorf("reference %s: %w", ref.ID, err)
		}
		if id == "" {
			continue
		}
		out = append(out, StoredReference{ID: ref.ID, ImageID: id, Name: ref.Name})
	}
	return out, nil
}

func (p *serializePass) imageID(url string) (string, error) {
	if url == "" {
		return "", nil
	}
	if id, ok := p.cache[url]; ok {
		return id, nil
	}

	if id, ok := p.reusable(url); ok {
		p.cache[url] = id
		return id, nil
	}

	data, mimeType, err := p.fetch(url)
	if err != nil {
		return "", err
	}
	id, err := p.put(data, mimeType)
	if err != nil {
		return "", err
	}
	p.cache[url] = id
	if p.s.objects != nil && p.s.objects.Owns(url) {
		p.s.objects.Bind(url, id)
	}
	return id, nil
}

func (p *serializePass) reusable(url string) (string, bool) {
	candidates := make([]string, 0, 2)
	if id, ok := p.s.known[url]; ok {
		candidates = append(candidates, id)
	}
	if p.s.objects != nil {
		if id, ok := p.s.objects.ImageID(url); ok {
			candidates = append(candidates, id)
		}
	}
	for _, id := range candidates {
		exists, err := p.sink.HasImage(p.ctx, id)
		if err == nil && exists {
			return id, true
		}
	}
	return "", false
}

func (p *serializePass) fetch(url string) ([]byte, string, error) {
	if f, ok := p.fetched[url]; ok {
		return f.data, f.mimeType, nil
	}
	data, mimeType, err := p.s.fetcher.Fetch(p.ctx, url)
	if err != nil {
		return nil, "", fmt.Errorf("failed to fetch %s: %w", truncateURL(url), err)
	}
	return data, mimeType, nil
}

func (p *serializePass) put(data []byte, mimeType string) (string, error) {
	img := &StoredImage{
		ID:        uuid.New().String(),
		Data:      bytes.Clone(data),
		MimeType:  mimeType,
		CreatedAt: time.Now(),
	}
	if err := p.sink.PutImage(p.ctx, img); err != nil {
		return "", err
	}
	p.added = append(p.added, img.ID)
	return img.ID, nil
}

func truncateURL(url string) string {
	if len(url) > 64 {
		return url[:64] + "..."
	}
	return url
}
