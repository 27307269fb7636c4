package repl

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/coreyrab/statickit/internal/provider"
	"github.com/coreyrab/statickit/internal/session"
	"github.com/coreyrab/statickit/internal/studio"
)

var ErrNoImage = errors.New("no image open - use 'open <path>' first")

// branchRef names one entry of the branch list: a base version or a
// variation, in the order 'branches' prints them.
type branchRef struct {
	id        string
	variation bool
	label     string
	branch    *session.Branch
}

func (r *REPL) hasImage() bool {
	return r.state != nil && r.state.UploadedImage != nil
}

func (r *REPL) open(ctx context.Context, source string) (*session.BaseVersion, error) {
	data, mimeType, err := r.fetcher.Fetch(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", source, err)
	}
	mimeType = provider.MimeType(mimeType, data)
	url := r.objects().CreateFromData(data, mimeType)

	base := session.BaseVersion{Branch: session.Branch{ID: uuid.NewString(), Name: "Original"}}
	base.AddVersion(session.ImageVersion{URL: url, Status: session.StatusCompleted})

	r.state = &session.State{
		UploadedImage:       &session.UploadedImage{URL: url, Name: filepath.Base(source), MimeType: mimeType},
		BaseVersions:        []session.BaseVersion{base},
		ActiveBaseVersionID: base.ID,
	}
	r.changed()
	return &r.state.BaseVersions[0], nil
}

func (r *REPL) current() (*session.Branch, studio.Image, error) {
	if !r.hasImage() {
		return nil, studio.Image{}, ErrNoImage
	}
	b, err := r.state.ActiveBranch()
	if err != nil {
		return nil, studio.Image{}, err
	}
	v, err := b.Current()
	if err != nil {
		return nil, studio.Image{}, err
	}
	if v.Status != session.StatusCompleted || v.URL == "" {
		return nil, studio.Image{}, fmt.Errorf("current version is %s", v.Status)
	}
	data, mimeType, ok := r.objects().Resolve(v.URL)
	if !ok {
		return nil, studio.Image{}, fmt.Errorf("image for the current version is no longer available")
	}
	return b, studio.Image{Data: data, MimeType: mimeType}, nil
}

// newVariation derives a branch from the current image with one processing
// version and makes it active.
func (r *REPL) newVariation(kind session.VariationKind, name, prompt string) *session.Variation {
	v := session.Variation{
		Branch:              session.Branch{ID: uuid.NewString(), Name: name},
		Kind:                kind,
		SourceBaseVersionID: r.state.ActiveBaseVersionID,
	}
	v.AddVersion(session.ImageVersion{Prompt: prompt})
	r.state.Variations = append(r.state.Variations, v)
	r.state.ActiveVariationID = v.ID
	return &r.state.Variations[len(r.state.Variations)-1]
}

// finish stores res as version idx of b, or records err there and moves
// back to the parent so the next edit starts from a usable image.
func (r *REPL) finish(b *session.Branch, idx int, res *studio.Result, err error) error {
	defer r.changed()
	if err != nil {
		b.Fail(idx, err)
		if parent := b.Versions[idx].ParentIndex; parent >= 0 {
			b.Select(parent)
		}
		return err
	}
	return b.Complete(idx, r.objects().CreateFromData(res.Data, res.MimeType))
}

// dropVariation removes a variation whose first generation failed; an empty
// branch has nothing to show.
func (r *REPL) dropVariation(id, previous string) {
	for i := range r.state.Variations {
		if r.state.Variations[i].ID == id {
			r.state.Variations = append(r.state.Variations[:i], r.state.Variations[i+1:]...)
			break
		}
	}
	r.state.ActiveVariationID = previous
	r.changed()
}

func (r *REPL) branches() []branchRef {
	if r.state == nil {
		return nil
	}
	var refs []branchRef
	for i := range r.state.BaseVersions {
		bv := &r.state.BaseVersions[i]
		refs = append(refs, branchRef{id: bv.ID, label: "base", branch: &bv.Branch})
	}
	for i := range r.state.Variations {
		v := &r.state.Variations[i]
		refs = append(refs, branchRef{id: v.ID, variation: true, label: string(v.Kind), branch: &v.Branch})
	}
	return refs
}

func (r *REPL) isActive(ref branchRef) bool {
	if ref.variation {
		return r.state.ActiveVariationID == ref.id
	}
	return r.state.ActiveVariationID == "" && r.state.ActiveBaseVersionID == ref.id
}

func (r *REPL) activate(ref branchRef) {
	if ref.variation {
		r.state.ActiveVariationID = ref.id
	} else {
		r.state.ActiveBaseVersionID = ref.id
		r.state.ActiveVariationID = ""
	}
	r.state.SelectedVersionIndex = ref.branch.CurrentIndex
	r.changed()
}

func (r *REPL) changed() {
	if r.state == nil {
		return
	}
	if b, err := r.state.ActiveBranch(); err == nil {
		r.state.SelectedVersionIndex = b.CurrentIndex
	}
	r.manager.Schedule(r.state.Clone())
}

func (r *REPL) objects() *session.ObjectURLs {
	return r.manager.Objects()
}
