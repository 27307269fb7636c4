package session

import (
	"errors"
	"maps"
	"slices"
	"time"
)

var (
	ErrNoVersion         = errors.New("no current version")
	ErrAtFirstVersion    = errors.New("already at first version")
	ErrBranchNotFound    = errors.New("branch not found")
	ErrVersionOutOfRange = errors.New("version index out of range")
)

func (b *Branch) AddVersion(v ImageVersion) int {
	if len(b.Versions) == 0 {
		v.ParentIndex = -1
	} else {
		v.ParentIndex = b.CurrentIndex
	}
	if v.Status == "" {
		v.Status = StatusProcessing
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now()
	}
	b.Versions = append(b.Versions, v)
	b.CurrentIndex = len(b.Versions) - 1
	return b.CurrentIndex
}

func (b *Branch) Current() (*ImageVersion, error) {
	if len(b.Versions) == 0 {
		return nil, ErrNoVersion
	}
	if b.CurrentIndex < 0 || b.CurrentIndex >= len(b.Versions) {
		return nil, ErrVersionOutOfRange
	}
	return &b.Versions[b.CurrentIndex], nil
}

func (b *Branch) Complete(idx int, url string) error {
	if idx < 0 || idx >= len(b.Versions) {
		return ErrVersionOutOfRange
	}
	b.Versions[idx].URL = url
	b.Versions[idx].Status = StatusCompleted
	b.Versions[idx].Error = ""
	return nil
}

func (b *Branch) Fail(idx int, err error) error {
	if idx < 0 || idx >= len(b.Versions) {
		return ErrVersionOutOfRange
	}
	b.Versions[idx].Status = StatusError
	if err != nil {
		b.Versions[idx].Error = err.Error()
	}
	return nil
}

func (b *Branch) Undo() (*ImageVersion, error) {
	cur, err := b.Current()
	if err != nil {
		return nil, err
	}
	if cur.ParentIndex < 0 {
		return nil, ErrAtFirstVersion
	}
	b.CurrentIndex = cur.ParentIndex
	return &b.Versions[b.CurrentIndex], nil
}

func (b *Branch) Select(idx int) error {
	if idx < 0 || idx >= len(b.Versions) {
		return ErrVersionOutOfRange
	}
	b.CurrentIndex = idx
	return nil
}

func (b *Branch) History() []ImageVersion {
	if len(b.Versions) == 0 || b.CurrentIndex < 0 || b.CurrentIndex >= len(b.Versions) {
		return nil
	}
	var chain []ImageVersion
	visited := make(map[int]bool)
	for i := b.CurrentIndex; i >= 0 && i < len(b.Versions) && !visited[i]; i = b.Versions[i].ParentIndex {
		visited[i] = true
		chain = append(chain, b.Versions[i])
	}
	for l, r := 0, len(chain)-1; l < r; l, r = l+1, r-1 {
		chain[l], chain[r] = chain[r], chain[l]
	}
	return chain
}

func (b *Branch) SetResized(r ResizedImage) {
	for i := range b.Resized {
		if b.Resized[i].Size == r.Size {
			b.Resized[i] = r
			return
		}
	}
	b.Resized = append(b.Resized, r)
}

func (s *State) BaseVersion(id string) (*BaseVersion, error) {
	for i := range s.BaseVersions {
		if s.BaseVersions[i].ID == id {
			return &s.BaseVersions[i], nil
		}
	}
	return nil, ErrBranchNotFound
}

func (s *State) Variation(id string) (*Variation, error) {
	for i := range s.Variations {
		if s.Variations[i].ID == id {
			return &s.Variations[i], nil
		}
	}
	return nil, ErrBranchNotFound
}

// ActiveBranch returns the selected variation, falling back to the selected
// base version.
func (s *State) ActiveBranch() (*Branch, error) {
	if s.ActiveVariationID != "" {
		v, err := s.Variation(s.ActiveVariationID)
		if err == nil {
			return &v.Branch, nil
		}
	}
	if s.ActiveBaseVersionID != "" {
		bv, err := s.BaseVersion(s.ActiveBaseVersionID)
		if err == nil {
			return &bv.Branch, nil
		}
	}
	return nil, ErrBranchNotFound
}

func (b Branch) clone() Branch {
	b.Versions = slices.Clone(b.Versions)
	b.Resized = slices.Clone(b.Resized)
	return b
}

// Clone returns a deep copy of s, so a snapshot handed to the scheduler is
// not changed by later edits.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	c := *s
	if s.UploadedImage != nil {
		up := *s.UploadedImage
		c.UploadedImage = &up
	}
	if s.Analysis != nil {
		a := *s.Analysis
		a.Colors = slices.Clone(a.Colors)
		a.Suggestions = slices.Clone(a.Suggestions)
		a.Fields = maps.Clone(a.Fields)
		c.Analysis = &a
	}
	c.BaseVersions = make([]BaseVersion, len(s.BaseVersions))
	for i, bv := range s.BaseVersions {
		c.BaseVersions[i] = BaseVersion{Branch: bv.Branch.clone()}
	}
	c.Variations = make([]Variation, len(s.Variations))
	for i, v := range s.Variations {
		v.Branch = v.Branch.clone()
		c.Variations[i] = v
	}
	c.Tools.ResizeTargets = slices.Clone(s.Tools.ResizeTargets)
	c.References = ReferenceImages{
		Background: slices.Clone(s.References.Background),
		Model:      slices.Clone(s.References.Model),
		Edit:       slices.Clone(s.References.Edit),
	}
	return &c
}

func (s *State) eachURL(fn func(url string)) {
	if s.UploadedImage != nil {
		fn(s.UploadedImage.URL)
	}
	branch := func(b *Branch) {
		for _, v := range b.Versions {
			fn(v.URL)
		}
		for _, r := range b.Resized {
			fn(r.URL)
		}
	}
	for i := range s.BaseVersions {
		branch(&s.BaseVersions[i].Branch)
	}
	for i := range s.Variations {
		branch(&s.Variations[i].Branch)
	}
	for _, refs := range [][]ReferenceImage{s.References.Background, s.References.Model, s.References.Edit} {
		for _, ref := range refs {
			fn(ref.URL)
		}
	}
}
