package image

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/coreyrab/statickit/internal/imageconv"
	"github.com/coreyrab/statickit/internal/logger"
	"github.com/coreyrab/statickit/internal/security"
	"github.com/coreyrab/statickit/internal/session"
)

type ImageSource interface {
	GetImage(ctx context.Context, id string) (*session.StoredImage, error)
}

type ExportedFile struct {
	Path    string `json:"path"`
	ImageID string `json:"image_id"`
	Bytes   int    `json:"bytes"`
}

// Exporter lays a saved session out as files:
//
//	original.png
//	base/<name>/v1.png, v2.png, 1080x1920.png
//	variations/<kind>-<name>/v1.png
//	references/<category>/<name>.png
type Exporter struct {
	source ImageSource
	// Format re-encodes every file when set.
	Format imageconv.Format
}

func NewExporter(source ImageSource) *Exporter {
	return &Exporter{source: source}
}

type exportPass struct {
	*Exporter
	ctx   context.Context
	dir   string
	files []ExportedFile
}

func (e *Exporter) Export(ctx context.Context, rec *session.SessionRecord, dir string) ([]ExportedFile, error) {
	p := &exportPass{Exporter: e, ctx: ctx, dir: dir}

	if rec.UploadedImage != nil {
		if err := p.write("original", rec.UploadedImage.ImageID); err != nil {
			return p.files, err
		}
	}
	for i := range rec.BaseVersions {
		b := &rec.BaseVersions[i].StoredBranch
		if err := p.branch(filepath.Join("base", label(b.Name, b.ID)), b); err != nil {
			return p.files, err
		}
	}
	for i := range rec.Variations {
		v := &rec.Variations[i]
		name := string(v.Kind) + "-" + label(v.Name, v.ID)
		if err := p.branch(filepath.Join("variations", security.SanitizeFilename(name)), &v.StoredBranch); err != nil {
			return p.files, err
		}
	}
	refs := map[string][]session.StoredReference{
		"background": rec.References.Background,
		"model":      rec.References.Model,
		"edit":       rec.References.Edit,
	}
	for category, list := range refs {
		for _, ref := range list {
			if err := p.write(filepath.Join("references", category, label(ref.Name, ref.ID)), ref.ImageID); err != nil {
				return p.files, err
			}
		}
	}

	logger.Logger.Info().Str("dir", dir).Int("files", len(p.files)).Msg("session exported")
	return p.files, nil
}

func (p *exportPass) branch(prefix string, b *session.StoredBranch) error {
	for i, v := range b.Versions {
		if err := p.write(filepath.Join(prefix, "v"+strconv.Itoa(i+1)), v.ImageID); err != nil {
			return err
		}
	}
	for _, r := range b.Resized {
		if err := p.write(filepath.Join(prefix, security.SanitizeFilename(r.Size)), r.ImageID); err != nil {
			return err
		}
	}
	return nil
}

func (p *exportPass) write(name, id string) error {
	if id == "" {
		return nil
	}
	img, err := p.source.GetImage(p.ctx, id)
	if err != nil {
		logger.Logger.Warn().Err(err).Str("image_id", id).Msg("skipping image missing from store")
		return nil
	}

	data := img.Data
	format, ok := imageconv.Detect(data)
	if p.Format != "" && (!ok || format != p.Format) {
		if data, err = imageconv.Convert(data, p.Format); err != nil {
			return fmt.Errorf("failed to convert %s: %w", id, err)
		}
		format, ok = p.Format, true
	}
	ext := ".bin"
	if ok {
		ext = format.Ext()
	}

	path, err := security.JoinWithin(p.dir, name+ext)
	if err != nil {
		return err
	}
	if err := writeFile(path, data); err != nil {
		return err
	}
	p.files = append(p.files, ExportedFile{Path: path, ImageID: id, Bytes: len(data)})
	return nil
}

func label(name, id string) string {
	if name != "" {
		return security.SanitizeFilename(name)
	}
	return security.SanitizeFilename(id)
}
