package image

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/coreyrab/statickit/internal/security"
	"github.com/coreyrab/statickit/pkg/models"
)

const maxDownloadBytes = 50 << 20

type Saver struct {
	httpClient *http.Client
}

func NewSaver() *Saver {
	return &Saver{
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

func (s *Saver) Save(ctx context.Context, img *models.GeneratedImage, path string) error {
	var data []byte
	var err error

	switch {
	case len(img.Data) > 0:
		data = img.Data
	case img.URL != "":
		data, err = s.download(ctx, img.URL)
		if err != nil {
			return fmt.Errorf("failed to download image: %w", err)
		}
	default:
		return models.ErrNoImageData
	}

	return writeFile(path, data)
}

// SaveAll writes every image of resp. A single image goes to basePath; more
// are numbered base-1.ext, base-2.ext and so on.
func (s *Saver) SaveAll(ctx context.Context, resp *models.Response, basePath string, format models.OutputFormat) ([]string, error) {
	paths := make([]string, 0, len(resp.Images))
	now := time.Now()

	for i := range resp.Images {
		path := generatePath(basePath, i, len(resp.Images), format, now)
		if err := s.Save(ctx, &resp.Images[i], path); err != nil {
			return paths, fmt.Errorf("failed to save image %d: %w", i+1, err)
		}
		paths = append(paths, path)
	}

	return paths, nil
}

func (s *Saver) download(ctx context.Context, url string) ([]byte, error) {
	if err := security.ValidateImageURL(url, false); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download failed with status: %d", resp.StatusCode)
	}

	return io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes))
}

func writeFile(path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

func generatePath(basePath string, index, total int, format models.OutputFormat, t time.Time) string {
	if basePath == "" {
		return GenerateFilenameWithTime(index, format, t)
	}
	if total == 1 {
		return basePath
	}
	ext := filepath.Ext(basePath)
	base := basePath[:len(basePath)-len(ext)]
	return fmt.Sprintf("%s-%d%s", base, index+1, ext)
}

func GenerateFilenameWithTime(index int, format models.OutputFormat, t time.Time) string {
	timestamp := t.Format("20060102-150405")
	if index > 0 {
		return fmt.Sprintf("statickit-%s-%d.%s", timestamp, index+1, format)
	}
	return fmt.Sprintf("statickit-%s.%s", timestamp, format)
}
