package display

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/coreyrab/statickit/internal/imageconv"
	"github.com/coreyrab/statickit/pkg/models"
)

var ErrNoImage = errors.New("image has no data or URL")

type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, string, error)
}

type Displayer struct {
	out     io.Writer
	fetcher Fetcher

	// Columns caps the preview width in terminal cells.
	Columns int
}

func New(out io.Writer, fetcher Fetcher) *Displayer {
	return &Displayer{out: out, fetcher: fetcher}
}

func (d *Displayer) Display(ctx context.Context, img *models.GeneratedImage) error {
	if len(img.Data) > 0 {
		return d.Show(img.Data)
	}
	return d.ShowURL(ctx, img.URL)
}

func (d *Displayer) DisplayAll(ctx context.Context, resp *models.Response) error {
	for i := range resp.Images {
		if err := d.Display(ctx, &resp.Images[i]); err != nil {
			return fmt.Errorf("failed to display image %d: %w", i, err)
		}
	}
	return nil
}

func (d *Displayer) ShowURL(ctx context.Context, url string) error {
	if url == "" {
		return ErrNoImage
	}
	if d.fetcher == nil {
		return fmt.Errorf("no fetcher for %s", url)
	}
	data, _, err := d.fetcher.Fetch(ctx, url)
	if err != nil {
		return fmt.Errorf("failed to load image: %w", err)
	}
	return d.Show(data)
}

// Show previews data. The kitty protocol only takes PNG here, so JPEG and
// WebP are converted first; anything undetected is sent as is.
func (d *Displayer) Show(data []byte) error {
	if len(data) == 0 {
		return ErrNoImage
	}
	if format, ok := imageconv.Detect(data); ok && format != imageconv.PNG {
		png, err := imageconv.Convert(data, imageconv.PNG)
		if err != nil {
			return fmt.Errorf("failed to convert %s for preview: %w", format, err)
		}
		data = png
	}
	enc := NewKittyEncoder(d.out)
	enc.Columns = d.Columns
	if err := enc.Encode(data); err != nil {
		return fmt.Errorf("failed to encode image: %w", err)
	}
	fmt.Fprintln(d.out)
	return nil
}

var supportedPrograms = []string{"kitty", "ghostty", "iterm.app", "wezterm"}

func IsTerminalSupported() bool {
	termProgram := strings.ToLower(os.Getenv("TERM_PROGRAM"))
	for _, prog := range supportedPrograms {
		if termProgram == prog {
			return true
		}
	}
	if os.Getenv("KITTY_WINDOW_ID") != "" || os.Getenv("ITERM_SESSION_ID") != "" {
		return true
	}
	term := strings.ToLower(os.Getenv("TERM"))
	return strings.Contains(term, "kitty") || strings.Contains(term, "ghostty")
}
