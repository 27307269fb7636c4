// Package imageconv decodes, re-encodes and resizes the raster formats the
// editor handles: PNG, JPEG and WebP.
package imageconv

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"image/png"
	"strconv"
	"strings"

	"github.com/kolesa-team/go-webp/decoder"
	"github.com/kolesa-team/go-webp/encoder"
	"github.com/kolesa-team/go-webp/webp"
)

type Format string

const (
	PNG  Format = "png"
	JPEG Format = "jpeg"
	WebP Format = "webp"
)

const (
	jpegQuality = 90
	webpQuality = 85
	maxSide     = 8192
)

var (
	ErrUnknownFormat = errors.New("unsupported image format")
	ErrInvalidSize   = errors.New("invalid size")
)

// ParseFormat accepts a format name, a file extension or a mime type.
func ParseFormat(s string) (Format, error) {
	s = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "."))
	s = strings.TrimPrefix(s, "image/")
	switch s {
	case "png":
		return PNG, nil
	case "jpg", "jpeg":
		return JPEG, nil
	case "webp":
		return WebP, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
}

func (f Format) MimeType() string {
	return "image/" + string(f)
}

func (f Format) Ext() string {
	if f == JPEG {
		return ".jpg"
	}
	return "." + string(f)
}

func Detect(data []byte) (Format, bool) {
	switch {
	case isPNG(data):
		return PNG, true
	case len(data) >= 3 && data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF:
		return JPEG, true
	case isWEBP(data):
		return WebP, true
	}
	return "", false
}

func Decode(data []byte) (image.Image, Format, error) {
	format, ok := Detect(data)
	if !ok {
		return nil, "", ErrUnknownFormat
	}

	var (
		img image.Image
		err error
	)
	switch format {
	case WebP:
		img, err = webp.Decode(bytes.NewReader(data), &decoder.Options{})
	case JPEG:
		img, err = jpeg.Decode(bytes.NewReader(data))
	default:
		img, err = png.Decode(bytes.NewReader(data))
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode %s: %w", format, err)
	}
	return img, format, nil
}

func Encode(img image.Image, format Format) ([]byte, error) {
	var out bytes.Buffer
	switch format {
	case PNG:
		if err := png.Encode(&out, img); err != nil {
			return nil, err
		}
	case JPEG:
		if err := jpeg.Encode(&out, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
			return nil, err
		}
	case WebP:
		opts, err := encoder.NewLossyEncoderOptions(encoder.PresetDefault, webpQuality)
		if err != nil {
			return nil, err
		}
		if err := webp.Encode(&out, img, opts); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	return out.Bytes(), nil
}

func Convert(data []byte, format Format) ([]byte, error) {
	if current, ok := Detect(data); ok && current == format {
		return data, nil
	}
	img, _, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return Encode(img, format)
}

// ParseSize reads "1080x1920" (or "1080*1920") as width and height.
func ParseSize(s string) (int, int, error) {
	ws, hs, ok := strings.Cut(strings.ReplaceAll(strings.ToLower(s), "*", "x"), "x")
	if !ok {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidSize, s)
	}
	w, err := strconv.Atoi(strings.TrimSpace(ws))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidSize, s)
	}
	h, err := strconv.Atoi(strings.TrimSpace(hs))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidSize, s)
	}
	if w <= 0 || h <= 0 || w > maxSide || h > maxSide {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidSize, s)
	}
	return w, h, nil
}

// Fit scales src to cover width x height and crops the overflow evenly
// from both sides, so the result is exactly the requested size.
func Fit(src image.Image, width, height int) *image.RGBA {
	b := src.Bounds()
	sw, sh := b.Dx(), b.Dy()
	if sw <= 0 || sh <= 0 {
		return image.NewRGBA(image.Rect(0, 0, width, height))
	}

	crop := b
	if sw*height > sh*width {
		cw := sh * width / height
		x0 := b.Min.X + (sw-cw)/2
		crop = image.Rect(x0, b.Min.Y, x0+cw, b.Max.Y)
	} else if sw*height < sh*width {
		ch := sw * height / width
		y0 := b.Min.Y + (sh-ch)/2
		crop = image.Rect(b.Min.X, y0, b.Max.X, y0+ch)
	}

	cropped := image.NewRGBA(image.Rect(0, 0, crop.Dx(), crop.Dy()))
	draw.Draw(cropped, cropped.Bounds(), src, crop.Min, draw.Src)
	return resizeNearest(cropped, width, height)
}

// FitBytes decodes data, fits it to size and encodes it as format. An empty
// format keeps the source format.
func FitBytes(data []byte, size string, format Format) ([]byte, Format, error) {
	w, h, err := ParseSize(size)
	if err != nil {
		return nil, "", err
	}
	img, srcFormat, err := Decode(data)
	if err != nil {
		return nil, "", err
	}
	if format == "" {
		format = srcFormat
	}
	b := img.Bounds()
	if b.Dx() == w && b.Dy() == h && format == srcFormat {
		return data, format, nil
	}
	out, err := Encode(Fit(img, w, h), format)
	if err != nil {
		return nil, "", err
	}
	return out, format, nil
}

func Dimensions(data []byte) (int, int, error) {
	img, _, err := Decode(data)
	if err != nil {
		return 0, 0, err
	}
	b := img.Bounds()
	return b.Dx(), b.Dy(), nil
}

func isWEBP(data []byte) bool {
	if len(data) < 12 {
		return false
	}
	return string(data[0:4]) == "RIFF" && string(data[8:12]) == "WEBP"
}

func isPNG(data []byte) bool {
	if len(data) < 8 {
		return false
	}
	return bytes.Equal(data[:8], []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'})
}

func resizeNearest(src image.Image, width, height int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	b := src.Bounds()
	srcW := b.Dx()
	srcH := b.Dy()
	if srcW <= 0 || srcH <= 0 {
		return dst
	}

	for y := 0; y < height; y++ {
		srcY := b.Min.Y + (y*srcH)/height
		for x := 0; x < width; x++ {
			srcX := b.Min.X + (x*srcW)/width
			dst.Set(x, y, src.At(srcX, srcY))
		}
	}
	return dst
}
