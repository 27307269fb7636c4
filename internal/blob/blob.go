// Package blob resolves the image URLs a session refers to into bytes.
package blob

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/coreyrab/statickit/internal/security"
	"github.com/coreyrab/statickit/internal/session"
)

const DefaultMaxBytes = 50 << 20

var (
	ErrInvalidDataURL = errors.New("invalid data url")
	ErrUnknownObject  = errors.New("object url not found")
	ErrUnsupportedURL = errors.New("unsupported url")
	ErrTooLarge       = errors.New("image exceeds size limit")
	ErrFilesDisabled  = errors.New("local file urls are disabled")
)

type Options struct {
	Client   *http.Client
	MaxBytes int64
	// AllowFiles enables file:// URLs and bare paths.
	AllowFiles bool
	// StrictHosts limits remote fetches to known provider result hosts.
	StrictHosts bool
}

type Fetcher struct {
	objects    *session.ObjectURLs
	httpClient *http.Client
	maxBytes   int64
	allowFiles bool
	strict     bool
}

func NewFetcher(objects *session.ObjectURLs, opts Options) *Fetcher {
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 60 * time.Second}
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	return &Fetcher{
		objects:    objects,
		httpClient: opts.Client,
		maxBytes:   opts.MaxBytes,
		allowFiles: opts.AllowFiles,
		strict:     opts.StrictHosts,
	}
}

func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, string, error) {
	switch {
	case strings.HasPrefix(rawURL, "data:"):
		return DecodeDataURL(rawURL)
	case f.objects != nil && f.objects.Owns(rawURL):
		data, mimeType, ok := f.objects.Resolve(rawURL)
		if !ok {
			return nil, "", fmt.Errorf("%w: %s", ErrUnknownObject, rawURL)
		}
		return data, mimeType, nil
	case strings.HasPrefix(rawURL, "https://"), strings.HasPrefix(rawURL, "http://"):
		return f.download(ctx, rawURL)
	case strings.HasPrefix(rawURL, "file://"):
		u, err := url.Parse(rawURL)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrUnsupportedURL, err)
		}
		return f.readFile(u.Path)
	case !strings.Contains(rawURL, ":"):
		return f.readFile(rawURL)
	}
	return nil, "", fmt.Errorf("%w: %s", ErrUnsupportedURL, schemeOf(rawURL))
}

func (f *Fetcher) download(ctx context.Context, rawURL string) ([]byte, string, error) {
	if err := security.ValidateImageURL(rawURL, f.strict); err != nil {
		return nil, "", fmt.Errorf("refusing to fetch image: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("download failed with status: %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, "", err
	}
	if int64(len(data)) > f.maxBytes {
		return nil, "", ErrTooLarge
	}
	return data, mimeTypeOf(resp.Header.Get("Content-Type"), data), nil
}

func (f *Fetcher) readFile(path string) ([]byte, string, error) {
	if !f.allowFiles {
		return nil, "", ErrFilesDisabled
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, "", err
	}
	if info.Size() > f.maxBytes {
		return nil, "", ErrTooLarge
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, "", err
	}
	return data, mimeTypeOf("", data), nil
}

func EncodeDataURL(data []byte, mimeType string) string {
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

func DecodeDataURL(s string) ([]byte, string, error) {
	rest, ok := strings.CutPrefix(s, "data:")
	if !ok {
		return nil, "", ErrInvalidDataURL
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, "", ErrInvalidDataURL
	}

	isBase64 := false
	if m, found := strings.CutSuffix(meta, ";base64"); found {
		meta = m
		isBase64 = true
	}
	mimeType, _, _ := strings.Cut(meta, ";")

	var data []byte
	if isBase64 {
		decoded, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			// Some encoders drop the padding.
			decoded, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
			if err != nil {
				return nil, "", fmt.Errorf("%w: %v", ErrInvalidDataURL, err)
			}
		}
		data = decoded
	} else {
		unescaped, err := url.PathUnescape(payload)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrInvalidDataURL, err)
		}
		data = []byte(unescaped)
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("%w: empty payload", ErrInvalidDataURL)
	}
	return data, mimeTypeOf(mimeType, data), nil
}

func mimeTypeOf(declared string, data []byte) string {
	declared, _, _ = strings.Cut(declared, ";")
	declared = strings.TrimSpace(declared)
	if strings.HasPrefix(declared, "image/") {
		return declared
	}
	return http.DetectContentType(data)
}

func schemeOf(rawURL string) string {
	scheme, _, _ := strings.Cut(rawURL, ":")
	return scheme
}
