package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/coreyrab/statickit/internal/provider"
	"github.com/coreyrab/statickit/pkg/models"
)

func (p *Provider) SupportsEdit(model string) bool {
	cap, ok := p.registry.Get(model)
	if !ok {
		return false
	}
	return cap.SupportsEdit && cap.Provider == models.ProviderOpenAI
}

// Edit sends the source image first, then any reference images, as image[]
// parts of one multipart request.
func (p *Provider) Edit(ctx context.Context, req *models.EditRequest) (*models.Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if !p.SupportsEdit(req.Model) {
		return nil, fmt.Errorf("%w: %s", provider.ErrEditNotSupported, req.Model)
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	images := append([][]byte{req.Image}, req.References...)
	for i, img := range images {
		if err := writeImagePart(writer, "image[]", fmt.Sprintf("image-%d", i), img); err != nil {
			return nil, fmt.Errorf("failed to write image %d: %w", i, err)
		}
	}

	if len(req.Mask) > 0 {
		if err := writeImagePart(writer, "mask", "mask", req.Mask); err != nil {
			return nil, fmt.Errorf("failed to write mask: %w", err)
		}
	}

	fields := [][2]string{
		{"prompt", req.Prompt},
		{"model", req.Model},
		{"size", req.Size},
		{"output_format", req.Format.String()},
	}
	if req.Count > 0 {
		fields = append(fields, [2]string{"n", fmt.Sprintf("%d", req.Count)})
	}
	for _, f := range fields {
		if f[1] == "" {
			continue
		}
		if err := writer.WriteField(f[0], f[1]); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", f[0], err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	status, respBody, err := p.post(ctx, "/images/edits", writer.FormDataContentType(), body.Bytes())
	if err != nil {
		return nil, err
	}

	var apiResp apiResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	if apiResp.Error != nil {
		return nil, fmt.Errorf("%w: %s", provider.ErrEditFailed, apiResp.Error.Message)
	}

	if status != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", provider.ErrEditFailed, status)
	}

	return p.buildResponse(apiResp, req.Format)
}

// writeImagePart adds data as a file part with its sniffed content type.
// The edits endpoint rejects application/octet-stream parts.
func writeImagePart(w *multipart.Writer, field, base string, data []byte) error {
	mimeType := provider.MimeType("", data)
	ext := strings.TrimPrefix(mimeType, "image/")
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s.%s"`, field, base, ext))
	h.Set("Content-Type", mimeType)
	part, err := w.CreatePart(h)
	if err != nil {
		return err
	}
	_, err = part.Write(data)
	return err
}
