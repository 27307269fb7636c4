package api

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/coreyrab/statickit/internal/credits"
	"github.com/coreyrab/statickit/internal/provider"
	"github.com/coreyrab/statickit/internal/studio"
	"github.com/coreyrab/statickit/pkg/models"
)

// Image fields accept an object URL minted by this server, a data URL or
// bare base64.

type analyzeRequest struct {
	Image    string `json:"image"`
	MimeType string `json:"mime_type"`
	Model    string `json:"model"`
}

type sceneRequest struct {
	Image       string   `json:"image"`
	MimeType    string   `json:"mime_type"`
	PresetID    string   `json:"preset_id"`
	Description string   `json:"description"`
	References  []string `json:"references"`
	Model       string   `json:"model"`
}

type resizeRequest struct {
	Image     string `json:"image"`
	MimeType  string `json:"mime_type"`
	Size      string `json:"size"`
	Recompose bool   `json:"recompose"`
	Model     string `json:"model"`
}

type editRequest struct {
	Image      string   `json:"image"`
	MimeType   string   `json:"mime_type"`
	Prompt     string   `json:"prompt"`
	References []string `json:"references"`
	Mask       string   `json:"mask"`
	Model      string   `json:"model"`
}

type imageResponse struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
	Prompt   string `json:"prompt,omitempty"`
	Model    string `json:"model,omitempty"`
	Credits  int    `json:"credits"`
}

func (s *Server) analyzeHandler(c echo.Context) error {
	var req analyzeRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, err)
	}
	img, err := s.resolveImage(c.Request().Context(), req.Image, req.MimeType)
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, err)
	}

	res, err := s.studio.Analyze(c.Request().Context(), studio.AnalyzeInput{Image: img, Model: req.Model})
	if err != nil {
		return errorJSON(c, statusFor(err), err)
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) backgroundHandler(c echo.Context) error {
	return s.scene(c, s.studio.ChangeBackground)
}

func (s *Server) modelHandler(c echo.Context) error {
	return s.scene(c, s.studio.ChangeModel)
}

func (s *Server) scene(c echo.Context, op func(context.Context, studio.SceneInput) (*studio.Result, error)) error {
	var req sceneRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, err)
	}
	ctx := c.Request().Context()
	img, err := s.resolveImage(ctx, req.Image, req.MimeType)
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, err)
	}
	refs, err := s.resolveAll(ctx, req.References)
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, err)
	}

	res, err := op(ctx, studio.SceneInput{
		Image:       img,
		PresetID:    req.PresetID,
		Description: req.Description,
		References:  refs,
		Model:       req.Model,
	})
	if err != nil {
		return errorJSON(c, statusFor(err), err)
	}
	return c.JSON(http.StatusOK, s.imageResponse(res))
}

func (s *Server) resizeHandler(c echo.Context) error {
	var req resizeRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, err)
	}
	ctx := c.Request().Context()
	img, err := s.resolveImage(ctx, req.Image, req.MimeType)
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, err)
	}

	res, err := s.studio.Resize(ctx, studio.ResizeInput{
		Image:     img,
		Size:      req.Size,
		Recompose: req.Recompose,
		Model:     req.Model,
	})
	if err != nil {
		return errorJSON(c, statusFor(err), err)
	}
	return c.JSON(http.StatusOK, s.imageResponse(res))
}

func (s *Server) editHandler(c echo.Context) error {
	var req editRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, err)
	}
	ctx := c.Request().Context()
	img, err := s.resolveImage(ctx, req.Image, req.MimeType)
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, err)
	}
	refs, err := s.resolveAll(ctx, req.References)
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, err)
	}
	var mask []byte
	if req.Mask != "" {
		m, err := s.resolveImage(ctx, req.Mask, "")
		if err != nil {
			return errorJSON(c, http.StatusBadRequest, err)
		}
		mask = m.Data
	}

	res, err := s.studio.Edit(ctx, studio.EditInput{
		Image:       img,
		Instruction: req.Prompt,
		References:  refs,
		Mask:        mask,
		Model:       req.Model,
	})
	if err != nil {
		return errorJSON(c, statusFor(err), err)
	}
	return c.JSON(http.StatusOK, s.imageResponse(res))
}

func (s *Server) presetsHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, s.studio.Presets())
}

// imageResponse parks the result behind an object URL. The client puts that
// URL into the session state it saves next.
func (s *Server) imageResponse(res *studio.Result) imageResponse {
	return imageResponse{
		URL:      s.manager.Objects().CreateFromData(res.Data, res.MimeType),
		MimeType: res.MimeType,
		Prompt:   res.Prompt,
		Model:    res.Model,
		Credits:  res.Credits,
	}
}

func (s *Server) resolveImage(ctx context.Context, ref, mimeType string) (studio.Image, error) {
	if ref == "" {
		return studio.Image{}, fmt.Errorf("%w: %w", studio.ErrInvalidInput, models.ErrNoImageData)
	}

	var data []byte
	var sniffed string
	var err error
	if strings.HasPrefix(ref, "data:") || s.manager.Objects().Owns(ref) {
		data, sniffed, err = s.fetcher.Fetch(ctx, ref)
	} else {
		data, err = base64.StdEncoding.DecodeString(ref)
	}
	if err != nil {
		return studio.Image{}, fmt.Errorf("%w: unreadable image: %w", studio.ErrInvalidInput, err)
	}
	if mimeType == "" {
		mimeType = sniffed
	}
	return studio.Image{Data: data, MimeType: provider.MimeType(mimeType, data)}, nil
}

func (s *Server) resolveAll(ctx context.Context, refs []string) ([][]byte, error) {
	out := make([][]byte, 0, len(refs))
	for _, ref := range refs {
		img, err := s.resolveImage(ctx, ref, "")
		if err != nil {
			return nil, err
		}
		out = append(out, img.Data)
	}
	return out, nil
}

func badRequest(c echo.Context, err error) error {
	return c.JSON(http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("bad request: %s", err.Error())})
}

// statusFor maps studio and provider errors. Anything unrecognised is an
// upstream failure.
func statusFor(err error) int {
	switch {
	case errors.Is(err, studio.ErrInvalidInput),
		errors.Is(err, provider.ErrModelNotSupported),
		errors.Is(err, models.ErrAnalyzeNotSupported),
		errors.Is(err, models.ErrEditNotSupported):
		return http.StatusBadRequest
	case errors.Is(err, credits.ErrInsufficientCredits):
		return http.StatusPaymentRequired
	case errors.Is(err, provider.ErrProviderNotFound):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}
