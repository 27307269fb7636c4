package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/coreyrab/statickit/internal/credits"
	"github.com/coreyrab/statickit/internal/session"
)

func (s *Server) restoreHandler(c echo.Context) error {
	st, err := s.manager.Restore(c.Request().Context())
	if errors.Is(err, session.ErrNoSession) {
		return c.NoContent(http.StatusNoContent)
	}
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err)
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) scheduleHandler(c echo.Context) error {
	var st session.State
	if err := c.Bind(&st); err != nil {
		return badRequest(c, err)
	}
	s.manager.Schedule(&st)
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) flushHandler(c echo.Context) error {
	ctx := c.Request().Context()
	if err := s.manager.Flush(ctx); err != nil {
		return errorJSON(c, sessionStatus(err), err)
	}
	info, err := s.manager.Info(ctx)
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err)
	}
	return c.JSON(http.StatusOK, info)
}

func (s *Server) clearHandler(c echo.Context) error {
	if err := s.manager.Clear(c.Request().Context()); err != nil {
		return errorJSON(c, http.StatusInternalServerError, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) infoHandler(c echo.Context) error {
	info, err := s.manager.Info(c.Request().Context())
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err)
	}
	return c.JSON(http.StatusOK, info)
}

func (s *Server) imageHandler(c echo.Context) error {
	img, err := s.manager.Image(c.Request().Context(), c.Param("id"))
	if errors.Is(err, session.ErrImageNotFound) {
		return errorJSON(c, http.StatusNotFound, err)
	}
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err)
	}
	c.Response().Header().Set("Cache-Control", "private, max-age=31536000, immutable")
	return c.Blob(http.StatusOK, img.MimeType, img.Data)
}

func (s *Server) objectHandler(c echo.Context) error {
	data, mimeType, ok := s.manager.Objects().Resolve(ObjectPrefix + c.Param("token"))
	if !ok {
		return errorJSON(c, http.StatusNotFound, fmt.Errorf("object not found"))
	}
	return c.Blob(http.StatusOK, mimeType, data)
}

type creditsResponse struct {
	Balance int             `json:"balance"`
	History []credits.Entry `json:"history"`
}

func (s *Server) creditsHandler(c echo.Context) error {
	ctx := c.Request().Context()
	balance, err := s.ledger.Balance(ctx)
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err)
	}

	limit := 20
	if v := c.QueryParam("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			return errorJSON(c, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
		}
	}
	history, err := s.ledger.History(ctx, limit)
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err)
	}
	return c.JSON(http.StatusOK, creditsResponse{Balance: balance, History: history})
}

func sessionStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrQuotaExceeded):
		return http.StatusInsufficientStorage
	case errors.Is(err, session.ErrSchedulerStopped):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
