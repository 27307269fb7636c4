// Package api serves the editor's HTTP routes.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/golang-jwt/jwt/v5"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/coreyrab/statickit/internal/blob"
	"github.com/coreyrab/statickit/internal/credits"
	"github.com/coreyrab/statickit/internal/logger"
	"github.com/coreyrab/statickit/internal/session"
	"github.com/coreyrab/statickit/internal/studio"
)

// ObjectPrefix makes object URLs loadable from this server.
const ObjectPrefix = "/api/objects/"

const defaultBodyLimit = "64M"

type ErrorResponse struct {
	Error string `json:"error"`
}

type Options struct {
	// JWTSecret enables HS256 bearer auth on /api when set.
	JWTSecret string
	BodyLimit string
}

type Server struct {
	echo    *echo.Echo
	studio  *studio.Service
	manager *session.Manager
	ledger  *credits.Ledger
	fetcher *blob.Fetcher
}

func NewServer(svc *studio.Service, manager *session.Manager, ledger *credits.Ledger, opts Options) *Server {
	s := &Server{
		echo:    echo.New(),
		studio:  svc,
		manager: manager,
		ledger:  ledger,
		fetcher: blob.NewFetcher(manager.Objects(), blob.Options{}),
	}
	if opts.BodyLimit == "" {
		opts.BodyLimit = defaultBodyLimit
	}
	s.routes(opts)
	return s
}

func (s *Server) routes(opts Options) {
	e := s.echo
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:       true,
		LogMethod:    true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Logger.Info().
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Str("request_id", v.RequestID).
				Msg("handled API request")
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.BodyLimit(opts.BodyLimit))

	e.GET("/healthz", s.healthHandler)

	g := e.Group("/api")
	if opts.JWTSecret != "" {
		g.Use(echojwt.WithConfig(echojwt.Config{
			SigningKey:    []byte(opts.JWTSecret),
			SigningMethod: jwt.SigningMethodHS256.Alg(),
			TokenLookup:   "header:Authorization:Bearer ,query:token",
			ErrorHandler: func(c echo.Context, err error) error {
				return c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
			},
		}))
	}

	g.POST("/analyze", s.analyzeHandler)
	g.POST("/background", s.backgroundHandler)
	g.POST("/model", s.modelHandler)
	g.POST("/resize", s.resizeHandler)
	g.POST("/edit", s.editHandler)
	g.GET("/presets", s.presetsHandler)

	g.GET("/session", s.restoreHandler)
	g.PUT("/session", s.scheduleHandler)
	g.POST("/session/flush", s.flushHandler)
	g.DELETE("/session", s.clearHandler)
	g.GET("/session/info", s.infoHandler)

	g.GET("/images/:id", s.imageHandler)
	g.GET("/objects/:token", s.objectHandler)
	g.GET("/credits", s.creditsHandler)
}

func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) Start(addr string) error {
	logger.Logger.Info().Str("addr", addr).Msg("http server listening")
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) healthHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func errorJSON(c echo.Context, status int, err error) error {
	if status >= http.StatusInternalServerError {
		logger.Logger.Error().Err(err).Str("uri", c.Request().RequestURI).Int("status", status).Msg("request failed")
	}
	return c.JSON(status, ErrorResponse{Error: err.Error()})
}
