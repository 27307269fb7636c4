package main

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/coreyrab/statickit/internal/api"
	"github.com/coreyrab/statickit/internal/blob"
	"github.com/coreyrab/statickit/internal/logger"
	"github.com/coreyrab/statickit/internal/session"
	"github.com/coreyrab/statickit/internal/studio"
)

const shutdownTimeout = 15 * time.Second

var flagPort string

func newServeCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the editor HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return runServe(ctx, app)
		},
	}
	cmd.Flags().StringVarP(&flagPort, "port", "p", "", "listen port (defaults to STATICKIT_PORT)")
	return cmd
}

func runServe(ctx context.Context, app *App) error {
	cfg, err := app.loadConfig()
	if err != nil {
		return err
	}
	if flagPort != "" {
		cfg.Port = flagPort
	}
	if cfg.LogToFile {
		if err := logger.AddFileLogger(cfg.WorkDir); err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
	}

	objects := session.NewObjectURLs(api.ObjectPrefix)
	fetcher := blob.NewFetcher(objects, blob.Options{})
	e, err := app.openEnv(ctx, cfg, objects, fetcher)
	if err != nil {
		return err
	}

	factory, err := app.buildFactory(cfg, nil)
	if err != nil {
		e.Close(context.Background())
		return err
	}
	if len(factory.ListProviders()) == 0 {
		logger.Logger.Warn().Msg("no provider API keys found, editing tools will fail until one is configured")
	}
	presets, err := studio.LoadPresets(cfg.PresetsFile)
	if err != nil {
		e.Close(context.Background())
		return err
	}
	calc, err := app.calculator(cfg)
	if err != nil {
		e.Close(context.Background())
		return err
	}

	svc := studio.NewService(factory, e.ledger, studio.Options{
		Presets:    presets,
		Calculator: calc,
		Fetcher:    blob.NewFetcher(objects, blob.Options{StrictHosts: true}),
	})
	server := api.NewServer(svc, e.manager, e.ledger, api.Options{JWTSecret: cfg.AuthJWTSecret})
	e.manager.Start()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(net.JoinHostPort("", cfg.Port))
	}()
	fmt.Fprintf(app.Out, "statickit listening on :%s\n", cfg.Port)

	select {
	case err = <-errCh:
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := server.Shutdown(shutdownCtx); serr != nil {
		logger.Logger.Error().Err(serr).Msg("http shutdown failed")
	}
	if cerr := e.Close(shutdownCtx); cerr != nil {
		logger.Logger.Error().Err(cerr).Msg("final session save failed")
	}
	logger.Logger.Info().Msg("statickit stopped")
	return err
}
