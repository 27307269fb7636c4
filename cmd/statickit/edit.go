package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/coreyrab/statickit/internal/blob"
	"github.com/coreyrab/statickit/internal/display"
	"github.com/coreyrab/statickit/internal/logger"
	"github.com/coreyrab/statickit/internal/repl"
	"github.com/coreyrab/statickit/internal/session"
	"github.com/coreyrab/statickit/internal/studio"
)

const previewColumns = 60

var flagNoPreview bool

func newEditCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "edit [image]",
		Short: "Edit an ad image interactively in the terminal",
		Long: `Start the terminal editor. Without an argument the saved session is
restored; with one, the image is opened as a new session.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGTERM)
			defer cancel()
			return runEdit(ctx, app, args)
		},
	}
	cmd.Flags().BoolVar(&flagNoPreview, "no-preview", false, "do not show images inline")
	return cmd
}

func runEdit(ctx context.Context, app *App, args []string) error {
	cfg, err := app.loadConfig()
	if err != nil {
		return err
	}
	if cfg.LogToFile {
		if err := logger.AddFileLogger(cfg.WorkDir); err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
	}

	objects := session.NewObjectURLs("")
	fetcher := blob.NewFetcher(objects, blob.Options{AllowFiles: true})
	e, err := app.openEnv(ctx, cfg, objects, fetcher)
	if err != nil {
		return err
	}
	defer e.Close(context.Background())

	factory, err := app.buildFactory(cfg, nil)
	if err != nil {
		return err
	}
	presets, err := studio.LoadPresets(cfg.PresetsFile)
	if err != nil {
		return err
	}
	calc, err := app.calculator(cfg)
	if err != nil {
		return err
	}
	svc := studio.NewService(factory, e.ledger, studio.Options{
		Presets:    presets,
		Calculator: calc,
		Fetcher:    blob.NewFetcher(objects, blob.Options{StrictHosts: true}),
	})

	var disp *display.Displayer
	if !flagNoPreview && display.IsTerminalSupported() {
		disp = display.New(app.Out, fetcher)
		disp.Columns = previewColumns
	}

	r := repl.New(&repl.Config{
		In:        Stdin,
		Out:       app.Out,
		Err:       app.Err,
		Studio:    svc,
		Registry:  app.Registry,
		Manager:   e.manager,
		Ledger:    e.ledger,
		Fetcher:   fetcher,
		Displayer: disp,
	})
	if len(args) == 1 {
		if err := r.Open(ctx, args[0]); err != nil {
			return err
		}
	} else if err := r.Restore(ctx); err != nil {
		fmt.Fprintf(app.Err, "Warning: %v\n", err)
	}

	e.manager.Start()
	return r.Run(ctx)
}
