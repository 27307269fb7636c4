package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/coreyrab/statickit/internal/image"
	"github.com/coreyrab/statickit/internal/imageconv"
	"github.com/coreyrab/statickit/internal/session"
)

var flagExportFormat string

func newSessionCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect or clear the saved editing session",
	}

	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "Show saved session size and last save time",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionInfo(cmd.Context(), app)
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete the saved session and its images",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionClear(cmd.Context(), app)
		},
	}

	exportCmd := &cobra.Command{
		Use:   "export <dir>",
		Short: "Write every image of the saved session to a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionExport(cmd.Context(), app, args[0])
		},
	}
	exportCmd.Flags().StringVarP(&flagExportFormat, "format", "f", "", "convert images to png, jpeg or webp")

	cmd.AddCommand(infoCmd, clearCmd, exportCmd)
	return cmd
}

func (app *App) openLocal(ctx context.Context) (*env, error) {
	cfg, err := app.loadConfig()
	if err != nil {
		return nil, err
	}
	return app.openEnv(ctx, cfg, nil, nil)
}

func runSessionInfo(ctx context.Context, app *App) error {
	e, err := app.openLocal(ctx)
	if err != nil {
		return err
	}
	defer e.Close(ctx)

	info, err := e.manager.Info(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(app.Out, "Database location: %s\n", e.cfg.DatabasePath())
	if !info.HasSession {
		fmt.Fprintln(app.Out, "No saved session.")
		return nil
	}

	rec, err := e.store.GetSession(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(app.Out, "Storage used: %s", info.Size)
	if info.QuotaBytes > 0 {
		fmt.Fprintf(app.Out, " of %s", session.FormatBytes(info.QuotaBytes))
	}
	fmt.Fprintln(app.Out)
	fmt.Fprintf(app.Out, "Images: %d\n", info.ImageCount)
	fmt.Fprintf(app.Out, "Base versions: %d\n", len(rec.BaseVersions))
	fmt.Fprintf(app.Out, "Variations: %d\n", len(rec.Variations))
	fmt.Fprintf(app.Out, "Last saved: %s\n", session.FormatRelativeTime(rec.SavedAt, time.Now()))
	return nil
}

func runSessionClear(ctx context.Context, app *App) error {
	e, err := app.openLocal(ctx)
	if err != nil {
		return err
	}
	defer e.Close(ctx)

	has, err := e.manager.HasSession(ctx)
	if err != nil {
		return err
	}
	if !has {
		fmt.Fprintln(app.Out, "No saved session, nothing to clear.")
		return nil
	}
	if err := e.manager.Clear(ctx); err != nil {
		return err
	}
	fmt.Fprintln(app.Out, "Session cleared.")
	return nil
}

func runSessionExport(ctx context.Context, app *App, dir string) error {
	e, err := app.openLocal(ctx)
	if err != nil {
		return err
	}
	defer e.Close(ctx)

	exporter := image.NewExporter(e.store)
	if flagExportFormat != "" {
		if exporter.Format, err = imageconv.ParseFormat(flagExportFormat); err != nil {
			return err
		}
	}

	rec, err := e.store.GetSession(ctx)
	if errors.Is(err, session.ErrNoSession) {
		fmt.Fprintln(app.Out, "No saved session, nothing to export.")
		return nil
	}
	if err != nil {
		return err
	}

	files, err := exporter.Export(ctx, rec, dir)
	if err != nil {
		return err
	}
	for _, f := range files {
		fmt.Fprintf(app.Out, "Saved: %s\n", f.Path)
	}
	fmt.Fprintf(app.Out, "Exported %d image(s).\n", len(files))
	return nil
}
