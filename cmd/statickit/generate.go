package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/coreyrab/statickit/internal/blob"
	"github.com/coreyrab/statickit/internal/credits"
	"github.com/coreyrab/statickit/internal/display"
	"github.com/coreyrab/statickit/pkg/models"
)

var (
	flagModel  string
	flagSize   string
	flagCount  int
	flagOutput string
	flagFormat string
	flagAPIKey string
	flagShow   bool
)

func newGenerateCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate <prompt>",
		Short: "Generate an ad image from a text prompt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return runGenerate(ctx, app, args[0])
		},
	}

	cmd.Flags().StringVarP(&flagModel, "model", "m", "gpt-image-1", "model to use (gpt-image-1, gemini-2.5-flash-image, wanx2.1-t2i-turbo)")
	cmd.Flags().StringVarP(&flagSize, "size", "s", "", "image size (e.g., 1024x1024)")
	cmd.Flags().IntVarP(&flagCount, "count", "n", 1, "number of images to generate")
	cmd.Flags().StringVarP(&flagOutput, "output", "o", "", "output filename")
	cmd.Flags().StringVarP(&flagFormat, "format", "f", "png", "output format (png, jpeg, webp)")
	cmd.Flags().StringVar(&flagAPIKey, "api-key", "", "API key for the model's provider")
	cmd.Flags().BoolVar(&flagShow, "show", false, "preview the images inline (kitty, ghostty, iTerm2, WezTerm)")

	return cmd
}

func runGenerate(ctx context.Context, app *App, prompt string) error {
	format := models.OutputFormat(flagFormat)
	if !format.IsValid() {
		return fmt.Errorf("invalid format %q: must be one of %v", flagFormat, models.ValidFormats())
	}

	caps, ok := app.Registry.Get(flagModel)
	if !ok {
		return fmt.Errorf("unknown model %q: available models: %v", flagModel, app.Registry.List())
	}

	req := models.NewRequest(prompt)
	req.Model = flagModel
	req.Size = flagSize
	req.Count = flagCount
	req.Format = format
	caps.ApplyDefaults(req)
	if err := caps.Validate(req); err != nil {
		return fmt.Errorf("invalid request: %w", err)
	}

	cfg, err := app.loadConfig()
	if err != nil {
		return err
	}
	explicit := map[models.ProviderType]string{caps.Provider: flagAPIKey}
	factory, err := app.buildFactory(cfg, explicit)
	if err != nil {
		return err
	}
	prov, err := factory.GetForModel(req.Model)
	if err != nil {
		return fmt.Errorf("%w: run 'statickit keys set %s' or set %s", err, caps.Provider, caps.Provider.EnvVar())
	}

	e, err := app.openEnv(ctx, cfg, nil, nil)
	if err != nil {
		return err
	}
	defer e.Close(context.Background())

	calc, err := app.calculator(cfg)
	if err != nil {
		return err
	}
	cost := calc.ImageCredits(credits.OpGenerate, req.Model, req.Size, req.Count)
	hold, err := e.ledger.Charge(ctx, credits.OpGenerate, req.Model, cost)
	if err != nil {
		return err
	}

	fmt.Fprintf(app.Out, "Generating %d image(s) with %s...\n", req.Count, req.Model)

	resp, err := prov.Generate(ctx, req)
	if err != nil {
		if hold.Delta < 0 {
			if _, rerr := e.ledger.Refund(context.WithoutCancel(ctx), hold, err.Error()); rerr != nil {
				fmt.Fprintf(app.Err, "Warning: failed to refund credits: %v\n", rerr)
			}
		}
		return fmt.Errorf("generation failed: %w", err)
	}

	saver := app.NewSaver()
	paths, err := saver.SaveAll(ctx, resp, flagOutput, format)
	if err != nil {
		return err
	}

	for _, path := range paths {
		fmt.Fprintf(app.Out, "Saved: %s\n", path)
	}

	if flagShow && display.IsTerminalSupported() {
		disp := display.New(app.Out, blob.NewFetcher(nil, blob.Options{}))
		disp.Columns = previewColumns
		if err := disp.DisplayAll(ctx, resp); err != nil {
			fmt.Fprintf(app.Err, "Warning: %v\n", err)
		}
	}

	if resp.RevisedPrompt != "" {
		fmt.Fprintf(app.Out, "Revised prompt: %s\n", resp.RevisedPrompt)
	}

	fmt.Fprintf(app.Out, "Done! Used %d credit(s).\n", cost)
	return nil
}
