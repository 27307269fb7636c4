package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/coreyrab/statickit/internal/batch"
	"github.com/coreyrab/statickit/internal/blob"
	"github.com/coreyrab/statickit/internal/imageconv"
	"github.com/coreyrab/statickit/internal/studio"
)

var (
	flagBatchOp        string
	flagBatchPreset    string
	flagBatchPrompt    string
	flagBatchSize      string
	flagBatchRecompose bool
	flagBatchModel     string
	flagBatchOutput    string
	flagBatchFormat    string
	flagBatchParallel  int
	flagBatchStop      bool
	flagBatchDelay     time.Duration
)

func newBatchCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch <file>",
		Short: "Run one studio tool over a list of product images",
		Long: `Run a background swap, model swap, resize or edit over many images.

The file is a .txt list of image paths or URLs, or a .json or .yaml list of
jobs with the fields image, op, preset, prompt, size, recompose and model.
Flags fill in whatever a job leaves out.

Examples:
  statickit batch catalog.txt --op background --preset beach
  statickit batch jobs.yaml -o out --parallel 3`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return runBatch(ctx, app, args[0])
		},
	}

	cmd.Flags().StringVar(&flagBatchOp, "op", "", "tool to run: background, model, resize or edit")
	cmd.Flags().StringVar(&flagBatchPreset, "preset", "", "background or model preset id")
	cmd.Flags().StringVarP(&flagBatchPrompt, "prompt", "p", "", "scene description or edit instruction")
	cmd.Flags().StringVarP(&flagBatchSize, "size", "s", "", "target size for resize, e.g. 1080x1920")
	cmd.Flags().BoolVar(&flagBatchRecompose, "recompose", false, "have the model extend the scene when resizing")
	cmd.Flags().StringVarP(&flagBatchModel, "model", "m", "", "edit model (defaults to gemini-2.5-flash-image)")
	cmd.Flags().StringVarP(&flagBatchOutput, "output", "o", ".", "output directory")
	cmd.Flags().StringVarP(&flagBatchFormat, "format", "f", "", "convert results to png, jpeg or webp")
	cmd.Flags().IntVar(&flagBatchParallel, "parallel", 1, "number of images processed at once")
	cmd.Flags().BoolVar(&flagBatchStop, "stop-on-error", false, "stop at the first failed image")
	cmd.Flags().DurationVar(&flagBatchDelay, "delay", 0, "pause between images when not parallel")

	return cmd
}

func runBatch(ctx context.Context, app *App, file string) error {
	opts := &batch.Options{
		OutputDir:   flagBatchOutput,
		Op:          batch.Operation(flagBatchOp),
		Preset:      flagBatchPreset,
		Prompt:      flagBatchPrompt,
		Size:        flagBatchSize,
		Recompose:   flagBatchRecompose,
		Model:       flagBatchModel,
		Parallel:    flagBatchParallel,
		StopOnError: flagBatchStop,
		Delay:       flagBatchDelay,
	}
	if opts.Op != "" && !opts.Op.IsValid() {
		return fmt.Errorf("invalid op %q: must be background, model, resize or edit", flagBatchOp)
	}
	if flagBatchFormat != "" {
		format, err := imageconv.ParseFormat(flagBatchFormat)
		if err != nil {
			return err
		}
		opts.Format = format
	}

	jobs, err := batch.ParseFile(file)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if job.Op == "" && opts.Op == "" {
			return fmt.Errorf("job %d has no op: pass --op or set op in the file", job.Index)
		}
	}

	cfg, err := app.loadConfig()
	if err != nil {
		return err
	}
	e, err := app.openEnv(ctx, cfg, nil, nil)
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
		Fetcher:    blob.NewFetcher(nil, blob.Options{StrictHosts: true}),
	})

	fmt.Fprintf(app.Out, "Processing %d image(s)...\n", len(jobs))
	proc := batch.NewProcessor(svc, blob.NewFetcher(nil, blob.Options{AllowFiles: true}), app.Out, app.Err)
	results, err := proc.Process(ctx, jobs, opts)
	proc.PrintSummary(results)
	return err
}
