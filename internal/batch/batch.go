// Package batch runs one studio tool over a list of product images, the way
// an ad catalog is re-shot: same background or size, many products.
package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/coreyrab/statickit/internal/credits"
	"github.com/coreyrab/statickit/internal/imageconv"
	"github.com/coreyrab/statickit/internal/logger"
	"github.com/coreyrab/statickit/internal/security"
	"github.com/coreyrab/statickit/internal/studio"
)

type Studio interface {
	ChangeBackground(ctx context.Context, in studio.SceneInput) (*studio.Result, error)
	ChangeModel(ctx context.Context, in studio.SceneInput) (*studio.Result, error)
	Resize(ctx context.Context, in studio.ResizeInput) (*studio.Result, error)
	Edit(ctx context.Context, in studio.EditInput) (*studio.Result, error)
}

type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, string, error)
}

type Result struct {
	Index    int
	Image    string
	Path     string
	Credits  int
	Error    error
	Duration time.Duration
}

type Options struct {
	OutputDir string
	// Defaults for jobs that leave the field empty.
	Op        Operation
	Preset    string
	Prompt    string
	Size      string
	Recompose bool
	Model     string
	// Format converts every result. Empty keeps what the provider returned.
	Format      imageconv.Format
	Parallel    int
	StopOnError bool
	Delay       time.Duration
}

type Processor struct {
	studio  Studio
	fetcher Fetcher
	out     io.Writer
	err     io.Writer
	outMu   sync.Mutex
}

func NewProcessor(s Studio, fetcher Fetcher, out, errOut io.Writer) *Processor {
	return &Processor{
		studio:  s,
		fetcher: fetcher,
		out:     out,
		err:     errOut,
	}
}

func (p *Processor) printf(format string, args ...any) {
	p.outMu.Lock()
	fmt.Fprintf(p.out, format, args...)
	p.outMu.Unlock()
}

func (p *Processor) errorf(format string, args ...any) {
	p.outMu.Lock()
	fmt.Fprintf(p.err, format, args...)
	p.outMu.Unlock()
}

func (p *Processor) Process(ctx context.Context, jobs []Job, opts *Options) ([]Result, error) {
	if err := os.MkdirAll(opts.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	if opts.Parallel <= 1 {
		return p.processSequential(ctx, jobs, opts)
	}
	return p.processParallel(ctx, jobs, opts)
}

func (p *Processor) processSequential(ctx context.Context, jobs []Job, opts *Options) ([]Result, error) {
	results := make([]Result, 0, len(jobs))

	for i, job := range jobs {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		result := p.processJob(ctx, job, opts, i+1, len(jobs))
		results = append(results, result)

		if result.Error != nil && (opts.StopOnError || stopsBatch(result.Error)) {
			return results, fmt.Errorf("stopped at job %d: %w", job.Index, result.Error)
		}

		if opts.Delay > 0 && i < len(jobs)-1 {
			select {
			case <-ctx.Done():
				return results, ctx.Err()
			case <-time.After(opts.Delay):
			}
		}
	}

	return results, nil
}

func (p *Processor) processParallel(ctx context.Context, jobs []Job, opts *Options) ([]Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]Result, len(jobs))
	done := make([]bool, len(jobs))

	type task struct {
		pos int
		job Job
	}
	tasks := make(chan task)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	workers := min(opts.Parallel, len(jobs))
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range tasks {
				result := p.processJob(ctx, t.job, opts, t.pos+1, len(jobs))

				mu.Lock()
				results[t.pos] = result
				done[t.pos] = true
				if result.Error != nil && (opts.StopOnError || stopsBatch(result.Error)) && firstErr == nil {
					firstErr = fmt.Errorf("job %d: %w", t.job.Index, result.Error)
					cancel()
				}
				mu.Unlock()
			}
		}()
	}

feed:
	for i, job := range jobs {
		select {
		case <-ctx.Done():
			break feed
		case tasks <- task{pos: i, job: job}:
		}
	}
	close(tasks)
	wg.Wait()

	finished := make([]Result, 0, len(jobs))
	for i := range results {
		if done[i] {
			finished = append(finished, results[i])
		}
	}

	if firstErr != nil {
		return finished, fmt.Errorf("batch stopped due to error: %w", firstErr)
	}
	if len(finished) < len(jobs) {
		return finished, ctx.Err()
	}
	return finished, nil
}

func stopsBatch(err error) bool {
	return errors.Is(err, credits.ErrInsufficientCredits) || errors.Is(err, context.Canceled)
}

func (p *Processor) processJob(ctx context.Context, job Job, opts *Options, current, total int) Result {
	start := time.Now()
	result := Result{Index: job.Index, Image: job.Image}
	fail := func(err error) Result {
		result.Error = err
		result.Duration = time.Since(start)
		p.errorf("       Error: %v\n", err)
		return result
	}

	job = withDefaults(job, opts)
	p.printf("[%d/%d] %s: %s\n", current, total, job.Op, filepath.Base(job.Image))

	data, mimeType, err := p.fetcher.Fetch(ctx, job.Image)
	if err != nil {
		return fail(fmt.Errorf("failed to load image: %w", err))
	}
	img := studio.Image{Data: data, MimeType: mimeType}

	res, err := p.run(ctx, job, img)
	if err != nil {
		return fail(err)
	}

	path, err := p.save(job, res, opts)
	if err != nil {
		return fail(fmt.Errorf("save failed: %w", err))
	}

	result.Path = path
	result.Credits = res.Credits
	result.Duration = time.Since(start)
	p.printf("       Saved: %s (%d credit(s))\n", path, res.Credits)
	logger.Logger.Debug().
		Int("job", job.Index).
		Str("op", string(job.Op)).
		Int("credits", res.Credits).
		Dur("took", result.Duration).
		Msg("batch job done")
	return result
}

func (p *Processor) run(ctx context.Context, job Job, img studio.Image) (*studio.Result, error) {
	switch job.Op {
	case OpBackground:
		return p.studio.ChangeBackground(ctx, scene(job, img))
	case OpModel:
		return p.studio.ChangeModel(ctx, scene(job, img))
	case OpResize:
		return p.studio.Resize(ctx, studio.ResizeInput{
			Image:     img,
			Size:      job.Size,
			Recompose: job.Recompose,
			Model:     job.Model,
		})
	case OpEdit:
		return p.studio.Edit(ctx, studio.EditInput{Image: img, Instruction: job.Prompt, Model: job.Model})
	}
	return nil, fmt.Errorf("unknown op %q", job.Op)
}

func scene(job Job, img studio.Image) studio.SceneInput {
	return studio.SceneInput{
		Image:       img,
		PresetID:    job.Preset,
		Description: job.Prompt,
		Model:       job.Model,
	}
}

func withDefaults(job Job, opts *Options) Job {
	if job.Op == "" {
		job.Op = opts.Op
	}
	if job.Preset == "" && job.Prompt == "" {
		job.Preset = opts.Preset
		job.Prompt = opts.Prompt
	}
	if job.Size == "" {
		job.Size = opts.Size
	}
	if !job.Recompose {
		job.Recompose = opts.Recompose
	}
	if job.Model == "" {
		job.Model = opts.Model
	}
	return job
}

func (p *Processor) save(job Job, res *studio.Result, opts *Options) (string, error) {
	data := res.Data
	format, ok := imageconv.Detect(data)
	if opts.Format != "" && (!ok || format != opts.Format) {
		converted, err := imageconv.Convert(data, opts.Format)
		if err != nil {
			return "", err
		}
		data, format, ok = converted, opts.Format, true
	}
	if !ok {
		format = imageconv.PNG
	}

	path, err := security.JoinWithin(opts.OutputDir, outputName(job, format))
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", err
	}
	return path, nil
}

// outputName is "007-red-mug-background.png" for job 7 of red-mug.jpg.
func outputName(job Job, format imageconv.Format) string {
	base := filepath.Base(job.Image)
	if isRemote(job.Image) {
		base = "image"
	}
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	stem = strings.ToLower(strings.Join(strings.Fields(security.SanitizeFilename(stem)), "-"))
	if len(stem) > 50 {
		stem = strings.TrimRight(stem[:50], "-")
	}
	return fmt.Sprintf("%03d-%s-%s%s", job.Index, stem, job.Op, format.Ext())
}

func (p *Processor) PrintSummary(results []Result) {
	var successful, failed, spent int
	var errs []Result

	for _, r := range results {
		if r.Error != nil {
			failed++
			errs = append(errs, r)
		} else {
			successful++
			spent += r.Credits
		}
	}

	fmt.Fprintln(p.out)
	fmt.Fprintln(p.out, "Summary:")
	fmt.Fprintf(p.out, "  Successful: %d/%d images\n", successful, len(results))
	if failed > 0 {
		fmt.Fprintf(p.out, "  Failed: %d (see errors below)\n", failed)
	}
	fmt.Fprintf(p.out, "  Credits used: %d\n", spent)

	if len(errs) > 0 {
		fmt.Fprintln(p.out)
		fmt.Fprintln(p.out, "Errors:")
		for _, e := range errs {
			fmt.Fprintf(p.out, "  [%d] %s: %v\n", e.Index, filepath.Base(e.Image), e.Error)
		}
	}
}
