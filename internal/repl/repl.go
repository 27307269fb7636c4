// Package repl is the interactive terminal editor. It keeps one editing
// session in memory, runs the studio tools against it and saves it through
// the session manager after every change.
package repl

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/coreyrab/statickit/internal/credits"
	"github.com/coreyrab/statickit/internal/display"
	"github.com/coreyrab/statickit/internal/logger"
	"github.com/coreyrab/statickit/internal/session"
	"github.com/coreyrab/statickit/internal/studio"
	"github.com/coreyrab/statickit/pkg/models"
)

type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, string, error)
}

type Balance interface {
	Balance(ctx context.Context) (int, error)
	History(ctx context.Context, limit int) ([]credits.Entry, error)
}

type REPL struct {
	in        io.Reader
	out       io.Writer
	err       io.Writer
	studio    *studio.Service
	registry  *models.ModelRegistry
	manager   *session.Manager
	ledger    Balance
	fetcher   Fetcher
	displayer *display.Displayer
	commands  map[string]Command
	running   bool

	state *session.State
	model string
}

type Config struct {
	In       io.Reader
	Out      io.Writer
	Err      io.Writer
	Studio   *studio.Service
	Registry *models.ModelRegistry
	Manager  *session.Manager
	Ledger   Balance
	Fetcher  Fetcher
	// Displayer previews images inline. Nil turns previews off.
	Displayer *display.Displayer
}

func New(cfg *Config) *REPL {
	r := &REPL{
		in:        cfg.In,
		out:       cfg.Out,
		err:       cfg.Err,
		studio:    cfg.Studio,
		registry:  cfg.Registry,
		manager:   cfg.Manager,
		ledger:    cfg.Ledger,
		fetcher:   cfg.Fetcher,
		displayer: cfg.Displayer,
		commands:  make(map[string]Command),
	}
	r.registerCommands()
	return r
}

func (r *REPL) State() *session.State {
	return r.state
}

func (r *REPL) Restore(ctx context.Context) error {
	st, err := r.manager.Restore(ctx)
	if errors.Is(err, session.ErrNoSession) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to restore session: %w", err)
	}
	r.state = st
	return nil
}

func (r *REPL) Open(ctx context.Context, source string) error {
	return (&OpenCommand{}).Execute(ctx, r, []string{source})
}

func (r *REPL) Run(ctx context.Context) error {
	r.running = true
	r.printWelcome()

	scanner := bufio.NewScanner(r.in)
	for r.running {
		r.printPrompt()
		if !scanner.Scan() {
			break
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if err := r.execute(ctx, line); err != nil {
			fmt.Fprintf(r.err, "Error: %v\n", err)
		}
	}

	if err := r.manager.Flush(context.WithoutCancel(ctx)); err != nil {
		logger.Logger.Warn().Err(err).Msg("final session save failed")
		fmt.Fprintf(r.err, "Warning: session not saved: %v\n", err)
	}
	return scanner.Err()
}

func (r *REPL) execute(ctx context.Context, line string) error {
	parts := parseCommand(line)
	if len(parts) == 0 {
		return nil
	}

	cmdName := strings.ToLower(parts[0])
	args := parts[1:]

	cmd, ok := r.commands[cmdName]
	if !ok {
		return fmt.Errorf("unknown command: %s (type 'help' for available commands)", cmdName)
	}

	return cmd.Execute(ctx, r, args)
}

func (r *REPL) Stop() {
	r.running = false
}

func (r *REPL) printWelcome() {
	fmt.Fprintln(r.out, "statickit editor")
	if r.hasImage() {
		fmt.Fprintf(r.out, "Restored session: %s (%d base, %d variation(s))\n",
			r.state.UploadedImage.Name, len(r.state.BaseVersions), len(r.state.Variations))
	}
	fmt.Fprintln(r.out, "Type 'help' for available commands, 'quit' to exit.")
	fmt.Fprintln(r.out)
}

func (r *REPL) printPrompt() {
	model := r.editModel()
	if !r.hasImage() {
		fmt.Fprintf(r.out, "statickit [%s]> ", model)
		return
	}
	label := "base"
	if v, err := r.state.Variation(r.state.ActiveVariationID); err == nil {
		label = string(v.Kind)
	}
	b, err := r.state.ActiveBranch()
	if err != nil {
		fmt.Fprintf(r.out, "statickit [%s]> ", model)
		return
	}
	fmt.Fprintf(r.out, "statickit [%s] (%s v%d)> ", model, label, b.CurrentIndex+1)
}

// editModel is the model chosen with 'model', then the one the session was
// last edited with, then the default edit model.
func (r *REPL) editModel() string {
	if r.model != "" {
		return r.model
	}
	if r.state != nil && r.state.Tools.Model != "" {
		return r.state.Tools.Model
	}
	return models.DefaultEditModel
}

func (r *REPL) preview(ctx context.Context, url string) {
	if r.displayer == nil || url == "" {
		return
	}
	if err := r.displayer.ShowURL(ctx, url); err != nil {
		fmt.Fprintf(r.err, "Warning: failed to display: %v\n", err)
	}
}

func parseCommand(line string) []string {
	var parts []string
	var current strings.Builder
	inQuotes := false
	quoteChar := rune(0)

	for _, ch := range line {
		switch {
		case ch == '"' || ch == '\'':
			if inQuotes && ch == quoteChar {
				inQuotes = false
				quoteChar = 0
			} else if !inQuotes {
				inQuotes = true
				quoteChar = ch
			} else {
				current.WriteRune(ch)
			}
		case ch == ' ' && !inQuotes:
			if current.Len() > 0 {
				parts = append(parts, current.String())
				current.Reset()
			}
		default:
			current.WriteRune(ch)
		}
	}

	if current.Len() > 0 {
		parts = append(parts, current.String())
	}

	return parts
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
