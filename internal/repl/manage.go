package repl

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/coreyrab/statickit/internal/image"
	"github.com/coreyrab/statickit/internal/imageconv"
	"github.com/coreyrab/statickit/internal/security"
	"github.com/coreyrab/statickit/internal/session"
)

// HistoryCommand shows the versions leading to the current one
type HistoryCommand struct{}

func (c *HistoryCommand) Name() string        { return "history" }
func (c *HistoryCommand) Aliases() []string   { return []string{"h", "hist"} }
func (c *HistoryCommand) Description() string { return "Show the versions of the active branch" }
func (c *HistoryCommand) Usage() string       { return "history" }

func (c *HistoryCommand) Execute(_ context.Context, r *REPL, _ []string) error {
	if !r.hasImage() {
		return ErrNoImage
	}
	b, err := r.state.ActiveBranch()
	if err != nil {
		return err
	}

	now := time.Now()
	for i := range b.Versions {
		v := &b.Versions[i]
		marker := "  "
		if i == b.CurrentIndex {
			marker = "> "
		}
		status := ""
		if v.Status != session.StatusCompleted {
			status = " [" + string(v.Status) + "]"
		}
		fmt.Fprintf(r.out, "%s[v%d] %-14s %s%s\n",
			marker,
			i+1,
			session.FormatRelativeTime(v.CreatedAt, now),
			describeVersion(v),
			status)
	}
	return nil
}

// BranchesCommand lists base versions and variations
type BranchesCommand struct{}

func (c *BranchesCommand) Name() string        { return "branches" }
func (c *BranchesCommand) Aliases() []string   { return []string{"b", "ls"} }
func (c *BranchesCommand) Description() string { return "List the base image and its variations" }
func (c *BranchesCommand) Usage() string       { return "branches" }

func (c *BranchesCommand) Execute(_ context.Context, r *REPL, _ []string) error {
	refs := r.branches()
	if len(refs) == 0 {
		return ErrNoImage
	}

	fmt.Fprintf(r.out, "    %-3s  %-10s  %-32s  %s\n", "#", "Kind", "Name", "Versions")
	fmt.Fprintln(r.out, strings.Repeat("-", 62))
	for i, ref := range refs {
		marker := "  "
		if r.isActive(ref) {
			marker = "> "
		}
		var sizes []string
		for _, rz := range ref.branch.Resized {
			if rz.Status == session.StatusCompleted {
				sizes = append(sizes, rz.Size)
			}
		}
		extra := ""
		if len(sizes) > 0 {
			extra = " (" + strings.Join(sizes, ", ") + ")"
		}
		fmt.Fprintf(r.out, "%s  %-3d  %-10s  %-32s  %d%s\n",
			marker, i+1, ref.label, truncate(ref.branch.Name, 32), len(ref.branch.Versions), extra)
	}
	return nil
}

// SwitchCommand makes another branch active
type SwitchCommand struct{}

func (c *SwitchCommand) Name() string        { return "switch" }
func (c *SwitchCommand) Aliases() []string   { return []string{"sw"} }
func (c *SwitchCommand) Description() string { return "Switch to a branch listed by 'branches'" }
func (c *SwitchCommand) Usage() string       { return "switch <number>" }

func (c *SwitchCommand) Execute(ctx context.Context, r *REPL, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: %s", c.Usage())
	}
	refs := r.branches()
	if len(refs) == 0 {
		return ErrNoImage
	}
	n, err := parseIndex(args[0], len(refs))
	if err != nil {
		return err
	}

	ref := refs[n]
	r.activate(ref)
	fmt.Fprintf(r.out, "Switched to %s %q\n", ref.label, ref.branch.Name)
	if v, err := ref.branch.Current(); err == nil {
		r.preview(ctx, v.URL)
	}
	return nil
}

// ShowCommand previews the current image
type ShowCommand struct{}

func (c *ShowCommand) Name() string        { return "show" }
func (c *ShowCommand) Aliases() []string   { return []string{"display", "view"} }
func (c *ShowCommand) Description() string { return "Display the current image or one of its sizes" }
func (c *ShowCommand) Usage() string       { return "show [WIDTHxHEIGHT]" }

func (c *ShowCommand) Execute(ctx context.Context, r *REPL, args []string) error {
	if r.displayer == nil {
		return errors.New("terminal does not support inline images")
	}
	b, img, err := r.current()
	if err != nil {
		return err
	}
	if len(args) == 0 {
		return r.displayer.Show(img.Data)
	}
	for _, rz := range b.Resized {
		if rz.Size == strings.ToLower(args[0]) && rz.Status == session.StatusCompleted {
			return r.displayer.ShowURL(ctx, rz.URL)
		}
	}
	return fmt.Errorf("no %s rendition of this branch", args[0])
}

// SaveCommand writes the current image to a file
type SaveCommand struct{}

func (c *SaveCommand) Name() string        { return "save" }
func (c *SaveCommand) Aliases() []string   { return []string{"s"} }
func (c *SaveCommand) Description() string { return "Save the current image; the extension picks the format" }
func (c *SaveCommand) Usage() string       { return "save [filename]" }

func (c *SaveCommand) Execute(_ context.Context, r *REPL, args []string) error {
	b, img, err := r.current()
	if err != nil {
		return err
	}

	format, ok := imageconv.Detect(img.Data)
	if !ok {
		format = imageconv.PNG
	}
	var destPath string
	if len(args) > 0 {
		destPath = args[0]
		if err := security.ValidateSavePath(destPath); err != nil {
			return fmt.Errorf("invalid save path: %w", err)
		}
	} else {
		name := security.SanitizeFilename(b.Name)
		if name == "" {
			name = "image"
		}
		destPath = fmt.Sprintf("statickit-%s-v%d%s", strings.ToLower(name), b.CurrentIndex+1, format.Ext())
	}

	data := img.Data
	if want, err := imageconv.ParseFormat(filepath.Ext(destPath)); err == nil && want != format {
		if data, err = imageconv.Convert(data, want); err != nil {
			return err
		}
	}
	if err := os.WriteFile(destPath, data, 0644); err != nil {
		return fmt.Errorf("failed to save image: %w", err)
	}

	fmt.Fprintf(r.out, "Saved: %s (%s)\n", destPath, humanize.IBytes(uint64(len(data))))
	return nil
}

// ExportCommand writes every image of the saved session to a directory
type ExportCommand struct{}

func (c *ExportCommand) Name() string        { return "export" }
func (c *ExportCommand) Aliases() []string   { return nil }
func (c *ExportCommand) Description() string { return "Save the session and export all of its images" }
func (c *ExportCommand) Usage() string       { return "export <dir> [--format png|jpeg|webp]" }

func (c *ExportCommand) Execute(ctx context.Context, r *REPL, args []string) error {
	args, formats := takeFlag(args, "--format")
	if len(args) != 1 {
		return fmt.Errorf("usage: %s", c.Usage())
	}
	if !r.hasImage() {
		return ErrNoImage
	}
	exp := image.NewExporter(r.manager.Store())
	if len(formats) > 0 {
		f, err := imageconv.ParseFormat(formats[len(formats)-1])
		if err != nil {
			return err
		}
		exp.Format = f
	}

	if err := r.manager.Flush(ctx); err != nil {
		return err
	}
	rec, err := r.manager.Store().GetSession(ctx)
	if err != nil {
		return err
	}
	files, err := exp.Export(ctx, rec, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "Exported %d file(s) to %s\n", len(files), args[0])
	return nil
}

// PresetsCommand lists the background and model presets
type PresetsCommand struct{}

func (c *PresetsCommand) Name() string        { return "presets" }
func (c *PresetsCommand) Aliases() []string   { return []string{"p"} }
func (c *PresetsCommand) Description() string { return "List background and model presets" }
func (c *PresetsCommand) Usage() string       { return "presets" }

func (c *PresetsCommand) Execute(_ context.Context, r *REPL, _ []string) error {
	presets := r.studio.Presets()
	fmt.Fprintln(r.out, "Backgrounds:")
	for _, p := range presets.Backgrounds {
		fmt.Fprintf(r.out, "  %-14s %s\n", p.ID, p.Name)
	}
	fmt.Fprintln(r.out, "Models:")
	for _, p := range presets.Models {
		fmt.Fprintf(r.out, "  %-14s %s\n", p.ID, p.Name)
	}
	return nil
}

// ModelCommand gets or sets the AI model used by the editing tools
type ModelCommand struct{}

func (c *ModelCommand) Name() string        { return "model" }
func (c *ModelCommand) Aliases() []string   { return []string{"m"} }
func (c *ModelCommand) Description() string { return "Get or set the AI model used for edits" }
func (c *ModelCommand) Usage() string       { return "model [name]" }

func (c *ModelCommand) Execute(_ context.Context, r *REPL, args []string) error {
	if len(args) == 0 {
		fmt.Fprintf(r.out, "Current model: %s\n", r.editModel())
		fmt.Fprintln(r.out, "\nAvailable models:")
		for _, name := range r.registry.List() {
			caps, _ := r.registry.Get(name)
			if !caps.SupportsEdit {
				continue
			}
			fmt.Fprintf(r.out, "  - %s (%s)\n", name, caps.Provider)
		}
		return nil
	}

	name := args[0]
	caps, ok := r.registry.Get(name)
	if !ok {
		return fmt.Errorf("unknown model: %s", name)
	}
	if !caps.SupportsEdit {
		return fmt.Errorf("model %s does not support editing", name)
	}
	r.model = name
	if r.state != nil {
		r.state.Tools.Model = name
		r.state.Tools.Provider = string(caps.Provider)
		r.changed()
	}
	fmt.Fprintf(r.out, "Model set to: %s\n", name)
	return nil
}

// InfoCommand reports what the saved session holds
type InfoCommand struct{}

func (c *InfoCommand) Name() string        { return "info" }
func (c *InfoCommand) Aliases() []string   { return []string{"i", "status"} }
func (c *InfoCommand) Description() string { return "Show session storage and save status" }
func (c *InfoCommand) Usage() string       { return "info" }

func (c *InfoCommand) Execute(ctx context.Context, r *REPL, _ []string) error {
	info, err := r.manager.Info(ctx)
	if err != nil {
		return err
	}
	size := info.Size
	if info.QuotaBytes > 0 {
		size += " of " + session.FormatBytes(info.QuotaBytes)
	}
	fmt.Fprintf(r.out, "Saved images: %d (%s)\n", info.ImageCount, size)
	fmt.Fprintf(r.out, "Last saved:   %s\n", info.LastSavedAgo)
	fmt.Fprintf(r.out, "Save state:   %s\n", info.SaveState)
	if info.LastError != "" {
		fmt.Fprintf(r.out, "Last error:   %s\n", info.LastError)
	}
	return nil
}

// CreditsCommand shows the credit balance and recent usage
type CreditsCommand struct{}

func (c *CreditsCommand) Name() string        { return "credits" }
func (c *CreditsCommand) Aliases() []string   { return []string{"$", "cost"} }
func (c *CreditsCommand) Description() string { return "Show the credit balance and recent usage" }
func (c *CreditsCommand) Usage() string       { return "credits" }

func (c *CreditsCommand) Execute(ctx context.Context, r *REPL, _ []string) error {
	if r.ledger == nil {
		fmt.Fprintln(r.out, "Credits are not tracked.")
		return nil
	}
	balance, err := r.ledger.Balance(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "Balance: %s credit(s)\n", humanize.Comma(int64(balance)))

	entries, err := r.ledger.History(ctx, 5)
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Fprintf(r.out, "  %+5d  %-10s  %-24s  %s\n", e.Delta, e.Operation, e.Model, humanize.Time(e.CreatedAt))
	}
	return nil
}

// ClearCommand discards the session
type ClearCommand struct{}

func (c *ClearCommand) Name() string        { return "clear" }
func (c *ClearCommand) Aliases() []string   { return []string{"reset"} }
func (c *ClearCommand) Description() string { return "Delete the saved session and every image in it" }
func (c *ClearCommand) Usage() string       { return "clear" }

func (c *ClearCommand) Execute(ctx context.Context, r *REPL, _ []string) error {
	if err := r.manager.Clear(ctx); err != nil {
		return err
	}
	r.state = nil
	fmt.Fprintln(r.out, "Session cleared.")
	return nil
}

// HelpCommand shows available commands
type HelpCommand struct{}

func (c *HelpCommand) Name() string        { return "help" }
func (c *HelpCommand) Aliases() []string   { return []string{"?"} }
func (c *HelpCommand) Description() string { return "Show available commands" }
func (c *HelpCommand) Usage() string       { return "help" }

func (c *HelpCommand) Execute(_ context.Context, r *REPL, _ []string) error {
	fmt.Fprintln(r.out, "Available commands:")
	fmt.Fprintln(r.out)

	for _, cmd := range allCommands() {
		aliases := ""
		if len(cmd.Aliases()) > 0 {
			aliases = fmt.Sprintf(" (%s)", strings.Join(cmd.Aliases(), ", "))
		}
		fmt.Fprintf(r.out, "  %-22s%s\n", cmd.Name()+aliases, cmd.Description())
		fmt.Fprintf(r.out, "  %-22sUsage: %s\n", "", cmd.Usage())
	}

	return nil
}

// QuitCommand exits the editor
type QuitCommand struct{}

func (c *QuitCommand) Name() string        { return "quit" }
func (c *QuitCommand) Aliases() []string   { return []string{"exit", "q"} }
func (c *QuitCommand) Description() string { return "Save and exit" }
func (c *QuitCommand) Usage() string       { return "quit" }

func (c *QuitCommand) Execute(_ context.Context, r *REPL, _ []string) error {
	fmt.Fprintln(r.out, "Goodbye!")
	r.Stop()
	return nil
}

func takeFlag(args []string, name string) (rest, values []string) {
	for i := 0; i < len(args); i++ {
		if args[i] == name && i+1 < len(args) {
			values = append(values, args[i+1])
			i++
			continue
		}
		rest = append(rest, args[i])
	}
	return rest, values
}

func hasFlag(args []string, name string) ([]string, bool) {
	var rest []string
	found := false
	for _, a := range args {
		if a == name {
			found = true
			continue
		}
		rest = append(rest, a)
	}
	return rest, found
}

// parseIndex turns a 1-based position into an index below n.
func parseIndex(s string, n int) (int, error) {
	i, err := strconv.Atoi(strings.TrimPrefix(strings.ToLower(s), "v"))
	if err != nil || i < 1 || i > n {
		return 0, fmt.Errorf("expected a number from 1 to %d, got %q", n, s)
	}
	return i - 1, nil
}
