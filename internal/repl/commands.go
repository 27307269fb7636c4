package repl

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/coreyrab/statickit/internal/imageconv"
	"github.com/coreyrab/statickit/internal/session"
	"github.com/coreyrab/statickit/internal/studio"
)

type Command interface {
	Name() string
	Aliases() []string
	Description() string
	Usage() string
	Execute(ctx context.Context, r *REPL, args []string) error
}

func allCommands() []Command {
	return []Command{
		&OpenCommand{},
		&AnalyzeCommand{},
		&BackgroundCommand{},
		&SwapCommand{},
		&EditCommand{},
		&ResizeCommand{},
		&UndoCommand{},
		&GotoCommand{},
		&HistoryCommand{},
		&BranchesCommand{},
		&SwitchCommand{},
		&ShowCommand{},
		&SaveCommand{},
		&ExportCommand{},
		&PresetsCommand{},
		&ModelCommand{},
		&InfoCommand{},
		&CreditsCommand{},
		&ClearCommand{},
		&HelpCommand{},
		&QuitCommand{},
	}
}

func (r *REPL) registerCommands() {
	for _, cmd := range allCommands() {
		r.commands[cmd.Name()] = cmd
		for _, alias := range cmd.Aliases() {
			r.commands[alias] = cmd
		}
	}
}

// OpenCommand starts a new session from an image file or URL
type OpenCommand struct{}

func (c *OpenCommand) Name() string        { return "open" }
func (c *OpenCommand) Aliases() []string   { return []string{"o", "load"} }
func (c *OpenCommand) Description() string { return "Open an ad image, replacing the current session" }
func (c *OpenCommand) Usage() string       { return "open <path|url>" }

func (c *OpenCommand) Execute(ctx context.Context, r *REPL, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: %s", c.Usage())
	}
	base, err := r.open(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "Opened %s (%s)\n", r.state.UploadedImage.Name, r.state.UploadedImage.MimeType)
	r.preview(ctx, base.Versions[0].URL)
	return nil
}

// AnalyzeCommand describes the current image
type AnalyzeCommand struct{}

func (c *AnalyzeCommand) Name() string        { return "analyze" }
func (c *AnalyzeCommand) Aliases() []string   { return []string{"a"} }
func (c *AnalyzeCommand) Description() string { return "Describe the product, scene and style of the image" }
func (c *AnalyzeCommand) Usage() string       { return "analyze" }

func (c *AnalyzeCommand) Execute(ctx context.Context, r *REPL, _ []string) error {
	_, img, err := r.current()
	if err != nil {
		return err
	}
	fmt.Fprintln(r.out, "Analyzing...")
	res, err := r.studio.Analyze(ctx, studio.AnalyzeInput{Image: img})
	if err != nil {
		return fmt.Errorf("analysis failed: %w", err)
	}
	r.state.Analysis = res.Analysis
	r.changed()

	printAnalysis(r, res.Analysis)
	fmt.Fprintf(r.out, "Used %d credit(s) (%s)\n", res.Credits, res.Model)
	return nil
}

func printAnalysis(r *REPL, a *session.Analysis) {
	rows := []struct{ label, value string }{
		{"Summary", a.Summary},
		{"Subject", a.Subject},
		{"Background", a.Background},
		{"Model", a.Model},
		{"Style", a.Style},
		{"Colors", strings.Join(a.Colors, ", ")},
	}
	for _, row := range rows {
		if row.value != "" {
			fmt.Fprintf(r.out, "%-11s %s\n", row.label+":", row.value)
		}
	}
	for _, s := range a.Suggestions {
		fmt.Fprintf(r.out, "  - %s\n", s)
	}
}

// BackgroundCommand puts the product in a new scene
type BackgroundCommand struct{}

func (c *BackgroundCommand) Name() string        { return "background" }
func (c *BackgroundCommand) Aliases() []string   { return []string{"bg"} }
func (c *BackgroundCommand) Description() string { return "Replace the background with a preset or description" }
func (c *BackgroundCommand) Usage() string {
	return "background <preset|description> [--ref <path>]..."
}

func (c *BackgroundCommand) Execute(ctx context.Context, r *REPL, args []string) error {
	args, refs := takeFlag(args, "--ref")
	if len(args) == 0 && len(refs) == 0 {
		return fmt.Errorf("usage: %s", c.Usage())
	}
	return runScene(ctx, r, session.KindBackground, args, refs)
}

// SwapCommand replaces the person wearing or holding the product
type SwapCommand struct{}

func (c *SwapCommand) Name() string        { return "swap" }
func (c *SwapCommand) Aliases() []string   { return []string{"person"} }
func (c *SwapCommand) Description() string { return "Swap the model in the ad for a preset or described person" }
func (c *SwapCommand) Usage() string       { return "swap <preset|description> [--ref <path>]..." }

func (c *SwapCommand) Execute(ctx context.Context, r *REPL, args []string) error {
	args, refs := takeFlag(args, "--ref")
	if len(args) == 0 && len(refs) == 0 {
		return fmt.Errorf("usage: %s", c.Usage())
	}
	return runScene(ctx, r, session.KindModel, args, refs)
}

// runScene runs the background or model tool into a new variation. A single
// argument naming a preset selects it; anything else is a description.
func runScene(ctx context.Context, r *REPL, kind session.VariationKind, args, refPaths []string) error {
	_, img, err := r.current()
	if err != nil {
		return err
	}

	presets := r.studio.Presets()
	lookup, list := presets.Background, &r.state.References.Background
	if kind == session.KindModel {
		lookup, list = presets.Model, &r.state.References.Model
	}

	refs, err := r.addReferences(ctx, list, refPaths)
	if err != nil {
		return err
	}

	in := studio.SceneInput{Image: img, References: refs, Model: r.editModel()}
	name := "reference"
	tools := &r.state.Tools
	tools.ActiveTool = string(kind)
	tools.CustomPrompt = ""
	if len(args) == 1 {
		if p, err := lookup(args[0]); err == nil {
			in.PresetID, name = p.ID, p.Name
		}
	}
	if in.PresetID == "" && len(args) > 0 {
		in.Description = strings.Join(args, " ")
		name = truncate(in.Description, 32)
		tools.CustomPrompt = in.Description
	}
	if kind == session.KindModel {
		tools.ModelPresetID = in.PresetID
	} else {
		tools.BackgroundPresetID = in.PresetID
	}

	previous := r.state.ActiveVariationID
	v := r.newVariation(kind, name, strings.Join(args, " "))
	id := v.ID
	fmt.Fprintf(r.out, "Working on %s with %s...\n", kind, in.Model)

	var res *studio.Result
	if kind == session.KindModel {
		res, err = r.studio.ChangeModel(ctx, in)
	} else {
		res, err = r.studio.ChangeBackground(ctx, in)
	}
	if err != nil {
		r.dropVariation(id, previous)
		return fmt.Errorf("%s failed: %w", kind, err)
	}

	v, err = r.state.Variation(id)
	if err != nil {
		return err
	}
	if err := r.finish(&v.Branch, 0, res, nil); err != nil {
		return err
	}
	fmt.Fprintf(r.out, "New %s variation %q. Used %d credit(s).\n", kind, name, res.Credits)
	r.preview(ctx, v.Versions[0].URL)
	return nil
}

func (r *REPL) addReferences(ctx context.Context, list *[]session.ReferenceImage, paths []string) ([][]byte, error) {
	var refs [][]byte
	for _, path := range paths {
		data, mimeType, err := r.fetcher.Fetch(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("failed to load reference %s: %w", path, err)
		}
		*list = append(*list, session.ReferenceImage{
			ID:   uuid.NewString(),
			URL:  r.objects().CreateFromData(data, mimeType),
			Name: filepath.Base(path),
		})
		refs = append(refs, data)
	}
	return refs, nil
}

// EditCommand applies a free-form instruction to the current image
type EditCommand struct{}

func (c *EditCommand) Name() string        { return "edit" }
func (c *EditCommand) Aliases() []string   { return []string{"e"} }
func (c *EditCommand) Description() string { return "Edit the current image with an instruction" }
func (c *EditCommand) Usage() string       { return "edit <instruction> [--ref <path>]..." }

func (c *EditCommand) Execute(ctx context.Context, r *REPL, args []string) error {
	args, refPaths := takeFlag(args, "--ref")
	if len(args) == 0 {
		return fmt.Errorf("usage: %s", c.Usage())
	}
	b, img, err := r.current()
	if err != nil {
		return err
	}
	refs, err := r.addReferences(ctx, &r.state.References.Edit, refPaths)
	if err != nil {
		return err
	}

	instruction := strings.Join(args, " ")
	r.state.Tools.ActiveTool = string(session.KindEdit)
	r.state.Tools.CustomPrompt = instruction
	idx := b.AddVersion(session.ImageVersion{Prompt: instruction})

	model := r.editModel()
	fmt.Fprintf(r.out, "Editing with %s...\n", model)
	res, err := r.studio.Edit(ctx, studio.EditInput{
		Image:       img,
		Instruction: instruction,
		References:  refs,
		Model:       model,
	})
	if err := r.finish(b, idx, res, err); err != nil {
		return fmt.Errorf("edit failed: %w", err)
	}

	fmt.Fprintf(r.out, "Version %d saved. Used %d credit(s).\n", idx+1, res.Credits)
	r.preview(ctx, b.Versions[idx].URL)
	return nil
}

// ResizeCommand renders the current image at another ad size
type ResizeCommand struct{}

func (c *ResizeCommand) Name() string        { return "resize" }
func (c *ResizeCommand) Aliases() []string   { return []string{"r"} }
func (c *ResizeCommand) Description() string { return "Render the current image at a target size" }
func (c *ResizeCommand) Usage() string       { return "resize <WIDTHxHEIGHT> [--recompose]" }

func (c *ResizeCommand) Execute(ctx context.Context, r *REPL, args []string) error {
	args, recompose := hasFlag(args, "--recompose")
	if len(args) != 1 {
		return fmt.Errorf("usage: %s", c.Usage())
	}
	size := strings.ToLower(args[0])
	if _, _, err := imageconv.ParseSize(size); err != nil {
		return err
	}
	b, img, err := r.current()
	if err != nil {
		return err
	}

	tools := &r.state.Tools
	tools.ActiveTool = string(session.KindResize)
	if !slices.Contains(tools.ResizeTargets, size) {
		tools.ResizeTargets = append(tools.ResizeTargets, size)
	}
	b.SetResized(session.ResizedImage{Size: size, Status: session.StatusProcessing})

	res, err := r.studio.Resize(ctx, studio.ResizeInput{
		Image:     img,
		Size:      size,
		Recompose: recompose,
		Model:     r.editModel(),
	})
	if err != nil {
		b.SetResized(session.ResizedImage{Size: size, Status: session.StatusError, Error: err.Error()})
		r.changed()
		return fmt.Errorf("resize failed: %w", err)
	}

	url := r.objects().CreateFromData(res.Data, res.MimeType)
	b.SetResized(session.ResizedImage{Size: size, URL: url, Status: session.StatusCompleted})
	r.changed()

	fmt.Fprintf(r.out, "Resized to %s. Used %d credit(s).\n", size, res.Credits)
	r.preview(ctx, url)
	return nil
}

// UndoCommand moves back to the parent version
type UndoCommand struct{}

func (c *UndoCommand) Name() string        { return "undo" }
func (c *UndoCommand) Aliases() []string   { return []string{"u", "back"} }
func (c *UndoCommand) Description() string { return "Go back to the previous version" }
func (c *UndoCommand) Usage() string       { return "undo" }

func (c *UndoCommand) Execute(ctx context.Context, r *REPL, _ []string) error {
	if !r.hasImage() {
		return ErrNoImage
	}
	b, err := r.state.ActiveBranch()
	if err != nil {
		return err
	}
	prev, err := b.Undo()
	if err != nil {
		return err
	}
	r.changed()

	fmt.Fprintf(r.out, "Reverted to v%d: %s\n", b.CurrentIndex+1, describeVersion(prev))
	r.preview(ctx, prev.URL)
	return nil
}

// GotoCommand selects any version of the active branch
type GotoCommand struct{}

func (c *GotoCommand) Name() string        { return "goto" }
func (c *GotoCommand) Aliases() []string   { return []string{"v"} }
func (c *GotoCommand) Description() string { return "Select a version; later edits branch from it" }
func (c *GotoCommand) Usage() string       { return "goto <version>" }

func (c *GotoCommand) Execute(ctx context.Context, r *REPL, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: %s", c.Usage())
	}
	if !r.hasImage() {
		return ErrNoImage
	}
	b, err := r.state.ActiveBranch()
	if err != nil {
		return err
	}
	n, err := parseIndex(args[0], len(b.Versions))
	if err != nil {
		return err
	}
	if err := b.Select(n); err != nil {
		return err
	}
	r.changed()

	v := &b.Versions[n]
	fmt.Fprintf(r.out, "Selected v%d: %s\n", n+1, describeVersion(v))
	r.preview(ctx, v.URL)
	return nil
}

func describeVersion(v *session.ImageVersion) string {
	if v.Prompt == "" {
		return "(original)"
	}
	return fmt.Sprintf("%q", truncate(v.Prompt, 50))
}
