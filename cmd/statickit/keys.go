package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/coreyrab/statickit/internal/keys"
	"github.com/coreyrab/statickit/pkg/models"
)

// Stdin is read by the editor, and by "keys set" when the key is not passed
// as an argument.
var Stdin io.Reader = os.Stdin

func newKeysCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage encrypted provider API keys",
		Long: `Provider API keys are stored sealed with AES-256-GCM. The sealing key is
derived from STATICKIT_KEYS_SECRET, which must be set for every keys command.`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "set <provider> [key]",
		Short: "Store a key, reading it from stdin when omitted",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeysSet(app, args)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "get <provider>",
		Short: "Show a stored key, masked",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeysGet(app, args[0])
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "delete <provider>",
		Short: "Remove a stored key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeysDelete(app, args[0])
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List providers and where their key comes from",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeysList(app)
		},
	})
	return cmd
}

func parseProvider(name string) (models.ProviderType, error) {
	p := models.ProviderType(strings.ToLower(name))
	if !p.IsValid() {
		return "", fmt.Errorf("unknown provider %q: must be one of %v", name, models.ValidProviders())
	}
	return p, nil
}

func (app *App) openKeys() (*keys.Store, error) {
	cfg, err := app.loadConfig()
	if err != nil {
		return nil, err
	}
	return app.keyStore(cfg), nil
}

func runKeysSet(app *App, args []string) error {
	p, err := parseProvider(args[0])
	if err != nil {
		return err
	}
	store, err := app.openKeys()
	if err != nil {
		return err
	}

	var key string
	if len(args) == 2 {
		key = args[1]
	} else {
		fmt.Fprintf(app.Err, "Enter %s API key: ", p)
		if key, err = readSecret(app); err != nil {
			return fmt.Errorf("failed to read key: %w", err)
		}
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}

	if err := store.Set(string(p), key); err != nil {
		return err
	}
	fmt.Fprintf(app.Out, "Stored %s key %s in %s\n", p, keys.MaskKey(key), store.Path())
	return nil
}

// readSecret reads a line from Stdin without echo when it is a terminal.
func readSecret(app *App) (string, error) {
	if f, ok := Stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(app.Err)
		return string(b), err
	}
	line, err := bufio.NewReader(Stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return line, nil
}

func runKeysGet(app *App, name string) error {
	p, err := parseProvider(name)
	if err != nil {
		return err
	}
	store, err := app.openKeys()
	if err != nil {
		return err
	}
	key, err := store.Get(string(p))
	if err != nil {
		return err
	}
	if key == "" {
		return fmt.Errorf("%w: %s", keys.ErrKeyNotFound, p)
	}
	fmt.Fprintf(app.Out, "%s: %s\n", p, keys.MaskKey(key))
	return nil
}

func runKeysDelete(app *App, name string) error {
	p, err := parseProvider(name)
	if err != nil {
		return err
	}
	store, err := app.openKeys()
	if err != nil {
		return err
	}
	if err := store.Delete(string(p)); err != nil {
		return err
	}
	fmt.Fprintf(app.Out, "Deleted %s key\n", p)
	return nil
}

func runKeysList(app *App) error {
	store, err := app.openKeys()
	if err != nil {
		return err
	}
	for _, p := range models.ValidProviders() {
		_, source, err := keys.GetAPIKey("", store, string(p), p.EnvVar())
		if err != nil {
			if errors.Is(err, keys.ErrDecrypt) {
				return err
			}
			source = "not configured"
		}
		fmt.Fprintf(app.Out, "%-10s %s\n", p, source)
	}
	return nil
}
