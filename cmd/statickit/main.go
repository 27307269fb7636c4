package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/coreyrab/statickit/internal/config"
	"github.com/coreyrab/statickit/internal/credits"
	"github.com/coreyrab/statickit/internal/image"
	"github.com/coreyrab/statickit/internal/keys"
	"github.com/coreyrab/statickit/internal/logger"
	"github.com/coreyrab/statickit/internal/provider"
	"github.com/coreyrab/statickit/internal/provider/dashscope"
	"github.com/coreyrab/statickit/internal/provider/gemini"
	"github.com/coreyrab/statickit/internal/provider/openai"
	"github.com/coreyrab/statickit/internal/session"
	"github.com/coreyrab/statickit/pkg/models"
)

var (
	version = "dev"
	commit  = "none"
)

var (
	flagWorkDir  string
	flagLogLevel string
)

type App struct {
	Out         io.Writer
	Err         io.Writer
	Registry    *models.ModelRegistry
	LoadConfig  func() (*config.AppConfig, error)
	NewProvider func(t models.ProviderType, cfg *provider.Config, registry *models.ModelRegistry) (provider.Provider, error)
	NewSaver    func() *image.Saver
}

func DefaultApp() *App {
	return &App{
		Out:         os.Stdout,
		Err:         os.Stderr,
		Registry:    models.DefaultRegistry(),
		LoadConfig:  config.Load,
		NewProvider: newProvider,
		NewSaver:    image.NewSaver,
	}
}

func newProvider(t models.ProviderType, cfg *provider.Config, registry *models.ModelRegistry) (provider.Provider, error) {
	switch t {
	case models.ProviderOpenAI:
		return openai.New(cfg, registry)
	case models.ProviderGemini:
		return gemini.New(cfg, registry)
	case models.ProviderDashScope:
		return dashscope.New(cfg, registry)
	}
	return nil, fmt.Errorf("%w: %s", provider.ErrProviderNotFound, t)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	app := DefaultApp()
	rootCmd := newRootCmd(app)
	return rootCmd.Execute()
}

func newRootCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "statickit",
		Short: "Backend for the statickit ad image editor",
		Long: `statickit serves the ad image editor: AI background and model swaps,
resizing and free-form edits, with the editing session saved locally.

Supported providers:
  - OpenAI (gpt-image-1, gpt-4.1-mini for analysis)
  - Google Gemini (gemini-2.5-flash-image, gemini-2.5-flash)
  - Alibaba DashScope (qwen-image-edit, wanx2.1-imageedit, wanx2.1-t2i-turbo)

Examples:
  statickit serve --port 8787
  statickit edit product.jpg
  statickit keys set gemini
  statickit session info
  statickit generate -m gpt-image-1 "a perfume bottle on wet black sand"
  statickit batch catalog.txt --op background --preset beach`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(app.Out)
	cmd.SetErr(app.Err)

	cmd.PersistentFlags().StringVar(&flagWorkDir, "work-dir", "", "data directory (defaults to STATICKIT_WORK_DIR or the xdg data dir)")
	cmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level (debug, info, warn, error)")

	cmd.AddCommand(newServeCmd(app))
	cmd.AddCommand(newEditCmd(app))
	cmd.AddCommand(newSessionCmd(app))
	cmd.AddCommand(newKeysCmd(app))
	cmd.AddCommand(newGenerateCmd(app))
	cmd.AddCommand(newBatchCmd(app))
	cmd.AddCommand(newCreditsCmd(app))

	return cmd
}

// loadConfig applies the persistent flags on top of the environment and
// starts logging.
func (app *App) loadConfig() (*config.AppConfig, error) {
	cfg, err := app.LoadConfig()
	if err != nil {
		return nil, err
	}
	if flagWorkDir != "" {
		cfg.WorkDir = flagWorkDir
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
	logger.Init(cfg.LogLevel)
	return cfg, nil
}

func (app *App) keyStore(cfg *config.AppConfig) *keys.Store {
	return keys.NewStore(cfg.KeysDir(), cfg.KeysSecret)
}

// buildFactory registers every provider a key can be found for. explicit
// holds keys given on the command line.
func (app *App) buildFactory(cfg *config.AppConfig, explicit map[models.ProviderType]string) (*provider.Factory, error) {
	factory := provider.NewFactory(app.Registry)
	store := app.keyStore(cfg)

	baseURLs := map[models.ProviderType]string{
		models.ProviderOpenAI:    cfg.OpenAIBaseURL,
		models.ProviderGemini:    cfg.GeminiBaseURL,
		models.ProviderDashScope: cfg.DashScopeBaseURL,
	}
	for _, t := range models.ValidProviders() {
		key, source, err := keys.GetAPIKey(explicit[t], store, string(t), t.EnvVar())
		if err != nil {
			if errors.Is(err, keys.ErrDecrypt) {
				return nil, err
			}
			logger.Logger.Debug().Str("provider", string(t)).Msg("no API key, provider disabled")
			continue
		}

		pcfg := &provider.Config{APIKey: key, BaseURL: baseURLs[t], TimeoutSec: cfg.ProviderTimeout}
		p, err := app.NewProvider(t, pcfg, app.Registry)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s provider: %w", t, err)
		}
		factory.Configure(t, pcfg)
		factory.Register(p)
		logger.Logger.Debug().Str("provider", string(t)).Str("key_source", source).Msg("provider enabled")
	}
	return factory, nil
}

// env is the opened local state shared by the commands.
type env struct {
	cfg     *config.AppConfig
	store   *session.Store
	manager *session.Manager
	ledger  *credits.Ledger
}

func (app *App) openEnv(ctx context.Context, cfg *config.AppConfig, objects *session.ObjectURLs, fetcher session.Fetcher) (*env, error) {
	if err := cfg.EnsureWorkDir(); err != nil {
		return nil, err
	}
	store, err := session.NewStoreWithPath(cfg.DatabasePath(), session.StoreOptions{MaxBytes: cfg.StorageQuotaBytes})
	if err != nil {
		return nil, err
	}
	ledger, err := credits.NewLedger(ctx, store.DB(), cfg.StartingCredits)
	if err != nil {
		store.Close()
		return nil, err
	}
	manager := session.NewManager(store, session.ManagerOptions{
		Fetcher: fetcher,
		Objects: objects,
		Scheduler: session.SchedulerOptions{
			Debounce: cfg.SaveDebounce,
			Interval: cfg.SaveInterval,
		},
	})
	return &env{cfg: cfg, store: store, manager: manager, ledger: ledger}, nil
}

func (e *env) Close(ctx context.Context) error {
	err := e.manager.Close(ctx)
	if cerr := e.store.Close(); err == nil {
		err = cerr
	}
	return err
}

func (app *App) pricingPath(cfg *config.AppConfig) string {
	return filepath.Join(cfg.WorkDir, "pricing.json")
}

func (app *App) calculator(cfg *config.AppConfig) (*credits.Calculator, error) {
	overrides, err := credits.LoadPricing(app.pricingPath(cfg))
	if err != nil {
		return nil, err
	}
	return credits.NewCalculator(overrides), nil
}
