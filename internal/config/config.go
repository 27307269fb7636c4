package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"github.com/kelseyhightower/envconfig"
)

const (
	envPrefix     = "STATICKIT"
	appDirName    = "statickit"
	dbFilename    = "session.db"
	keysFilename  = "keys.json"
	defaultPort   = "8787"
	defaultQuota  = 512 * 1024 * 1024
	defaultCredit = 100
)

type AppConfig struct {
	WorkDir           string        `envconfig:"WORK_DIR"`
	Port              string        `envconfig:"PORT" default:"8787"`
	LogLevel          string        `envconfig:"LOG_LEVEL" default:"info"`
	LogToFile         bool          `envconfig:"LOG_TO_FILE" default:"false"`
	StorageQuotaBytes int64         `envconfig:"STORAGE_QUOTA_BYTES" default:"536870912"`
	SaveDebounce      time.Duration `envconfig:"SAVE_DEBOUNCE" default:"2s"`
	SaveInterval      time.Duration `envconfig:"SAVE_INTERVAL" default:"30s"`
	KeysSecret        string        `envconfig:"KEYS_SECRET"`
	AuthJWTSecret     string        `envconfig:"AUTH_JWT_SECRET"`
	StartingCredits   int           `envconfig:"STARTING_CREDITS" default:"100"`
	PresetsFile       string        `envconfig:"PRESETS_FILE"`

	OpenAIBaseURL    string `envconfig:"OPENAI_BASE_URL"`
	GeminiBaseURL    string `envconfig:"GEMINI_BASE_URL"`
	DashScopeBaseURL string `envconfig:"DASHSCOPE_BASE_URL"`
	ProviderTimeout  int    `envconfig:"PROVIDER_TIMEOUT_SEC" default:"120"`
}

// Load reads STATICKIT_* environment variables and fills in defaults that
// depend on the host (the xdg data directory).
func Load() (*AppConfig, error) {
	cfg := &AppConfig{}
	if err := envconfig.Process(envPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *AppConfig) applyDefaults() {
	if c.WorkDir == "" {
		c.WorkDir = filepath.Join(xdg.DataHome, appDirName)
	}
	if c.Port == "" {
		c.Port = defaultPort
	}
	if c.StorageQuotaBytes < 0 {
		c.StorageQuotaBytes = defaultQuota
	}
	if c.StartingCredits < 0 {
		c.StartingCredits = defaultCredit
	}
}

func (c *AppConfig) DatabasePath() string {
	return filepath.Join(c.WorkDir, dbFilename)
}

// KeysDir is where the encrypted keys.json lives. Keys are configuration, so
// they go under the xdg config home instead of the data directory unless the
// work dir was set explicitly.
func (c *AppConfig) KeysDir() string {
	if os.Getenv(envPrefix+"_WORK_DIR") != "" {
		return c.WorkDir
	}
	return filepath.Join(xdg.ConfigHome, appDirName)
}

func (c *AppConfig) KeysPath() string {
	return filepath.Join(c.KeysDir(), keysFilename)
}

func (c *AppConfig) EnsureWorkDir() error {
	if err := os.MkdirAll(c.WorkDir, 0755); err != nil {
		return fmt.Errorf("failed to create work directory: %w", err)
	}
	return nil
}
