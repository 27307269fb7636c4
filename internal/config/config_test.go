package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("STATICKIT_WORK_DIR", "")
	t.Setenv("STATICKIT_PORT", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.NotEmpty(t, cfg.WorkDir)
	assert.Equal(t, "8787", cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 2*time.Second, cfg.SaveDebounce)
	assert.Equal(t, 30*time.Second, cfg.SaveInterval)
	assert.Equal(t, int64(536870912), cfg.StorageQuotaBytes)
	assert.Equal(t, 100, cfg.StartingCredits)
}

func TestLoad_FromEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("STATICKIT_WORK_DIR", dir)
	t.Setenv("STATICKIT_PORT", "9000")
	t.Setenv("STATICKIT_SAVE_DEBOUNCE", "500ms")
	t.Setenv("STATICKIT_STORAGE_QUOTA_BYTES", "1024")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.WorkDir)
	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, 500*time.Millisecond, cfg.SaveDebounce)
	assert.Equal(t, int64(1024), cfg.StorageQuotaBytes)
	assert.Equal(t, filepath.Join(dir, "session.db"), cfg.DatabasePath())
	assert.Equal(t, filepath.Join(dir, "keys.json"), cfg.KeysPath())
}

func TestLoad_InvalidDuration(t *testing.T) {
	t.Setenv("STATICKIT_SAVE_DEBOUNCE", "soon")

	_, err := Load()
	assert.Error(t, err)
}
