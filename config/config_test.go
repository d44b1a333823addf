package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chdirTemp(t *testing.T) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestLoad_DefaultsAndLegacyEnv(t *testing.T) {
	chdirTemp(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/library")
	t.Setenv("GAME_SERVICE_TOKEN", "secret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres://localhost/library", cfg.Database.DSN)
	assert.Equal(t, "secret", cfg.HTTP.GatewayToken)
	assert.Equal(t, 10*time.Minute, cfg.Sync.LockTTL)
	assert.Equal(t, 3, cfg.Sync.MaxRetries)
	assert.Equal(t, "memory", cfg.Queue.Backend)
	assert.Equal(t, "https://api.steampowered.com", cfg.Platforms.Steam.BaseURL)
}

func TestLoad_EnvOverrides(t *testing.T) {
	chdirTemp(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/library")
	t.Setenv("GAME_SERVICE_TOKEN", "secret")
	t.Setenv("LIBSYNC_SYNC__RUN_TIMEOUT", "2m")
	t.Setenv("LIBSYNC_SYNC__MAX_RETRIES", "5")
	t.Setenv("LIBSYNC_PLATFORMS__STEAM__API_KEY", "steam-key")
	t.Setenv("ALLOWED_ORIGINS", "https://app.example.com, https://admin.example.com")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 2*time.Minute, cfg.Sync.RunTimeout)
	assert.Equal(t, 5, cfg.Sync.MaxRetries)
	assert.Equal(t, "steam-key", cfg.Platforms.Steam.APIKey)
	assert.Equal(t, []string{"https://app.example.com", "https://admin.example.com"}, cfg.HTTP.AllowedOrigins)
}

func TestLoad_YAMLFile(t *testing.T) {
	chdirTemp(t)
	t.Setenv("GAME_SERVICE_TOKEN", "secret")
	path := filepath.Join(t.TempDir(), "library.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  driver: sqlite
  dsn: "file::memory:"
merger:
  threshold: 0.9
`), 0o600))
	t.Setenv(ConfigPathEnvVar, path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.InDelta(t, 0.9, cfg.Merger.Threshold, 1e-9)
}

func TestValidate(t *testing.T) {
	cfg := defaultConfig()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database dsn")
	assert.Contains(t, err.Error(), "gateway token")

	cfg.Database.DSN = "x"
	cfg.HTTP.GatewayToken = "y"
	cfg.Sync.LockTTL = time.Minute
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lock_ttl")

	cfg.Sync.LockTTL = time.Hour
	cfg.Sync.StaleThreshold = cfg.Sync.RunTimeout
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stale_threshold")

	cfg.Sync.StaleThreshold = 2 * cfg.Sync.RunTimeout
	cfg.Queue.Backend = "nats"
	assert.Error(t, cfg.Validate())
	cfg.Queue.NATSURL = "nats://localhost:4222"
	assert.NoError(t, cfg.Validate())
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "sync.lock_ttl", envKey("LIBSYNC_SYNC__LOCK_TTL"))
	assert.Equal(t, "platforms.file.bucket", envKey("LIBSYNC_PLATFORMS__FILE__BUCKET"))
}
