// Package config loads service configuration.
//
// Sources, lowest to highest priority: struct defaults, an optional YAML file
// (CONFIG_PATH or ./config.yaml), then environment variables. A .env file is
// loaded into the environment first when present. Environment keys use the
// LIBSYNC_ prefix with "__" between nesting levels:
//
//	LIBSYNC_SYNC__RUN_TIMEOUT=2m  ->  sync.run_timeout
//
// The plain variables DATABASE_URL, REDIS_URL and GAME_SERVICE_TOKEN are also honored.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const (
	EnvPrefix        = "LIBSYNC_"
	ConfigPathEnvVar = "CONFIG_PATH"
)

type Config struct {
	Log       LogConfig       `koanf:"log"`
	HTTP      HTTPConfig      `koanf:"http"`
	Database  DatabaseConfig  `koanf:"database"`
	Redis     RedisConfig     `koanf:"redis"`
	Queue     QueueConfig     `koanf:"queue"`
	Sync      SyncConfig      `koanf:"sync"`
	Merger    MergerConfig    `koanf:"merger"`
	Platforms PlatformsConfig `koanf:"platforms"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type HTTPConfig struct {
	Port           int      `koanf:"port"`
	GatewayToken   string   `koanf:"gateway_token"`
	AllowedOrigins []string `koanf:"allowed_origins"`
	BodyLimitMB    int      `koanf:"body_limit_mb"` // caps file-import uploads
}

type DatabaseConfig struct {
	Driver string `koanf:"driver"` // postgres or sqlite
	DSN    string `koanf:"dsn"`
}

// RedisConfig: an empty URL selects the in-process lock.
type RedisConfig struct {
	URL string `koanf:"url"`
}

type QueueConfig struct {
	Backend          string        `koanf:"backend"` // memory or nats
	NATSURL          string        `koanf:"nats_url"`
	QueueGroup       string        `koanf:"queue_group"`
	SubscribersCount int           `koanf:"subscribers_count"`
	CloseTimeout     time.Duration `koanf:"close_timeout"`
}

// SyncConfig holds the coordinator and reconciler tunables.
type SyncConfig struct {
	LockTTL              time.Duration `koanf:"lock_ttl"`
	RunTimeout           time.Duration `koanf:"run_timeout"`
	MaxRetries           int           `koanf:"max_retries"`
	RetryDelay           time.Duration `koanf:"retry_delay"`
	ContentionDelay      time.Duration `koanf:"contention_delay"`
	MaxContentionRetries int           `koanf:"max_contention_retries"`
	StaleThreshold       time.Duration `koanf:"stale_threshold"`
	SweepInterval        time.Duration `koanf:"sweep_interval"`
	AutoSyncInterval     time.Duration `koanf:"auto_sync_interval"`
	AutoSyncCheck        time.Duration `koanf:"auto_sync_check"`
	AutoSyncBatch        int           `koanf:"auto_sync_batch"`
	FastLookback         time.Duration `koanf:"fast_lookback"`
	AchievementBackoff   time.Duration `koanf:"achievement_backoff"`
	AchievementGrace     time.Duration `koanf:"achievement_grace"`
}

type MergerConfig struct {
	Enabled      bool          `koanf:"enabled"`
	ScanInterval time.Duration `koanf:"scan_interval"`
	Threshold    float64       `koanf:"threshold"`
	PrefixLength int           `koanf:"prefix_length"`
}

// PlatformConfig is shared by every HTTP adapter.
type PlatformConfig struct {
	Enabled           bool          `koanf:"enabled"`
	BaseURL           string        `koanf:"base_url"`
	APIKey            string        `koanf:"api_key"`
	RequestsPerSecond float64       `koanf:"requests_per_second"`
	Burst             int           `koanf:"burst"`
	DailyQuota        int64         `koanf:"daily_quota"`
	PageDelay         time.Duration `koanf:"page_delay"`
	Timeout           time.Duration `koanf:"timeout"`
}

// FileImportConfig points at the S3-compatible bucket holding uploaded exports.
type FileImportConfig struct {
	Enabled         bool   `koanf:"enabled"`
	Bucket          string `koanf:"bucket"`
	AccountID       string `koanf:"account_id"`
	AccessKeyID     string `koanf:"access_key_id"`
	AccessKeySecret string `koanf:"access_key_secret"`
	Endpoint        string `koanf:"endpoint"`
	Region          string `koanf:"region"`
}

type PlatformsConfig struct {
	Steam       PlatformConfig   `koanf:"steam"`
	Xbox        PlatformConfig   `koanf:"xbox"`
	PlayStation PlatformConfig   `koanf:"playstation"`
	GOG         PlatformConfig   `koanf:"gog"`
	Itch        PlatformConfig   `koanf:"itch"`
	FileImport  FileImportConfig `koanf:"file"`
}

func defaultConfig() *Config {
	return &Config{
		Log:      LogConfig{Level: "info", Format: "json"},
		HTTP:     HTTPConfig{Port: 5200, AllowedOrigins: []string{"http://localhost:3000"}, BodyLimitMB: 64},
		Database: DatabaseConfig{Driver: "postgres"},
		Queue: QueueConfig{
			Backend:          "memory",
			QueueGroup:       "library-sync",
			SubscribersCount: 2,
			CloseTimeout:     30 * time.Second,
		},
		Sync: SyncConfig{
			LockTTL:              10 * time.Minute,
			RunTimeout:           5 * time.Minute,
			MaxRetries:           3,
			RetryDelay:           30 * time.Second,
			ContentionDelay:      time.Minute,
			MaxContentionRetries: 5,
			StaleThreshold:       15 * time.Minute,
			SweepInterval:        5 * time.Minute,
			AutoSyncInterval:     24 * time.Hour,
			AutoSyncCheck:        15 * time.Minute,
			AutoSyncBatch:        200,
			FastLookback:         14 * 24 * time.Hour,
			AchievementBackoff:   7 * 24 * time.Hour,
			AchievementGrace:     48 * time.Hour,
		},
		Merger: MergerConfig{
			Enabled:      true,
			ScanInterval: 24 * time.Hour,
			Threshold:    0.85,
			PrefixLength: 4,
		},
		Platforms: PlatformsConfig{
			Steam: PlatformConfig{
				Enabled:           true,
				BaseURL:           "https://api.steampowered.com",
				RequestsPerSecond: 2,
				Burst:             4,
				DailyQuota:        100000,
				PageDelay:         500 * time.Millisecond,
				Timeout:           30 * time.Second,
			},
			Xbox: PlatformConfig{
				Enabled:           true,
				BaseURL:           "https://xbl.io",
				RequestsPerSecond: 1,
				Burst:             2,
				DailyQuota:        10000,
				PageDelay:         time.Second,
				Timeout:           30 * time.Second,
			},
			PlayStation: PlatformConfig{
				Enabled:           true,
				BaseURL:           "https://m.np.playstation.com",
				RequestsPerSecond: 1,
				Burst:             2,
				PageDelay:         time.Second,
				Timeout:           30 * time.Second,
			},
			GOG: PlatformConfig{
				Enabled:           true,
				BaseURL:           "https://embed.gog.com",
				RequestsPerSecond: 2,
				Burst:             2,
				PageDelay:         500 * time.Millisecond,
				Timeout:           30 * time.Second,
			},
			Itch: PlatformConfig{
				Enabled:           true,
				BaseURL:           "https://api.itch.io",
				RequestsPerSecond: 2,
				Burst:             2,
				PageDelay:         500 * time.Millisecond,
				Timeout:           30 * time.Second,
			},
			FileImport: FileImportConfig{Region: "auto"},
		},
	}
}

// Load reads configuration from defaults, file and environment.
func Load() (*Config, error) {
	// .env is optional; real environment variables win over it.
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path := configPath(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	applyLegacyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// envKey maps LIBSYNC_SYNC__RUN_TIMEOUT to sync.run_timeout.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

func configPath() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		return p
	}
	for _, candidate := range []string{"config.yaml", "config.yml"} {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

func applyLegacyEnv(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" && cfg.Database.DSN == "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" && cfg.Redis.URL == "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("GAME_SERVICE_TOKEN"); v != "" && cfg.HTTP.GatewayToken == "" {
		cfg.HTTP.GatewayToken = v
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		cfg.HTTP.AllowedOrigins = origins
	}
	if v := os.Getenv("STEAM_API_KEY"); v != "" && cfg.Platforms.Steam.APIKey == "" {
		cfg.Platforms.Steam.APIKey = v
	}
}

// Validate checks required values and sane bounds.
func (c *Config) Validate() error {
	var errs []error
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database dsn is required (DATABASE_URL)"))
	}
	if c.HTTP.GatewayToken == "" {
		errs = append(errs, errors.New("gateway token is required (GAME_SERVICE_TOKEN)"))
	}
	if c.Sync.LockTTL <= c.Sync.RunTimeout {
		errs = append(errs, fmt.Errorf("sync.lock_ttl (%s) must exceed sync.run_timeout (%s)", c.Sync.LockTTL, c.Sync.RunTimeout))
	}
	if c.Sync.StaleThreshold <= c.Sync.RunTimeout {
		errs = append(errs, fmt.Errorf("sync.stale_threshold (%s) must exceed sync.run_timeout (%s)", c.Sync.StaleThreshold, c.Sync.RunTimeout))
	}
	if c.Sync.MaxRetries < 0 {
		errs = append(errs, errors.New("sync.max_retries must be >= 0"))
	}
	if c.Merger.Threshold <= 0 || c.Merger.Threshold > 1 {
		errs = append(errs, errors.New("merger.threshold must be in (0, 1]"))
	}
	switch c.Queue.Backend {
	case "memory":
	case "nats":
		if c.Queue.NATSURL == "" {
			errs = append(errs, errors.New("queue.nats_url is required for the nats backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown queue backend %q", c.Queue.Backend))
	}
	return errors.Join(errs...)
}
