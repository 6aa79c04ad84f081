package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/alexjbarnes/indexmirror/internal/errors"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	BackendBolt = "bolt"
	BackendS3   = "s3"
)

// Config holds all environment-based configuration for indexmirror.
type Config struct {
	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	// Upstream directory index. RootURL is requested to re-establish
	// session cookies after an access denial and is sent as Referer.
	RemoteBaseURL   string        `env:"REMOTE_BASE_URL" envDefault:"https://download.bls.gov/pub/time.series/pr/"`
	RemoteRootURL   string        `env:"REMOTE_ROOT_URL" envDefault:"https://www.bls.gov/"`
	RemoteUserAgent string        `env:"REMOTE_USER_AGENT" envDefault:"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"`
	RemoteTimeout   time.Duration `env:"REMOTE_TIMEOUT" envDefault:"60s"`

	// Listing retry: exponential, doubling from the base.
	ListMaxAttempts int           `env:"LIST_MAX_ATTEMPTS" envDefault:"3"`
	ListBackoffBase time.Duration `env:"LIST_BACKOFF_BASE" envDefault:"5s"`

	// Per-action retry: linear, base * attempt.
	ActionMaxAttempts int           `env:"ACTION_MAX_ATTEMPTS" envDefault:"3"`
	ActionBackoffBase time.Duration `env:"ACTION_BACKOFF_BASE" envDefault:"5s"`

	Workers     int           `env:"WORKERS" envDefault:"4"`
	PassTimeout time.Duration `env:"PASS_TIMEOUT" envDefault:"30m"`

	// Destination store.
	StoreBackend string `env:"STORE_BACKEND" envDefault:"bolt"`
	BoltPath     string `env:"BOLT_PATH"`
	S3Bucket     string `env:"S3_BUCKET"`
	S3Region     string `env:"S3_REGION"`
	S3Endpoint   string `env:"S3_ENDPOINT"`
	S3PathStyle  bool   `env:"S3_PATH_STYLE" envDefault:"false"`
	KeyPrefix    string `env:"KEY_PREFIX" envDefault:"bls/pr/"`

	// Downstream announcements for written keys ending in NotifySuffix.
	NotifySuffix     string `env:"NOTIFY_SUFFIX" envDefault:".json"`
	NotifyWebhookURL string `env:"NOTIFY_WEBHOOK_URL"`

	HarvestURL       string `env:"HARVEST_URL" envDefault:"https://honolulu-api.datausa.io/tesseract/data.jsonrecords?cube=acs_yg_total_population_1&drilldowns=Year%2CNation&locale=en&measures=Population"`
	HarvestKeyPrefix string `env:"HARVEST_KEY_PREFIX" envDefault:"population_data_"`

	ScheduleInterval time.Duration `env:"SCHEDULE_INTERVAL" envDefault:"24h"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. It may hold store credentials.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.StoreBackend == BackendBolt && cfg.BoltPath == "" {
		path, err := DefaultBoltPath()
		if err != nil {
			return nil, err
		}

		cfg.BoltPath = path
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if err := requireAbsoluteURL("REMOTE_BASE_URL", c.RemoteBaseURL); err != nil {
		return err
	}

	if err := requireAbsoluteURL("REMOTE_ROOT_URL", c.RemoteRootURL); err != nil {
		return err
	}

	if c.ListMaxAttempts < 1 {
		return fmt.Errorf("%w: LIST_MAX_ATTEMPTS must be at least 1", errors.ErrInvalidConfig)
	}

	if c.ActionMaxAttempts < 1 {
		return fmt.Errorf("%w: ACTION_MAX_ATTEMPTS must be at least 1", errors.ErrInvalidConfig)
	}

	if c.Workers < 1 {
		return fmt.Errorf("%w: WORKERS must be at least 1", errors.ErrInvalidConfig)
	}

	if c.ListBackoffBase < 0 || c.ActionBackoffBase < 0 {
		return fmt.Errorf("%w: backoff bases must not be negative", errors.ErrInvalidConfig)
	}

	if c.RemoteTimeout <= 0 || c.PassTimeout <= 0 || c.ScheduleInterval <= 0 {
		return fmt.Errorf("%w: REMOTE_TIMEOUT, PASS_TIMEOUT and SCHEDULE_INTERVAL must be positive", errors.ErrInvalidConfig)
	}

	switch c.StoreBackend {
	case BackendBolt:
		if c.BoltPath == "" {
			return fmt.Errorf("%w: BOLT_PATH is required for the bolt backend", errors.ErrInvalidConfig)
		}
	case BackendS3:
		if c.S3Bucket == "" {
			return fmt.Errorf("%w: S3_BUCKET is required for the s3 backend", errors.ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown STORE_BACKEND %q (want %s or %s)", errors.ErrInvalidConfig, c.StoreBackend, BackendBolt, BackendS3)
	}

	if c.NotifyWebhookURL != "" {
		if err := requireAbsoluteURL("NOTIFY_WEBHOOK_URL", c.NotifyWebhookURL); err != nil {
			return err
		}
	}

	if c.HarvestURL != "" {
		if err := requireAbsoluteURL("HARVEST_URL", c.HarvestURL); err != nil {
			return err
		}

		// A sync pass deletes every key under KEY_PREFIX that the listing
		// lacks, so harvested keys must live outside it.
		if strings.HasPrefix(c.HarvestKeyPrefix, c.KeyPrefix) || strings.HasPrefix(c.KeyPrefix, c.HarvestKeyPrefix) {
			return fmt.Errorf("%w: HARVEST_KEY_PREFIX %q overlaps KEY_PREFIX %q", errors.ErrInvalidConfig, c.HarvestKeyPrefix, c.KeyPrefix)
		}
	}

	return nil
}

func requireAbsoluteURL(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: %s must be an absolute URL, got %q", errors.ErrInvalidConfig, name, raw)
	}

	return nil
}

// DefaultBoltPath returns ~/.indexmirror/store.db.
func DefaultBoltPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".indexmirror", "store.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
