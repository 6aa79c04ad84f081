package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alexjbarnes/indexmirror/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearConfigEnv unsets all config env vars so tests start clean.
func clearConfigEnv(t *testing.T) {
	t.Helper()

	for _, key := range []string{
		"ENVIRONMENT",
		"LOG_LEVEL",
		"REMOTE_BASE_URL",
		"REMOTE_ROOT_URL",
		"REMOTE_USER_AGENT",
		"REMOTE_TIMEOUT",
		"LIST_MAX_ATTEMPTS",
		"LIST_BACKOFF_BASE",
		"ACTION_MAX_ATTEMPTS",
		"ACTION_BACKOFF_BASE",
		"WORKERS",
		"PASS_TIMEOUT",
		"STORE_BACKEND",
		"BOLT_PATH",
		"S3_BUCKET",
		"S3_REGION",
		"S3_ENDPOINT",
		"S3_PATH_STYLE",
		"KEY_PREFIX",
		"NOTIFY_SUFFIX",
		"NOTIFY_WEBHOOK_URL",
		"HARVEST_URL",
		"HARVEST_KEY_PREFIX",
		"SCHEDULE_INTERVAL",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

// setBoltEnv points the bolt backend at a temp file so Load never
// touches the real home directory.
func setBoltEnv(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.db")
	t.Setenv("BOLT_PATH", path)

	return path
}

// --- Load: defaults ---

func TestLoad_Defaults(t *testing.T) {
	clearConfigEnv(t)
	path := setBoltEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://download.bls.gov/pub/time.series/pr/", cfg.RemoteBaseURL)
	assert.Equal(t, "https://www.bls.gov/", cfg.RemoteRootURL)
	assert.Contains(t, cfg.RemoteUserAgent, "Mozilla/5.0")
	assert.Equal(t, 3, cfg.ListMaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.ListBackoffBase)
	assert.Equal(t, 3, cfg.ActionMaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.ActionBackoffBase)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 30*time.Minute, cfg.PassTimeout)
	assert.Equal(t, BackendBolt, cfg.StoreBackend)
	assert.Equal(t, path, cfg.BoltPath)
	assert.Equal(t, "bls/pr/", cfg.KeyPrefix)
	assert.Equal(t, ".json", cfg.NotifySuffix)
	assert.Equal(t, "population_data_", cfg.HarvestKeyPrefix)
	assert.Equal(t, 24*time.Hour, cfg.ScheduleInterval)
	assert.False(t, cfg.IsProduction())
}

func TestLoad_DefaultBoltPathUnderHome(t *testing.T) {
	clearConfigEnv(t)
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".indexmirror", "store.db"), cfg.BoltPath)
}

func TestLoad_Overrides(t *testing.T) {
	clearConfigEnv(t)
	setBoltEnv(t)
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("LIST_MAX_ATTEMPTS", "5")
	t.Setenv("LIST_BACKOFF_BASE", "250ms")
	t.Setenv("WORKERS", "8")
	t.Setenv("KEY_PREFIX", "mirror/")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, 5, cfg.ListMaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.ListBackoffBase)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, "mirror/", cfg.KeyPrefix)
}

// --- Load: validation ---

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantMsg string
	}{
		{"relative base url", map[string]string{"REMOTE_BASE_URL": "/pub/"}, "REMOTE_BASE_URL"},
		{"zero list attempts", map[string]string{"LIST_MAX_ATTEMPTS": "0"}, "LIST_MAX_ATTEMPTS"},
		{"zero action attempts", map[string]string{"ACTION_MAX_ATTEMPTS": "0"}, "ACTION_MAX_ATTEMPTS"},
		{"zero workers", map[string]string{"WORKERS": "0"}, "WORKERS"},
		{"negative backoff", map[string]string{"ACTION_BACKOFF_BASE": "-1s"}, "backoff"},
		{"zero pass timeout", map[string]string{"PASS_TIMEOUT": "0s"}, "PASS_TIMEOUT"},
		{"unknown backend", map[string]string{"STORE_BACKEND": "gcs"}, "STORE_BACKEND"},
		{"s3 without bucket", map[string]string{"STORE_BACKEND": "s3"}, "S3_BUCKET"},
		{"bad webhook", map[string]string{"NOTIFY_WEBHOOK_URL": "not a url"}, "NOTIFY_WEBHOOK_URL"},
		{"harvest inside sync scope", map[string]string{"HARVEST_KEY_PREFIX": "bls/pr/population_"}, "overlaps KEY_PREFIX"},
		{"sync scope inside harvest", map[string]string{"KEY_PREFIX": "pop"}, "overlaps KEY_PREFIX"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearConfigEnv(t)
			setBoltEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := Load()
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestLoad_HarvestBesideSyncScope(t *testing.T) {
	clearConfigEnv(t)
	setBoltEnv(t)
	t.Setenv("KEY_PREFIX", "bls/pr/")
	t.Setenv("HARVEST_KEY_PREFIX", "bls/population_data_")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "bls/population_data_", cfg.HarvestKeyPrefix)
}

func TestLoad_S3Backend(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("STORE_BACKEND", "s3")
	t.Setenv("S3_BUCKET", "bls-dataset-sync")
	t.Setenv("S3_PATH_STYLE", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "bls-dataset-sync", cfg.S3Bucket)
	assert.True(t, cfg.S3PathStyle)
	assert.Empty(t, cfg.BoltPath)
}

func TestLoad_MalformedDuration(t *testing.T) {
	clearConfigEnv(t)
	setBoltEnv(t)
	t.Setenv("PASS_TIMEOUT", "forever")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config")
}
