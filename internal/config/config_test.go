package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deangilmoreremix/newvideoremixlandingpage-sub002/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("STORAGE_BACKEND", "memory")

	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, config.BackendMemory, cfg.StorageBackend)
	assert.Equal(t, 5*time.Minute, cfg.CatalogCacheTTL)
	assert.Equal(t, 100, cfg.WebhookRateLimit)
	assert.Equal(t, 5*time.Second, cfg.LookupTimeout)
	assert.Equal(t, "entitlements", cfg.MetricsNamespace)
	assert.Equal(t, "users", cfg.IdentityTable)
	assert.Equal(t, "X-User-Id", cfg.UserIDHeader)
	assert.Equal(t, "X-User-Email", cfg.UserEmailHeader)
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("STORAGE_BACKEND", "Postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/entitlements")
	t.Setenv("WEBHOOK_RATE_LIMIT", "-1")
	t.Setenv("EXPIRY_SWEEP_INTERVAL", "1h")
	t.Setenv("IMPORT_CONCURRENCY", "8")

	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, config.BackendPostgres, cfg.StorageBackend)
	assert.Equal(t, -1, cfg.WebhookRateLimit)
	assert.Equal(t, time.Hour, cfg.SweepInterval)
	assert.Equal(t, 8, cfg.ImportConcurrency)
}

func TestLoad_DotEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("STORAGE_BACKEND=memory\nADMIN_API_TOKEN=from-file\n"), 0o600))
	t.Setenv("ADMIN_API_TOKEN", "from-env")
	t.Cleanup(func() { os.Unsetenv("STORAGE_BACKEND") })

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, config.BackendMemory, cfg.StorageBackend)
	assert.Equal(t, "from-env", cfg.AdminAPIToken, "environment wins over .env")
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want error
	}{
		{"postgres without url", map[string]string{"STORAGE_BACKEND": "postgres", "DATABASE_URL": ""}, config.ErrInvalidConfig},
		{"firestore without project", map[string]string{"STORAGE_BACKEND": "firestore", "FIRESTORE_PROJECT_ID": ""}, config.ErrInvalidConfig},
		{"unknown backend", map[string]string{"STORAGE_BACKEND": "mysql"}, config.ErrInvalidConfig},
		{"bad duration", map[string]string{"STORAGE_BACKEND": "memory", "LOOKUP_TIMEOUT": "soon"}, config.ErrParsingConfig},
		{"bad log format", map[string]string{"STORAGE_BACKEND": "memory", "LOG_FORMAT": "xml"}, config.ErrInvalidConfig},
		{"zero concurrency", map[string]string{"STORAGE_BACKEND": "memory", "IMPORT_CONCURRENCY": "0"}, config.ErrInvalidConfig},
		{"blank user header", map[string]string{"STORAGE_BACKEND": "memory", "USER_ID_HEADER": " "}, config.ErrInvalidConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := config.Load(filepath.Join(t.TempDir(), "missing.env"))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
