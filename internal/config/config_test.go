package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ROG_AUTH_ADMIN_TOKEN", "test-token")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "bolt", cfg.Store.Backend)
	assert.Equal(t, "data/keys.db", cfg.Store.BoltPath)
	assert.Equal(t, "licenses", cfg.Store.FirestoreCollection)
	assert.Equal(t, 12*time.Second, cfg.Store.Timeout)
	assert.Equal(t, "static", cfg.Auth.Mode)
	assert.Equal(t, 5.0, cfg.Validate.RateRPS)
	assert.Equal(t, 10, cfg.Validate.RateBurst)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.False(t, cfg.Tracing.Enabled)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("ROG_AUTH_ADMIN_TOKEN", "test-token")
	t.Setenv("ROG_SERVER_PORT", "9999")
	t.Setenv("ROG_STORE_BACKEND", "firestore")
	t.Setenv("ROG_STORE_FIRESTORE_PROJECT", "rog-prod")
	t.Setenv("ROG_VALIDATE_API_SECRET", "hunter2")
	t.Setenv("ROG_LOGGING_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "firestore", cfg.Store.Backend)
	assert.Equal(t, "rog-prod", cfg.Store.FirestoreProject)
	assert.Equal(t, "hunter2", cfg.Validate.APISecret)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store:
  firestore_project: rog-from-file
  credentials_file: /etc/rog/sa.json
auth:
  admin_token: file-token
`), 0o600))
	t.Setenv("ROG_CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "rog-from-file", cfg.Store.FirestoreProject)
	assert.Equal(t, "/etc/rog/sa.json", cfg.Store.CredentialsFile)
	assert.Equal(t, "file-token", cfg.Auth.AdminToken)
	// Defaults still apply on top of the file.
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoadMissingConfigFile(t *testing.T) {
	t.Setenv("ROG_CONFIG_FILE", filepath.Join(t.TempDir(), "nope.yaml"))
	_, err := Load()
	assert.Error(t, err)
}

func TestValidation(t *testing.T) {
	t.Run("static mode requires a token", func(t *testing.T) {
		t.Setenv("ROG_AUTH_ADMIN_TOKEN", "")
		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("firestore backend requires a project", func(t *testing.T) {
		t.Setenv("ROG_AUTH_ADMIN_TOKEN", "test-token")
		t.Setenv("ROG_STORE_BACKEND", "firestore")
		t.Setenv("ROG_STORE_FIRESTORE_PROJECT", "")
		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("unknown backend rejected", func(t *testing.T) {
		t.Setenv("ROG_AUTH_ADMIN_TOKEN", "test-token")
		t.Setenv("ROG_STORE_BACKEND", "redis")
		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("firebase auth requires a project", func(t *testing.T) {
		t.Setenv("ROG_AUTH_MODE", "firebase")
		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("port range", func(t *testing.T) {
		t.Setenv("ROG_AUTH_ADMIN_TOKEN", "test-token")
		t.Setenv("ROG_SERVER_PORT", "70000")
		_, err := Load()
		assert.Error(t, err)
	})
}
