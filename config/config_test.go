package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bastion/core"
	"bastion/notify"
)

const testSecret = "unit-test-secret-0123456789"

func resetViper(t *testing.T) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
}

func TestLoadDefaults(t *testing.T) {
	resetViper(t)
	t.Chdir(t.TempDir())
	t.Setenv("BASTION_API_JWT_SECRET", testSecret)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.ListenAddr())
	assert.Equal(t, filepath.Join("data", "bastion.db"), filepath.Clean(cfg.SQLitePath()))
	assert.Equal(t, 600, cfg.API.RateLimitPerMinute)
	assert.Equal(t, 24*time.Hour, cfg.API.TokenTTL)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, 16, cfg.Engine.MaxConcurrentSteps)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Empty(t, cfg.Notifications)
}

func TestLoadRequiresJWTSecret(t *testing.T) {
	resetViper(t)
	t.Chdir(t.TempDir())

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jwt_secret")
}

func TestLoadRejectsShortJWTSecret(t *testing.T) {
	resetViper(t)
	t.Chdir(t.TempDir())
	t.Setenv("BASTION_API_JWT_SECRET", "short")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "16 characters")
}

func TestLoadEnvOverrides(t *testing.T) {
	resetViper(t)
	t.Chdir(t.TempDir())
	t.Setenv("BASTION_API_JWT_SECRET", testSecret)
	t.Setenv("BASTION_API_PORT", "9191")
	t.Setenv("BASTION_REDIS_ENABLED", "true")
	t.Setenv("BASTION_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("BASTION_LOGGING_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.API.Port)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadFromFile(t *testing.T) {
	resetViper(t)
	dir := t.TempDir()
	t.Chdir(dir)

	yaml := `
data_dir: /var/lib/bastion
api:
  jwt_secret: file-secret-0123456789
  port: 7070
  rate_limit_per_minute: 120
engine:
  max_concurrent_steps: 4
  script_dir: /opt/bastion/scripts
notifications:
  - type: webhook
    min_severity: high
    url: https://hooks.firm.test/sec
  - type: email
    smtp_host: smtp.firm.test
    smtp_port: 587
    from: bastion@firm.test
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.API.Port)
	assert.Equal(t, 120, cfg.API.RateLimitPerMinute)
	assert.Equal(t, 4, cfg.Engine.MaxConcurrentSteps)
	assert.Equal(t, "/opt/bastion/scripts", cfg.Engine.ScriptDir)
	assert.Equal(t, filepath.Join("/var/lib/bastion", "bastion.db"), cfg.SQLitePath())

	require.Len(t, cfg.Notifications, 2)
	assert.Equal(t, notify.ChannelWebhook, cfg.Notifications[0].Type)
	assert.Equal(t, core.SeverityHigh, cfg.Notifications[0].MinSeverity)
	assert.Equal(t, "smtp.firm.test", cfg.Notifications[1].SMTPHost)
}

func TestLoadRejectsUnknownChannelType(t *testing.T) {
	resetViper(t)
	dir := t.TempDir()
	t.Chdir(dir)

	yaml := `
api:
  jwt_secret: file-secret-0123456789
notifications:
  - type: carrier_pigeon
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "carrier_pigeon")
}

func TestExplicitDatabasePathWins(t *testing.T) {
	resetViper(t)
	t.Chdir(t.TempDir())
	t.Setenv("BASTION_API_JWT_SECRET", testSecret)
	t.Setenv("BASTION_DATABASE_PATH", "/tmp/custom.db")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/custom.db", cfg.SQLitePath())
}
