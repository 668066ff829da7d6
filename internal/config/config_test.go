package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("OPTIONFLOW_DATA_DIR", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8001, cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, time.Minute, cfg.PollIntervalOpen)
	assert.Equal(t, 10*time.Minute, cfg.PollIntervalClosed)
	assert.Equal(t, 24*time.Hour, cfg.PendingOrderMaxAge)
	assert.Equal(t, 24*time.Hour, cfg.DispatchRetention)
	assert.False(t, cfg.BackupEnabled())
	assert.Empty(t, cfg.BrokerAccounts)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("OPTIONFLOW_DATA_DIR", t.TempDir())
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("POLL_INTERVAL_OPEN", "30s")
	t.Setenv("BROKER_ACCOUNTS", "ACC1, ACC2 ,ACC3")
	t.Setenv("COPY_DISPATCH_RETENTION", "48h")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 30*time.Second, cfg.PollIntervalOpen)
	assert.Equal(t, []string{"ACC1", "ACC2", "ACC3"}, cfg.BrokerAccounts)
	assert.Equal(t, 48*time.Hour, cfg.DispatchRetention)
}

func TestLoad_InvalidPort(t *testing.T) {
	t.Setenv("OPTIONFLOW_DATA_DIR", t.TempDir())
	t.Setenv("PORT", "99999")

	_, err := Load()
	assert.Error(t, err)
}

func TestBackupEnabled_RequiresAllFields(t *testing.T) {
	cfg := &Config{
		BackupEndpoint:  "https://example.r2.cloudflarestorage.com",
		BackupAccessKey: "key",
		BackupSecretKey: "secret",
	}
	assert.False(t, cfg.BackupEnabled())

	cfg.BackupBucket = "backups"
	assert.True(t, cfg.BackupEnabled())
}
