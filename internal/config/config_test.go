package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	viper.Reset()
	t.Setenv("WATCH_ACCOUNT_ID", "GWATCHED")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "GWATCHED", cfg.Monitor.AccountID)

	assert.Equal(t, 3, cfg.Pool.Size)
	assert.Equal(t, 30*time.Second, cfg.Pool.HealthCheckInterval)
	assert.Equal(t, 3, cfg.Pool.MaxRetries)

	assert.Equal(t, 30*time.Second, cfg.Cache.BalanceTTL)
	assert.Equal(t, 300*time.Second, cfg.Cache.HistoryTTL)
	assert.Equal(t, 100, cfg.Cache.MediaCapacity)

	assert.Equal(t, 10, cfg.RateLimit.TransactionLimit)
	assert.Equal(t, 60, cfg.RateLimit.APICallLimit)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
	assert.Equal(t, time.Second, cfg.RateLimit.BaseBackoff)
	assert.Equal(t, 32*time.Second, cfg.RateLimit.MaxBackoff)

	assert.Equal(t, 1000.0, cfg.Monitor.LargeTransactionThreshold)
	assert.Equal(t, 10.0, cfg.Monitor.LowBalanceThreshold)
	assert.Equal(t, 5*time.Minute, cfg.Monitor.SuspiciousActivityWindow)
	assert.Equal(t, 10, cfg.Monitor.MaxTransactionsPerWindow)
	assert.True(t, cfg.Monitor.EnableNotifications)

	assert.Equal(t, "ledger.alerts", cfg.RabbitMQ.Exchange)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadRequiresAccountID(t *testing.T) {
	viper.Reset()

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monitor.account_id")
}

func TestEnvOverrides(t *testing.T) {
	viper.Reset()
	t.Setenv("WATCH_ACCOUNT_ID", "GWATCHED")
	t.Setenv("LEDGER_SERVICE_URL", "https://indexer.internal:8000")
	t.Setenv("REDIS_URL", "redis://cache.internal:6379")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://indexer.internal:8000", cfg.Ledger.ServiceURL)
	assert.Equal(t, "redis://cache.internal:6379", cfg.Redis.URL)
	assert.Equal(t, "debug", cfg.Logging.Level)
}
