package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("BINANCE_API_KEY", "key")
	t.Setenv("BINANCE_API_SECRET", "secret")
	t.Setenv("WEBHOOK_PASSPHRASE", "pass")
}

func TestLoadConfigDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "key", cfg.APIKey)
	assert.Equal(t, "secret", cfg.SecretKey)
	assert.True(t, cfg.IsTestnet, "testnet must be the default")
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "USDT", cfg.MarginAsset)
	assert.Equal(t, 4, cfg.DispatchWorkers)
	assert.Equal(t, 64, cfg.DispatchQueueSize)
	assert.Equal(t, 15*time.Second, cfg.OrderTimeout)
	assert.Equal(t, "./data/lifecycle.db", cfg.DBPath)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadConfigOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("IS_TESTNET", "false")
	t.Setenv("LISTEN_ADDR", ":9000")
	t.Setenv("MARGIN_ASSET", "busd")
	t.Setenv("DISPATCH_WORKERS", "8")
	t.Setenv("DISPATCH_QUEUE_SIZE", "128")
	t.Setenv("ORDER_TIMEOUT_SECONDS", "30")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.False(t, cfg.IsTestnet)
	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, "BUSD", cfg.MarginAsset, "margin asset is upper-cased")
	assert.Equal(t, 8, cfg.DispatchWorkers)
	assert.Equal(t, 128, cfg.DispatchQueueSize)
	assert.Equal(t, 30*time.Second, cfg.OrderTimeout)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadConfigMissingRequired(t *testing.T) {
	t.Setenv("BINANCE_API_KEY", "")
	t.Setenv("BINANCE_API_SECRET", "")
	t.Setenv("WEBHOOK_PASSPHRASE", "")

	cfg, err := LoadConfig()
	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "BINANCE_API_KEY")
	assert.Contains(t, err.Error(), "BINANCE_API_SECRET")
	assert.Contains(t, err.Error(), "WEBHOOK_PASSPHRASE")
}

func TestLoadConfigInvalidValues(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("DISPATCH_WORKERS", "zero")

	cfg, err := LoadConfig()
	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "DISPATCH_WORKERS")

	t.Setenv("DISPATCH_WORKERS", "-1")
	cfg, err = LoadConfig()
	require.Error(t, err)
	assert.Nil(t, cfg)
}
