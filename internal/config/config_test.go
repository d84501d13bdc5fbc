package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.PaperTrading)
	assert.Equal(t, 100, cfg.MaxLeverage)
	assert.False(t, cfg.CapLeverage)
	assert.True(t, cfg.MarginCallLevel.Equal(decimal.NewFromFloat(0.5)))
	assert.True(t, cfg.LiquidationLevel.Equal(decimal.NewFromFloat(0.2)))
	assert.True(t, cfg.CommissionRate.Equal(decimal.NewFromFloat(0.0001)))
	assert.True(t, cfg.StartingBalance.Equal(decimal.NewFromInt(10000)))
	assert.Equal(t, 30*time.Second, cfg.OperationTimeout)
	assert.Equal(t, 15*time.Second, cfg.DatabaseTimeout)
	assert.Equal(t, 60*time.Second, cfg.IntegrityCheckTimeout)
	assert.Equal(t, 120*time.Second, cfg.RecoveryTimeout)
	assert.Equal(t, 5*time.Second, cfg.MonitoringInterval)
	assert.Equal(t, 720*time.Hour, cfg.ArchiveRetention)
	assert.Equal(t, ":8480", cfg.StreamListenAddr)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PAPER_TRADING", "false")
	t.Setenv("MAX_LEVERAGE", "50")
	t.Setenv("CAP_LEVERAGE", "true")
	t.Setenv("COMMISSION_RATE", "0.0005")
	t.Setenv("OPERATION_TIMEOUT", "10s")
	t.Setenv("MONITORING_INTERVAL", "250ms")

	cfg, err := Load()
	require.NoError(t, err)

	assert.False(t, cfg.PaperTrading)
	assert.Equal(t, 50, cfg.MaxLeverage)
	assert.True(t, cfg.CapLeverage)
	assert.True(t, cfg.CommissionRate.Equal(decimal.NewFromFloat(0.0005)))
	assert.Equal(t, 10*time.Second, cfg.OperationTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.MonitoringInterval)
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("MAX_LEVERAGE", "not-a-number")
	t.Setenv("OPERATION_TIMEOUT", "soon")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.MaxLeverage)
	assert.Equal(t, 30*time.Second, cfg.OperationTimeout)
}
