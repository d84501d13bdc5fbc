package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmargin/engine/internal/config"
	"github.com/openmargin/engine/internal/store"
	"github.com/openmargin/engine/internal/tracker"
	"github.com/openmargin/engine/types"
)

func closeAt(positionID string, price int64) tracker.CloseRequest {
	return tracker.CloseRequest{
		PositionID:    positionID,
		Price:         decimal.NewFromInt(price),
		ExecutionType: types.ExecPartialExit,
	}
}

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		DatabaseURL: filepath.Join(t.TempDir(), "test.db"),

		PaperTrading: true,

		MaxLeverage:      100,
		MarginCallLevel:  decimal.NewFromFloat(0.5),
		LiquidationLevel: decimal.NewFromFloat(0.2),
		CommissionRate:   decimal.Zero,
		StartingBalance:  decimal.NewFromInt(10000),

		OperationTimeout:      30 * time.Second,
		DatabaseTimeout:       15 * time.Second,
		IntegrityCheckTimeout: 60 * time.Second,
		RecoveryTimeout:       120 * time.Second,

		MonitoringInterval: 100 * time.Millisecond,
		LiquidationFeePct:  decimal.Zero,
		MaxSlippagePercent: decimal.Zero,
		ArchiveRetention:   time.Hour,
		ProgressTracking:   true,
		TransactionRetries: 3,
		TransactionBackoff: 5 * time.Millisecond,
	}
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(newTestConfig(t))
	require.NoError(t, err)
	return e
}

func buySignal(id string) *types.TradeSignal {
	return &types.TradeSignal{
		ID:             id,
		AccountID:      "acct-1",
		Pair:           "ETHUSDT",
		Side:           types.SideBuy,
		EntryPrice:     decimal.NewFromInt(2000),
		PositionSize:   decimal.NewFromFloat(0.1),
		Leverage:       10,
		MarginRequired: decimal.NewFromInt(200),
		TakeProfit:     decimal.NewFromInt(2010),
	}
}

func openPosition(t *testing.T, e *Engine, sig *types.TradeSignal) *store.Position {
	t.Helper()
	ctx := context.Background()

	pos, err := e.CreatePosition(ctx, sig)
	require.NoError(t, err)

	got, err := e.ProcessFullFill(ctx, pos.ID, types.FillData{
		OrderID:    "entry-" + sig.ID,
		Price:      sig.EntryPrice,
		Size:       sig.PositionSize,
		ExecutedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.Equal(t, types.StatusOpen, got.Status)
	return got
}

func TestEngineLifecycle(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Initialize(ctx))
	assert.True(t, e.MonitoringRunning())

	pos := openPosition(t, e, buySignal("sig-1"))

	acct, err := e.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, acct.FreeMargin.Equal(decimal.NewFromInt(9800)))

	// The tick reaches the take-profit level through the facade.
	require.NoError(t, e.UpdateMarketPrice(ctx, types.PriceTick{
		Symbol:    "ETHUSDT",
		Price:     decimal.NewFromInt(2010),
		Timestamp: time.Now().UTC(),
	}))

	got, err := e.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusClosed, got.Status)
	assert.True(t, got.RealizedPnL.Equal(decimal.NewFromInt(1)), "realized %s", got.RealizedPnL)

	report, err := e.PerformIntegrityCheck(ctx)
	require.NoError(t, err)
	assert.True(t, report.IsValid, "violations: %+v", report.Violations)

	stats := e.GetTimeoutStatistics()
	assert.Greater(t, stats.Completed, int64(0))
	assert.Zero(t, stats.TimedOut)

	require.NoError(t, e.Shutdown(ctx))
	assert.False(t, e.MonitoringRunning())

	// The engine refuses work after shutdown.
	_, err = e.CreatePosition(ctx, buySignal("sig-2"))
	assert.ErrorIs(t, err, types.ErrEngineStopped)
}

func TestOperationTimeout(t *testing.T) {
	t.Parallel()

	cfg := newTestConfig(t)
	cfg.OperationTimeout = time.Nanosecond
	e, err := New(cfg)
	require.NoError(t, err)

	_, err = e.CreatePosition(context.Background(), buySignal("sig-1"))
	assert.ErrorIs(t, err, types.ErrTimeout)

	stats := e.GetTimeoutStatistics()
	assert.Equal(t, int64(1), stats.TimedOut)
}

func TestRecoverSystemStateRepairsTamperedRow(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	ctx := context.Background()

	pos := openPosition(t, e, buySignal("sig-1"))
	_, err := e.ClosePosition(ctx, closeAt(pos.ID, 2010))
	require.NoError(t, err)

	// Corrupt the persisted row; the event log stays authoritative.
	require.NoError(t, e.store.DB(ctx).Model(&store.Position{}).
		Where("id = ?", pos.ID).
		Updates(map[string]any{
			"status":        types.StatusOpen,
			"size":          decimal.NewFromInt(5),
			"realized_pn_l": decimal.NewFromInt(999),
		}).Error)

	report, err := e.RecoverSystemState(ctx)
	require.NoError(t, err)
	assert.Contains(t, report.Repaired, pos.ID)

	got, err := e.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusClosed, got.Status)
	assert.True(t, got.Size.IsZero())
	assert.True(t, got.RealizedPnL.Equal(decimal.NewFromInt(1)), "realized %s", got.RealizedPnL)

	check, err := e.PerformIntegrityCheck(ctx)
	require.NoError(t, err)
	assert.True(t, check.IsValid, "violations: %+v", check.Violations)
}

func TestValidateDeterministicProcessing(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	ctx := context.Background()

	pos := openPosition(t, e, buySignal("sig-1"))
	_, err := e.ClosePosition(ctx, closeAt(pos.ID, 2005))
	require.NoError(t, err)

	result, err := e.ValidateDeterministicProcessing(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Checked)
	assert.Empty(t, result.Failures)
}

func TestCreateSystemCheckpoint(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	ctx := context.Background()

	openPosition(t, e, buySignal("sig-1"))

	cp, err := e.CreateSystemCheckpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, cp.OpenPositions)
	assert.True(t, cp.TotalMarginUsed.Equal(decimal.NewFromInt(200)))
	assert.Len(t, cp.Digest, 64)

	var persisted store.SystemCheckpoint
	require.NoError(t, e.store.DB(ctx).First(&persisted, "id = ?", cp.ID).Error)
	assert.Equal(t, cp.Digest, persisted.Digest)
}

func TestExecutePaperSignal(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	ctx := context.Background()

	pos, err := e.ExecutePaperSignal(ctx, buySignal("sig-1"))
	require.NoError(t, err)

	assert.Equal(t, types.StatusOpen, pos.Status)
	assert.True(t, pos.Size.Equal(decimal.NewFromFloat(0.1)))
	assert.True(t, pos.AvgEntryPrice.Equal(decimal.NewFromInt(2000)), "no slippage configured")
}

func TestUpdateSLTPLevels(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	ctx := context.Background()

	pos := openPosition(t, e, buySignal("sig-1"))

	got, err := e.UpdateSLTPLevels(ctx, pos.ID, decimal.NewFromInt(1990), decimal.NewFromInt(2020))
	require.NoError(t, err)
	assert.True(t, got.StopLoss.Equal(decimal.NewFromInt(1990)))
	assert.True(t, got.TakeProfit.Equal(decimal.NewFromInt(2020)))

	// The old level no longer fires; the new one does.
	require.NoError(t, e.UpdateMarketPrice(ctx, types.PriceTick{
		Symbol: "ETHUSDT", Price: decimal.NewFromInt(2010), Timestamp: time.Now().UTC(),
	}))
	got, err = e.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	require.Equal(t, types.StatusOpen, got.Status)

	require.NoError(t, e.UpdateMarketPrice(ctx, types.PriceTick{
		Symbol: "ETHUSDT", Price: decimal.NewFromInt(2020), Timestamp: time.Now().UTC(),
	}))
	got, err = e.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusClosed, got.Status)
}

func TestGetSystemState(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	ctx := context.Background()

	openPosition(t, e, buySignal("sig-1"))

	state, err := e.GetSystemState(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, state.Positions[types.StatusOpen])
	assert.EqualValues(t, 1, state.Accounts)
	assert.False(t, state.MonitoringRunning)
}

func TestGetEngineStatistics(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	ctx := context.Background()

	win := openPosition(t, e, buySignal("sig-1"))
	_, err := e.ClosePosition(ctx, closeAt(win.ID, 2010))
	require.NoError(t, err)

	loss := openPosition(t, e, buySignal("sig-2"))
	_, err = e.ClosePosition(ctx, closeAt(loss.ID, 1990))
	require.NoError(t, err)

	stats, err := e.GetEngineStatistics(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.TotalPositions)
	assert.EqualValues(t, 1, stats.Wins)
	assert.EqualValues(t, 1, stats.Losses)
	assert.True(t, stats.WinRate.Equal(decimal.NewFromFloat(0.5)))
	assert.True(t, stats.TotalRealizedPnL.IsZero(), "total %s", stats.TotalRealizedPnL)
}
