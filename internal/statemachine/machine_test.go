package statemachine

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmargin/engine/internal/events"
	"github.com/openmargin/engine/internal/ledger"
	"github.com/openmargin/engine/internal/store"
	"github.com/openmargin/engine/types"
)

func newTestMachine(t *testing.T, cfg Config) (*Machine, *store.Store, *events.EventStore) {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	es := events.NewStore(s)
	led := ledger.New(s, ledger.Config{
		MarginCallLevel:  decimal.NewFromFloat(0.5),
		LiquidationLevel: decimal.NewFromFloat(0.2),
		StartingBalance:  decimal.NewFromInt(10000),
		PaperMode:        true,
	})
	return New(s, es, led, cfg), s, es
}

func buySignal() *types.TradeSignal {
	return &types.TradeSignal{
		ID:             "sig-1",
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

func TestCreatePosition(t *testing.T) {
	t.Parallel()

	m, s, es := newTestMachine(t, Config{MaxLeverage: 100})
	ctx := context.Background()

	pos, err := m.CreatePosition(ctx, buySignal())
	require.NoError(t, err)

	assert.Equal(t, types.StatusPending, pos.Status)
	assert.True(t, pos.Size.IsZero())
	assert.True(t, pos.SignalSize.Equal(decimal.NewFromFloat(0.1)))
	assert.True(t, pos.MarginUsed.Equal(decimal.NewFromInt(200)))

	acct, err := s.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(decimal.NewFromInt(10000)), "balance %s", acct.Balance)
	assert.True(t, acct.MarginUsed.Equal(decimal.NewFromInt(200)), "marginUsed %s", acct.MarginUsed)
	assert.True(t, acct.FreeMargin.Equal(decimal.NewFromInt(9800)), "freeMargin %s", acct.FreeMargin)

	evs, err := es.ListByPosition(ctx, pos.ID)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, types.EventPositionCreated, evs[0].EventType)
}

func TestCreatePositionLeveragePolicy(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	reject, _, _ := newTestMachine(t, Config{MaxLeverage: 50})
	sig := buySignal()
	sig.Leverage = 80
	_, err := reject.CreatePosition(ctx, sig)
	assert.ErrorIs(t, err, types.ErrLeverageExceeded)

	capped, _, _ := newTestMachine(t, Config{MaxLeverage: 50, CapLeverage: true})
	sig = buySignal()
	sig.Leverage = 80
	pos, err := capped.CreatePosition(ctx, sig)
	require.NoError(t, err)
	assert.Equal(t, 50, pos.Leverage)
}

func TestCreatePositionInsufficientMargin(t *testing.T) {
	t.Parallel()

	m, s, _ := newTestMachine(t, Config{MaxLeverage: 100})
	ctx := context.Background()

	sig := buySignal()
	sig.MarginRequired = decimal.NewFromInt(20000)
	_, err := m.CreatePosition(ctx, sig)
	assert.ErrorIs(t, err, types.ErrInsufficientMargin)

	// The rejected signal must leave no partial state behind.
	positions, err := s.PositionsByAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestCreatePositionValidation(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestMachine(t, Config{MaxLeverage: 100})
	ctx := context.Background()

	sig := buySignal()
	sig.EntryPrice = decimal.Zero
	_, err := m.CreatePosition(ctx, sig)
	assert.Error(t, err)

	sig = buySignal()
	sig.PositionSize = decimal.NewFromInt(-1)
	_, err = m.CreatePosition(ctx, sig)
	assert.Error(t, err)
}

func TestTransitionStateLifecycle(t *testing.T) {
	t.Parallel()

	m, s, _ := newTestMachine(t, Config{MaxLeverage: 100})
	ctx := context.Background()

	pos, err := m.CreatePosition(ctx, buySignal())
	require.NoError(t, err)

	// PENDING -> ARCHIVED is not in the table.
	err = m.TransitionState(ctx, pos.ID, types.EventPositionArchived, events.Payload{})
	assert.ErrorIs(t, err, types.ErrInvalidTransition)

	require.NoError(t, m.TransitionState(ctx, pos.ID, types.EventPositionOpened, events.Payload{}))
	got, err := s.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusOpen, got.Status)
	assert.NotNil(t, got.OpenedAt)

	require.NoError(t, m.TransitionState(ctx, pos.ID, types.EventPositionClosed, events.Payload{
		Closure: &events.ClosurePayload{ExitPrice: decimal.NewFromInt(2005), Size: decimal.Zero},
	}))
	got, err = s.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusClosed, got.Status)
	assert.NotNil(t, got.ClosedAt)

	// Closing twice is illegal at the state machine level.
	err = m.TransitionState(ctx, pos.ID, types.EventPositionClosed, events.Payload{})
	assert.ErrorIs(t, err, types.ErrInvalidTransition)
}

func TestTransitionStateMissingPosition(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestMachine(t, Config{MaxLeverage: 100})
	err := m.TransitionState(context.Background(), "nope", types.EventPositionOpened, events.Payload{})
	assert.ErrorIs(t, err, types.ErrPositionNotFound)
}
