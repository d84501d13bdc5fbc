package paper

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmargin/engine/types"
)

func TestExecuteFillsAtRequestedPrice(t *testing.T) {
	t.Parallel()

	b := New(Config{Seed: 1})
	fill, err := b.Execute(context.Background(), types.SideBuy,
		decimal.NewFromInt(2000), decimal.NewFromFloat(0.1))
	require.NoError(t, err)

	assert.NotEmpty(t, fill.OrderID)
	assert.True(t, fill.Price.Equal(decimal.NewFromInt(2000)), "no slippage configured")
	assert.True(t, fill.Size.Equal(decimal.NewFromFloat(0.1)))
	assert.False(t, fill.ExecutedAt.IsZero())
}

func TestExecuteSlippageMovesAgainstTaker(t *testing.T) {
	t.Parallel()

	b := New(Config{SlippageEnabled: true, MaxSlippageBps: 50, Seed: 42})
	price := decimal.NewFromInt(2000)

	for i := 0; i < 20; i++ {
		buy, err := b.Execute(context.Background(), types.SideBuy, price, decimal.NewFromInt(1))
		require.NoError(t, err)
		assert.True(t, buy.Price.GreaterThanOrEqual(price), "buy slips up, got %s", buy.Price)

		sell, err := b.Execute(context.Background(), types.SideSell, price, decimal.NewFromInt(1))
		require.NoError(t, err)
		assert.True(t, sell.Price.LessThanOrEqual(price), "sell slips down, got %s", sell.Price)
	}
}

func TestExecuteRejection(t *testing.T) {
	t.Parallel()

	b := New(Config{RejectionRate: 1.0, Seed: 7})
	_, err := b.Execute(context.Background(), types.SideBuy,
		decimal.NewFromInt(2000), decimal.NewFromInt(1))
	assert.Error(t, err)
}

func TestShutdownRejectsNewExecutions(t *testing.T) {
	t.Parallel()

	b := New(Config{Seed: 1})
	b.Shutdown()

	_, err := b.Execute(context.Background(), types.SideBuy,
		decimal.NewFromInt(2000), decimal.NewFromInt(1))
	assert.ErrorIs(t, err, types.ErrEngineStopped)
	assert.Equal(t, 0, b.Pending())
}
