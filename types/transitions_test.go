package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()

	allowed := []struct{ from, to PositionStatus }{
		{StatusPending, StatusOpen},
		{StatusPending, StatusClosed},
		{StatusOpen, StatusClosed},
		{StatusOpen, StatusLiquidated},
		{StatusClosed, StatusArchived},
		{StatusLiquidated, StatusArchived},
	}
	for _, tc := range allowed {
		assert.True(t, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}

	denied := []struct{ from, to PositionStatus }{
		{StatusPending, StatusLiquidated},
		{StatusPending, StatusArchived},
		{StatusOpen, StatusPending},
		{StatusOpen, StatusArchived},
		{StatusClosed, StatusOpen},
		{StatusClosed, StatusLiquidated},
		{StatusLiquidated, StatusOpen},
		{StatusArchived, StatusOpen},
		{StatusArchived, StatusClosed},
	}
	for _, tc := range denied {
		assert.False(t, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestStatusForEvent(t *testing.T) {
	t.Parallel()

	status, ok := StatusForEvent(EventOrderFilled)
	assert.True(t, ok)
	assert.Equal(t, StatusOpen, status)

	status, ok = StatusForEvent(EventPositionOpened)
	assert.True(t, ok)
	assert.Equal(t, StatusOpen, status)

	status, ok = StatusForEvent(EventPositionClosed)
	assert.True(t, ok)
	assert.Equal(t, StatusClosed, status)

	status, ok = StatusForEvent(EventPositionLiquidated)
	assert.True(t, ok)
	assert.Equal(t, StatusLiquidated, status)

	status, ok = StatusForEvent(EventPositionArchived)
	assert.True(t, ok)
	assert.Equal(t, StatusArchived, status)

	_, ok = StatusForEvent(EventPositionCreated)
	assert.False(t, ok)
	_, ok = StatusForEvent(EventPartialFill)
	assert.False(t, ok)
	_, ok = StatusForEvent(EventPositionUpdated)
	assert.False(t, ok)
}

func TestSideSign(t *testing.T) {
	t.Parallel()

	assert.True(t, SideBuy.Sign().Equal(one))
	assert.True(t, SideSell.Sign().Equal(negOne))
}

func TestStatusTerminal(t *testing.T) {
	t.Parallel()

	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusOpen.Terminal())
	assert.True(t, StatusClosed.Terminal())
	assert.True(t, StatusLiquidated.Terminal())
	assert.True(t, StatusArchived.Terminal())
}
