package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpTableLifecycle(t *testing.T) {
	t.Parallel()

	tab := newOpTable(true)
	_, cancel := context.WithCancel(context.Background())
	defer cancel()

	op := tab.begin("create_position", cancel)
	assert.Equal(t, 1, tab.ActiveCount())

	prog, ok := tab.Get(op.id)
	require.True(t, ok)
	assert.Equal(t, OpRunning, prog.Status)
	assert.Equal(t, "create_position", prog.Name)
	assert.Nil(t, prog.FinishedAt)

	tab.finish(op, OpCompleted, nil)
	assert.Equal(t, 0, tab.ActiveCount())

	prog, ok = tab.Get(op.id)
	require.True(t, ok)
	assert.Equal(t, OpCompleted, prog.Status)
	require.NotNil(t, prog.FinishedAt)
	assert.Empty(t, prog.Error)

	stats := tab.Stats()
	assert.Equal(t, int64(1), stats.Completed)
	assert.Zero(t, stats.Active)
}

func TestOpTableFailureKeepsError(t *testing.T) {
	t.Parallel()

	tab := newOpTable(true)
	_, cancel := context.WithCancel(context.Background())
	defer cancel()

	op := tab.begin("close_position", cancel)
	tab.finish(op, OpFailed, errors.New("boom"))

	prog, ok := tab.Get(op.id)
	require.True(t, ok)
	assert.Equal(t, OpFailed, prog.Status)
	assert.Equal(t, "boom", prog.Error)
	assert.Equal(t, int64(1), tab.Stats().Failed)
}

func TestOpTableCancel(t *testing.T) {
	t.Parallel()

	tab := newOpTable(true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	op := tab.begin("recover_system_state", cancel)
	require.True(t, tab.Cancel(op.id))
	assert.ErrorIs(t, ctx.Err(), context.Canceled)

	tab.finish(op, OpCancelled, nil)
	assert.False(t, tab.Cancel(op.id), "finished operations cannot be cancelled")
	assert.False(t, tab.Cancel("unknown"))
	assert.Equal(t, int64(1), tab.Stats().Cancelled)
}

func TestOpTableHistoryBounded(t *testing.T) {
	t.Parallel()

	tab := newOpTable(true)
	_, cancel := context.WithCancel(context.Background())
	defer cancel()

	var first string
	for i := 0; i < historyLimit+10; i++ {
		op := tab.begin("get_position", cancel)
		if i == 0 {
			first = op.id
		}
		tab.finish(op, OpCompleted, nil)
	}

	assert.Len(t, tab.done, historyLimit)
	_, ok := tab.Get(first)
	assert.False(t, ok, "oldest entries are evicted")
}

func TestOpTableDisabled(t *testing.T) {
	t.Parallel()

	tab := newOpTable(false)
	_, cancel := context.WithCancel(context.Background())
	defer cancel()

	op := tab.begin("get_position", cancel)
	assert.Equal(t, 0, tab.ActiveCount())
	tab.finish(op, OpCompleted, nil)

	_, ok := tab.Get(op.id)
	assert.False(t, ok)
	// Aggregate counters still accumulate.
	assert.Equal(t, int64(1), tab.Stats().Completed)
}
