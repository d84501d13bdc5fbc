package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/openmargin/engine/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	return s
}

func seed(t *testing.T, s *Store, id string, status types.PositionStatus) *Position {
	t.Helper()
	now := time.Now().UTC()
	pos := &Position{
		ID:        id,
		AccountID: "acct-1",
		Pair:      "ETHUSDT",
		Side:      types.SideBuy,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.DB(context.Background()).Create(pos).Error)
	return pos
}

func TestGetPositionMissing(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	_, err := s.GetPosition(context.Background(), "nope")
	assert.ErrorIs(t, err, types.ErrPositionNotFound)
}

func TestTransactRollsBackOnError(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	err := s.Transact(ctx, func(tx *gorm.DB) error {
		now := time.Now().UTC()
		if err := tx.Create(&Position{
			ID: "pos-1", AccountID: "acct-1", Status: types.StatusPending,
			CreatedAt: now, UpdatedAt: now,
		}).Error; err != nil {
			return err
		}
		return fmt.Errorf("abort")
	})
	require.Error(t, err)

	_, err = s.GetPosition(ctx, "pos-1")
	assert.ErrorIs(t, err, types.ErrPositionNotFound)
}

func TestGetPositionTxLocksRow(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	seed(t, s, "pos-1", types.StatusOpen)

	// The locking clause must not break backends that ignore it.
	err := s.Transact(ctx, func(tx *gorm.DB) error {
		pos, err := s.GetPositionTx(tx, "pos-1")
		if err != nil {
			return err
		}
		assert.Equal(t, "pos-1", pos.ID)
		_, err = s.GetPositionTx(tx, "nope")
		assert.ErrorIs(t, err, types.ErrPositionNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(errors.New("syntax error")))
	assert.True(t, IsRetryable(errors.New("database is locked")))
	assert.True(t, IsRetryable(errors.New("database table is locked")))
	assert.True(t, IsRetryable(&pgconn.PgError{Code: "40001"}))
	assert.True(t, IsRetryable(&pgconn.PgError{Code: "40P01"}))
	assert.False(t, IsRetryable(&pgconn.PgError{Code: "23505"}))
	assert.True(t, IsRetryable(types.ErrTransactionConflict))
}

func TestPositionQueries(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	open := seed(t, s, "pos-open", types.StatusOpen)
	open.StopLoss = decimal.NewFromInt(1990)
	require.NoError(t, s.DB(ctx).Save(open).Error)
	seed(t, s, "pos-pending", types.StatusPending)
	seed(t, s, "pos-closed", types.StatusClosed)

	byStatus, err := s.PositionsByStatus(ctx, types.StatusOpen)
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, "pos-open", byStatus[0].ID)

	byAccount, err := s.PositionsByAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Len(t, byAccount, 3)

	armed, err := s.OpenPositionsWithSLTP(ctx)
	require.NoError(t, err)
	require.Len(t, armed, 1)
	assert.Equal(t, "pos-open", armed[0].ID)

	byPair, err := s.OpenPositionsByPair(ctx, "ETHUSDT")
	require.NoError(t, err)
	assert.Len(t, byPair, 1)

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, counts[types.StatusOpen])
	assert.EqualValues(t, 1, counts[types.StatusPending])
	assert.EqualValues(t, 1, counts[types.StatusClosed])

	accounts, err := s.AccountsWithOpenPositions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"acct-1"}, accounts)
}

func TestExecutionUniqueIndex(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	first := &TradeExecution{
		ID: "exec-1", PositionID: "pos-1", OrderID: "ord-1",
		ExecutionType: types.ExecEntry, ExecutedAt: now, CreatedAt: now,
	}
	require.NoError(t, s.DB(ctx).Create(first).Error)

	dup := &TradeExecution{
		ID: "exec-2", PositionID: "pos-1", OrderID: "ord-1",
		ExecutionType: types.ExecEntry, ExecutedAt: now, CreatedAt: now,
	}
	assert.Error(t, s.DB(ctx).Create(dup).Error, "(position_id, order_id) must be unique")

	other := &TradeExecution{
		ID: "exec-3", PositionID: "pos-2", OrderID: "ord-1",
		ExecutionType: types.ExecEntry, ExecutedAt: now, CreatedAt: now,
	}
	assert.NoError(t, s.DB(ctx).Create(other).Error, "same order on another position is fine")
}
