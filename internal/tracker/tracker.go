package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/openmargin/engine/internal/events"
	"github.com/openmargin/engine/internal/ledger"
	"github.com/openmargin/engine/internal/statemachine"
	"github.com/openmargin/engine/internal/store"
	"github.com/openmargin/engine/types"
)

// sizeTolerance bounds the full-fill invariant checks (size/price 1e-4).
var sizeTolerance = decimal.New(1, -4)

// Tracker records fills, recomputes size and weighted-average entry price,
// and drives the state machine. All entry points are transactional and
// idempotent on (positionID, orderID); per-position writes serialize on an
// advisory lock on top of the store's conflict retry.
type Tracker struct {
	store   *store.Store
	events  *events.EventStore
	machine *statemachine.Machine
	ledger  *ledger.Ledger

	commissionRate decimal.Decimal

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	onOpen  func(pos *store.Position)
	onClose func(positionID string)
}

// New wires the tracker.
func New(s *store.Store, es *events.EventStore, m *statemachine.Machine, l *ledger.Ledger, commissionRate decimal.Decimal) *Tracker {
	return &Tracker{
		store:          s,
		events:         es,
		machine:        m,
		ledger:         l,
		commissionRate: commissionRate,
		locks:          make(map[string]*sync.Mutex),
	}
}

// SetOpenHook registers the callback fired after a position transitions to
// OPEN (the SL/TP monitor arms it there).
func (t *Tracker) SetOpenHook(fn func(pos *store.Position)) { t.onOpen = fn }

// SetCloseHook registers the callback fired after a terminal transition.
func (t *Tracker) SetCloseHook(fn func(positionID string)) { t.onClose = fn }

// positionLock returns the advisory mutex serializing writes to one position.
func (t *Tracker) positionLock(positionID string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[positionID]
	if !ok {
		l = &sync.Mutex{}
		t.locks[positionID] = l
	}
	return l
}

func (t *Tracker) releaseLockEntry(positionID string) {
	t.mu.Lock()
	delete(t.locks, positionID)
	t.mu.Unlock()
}

// commission returns commissionRate * notional for a fill.
func (t *Tracker) commission(price, size decimal.Decimal) decimal.Decimal {
	return t.commissionRate.Mul(price).Mul(size.Abs())
}

// RecordExecution appends a TradeExecution without mutating position size.
// A repeated (positionID, orderID) pair is a no-op success.
func (t *Tracker) RecordExecution(ctx context.Context, exec *store.TradeExecution) error {
	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = time.Now().UTC()
	}
	return t.store.Transact(ctx, func(tx *gorm.DB) error {
		dup, err := executionExists(tx, exec.PositionID, exec.OrderID)
		if err != nil {
			return err
		}
		if dup {
			return nil
		}
		return tx.Create(exec).Error
	})
}

func executionExists(tx *gorm.DB, positionID, orderID string) (bool, error) {
	var count int64
	err := tx.Model(&store.TradeExecution{}).
		Where("position_id = ? AND order_id = ?", positionID, orderID).
		Count(&count).Error
	return count > 0, err
}

// ProcessPartialFill applies one fill. Entry fills grow the position and
// recompute the weighted-average entry price; exit fills shrink it and
// realize P&L. The first entry fill transitions PENDING -> OPEN; an exit
// fill equal to the remaining size flattens and closes the position.
func (t *Tracker) ProcessPartialFill(ctx context.Context, positionID string, fill types.FillData, isEntry bool) (*store.Position, error) {
	if !fill.Size.IsPositive() {
		return nil, fmt.Errorf("fill %s: size must be positive", fill.OrderID)
	}

	lock := t.positionLock(positionID)
	lock.Lock()
	defer lock.Unlock()

	var result *store.Position
	var opened, closed bool
	err := t.store.Transact(ctx, func(tx *gorm.DB) error {
		result, opened, closed = nil, false, false
		pos, err := t.store.GetPositionTx(tx, positionID)
		if err != nil {
			return err
		}
		dup, err := executionExists(tx, positionID, fill.OrderID)
		if err != nil {
			return err
		}
		if dup {
			result = pos
			return nil
		}

		if isEntry {
			if pos.Status != types.StatusPending && pos.Status != types.StatusOpen {
				return fmt.Errorf("%w: entry fill on %s position", types.ErrInvalidTransition, pos.Status)
			}
			opened, err = t.applyEntryFillTx(tx, pos, fill, types.EventPartialFill)
		} else {
			if pos.Status != types.StatusOpen {
				return fmt.Errorf("%w: exit fill on %s position", types.ErrInvalidTransition, pos.Status)
			}
			switch {
			case fill.Size.GreaterThan(pos.Size):
				return fmt.Errorf("exit fill %s exceeds position size %s",
					fill.Size.String(), pos.Size.String())
			case fill.Size.Equal(pos.Size):
				// The last exit flattens the position: terminal close,
				// ledger credit, margin release.
				err = t.closeTx(tx, pos, fill.Price, pos.Size, fill.OrderID,
					types.ExecPartialExit, types.EventPositionClosed,
					types.ReasonPositionClosed, decimal.Zero)
				closed = err == nil
			default:
				err = t.applyExitFillTx(tx, pos, fill)
			}
		}
		if err != nil {
			return err
		}
		result = pos
		return nil
	})
	if err != nil {
		return nil, err
	}
	if opened && t.onOpen != nil {
		t.onOpen(result)
	}
	if closed {
		t.finishClose(positionID)
	}
	return result, nil
}

// ProcessFullFill is ProcessPartialFill with the additional invariant that
// the position ends exactly full (entry) or exactly flat (exit). An exit to
// zero transitions to CLOSED, credits realized P&L, and releases margin.
func (t *Tracker) ProcessFullFill(ctx context.Context, positionID string, fill types.FillData) (*store.Position, error) {
	if !fill.Size.IsPositive() {
		return nil, fmt.Errorf("fill %s: size must be positive", fill.OrderID)
	}

	lock := t.positionLock(positionID)
	lock.Lock()
	defer lock.Unlock()

	var result *store.Position
	var opened, closed bool
	err := t.store.Transact(ctx, func(tx *gorm.DB) error {
		result, opened, closed = nil, false, false
		pos, err := t.store.GetPositionTx(tx, positionID)
		if err != nil {
			return err
		}
		dup, err := executionExists(tx, positionID, fill.OrderID)
		if err != nil {
			return err
		}
		if dup {
			result = pos
			return nil
		}

		switch pos.Status {
		case types.StatusPending:
			if pos.SignalSize.IsPositive() &&
				pos.Size.Add(fill.Size).Sub(pos.SignalSize).Abs().GreaterThan(sizeTolerance) {
				return fmt.Errorf("full entry fill %s does not complete signalled size %s",
					fill.Size.String(), pos.SignalSize.String())
			}
			opened, err = t.applyEntryFillTx(tx, pos, fill, types.EventOrderFilled)
			if err != nil {
				return err
			}
		case types.StatusOpen:
			if fill.Size.Sub(pos.Size).Abs().GreaterThan(sizeTolerance) {
				return fmt.Errorf("full exit fill %s does not flatten position size %s",
					fill.Size.String(), pos.Size.String())
			}
			execType := types.ExecPartialExit
			if err := t.closeTx(tx, pos, fill.Price, pos.Size, fill.OrderID, execType,
				types.EventPositionClosed, types.ReasonPositionClosed, decimal.Zero); err != nil {
				return err
			}
			closed = true
		default:
			return fmt.Errorf("%w: full fill on %s position", types.ErrInvalidTransition, pos.Status)
		}
		result = pos
		return nil
	})
	if err != nil {
		return nil, err
	}
	if opened && t.onOpen != nil {
		t.onOpen(result)
	}
	if closed {
		t.finishClose(positionID)
	}
	return result, nil
}

// applyEntryFillTx grows the position, records the execution, emits the
// fill event, and opens the position when size leaves zero.
// Returns whether the position transitioned to OPEN.
func (t *Tracker) applyEntryFillTx(tx *gorm.DB, pos *store.Position, fill types.FillData, eventType types.EventType) (bool, error) {
	wasFlat := pos.Size.IsZero() && pos.Status == types.StatusPending

	exec := &store.TradeExecution{
		ID:            uuid.NewString(),
		PositionID:    pos.ID,
		OrderID:       fill.OrderID,
		ExecutionType: types.ExecEntry,
		Price:         fill.Price,
		Size:          fill.Size,
		ExecutedAt:    fill.ExecutedAt,
		CreatedAt:     time.Now().UTC(),
	}
	if err := tx.Create(exec).Error; err != nil {
		return false, err
	}

	comm := t.commission(fill.Price, fill.Size)
	newSize := pos.Size.Add(fill.Size)
	notional := pos.AvgEntryPrice.Mul(pos.Size).Add(fill.Price.Mul(fill.Size))
	pos.AvgEntryPrice = notional.DivRound(newSize, 16)
	pos.Size = newSize
	pos.RealizedPnL = pos.RealizedPnL.Sub(comm)
	pos.UpdatedAt = time.Now().UTC()

	fillPayload := events.Payload{Fill: &events.FillPayload{
		OrderID:     fill.OrderID,
		Price:       fill.Price,
		Size:        fill.Size,
		IsEntry:     true,
		RealizedPnL: comm.Neg(),
		Commission:  comm,
	}}

	if wasFlat && eventType == types.EventOrderFilled {
		// Full entry fill: the ORDER_FILLED event carries both the fill
		// and the PENDING -> OPEN transition.
		if err := t.machine.TransitionTx(tx, pos, types.EventOrderFilled, fillPayload, nil); err != nil {
			return false, err
		}
		return true, t.debitCommissionTx(tx, pos, comm)
	}

	if err := tx.Save(pos).Error; err != nil {
		return false, err
	}
	raw, err := fillPayload.Encode()
	if err != nil {
		return false, err
	}
	if err := t.events.Append(tx, &store.PositionEvent{
		PositionID: pos.ID,
		EventType:  types.EventPartialFill,
		Payload:    raw,
		CreatedAt:  time.Now().UTC(),
	}); err != nil {
		return false, err
	}
	if err := t.debitCommissionTx(tx, pos, comm); err != nil {
		return false, err
	}

	if wasFlat {
		return true, t.machine.TransitionTx(tx, pos, types.EventPositionOpened, events.Payload{}, nil)
	}
	return false, nil
}

// debitCommissionTx charges an entry fill's commission to the account as a
// FEE event. Exit commissions are already netted into the realized credit.
func (t *Tracker) debitCommissionTx(tx *gorm.DB, pos *store.Position, comm decimal.Decimal) error {
	if !comm.IsPositive() {
		return nil
	}
	return t.ledger.UpdateAccountBalanceTx(tx, pos.AccountID, comm.Neg(), types.ReasonFee, &pos.ID)
}

// applyExitFillTx shrinks an OPEN position, realizes the fill's P&L, and
// credits the partial-exit amount to the account ledger.
func (t *Tracker) applyExitFillTx(tx *gorm.DB, pos *store.Position, fill types.FillData) error {
	exec := &store.TradeExecution{
		ID:            uuid.NewString(),
		PositionID:    pos.ID,
		OrderID:       fill.OrderID,
		ExecutionType: types.ExecPartialExit,
		Price:         fill.Price,
		Size:          fill.Size,
		ExecutedAt:    fill.ExecutedAt,
		CreatedAt:     time.Now().UTC(),
	}
	if err := tx.Create(exec).Error; err != nil {
		return err
	}

	comm := t.commission(fill.Price, fill.Size)
	realized := fill.Price.Sub(pos.AvgEntryPrice).
		Mul(fill.Size).
		Mul(pos.Side.Sign()).
		Sub(comm)

	pos.Size = pos.Size.Sub(fill.Size)
	pos.RealizedPnL = pos.RealizedPnL.Add(realized)
	pos.UpdatedAt = time.Now().UTC()
	if err := tx.Save(pos).Error; err != nil {
		return err
	}

	raw, err := events.Payload{Fill: &events.FillPayload{
		OrderID:     fill.OrderID,
		Price:       fill.Price,
		Size:        fill.Size,
		IsEntry:     false,
		RealizedPnL: realized,
		Commission:  comm,
	}}.Encode()
	if err != nil {
		return err
	}
	if err := t.events.Append(tx, &store.PositionEvent{
		PositionID: pos.ID,
		EventType:  types.EventPartialFill,
		Payload:    raw,
		CreatedAt:  time.Now().UTC(),
	}); err != nil {
		return err
	}

	return t.ledger.UpdateAccountBalanceTx(tx, pos.AccountID, realized, types.ReasonPartialExit, &pos.ID)
}

func (t *Tracker) finishClose(positionID string) {
	t.releaseLockEntry(positionID)
	if t.onClose != nil {
		t.onClose(positionID)
	}
	log.Info().Str("position_id", positionID).Msg("Position flattened")
}
