package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/openmargin/engine/internal/events"
	"github.com/openmargin/engine/internal/store"
	"github.com/openmargin/engine/types"
)

// CloseRequest is a terminal closure driven by the SL/TP monitor, the
// liquidation engine, or a manual close.
type CloseRequest struct {
	PositionID     string
	Price          decimal.Decimal
	ExecutionType  types.ExecutionType // STOP_LOSS, TAKE_PROFIT, LIQUIDATION, PARTIAL_EXIT (manual)
	OrderID        string              // generated when empty
	IdempotencyKey string              // optional; duplicate key aborts silently as success
	Fee            decimal.Decimal     // extra fee (liquidation), deducted from realized P&L
	TriggerPayload *events.TriggerPayload
}

// ClosePosition closes an OPEN position at the given price: trigger marker
// (when keyed), execution record, terminal event, ledger credit, and margin
// release commit in one transaction. Closing an already-terminal position
// or replaying a known idempotency key is a no-op success.
func (t *Tracker) ClosePosition(ctx context.Context, req CloseRequest) (*store.Position, error) {
	lock := t.positionLock(req.PositionID)
	lock.Lock()
	defer lock.Unlock()

	if req.OrderID == "" {
		req.OrderID = uuid.NewString()
	}

	var result *store.Position
	var closed bool
	err := t.store.Transact(ctx, func(tx *gorm.DB) error {
		result, closed = nil, false
		pos, err := t.store.GetPositionTx(tx, req.PositionID)
		if err != nil {
			return err
		}
		if pos.Status.Terminal() {
			result = pos
			return nil
		}
		if pos.Status != types.StatusOpen && pos.Status != types.StatusPending {
			return fmt.Errorf("%w: close on %s position", types.ErrInvalidTransition, pos.Status)
		}

		if req.IdempotencyKey != "" {
			// A duplicate key aborts the whole transaction; a failed
			// insert leaves it unusable on postgres, so the duplicate is
			// resolved after rollback.
			if err := t.appendTriggerTx(tx, pos, req); err != nil {
				return err
			}
		}

		eventType := types.EventPositionClosed
		reason := types.ReasonPositionClosed
		if req.ExecutionType == types.ExecLiquidation {
			eventType = types.EventPositionLiquidated
			reason = types.ReasonLiquidation
		}

		if err := t.closeTx(tx, pos, req.Price, pos.Size, req.OrderID, req.ExecutionType, eventType, reason, req.Fee); err != nil {
			return err
		}
		result = pos
		closed = true
		return nil
	})
	if err != nil {
		if errors.Is(err, types.ErrDuplicateIdempotency) {
			// The key already committed: the first writer's closure stands.
			return t.store.GetPosition(ctx, req.PositionID)
		}
		return nil, err
	}
	if closed {
		log.Info().
			Str("position_id", req.PositionID).
			Str("exit", req.Price.StringFixed(2)).
			Str("pnl", result.RealizedPnL.StringFixed(2)).
			Str("type", string(req.ExecutionType)).
			Msg("Position closed")
		t.finishClose(req.PositionID)
	}
	return result, nil
}

// closeTx is the in-transaction closure path used by ProcessFullFill.
func (t *Tracker) closeTx(tx *gorm.DB, pos *store.Position, price, size decimal.Decimal, orderID string, execType types.ExecutionType, eventType types.EventType, reason types.BalanceReason, fee decimal.Decimal) error {
	exec := &store.TradeExecution{
		ID:            uuid.NewString(),
		PositionID:    pos.ID,
		OrderID:       orderID,
		ExecutionType: execType,
		Price:         price,
		Size:          size,
		ExecutedAt:    time.Now().UTC(),
		CreatedAt:     time.Now().UTC(),
	}
	if err := tx.Create(exec).Error; err != nil {
		return err
	}

	comm := t.commission(price, size)
	realized := price.Sub(pos.AvgEntryPrice).
		Mul(size).
		Mul(pos.Side.Sign()).
		Sub(comm).
		Sub(fee)
	margin := pos.MarginUsed

	pos.Size = decimal.Zero
	pos.RealizedPnL = pos.RealizedPnL.Add(realized)
	pos.UnrealizedPnL = decimal.Zero
	if err := t.machine.TransitionTx(tx, pos, eventType, events.Payload{
		Closure: &events.ClosurePayload{
			OrderID:       orderID,
			ExitPrice:     price,
			Size:          size,
			RealizedPnL:   realized,
			Commission:    comm,
			ExecutionType: execType,
		},
	}, nil); err != nil {
		return err
	}

	if err := t.ledger.UpdateAccountBalanceTx(tx, pos.AccountID, realized, reason, &pos.ID); err != nil {
		return err
	}
	if margin.IsPositive() {
		return t.ledger.ReleaseMarginTx(tx, pos.AccountID, margin, pos.ID)
	}
	return nil
}

// appendTriggerTx writes the keyed SL/TP trigger marker.
func (t *Tracker) appendTriggerTx(tx *gorm.DB, pos *store.Position, req CloseRequest) error {
	var eventType types.EventType
	switch req.ExecutionType {
	case types.ExecStopLoss:
		eventType = types.EventStopLossTriggered
	case types.ExecTakeProfit:
		eventType = types.EventTakeProfitTriggered
	default:
		return fmt.Errorf("idempotency key on non-trigger execution type %s", req.ExecutionType)
	}

	raw, err := events.Payload{Trigger: req.TriggerPayload}.Encode()
	if err != nil {
		return err
	}
	key := req.IdempotencyKey
	return t.events.Append(tx, &store.PositionEvent{
		PositionID:     pos.ID,
		EventType:      eventType,
		Payload:        raw,
		IdempotencyKey: &key,
		CreatedAt:      time.Now().UTC(),
	})
}
