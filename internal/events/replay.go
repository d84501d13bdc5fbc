package events

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/openmargin/engine/internal/store"
	"github.com/openmargin/engine/types"
)

// Replay reconstructs a position by folding its event sequence. The result
// must match the persisted row within numerical tolerance; the integrity
// service asserts that.
func (es *EventStore) Replay(ctx context.Context, positionID string) (*store.Position, error) {
	evs, err := es.ListByPosition(ctx, positionID)
	if err != nil {
		return nil, err
	}
	if len(evs) == 0 {
		return nil, fmt.Errorf("%w: no events for %s", types.ErrPositionNotFound, positionID)
	}
	return Fold(positionID, evs)
}

// Fold is the pure replay function: deterministic for a given sequence.
func Fold(positionID string, evs []store.PositionEvent) (*store.Position, error) {
	if len(evs) == 0 || evs[0].EventType != types.EventPositionCreated {
		return nil, fmt.Errorf("%w: sequence must start with %s",
			types.ErrIntegrityViolation, types.EventPositionCreated)
	}

	pos := &store.Position{ID: positionID}
	for i := range evs {
		if err := apply(pos, &evs[i]); err != nil {
			return nil, fmt.Errorf("replay %s event %d: %w", positionID, evs[i].ID, err)
		}
	}
	return pos, nil
}

func apply(pos *store.Position, ev *store.PositionEvent) error {
	payload, err := DecodePayload(ev.Payload)
	if err != nil {
		return err
	}

	switch ev.EventType {
	case types.EventPositionCreated:
		p := payload.Created
		if p == nil {
			return fmt.Errorf("missing created payload")
		}
		pos.AccountID = p.AccountID
		pos.Pair = p.Pair
		pos.Side = p.Side
		pos.AvgEntryPrice = p.EntryPrice
		pos.SignalSize = p.SignalSize
		pos.Leverage = p.Leverage
		pos.MarginUsed = p.MarginRequired
		pos.StopLoss = p.StopLoss
		pos.TakeProfit = p.TakeProfit
		pos.Status = types.StatusPending
		pos.Size = decimal.Zero
		pos.CreatedAt = ev.CreatedAt
		pos.UpdatedAt = ev.CreatedAt

	case types.EventOrderFilled, types.EventPartialFill:
		p := payload.Fill
		if p == nil {
			return fmt.Errorf("missing fill payload")
		}
		if p.IsEntry {
			applyEntryFill(pos, p)
		} else {
			pos.Size = pos.Size.Sub(p.Size)
			pos.RealizedPnL = pos.RealizedPnL.Add(p.RealizedPnL)
		}
		if ev.NewStatus == types.StatusOpen && pos.Status == types.StatusPending {
			open(pos, ev)
		}
		pos.UpdatedAt = ev.CreatedAt

	case types.EventPositionOpened:
		open(pos, ev)
		pos.UpdatedAt = ev.CreatedAt

	case types.EventPositionUpdated:
		p := payload.Update
		if p == nil {
			return fmt.Errorf("missing update payload")
		}
		if p.UnrealizedPnL != nil {
			pos.UnrealizedPnL = *p.UnrealizedPnL
		}
		if p.StopLoss != nil {
			pos.StopLoss = *p.StopLoss
		}
		if p.TakeProfit != nil {
			pos.TakeProfit = *p.TakeProfit
		}
		pos.UpdatedAt = ev.CreatedAt

	case types.EventStopLossTriggered, types.EventTakeProfitTriggered:
		// Audit markers: the state change rides on the POSITION_CLOSED
		// event committed in the same transaction.
		pos.UpdatedAt = ev.CreatedAt

	case types.EventPositionClosed, types.EventPositionLiquidated:
		p := payload.Closure
		if p == nil {
			return fmt.Errorf("missing closure payload")
		}
		pos.RealizedPnL = pos.RealizedPnL.Add(p.RealizedPnL)
		pos.Size = pos.Size.Sub(p.Size)
		pos.UnrealizedPnL = decimal.Zero
		if ev.EventType == types.EventPositionLiquidated {
			pos.Status = types.StatusLiquidated
		} else {
			pos.Status = types.StatusClosed
		}
		t := ev.CreatedAt
		pos.ClosedAt = &t
		pos.UpdatedAt = ev.CreatedAt

	case types.EventPositionArchived:
		pos.Status = types.StatusArchived
		pos.UpdatedAt = ev.CreatedAt

	default:
		return fmt.Errorf("unknown event type %q", ev.EventType)
	}
	return nil
}

func applyEntryFill(pos *store.Position, p *FillPayload) {
	newSize := pos.Size.Add(p.Size)
	if newSize.IsPositive() {
		// Weighted average entry: (oldAvg*oldSize + price*size) / newSize,
		// carried at >=10 significant digits before store rounding.
		notional := pos.AvgEntryPrice.Mul(pos.Size).Add(p.Price.Mul(p.Size))
		pos.AvgEntryPrice = notional.DivRound(newSize, 16)
	}
	pos.Size = newSize
	pos.RealizedPnL = pos.RealizedPnL.Add(p.RealizedPnL)
}

func open(pos *store.Position, ev *store.PositionEvent) {
	pos.Status = types.StatusOpen
	if pos.OpenedAt == nil {
		t := ev.CreatedAt
		pos.OpenedAt = &t
	}
}
