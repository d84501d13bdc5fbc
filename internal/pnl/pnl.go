package pnl

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/openmargin/engine/internal/events"
	"github.com/openmargin/engine/internal/store"
	"github.com/openmargin/engine/types"
)

// Engine computes unrealized and realized P&L and marks positions to market.
type Engine struct {
	store  *store.Store
	events *events.EventStore
}

// New wires the P&L engine.
func New(s *store.Store, es *events.EventStore) *Engine {
	return &Engine{store: s, events: es}
}

// Unrealized computes (marketPrice - avgEntryPrice) * size * sideSign.
func Unrealized(pos *store.Position, marketPrice decimal.Decimal) decimal.Decimal {
	return marketPrice.Sub(pos.AvgEntryPrice).
		Mul(pos.Size).
		Mul(pos.Side.Sign())
}

// UpdatePositionPnL marks one position to market, persists the new
// unrealized P&L, and emits POSITION_UPDATED. No-op for non-OPEN positions.
func (e *Engine) UpdatePositionPnL(ctx context.Context, positionID string, marketPrice decimal.Decimal) (decimal.Decimal, error) {
	var unrealized decimal.Decimal
	err := e.store.Transact(ctx, func(tx *gorm.DB) error {
		pos, err := e.store.GetPositionTx(tx, positionID)
		if err != nil {
			return err
		}
		if pos.Status != types.StatusOpen {
			unrealized = pos.UnrealizedPnL
			return nil
		}

		unrealized = Unrealized(pos, marketPrice)
		pos.UnrealizedPnL = unrealized
		pos.UpdatedAt = time.Now().UTC()
		if err := tx.Save(pos).Error; err != nil {
			return err
		}

		raw, err := events.Payload{Update: &events.UpdatePayload{
			MarketPrice:   &marketPrice,
			UnrealizedPnL: &unrealized,
		}}.Encode()
		if err != nil {
			return err
		}
		return e.events.Append(tx, &store.PositionEvent{
			PositionID: pos.ID,
			EventType:  types.EventPositionUpdated,
			Payload:    raw,
			CreatedAt:  time.Now().UTC(),
		})
	})
	if err != nil {
		return decimal.Zero, err
	}
	log.Debug().
		Str("position_id", positionID).
		Str("unrealized", unrealized.StringFixed(2)).
		Msg("Position marked to market")
	return unrealized, nil
}

// Metrics is the per-position P&L summary.
type Metrics struct {
	PositionID     string
	Status         types.PositionStatus
	Side           types.Side
	Size           decimal.Decimal
	AvgEntryPrice  decimal.Decimal
	UnrealizedPnL  decimal.Decimal
	RealizedPnL    decimal.Decimal
	MarginUsed     decimal.Decimal
	ReturnOnMargin decimal.Decimal // (unrealized + realized) / marginUsed
}

// GetPositionMetrics returns the position's P&L summary.
func (e *Engine) GetPositionMetrics(ctx context.Context, positionID string) (*Metrics, error) {
	pos, err := e.store.GetPosition(ctx, positionID)
	if err != nil {
		return nil, err
	}

	m := &Metrics{
		PositionID:    pos.ID,
		Status:        pos.Status,
		Side:          pos.Side,
		Size:          pos.Size,
		AvgEntryPrice: pos.AvgEntryPrice,
		UnrealizedPnL: pos.UnrealizedPnL,
		RealizedPnL:   pos.RealizedPnL,
		MarginUsed:    pos.MarginUsed,
	}
	if pos.MarginUsed.IsPositive() {
		m.ReturnOnMargin = pos.UnrealizedPnL.Add(pos.RealizedPnL).DivRound(pos.MarginUsed, 8)
	}
	return m, nil
}
