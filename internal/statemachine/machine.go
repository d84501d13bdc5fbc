package statemachine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/openmargin/engine/internal/events"
	"github.com/openmargin/engine/internal/ledger"
	"github.com/openmargin/engine/internal/store"
	"github.com/openmargin/engine/types"
)

// Machine validates and applies position state transitions. Every
// transition commits atomically with its event.
type Machine struct {
	store  *store.Store
	events *events.EventStore
	ledger *ledger.Ledger

	maxLeverage int
	capLeverage bool
}

// Config carries construction-time policy.
type Config struct {
	MaxLeverage int
	CapLeverage bool // cap signals above the limit instead of rejecting them
}

// New wires the state machine.
func New(s *store.Store, es *events.EventStore, l *ledger.Ledger, cfg Config) *Machine {
	return &Machine{
		store:       s,
		events:      es,
		ledger:      l,
		maxLeverage: cfg.MaxLeverage,
		capLeverage: cfg.CapLeverage,
	}
}

// CreatePosition accepts a trade signal: atomically inserts the PENDING
// position, appends POSITION_CREATED, and reserves margin on the account.
func (m *Machine) CreatePosition(ctx context.Context, signal *types.TradeSignal) (*store.Position, error) {
	leverage := signal.Leverage
	if leverage < 1 {
		leverage = 1
	}
	if leverage > m.maxLeverage {
		if !m.capLeverage {
			return nil, fmt.Errorf("%w: %d > %d", types.ErrLeverageExceeded, signal.Leverage, m.maxLeverage)
		}
		leverage = m.maxLeverage
	}
	if !signal.EntryPrice.IsPositive() {
		return nil, fmt.Errorf("signal %s: entry price must be positive", signal.ID)
	}
	if !signal.PositionSize.IsPositive() {
		return nil, fmt.Errorf("signal %s: position size must be positive", signal.ID)
	}

	now := time.Now().UTC()
	pos := &store.Position{
		ID:               uuid.NewString(),
		ExecutionTradeID: signal.ID,
		AccountID:        signal.AccountID,
		Pair:             signal.Pair,
		Side:             signal.Side,
		Size:             decimal.Zero,
		SignalSize:       signal.PositionSize,
		AvgEntryPrice:    signal.EntryPrice,
		Leverage:         leverage,
		MarginUsed:       signal.MarginRequired,
		UnrealizedPnL:    decimal.Zero,
		RealizedPnL:      decimal.Zero,
		StopLoss:         signal.StopLoss,
		TakeProfit:       signal.TakeProfit,
		Status:           types.StatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	err := m.store.Transact(ctx, func(tx *gorm.DB) error {
		if _, err := m.ledger.EnsureAccountTx(tx, signal.AccountID, leverage); err != nil {
			return err
		}
		if err := m.ledger.ReserveMarginTx(tx, signal.AccountID, signal.MarginRequired, pos.ID); err != nil {
			return err
		}
		if err := tx.Create(pos).Error; err != nil {
			return err
		}

		payload, err := events.Payload{Created: &events.CreatedPayload{
			AccountID:      pos.AccountID,
			Pair:           pos.Pair,
			Side:           pos.Side,
			EntryPrice:     pos.AvgEntryPrice,
			SignalSize:     pos.SignalSize,
			Leverage:       pos.Leverage,
			MarginRequired: pos.MarginUsed,
			StopLoss:       pos.StopLoss,
			TakeProfit:     pos.TakeProfit,
		}}.Encode()
		if err != nil {
			return err
		}
		return m.events.Append(tx, &store.PositionEvent{
			PositionID: pos.ID,
			EventType:  types.EventPositionCreated,
			Payload:    payload,
			CreatedAt:  now,
		})
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("position_id", pos.ID).
		Str("pair", pos.Pair).
		Str("side", string(pos.Side)).
		Str("entry", pos.AvgEntryPrice.StringFixed(2)).
		Int("leverage", leverage).
		Msg("Position created")
	return pos, nil
}

// TransitionTx verifies and applies a status change inside the caller's
// transaction: status and timestamps on the row, plus the event append.
// The caller supplies the already-loaded position and the payload.
func (m *Machine) TransitionTx(tx *gorm.DB, pos *store.Position, eventType types.EventType, payload events.Payload, idempotencyKey *string) error {
	next, ok := types.StatusForEvent(eventType)
	if !ok {
		return fmt.Errorf("%w: event %s does not change state", types.ErrInvalidTransition, eventType)
	}
	if !types.CanTransition(pos.Status, next) {
		return fmt.Errorf("%w: %s -> %s on %s", types.ErrInvalidTransition, pos.Status, next, eventType)
	}

	now := time.Now().UTC()
	prev := pos.Status
	pos.Status = next
	pos.UpdatedAt = now
	switch next {
	case types.StatusOpen:
		if pos.OpenedAt == nil {
			pos.OpenedAt = &now
		}
	case types.StatusClosed, types.StatusLiquidated:
		pos.ClosedAt = &now
	}
	if err := tx.Save(pos).Error; err != nil {
		return err
	}

	raw, err := payload.Encode()
	if err != nil {
		return err
	}
	return m.events.Append(tx, &store.PositionEvent{
		PositionID:     pos.ID,
		EventType:      eventType,
		PreviousStatus: prev,
		NewStatus:      next,
		Payload:        raw,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      now,
	})
}

// TransitionState loads the position and applies a transition in its own
// transaction. Callers that need to bundle more writes use TransitionTx.
func (m *Machine) TransitionState(ctx context.Context, positionID string, eventType types.EventType, payload events.Payload) error {
	return m.store.Transact(ctx, func(tx *gorm.DB) error {
		pos, err := m.store.GetPositionTx(tx, positionID)
		if err != nil {
			return err
		}
		return m.TransitionTx(tx, pos, eventType, payload, nil)
	})
}
