package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SHARED TYPES - Avoid import cycles
// ═══════════════════════════════════════════════════════════════════════════════

// PositionStatus is the lifecycle state of a position.
type PositionStatus string

const (
	StatusPending    PositionStatus = "PENDING"
	StatusOpen       PositionStatus = "OPEN"
	StatusClosed     PositionStatus = "CLOSED"
	StatusLiquidated PositionStatus = "LIQUIDATED"
	StatusArchived   PositionStatus = "ARCHIVED"
)

// Terminal reports whether no further trading activity is possible.
func (s PositionStatus) Terminal() bool {
	return s == StatusClosed || s == StatusLiquidated || s == StatusArchived
}

// Side is the direction of a position.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

var (
	one    = decimal.NewFromInt(1)
	negOne = decimal.NewFromInt(-1)
)

// Sign returns +1 for BUY and -1 for SELL, the multiplier used in
// every P&L formula.
func (s Side) Sign() decimal.Decimal {
	if s == SideSell {
		return negOne
	}
	return one
}

// EventType identifies a position event in the append-only log.
type EventType string

const (
	EventPositionCreated     EventType = "POSITION_CREATED"
	EventOrderFilled         EventType = "ORDER_FILLED"
	EventPartialFill         EventType = "PARTIAL_FILL"
	EventPositionOpened      EventType = "POSITION_OPENED"
	EventPositionUpdated     EventType = "POSITION_UPDATED"
	EventStopLossTriggered   EventType = "STOP_LOSS_TRIGGERED"
	EventTakeProfitTriggered EventType = "TAKE_PROFIT_TRIGGERED"
	EventPositionClosed      EventType = "POSITION_CLOSED"
	EventPositionLiquidated  EventType = "POSITION_LIQUIDATED"
	EventPositionArchived    EventType = "POSITION_ARCHIVED"
)

// ExecutionType classifies a fill record.
type ExecutionType string

const (
	ExecEntry       ExecutionType = "ENTRY"
	ExecPartialExit ExecutionType = "PARTIAL_EXIT"
	ExecStopLoss    ExecutionType = "STOP_LOSS"
	ExecTakeProfit  ExecutionType = "TAKE_PROFIT"
	ExecLiquidation ExecutionType = "LIQUIDATION"
)

// IsExit reports whether the execution reduces position size.
func (e ExecutionType) IsExit() bool {
	return e != ExecEntry
}

// BalanceReason classifies an account balance event.
type BalanceReason string

const (
	ReasonPartialExit    BalanceReason = "PARTIAL_EXIT"
	ReasonPositionClosed BalanceReason = "POSITION_CLOSED"
	ReasonLiquidation    BalanceReason = "LIQUIDATION"
	ReasonMarginReserve  BalanceReason = "MARGIN_RESERVE"
	ReasonMarginRelease  BalanceReason = "MARGIN_RELEASE"
	ReasonFee            BalanceReason = "FEE"
)

// TradeSignal is an accepted strategy signal, the input to position creation.
type TradeSignal struct {
	ID             string
	AccountID      string
	Pair           string
	Side           Side
	EntryPrice     decimal.Decimal
	PositionSize   decimal.Decimal
	Leverage       int
	MarginRequired decimal.Decimal
	StopLoss       decimal.Decimal // zero = not set
	TakeProfit     decimal.Decimal // zero = not set
}

// FillData is a fill reported by the broker adapter.
type FillData struct {
	OrderID    string
	Price      decimal.Decimal
	Size       decimal.Decimal
	ExecutedAt time.Time
}

// PriceTick is a market data update routed to the SL/TP monitor.
type PriceTick struct {
	Symbol    string
	Price     decimal.Decimal
	Timestamp time.Time
}
