package store

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/openmargin/engine/types"
)

// Models

// Position is a trade lot. Size is 0 while PENDING and after CLOSED or
// LIQUIDATED. All timestamps are UTC.
type Position struct {
	ID               string          `gorm:"primaryKey"`
	ExecutionTradeID string          `gorm:"index"`
	AccountID        string          `gorm:"index"`
	Pair             string          `gorm:"index"`
	Side             types.Side
	Size             decimal.Decimal `gorm:"type:decimal(24,8)"`
	SignalSize       decimal.Decimal `gorm:"type:decimal(24,8)"` // size requested by the originating signal
	AvgEntryPrice    decimal.Decimal `gorm:"type:decimal(24,5)"`
	Leverage         int
	MarginUsed       decimal.Decimal `gorm:"type:decimal(24,2)"`
	UnrealizedPnL    decimal.Decimal `gorm:"type:decimal(24,2)"`
	RealizedPnL      decimal.Decimal `gorm:"type:decimal(24,2)"`
	StopLoss         decimal.Decimal `gorm:"type:decimal(24,5)"` // zero = not set
	TakeProfit       decimal.Decimal `gorm:"type:decimal(24,5)"` // zero = not set
	Status           types.PositionStatus `gorm:"index"`
	CreatedAt        time.Time
	OpenedAt         *time.Time
	ClosedAt         *time.Time
	UpdatedAt        time.Time
}

// PositionEvent is an immutable audit record. The autoincrement ID doubles
// as the commit-order sequence; replays order by (created_at, id).
type PositionEvent struct {
	ID             uint64 `gorm:"primaryKey;autoIncrement"`
	PositionID     string `gorm:"index"`
	EventType      types.EventType
	PreviousStatus types.PositionStatus
	NewStatus      types.PositionStatus
	Payload        string  // JSON-encoded payload variant
	IdempotencyKey *string `gorm:"uniqueIndex"`
	CreatedAt      time.Time
}

// TradeExecution is a fill record, idempotent on (position_id, order_id).
type TradeExecution struct {
	ID            string `gorm:"primaryKey"`
	PositionID    string `gorm:"index;index:idx_exec_pos_order,unique"`
	OrderID       string `gorm:"index:idx_exec_pos_order,unique"`
	ExecutionType types.ExecutionType
	Price         decimal.Decimal `gorm:"type:decimal(24,5)"`
	Size          decimal.Decimal `gorm:"type:decimal(24,8)"`
	ExecutedAt    time.Time
	CreatedAt     time.Time
}

// AccountBalance is the per-account ledger head.
// Invariant: FreeMargin = Balance - MarginUsed.
type AccountBalance struct {
	AccountID  string          `gorm:"primaryKey"`
	Equity     decimal.Decimal `gorm:"type:decimal(24,2)"`
	Balance    decimal.Decimal `gorm:"type:decimal(24,2)"`
	MarginUsed decimal.Decimal `gorm:"type:decimal(24,2)"`
	FreeMargin decimal.Decimal `gorm:"type:decimal(24,2)"`
	Leverage   int
	IsPaper    bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// AccountBalanceEvent is an append-only ledger delta.
// Invariant: BalanceAfter = BalanceBefore + Amount.
// MarginDelta records reservation changes that do not move the balance.
type AccountBalanceEvent struct {
	ID            uint64 `gorm:"primaryKey;autoIncrement"`
	AccountID     string `gorm:"index"`
	BalanceBefore decimal.Decimal `gorm:"type:decimal(24,2)"`
	Amount        decimal.Decimal `gorm:"type:decimal(24,2)"`
	BalanceAfter  decimal.Decimal `gorm:"type:decimal(24,2)"`
	MarginDelta   decimal.Decimal `gorm:"type:decimal(24,2)"`
	Reason        types.BalanceReason
	PositionID    *string `gorm:"index"`
	CreatedAt     time.Time
}

// SystemCheckpoint is a persisted snapshot summary with an integrity digest.
type SystemCheckpoint struct {
	ID              string          `gorm:"primaryKey"`
	OpenPositions   int
	TotalMarginUsed decimal.Decimal `gorm:"type:decimal(24,2)"`
	TotalBalance    decimal.Decimal `gorm:"type:decimal(24,2)"`
	Digest          string
	CreatedAt       time.Time
}
