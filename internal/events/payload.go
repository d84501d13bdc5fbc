package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/openmargin/engine/types"
)

// Event payloads form a tagged union: exactly one variant is set per event
// type. The store serializes the union to JSON in the payload column.

// CreatedPayload initializes a position on replay.
type CreatedPayload struct {
	AccountID      string          `json:"account_id"`
	Pair           string          `json:"pair"`
	Side           types.Side      `json:"side"`
	EntryPrice     decimal.Decimal `json:"entry_price"`
	SignalSize     decimal.Decimal `json:"signal_size"`
	Leverage       int             `json:"leverage"`
	MarginRequired decimal.Decimal `json:"margin_required"`
	StopLoss       decimal.Decimal `json:"stop_loss"`
	TakeProfit     decimal.Decimal `json:"take_profit"`
}

// FillPayload carries an entry or partial-exit fill.
type FillPayload struct {
	OrderID     string          `json:"order_id"`
	Price       decimal.Decimal `json:"price"`
	Size        decimal.Decimal `json:"size"`
	IsEntry     bool            `json:"is_entry"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"` // delta realized by this fill, net of commission
	Commission  decimal.Decimal `json:"commission"`
}

// ClosurePayload carries the terminal fill of a closure or liquidation.
type ClosurePayload struct {
	OrderID       string              `json:"order_id"`
	ExitPrice     decimal.Decimal     `json:"exit_price"`
	Size          decimal.Decimal     `json:"size"`
	RealizedPnL   decimal.Decimal     `json:"realized_pnl"` // delta realized by the terminal fill
	Commission    decimal.Decimal     `json:"commission"`
	ExecutionType types.ExecutionType `json:"execution_type"`
}

// UpdatePayload carries mark-to-market and SL/TP level updates.
type UpdatePayload struct {
	MarketPrice   *decimal.Decimal `json:"market_price,omitempty"`
	UnrealizedPnL *decimal.Decimal `json:"unrealized_pnl,omitempty"`
	StopLoss      *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit    *decimal.Decimal `json:"take_profit,omitempty"`
}

// TriggerPayload is the audit record of an SL/TP trigger decision.
type TriggerPayload struct {
	Symbol       string          `json:"symbol"`
	TriggerPrice decimal.Decimal `json:"trigger_price"`
	Level        decimal.Decimal `json:"level"`
	TriggeredAt  time.Time       `json:"triggered_at"`
}

// Payload is the tagged union stored on an event row.
type Payload struct {
	Created *CreatedPayload `json:"created,omitempty"`
	Fill    *FillPayload    `json:"fill,omitempty"`
	Closure *ClosurePayload `json:"closure,omitempty"`
	Update  *UpdatePayload  `json:"update,omitempty"`
	Trigger *TriggerPayload `json:"trigger,omitempty"`
}

// Encode serializes the payload union for storage.
func (p Payload) Encode() (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	return string(b), nil
}

// DecodePayload parses a stored payload column.
func DecodePayload(raw string) (Payload, error) {
	var p Payload
	if raw == "" {
		return p, nil
	}
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return p, fmt.Errorf("decode payload: %w", err)
	}
	return p, nil
}
