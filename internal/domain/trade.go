package domain

import "time"

// TradeKind distinguishes entry fills from exit fills.
type TradeKind string

const (
	TradeKindEntry TradeKind = "entry"
	TradeKindExit  TradeKind = "exit"
)

// TriggerKind names what caused an exit order.
type TriggerKind string

const (
	TriggerTakeProfit TriggerKind = "take_profit"
	TriggerStopLoss   TriggerKind = "stop_loss"
)

// Trade is an immutable record of one executed entry or partial/full exit.
// It references its position by ID only; it never holds a back-pointer.
type Trade struct {
	ID         string    `json:"id"`
	PositionID string    `json:"position_id"`
	UserID     string    `json:"user_id"`
	Exchange   string    `json:"exchange"`
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	Kind       TradeKind `json:"kind"`

	Quantity float64 `json:"quantity"`
	Price    float64 `json:"price"`
	Fees     float64 `json:"fees"`

	// PnL is set on exits only, computed against the position's weighted
	// average entry price.
	PnL float64 `json:"pnl"`

	// EntryIndex is set on entries: 0 for the first (non-scaled) entry.
	EntryIndex *int `json:"entry_index,omitempty"`

	// IsPartialExit, TPLevel and ExitRatio are set on multi-level exits.
	// Legacy single take-profit closes carry none of them.
	IsPartialExit bool     `json:"is_partial_exit"`
	TPLevel       *int     `json:"tp_level,omitempty"`
	ExitRatio     *float64 `json:"exit_ratio,omitempty"`

	// RemainingAfter is the position's remaining quantity after this trade.
	// Exactly 0 is valid: it marks the final exit of a cycle.
	RemainingAfter float64 `json:"remaining_quantity_after"`

	Trigger   TriggerKind `json:"trigger,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}
