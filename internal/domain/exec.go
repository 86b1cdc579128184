package domain

import (
	"context"
	"time"
)

// ContractSpec describes an instrument's contract economics as reported by
// the exchange. UnitValue is the quote-currency value of one contract.
type ContractSpec struct {
	Symbol    string
	UnitValue float64
	QtyStep   float64
	MinQty    float64
}

// FillConfirmation is the exchange's acknowledgment of an executed order.
type FillConfirmation struct {
	OrderID  string
	Symbol   string
	Side     Side
	Quantity float64
	Price    float64
	Fees     float64
	FilledAt time.Time
}

// ExecutionAdapter places and confirms orders on an exchange. It is the only
// path to the outside market; retry policy lives behind this interface, the
// core never retries.
type ExecutionAdapter interface {
	SubmitEntry(ctx context.Context, symbol string, side Side, quantity float64) (FillConfirmation, error)
	SubmitExit(ctx context.Context, symbol string, side Side, quantity float64, trigger TriggerKind) (FillConfirmation, error)
	GetContractSpec(ctx context.Context, symbol string) (ContractSpec, error)
}

// Tick is one market-data update: per-symbol timestamps are monotonic,
// delivery is at-least-once.
type Tick struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}
