package domain

import (
	"fmt"
	"time"
)

// Side is the direction of a position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// PositionStatus tracks the lifecycle of a position. Closed is terminal; a
// new position must be created for a subsequent cycle.
type PositionStatus string

const (
	PositionStatusOpen            PositionStatus = "open"
	PositionStatusPartiallyClosed PositionStatus = "partially_closed"
	PositionStatusClosed          PositionStatus = "closed"
)

// QuantityEpsilon is the threshold below which a remaining quantity is
// treated as zero and the position is considered fully closed.
const QuantityEpsilon = 1e-8

// Entry is a single confirmed scale-in fill. Entries are append-only and
// kept in execution order.
type Entry struct {
	Quantity  float64   `json:"quantity"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

// TPLevel is one of the three take-profit slots of a position. ExitRatio is
// a fraction of the position's original quantity, not of whatever remains.
type TPLevel struct {
	Enabled     bool    `json:"enabled"`
	TargetPrice float64 `json:"target_price"`
	ExitRatio   float64 `json:"exit_ratio"`
	Filled      bool    `json:"filled"`
}

// Position is the canonical state of one open position, one per
// user x symbol x side. All mutation goes through the ledger package.
type Position struct {
	ID       string `json:"id"`
	UserID   string `json:"user_id"`
	Exchange string `json:"exchange"`
	Symbol   string `json:"symbol"`
	Side     Side   `json:"side"`
	Leverage int    `json:"leverage"`

	// Entries is the ordered sequence of confirmed fills.
	Entries []Entry `json:"entries"`

	// AvgEntryPrice is the quantity-weighted mean over Entries, recomputed
	// on every entry.
	AvgEntryPrice float64 `json:"avg_entry_price"`

	// BaseSize is the first entry's size, derived once per cycle and never
	// recomputed from the scaled position.
	BaseSize float64 `json:"base_size"`

	// OriginalQuantity tracks the running total of entry quantities until
	// TP levels are armed, at which point it is frozen. Exit ratios are
	// percentages of this value.
	OriginalQuantity  float64 `json:"original_quantity"`
	RemainingQuantity float64 `json:"remaining_quantity"`

	TPLevels [3]TPLevel `json:"tp_levels"`
	TPArmed  bool       `json:"tp_armed"`

	StopLossPrice *float64 `json:"stop_loss_price,omitempty"`

	// LegacyTakeProfit is the single 100%-close threshold used when no TP
	// level is enabled.
	LegacyTakeProfit *float64 `json:"legacy_take_profit,omitempty"`

	Status      PositionStatus `json:"status"`
	CloseReason string         `json:"close_reason,omitempty"`
	OpenedAt    time.Time      `json:"opened_at"`
	ClosedAt    *time.Time     `json:"closed_at,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Key returns the exclusive-lease key for this position.
func (p *Position) Key() string {
	return PositionKey(p.UserID, p.Exchange, p.Symbol, p.Side)
}

// PositionKey builds the canonical user:exchange:symbol:side key used for
// leases and the live position set.
func PositionKey(userID, exchange, symbol string, side Side) string {
	return fmt.Sprintf("%s:%s:%s:%s", userID, exchange, symbol, side)
}

// EntryCount returns the number of recorded entries; the next scale-in has
// this value as its entry index.
func (p *Position) EntryCount() int {
	return len(p.Entries)
}

// EnabledTPRatioSum returns the sum of exit ratios across enabled TP levels.
func (p *Position) EnabledTPRatioSum() float64 {
	var sum float64
	for _, lvl := range p.TPLevels {
		if lvl.Enabled {
			sum += lvl.ExitRatio
		}
	}
	return sum
}

// HasEnabledTPLevel reports whether any of the three TP slots is enabled.
// When none is, the legacy single take-profit path applies.
func (p *Position) HasEnabledTPLevel() bool {
	for _, lvl := range p.TPLevels {
		if lvl.Enabled {
			return true
		}
	}
	return false
}
