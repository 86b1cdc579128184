// Package ledger owns the canonical state machine of a single position:
// confirmed entries, the weighted average entry price, the three take-profit
// slots, the stop-loss, and the remaining quantity. Every mutation is
// computed on a scratch copy and committed in one step, so a failed
// operation can never leave partial derived state behind.
package ledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/pyramidbot/internal/domain"
)

// Signal describes a triggered exit level returned by Evaluate.
type Signal struct {
	Trigger domain.TriggerKind
	// Level is 1..3 for multi-level take profits, 0 for the stop-loss and
	// for the legacy single take-profit.
	Level       int
	TargetPrice float64
	// Ratio is the fraction of the original quantity to close; 1 for full
	// closes.
	Ratio float64
}

// Ledger wraps a position and serializes all mutations through atomic
// commits. Mutators require the caller to hold the position's exclusive
// lease; Snapshot takes a read lock so API readers that hold no lease can
// observe the position concurrently with a commit.
type Ledger struct {
	mu  sync.RWMutex
	pos *domain.Position
}

// New wraps an existing position.
func New(pos *domain.Position) *Ledger {
	return &Ledger{pos: pos}
}

// Open creates a fresh position for a new cycle. The first confirmed entry
// must be recorded separately via RecordEntry.
func Open(userID, exchange, symbol string, side domain.Side, leverage int, baseSize float64, now time.Time) *Ledger {
	return &Ledger{pos: &domain.Position{
		ID:        uuid.New().String(),
		UserID:    userID,
		Exchange:  exchange,
		Symbol:    symbol,
		Side:      side,
		Leverage:  leverage,
		BaseSize:  baseSize,
		Status:    domain.PositionStatusOpen,
		OpenedAt:  now.UTC(),
		UpdatedAt: now.UTC(),
	}}
}

// Position returns the wrapped position.
func (l *Ledger) Position() *domain.Position {
	return l.pos
}

// Snapshot returns a deep copy safe to hand outside the lease.
func (l *Ledger) Snapshot() domain.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()

	cp := *l.pos
	cp.Entries = append([]domain.Entry(nil), l.pos.Entries...)
	if l.pos.StopLossPrice != nil {
		v := *l.pos.StopLossPrice
		cp.StopLossPrice = &v
	}
	if l.pos.LegacyTakeProfit != nil {
		v := *l.pos.LegacyTakeProfit
		cp.LegacyTakeProfit = &v
	}
	if l.pos.ClosedAt != nil {
		v := *l.pos.ClosedAt
		cp.ClosedAt = &v
	}
	return cp
}

// RecordEntry appends a confirmed fill, recomputes the weighted average
// entry price, and extends the running original quantity. Entries are
// allowed while the exit plan is re-armable (no level filled yet) and
// rejected once any level has filled: from that point the original quantity
// is frozen and further entries would break remaining <= original.
func (l *Ledger) RecordEntry(quantity, price float64, ts time.Time) (domain.Trade, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.pos.Status != domain.PositionStatusOpen {
		return domain.Trade{}, fmt.Errorf("ledger: entry on %s position %s: %w", l.pos.Status, l.pos.ID, domain.ErrInvariantViolation)
	}
	for i, lvl := range l.pos.TPLevels {
		if lvl.Filled {
			return domain.Trade{}, fmt.Errorf("ledger: entry after tp%d filled on %s: %w", i+1, l.pos.ID, domain.ErrInvariantViolation)
		}
	}
	if quantity <= 0 || price <= 0 {
		return domain.Trade{}, fmt.Errorf("ledger: entry quantity %v price %v: %w", quantity, price, domain.ErrInvariantViolation)
	}

	next := *l.pos
	next.Entries = append(append([]domain.Entry(nil), l.pos.Entries...), domain.Entry{
		Quantity:  quantity,
		Price:     price,
		Timestamp: ts.UTC(),
	})

	var qtySum, notional float64
	for _, e := range next.Entries {
		qtySum += e.Quantity
		notional += e.Quantity * e.Price
	}
	next.AvgEntryPrice = notional / qtySum
	next.OriginalQuantity = qtySum
	next.RemainingQuantity = qtySum
	next.UpdatedAt = ts.UTC()

	entryIndex := len(l.pos.Entries)
	*l.pos = next

	return domain.Trade{
		ID:             uuid.New().String(),
		PositionID:     l.pos.ID,
		UserID:         l.pos.UserID,
		Exchange:       l.pos.Exchange,
		Symbol:         l.pos.Symbol,
		Side:           l.pos.Side,
		Kind:           domain.TradeKindEntry,
		Quantity:       quantity,
		Price:          price,
		EntryIndex:     &entryIndex,
		RemainingAfter: l.pos.RemainingQuantity,
		Timestamp:      ts.UTC(),
	}, nil
}

// ArmTPLevels fixes the exit plan for the cycle: up to three take-profit
// levels plus an optional stop. The original quantity freezes here. Re-arm
// attempts are rejected once any level has filled.
func (l *Ledger) ArmTPLevels(levels [3]domain.TPLevel, stopLoss, legacyTakeProfit *float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.pos.Status == domain.PositionStatusClosed {
		return fmt.Errorf("ledger: arm on closed position %s: %w", l.pos.ID, domain.ErrInvariantViolation)
	}
	for i, lvl := range l.pos.TPLevels {
		if lvl.Filled {
			return fmt.Errorf("ledger: re-arm after tp%d filled on %s: %w", i+1, l.pos.ID, domain.ErrInvariantViolation)
		}
	}
	if len(l.pos.Entries) == 0 {
		return fmt.Errorf("ledger: arm before first entry on %s: %w", l.pos.ID, domain.ErrInvariantViolation)
	}

	var ratioSum float64
	for i, lvl := range levels {
		if !lvl.Enabled {
			continue
		}
		if lvl.ExitRatio < 0 || lvl.ExitRatio > 1 {
			return fmt.Errorf("ledger: tp%d ratio %v out of [0,1]: %w", i+1, lvl.ExitRatio, domain.ErrInvariantViolation)
		}
		if lvl.TargetPrice <= 0 {
			return fmt.Errorf("ledger: tp%d target %v: %w", i+1, lvl.TargetPrice, domain.ErrInvariantViolation)
		}
		ratioSum += lvl.ExitRatio
	}
	if ratioSum > 1+domain.QuantityEpsilon {
		return fmt.Errorf("ledger: enabled tp ratios sum %v > 1: %w", ratioSum, domain.ErrInvariantViolation)
	}

	next := *l.pos
	next.TPLevels = levels
	next.StopLossPrice = stopLoss
	next.LegacyTakeProfit = legacyTakeProfit
	next.TPArmed = true
	// OriginalQuantity already equals the running entry total; from here on
	// it no longer moves.
	*l.pos = next
	return nil
}

// Evaluate checks the current price against the armed exit plan and returns
// the triggered signal, or nil. The stop-loss is checked first and closes
// everything. Take profits are scanned strictly in order 1..3 and the
// lowest-numbered unfilled enabled level whose threshold holds is returned;
// one evaluation never skips past an earlier triggerable level.
func (l *Ledger) Evaluate(price float64) *Signal {
	if l.pos.Status == domain.PositionStatusClosed {
		return nil
	}

	if l.pos.StopLossPrice != nil && l.breached(price, *l.pos.StopLossPrice, false) {
		return &Signal{Trigger: domain.TriggerStopLoss, TargetPrice: *l.pos.StopLossPrice, Ratio: 1}
	}

	if !l.pos.HasEnabledTPLevel() {
		// Legacy single take-profit: one threshold, 100% close.
		if l.pos.LegacyTakeProfit != nil && l.breached(price, *l.pos.LegacyTakeProfit, true) {
			return &Signal{Trigger: domain.TriggerTakeProfit, TargetPrice: *l.pos.LegacyTakeProfit, Ratio: 1}
		}
		return nil
	}

	for i, lvl := range l.pos.TPLevels {
		if !lvl.Enabled || lvl.Filled {
			continue
		}
		if l.breached(price, lvl.TargetPrice, true) {
			return &Signal{
				Trigger:     domain.TriggerTakeProfit,
				Level:       i + 1,
				TargetPrice: lvl.TargetPrice,
				Ratio:       lvl.ExitRatio,
			}
		}
		// Earlier enabled level not yet triggered; later levels wait.
		return nil
	}
	return nil
}

// breached reports whether price has crossed threshold in the profitable
// direction (profit=true) or the losing direction for this side.
func (l *Ledger) breached(price, threshold float64, profit bool) bool {
	long := l.pos.Side == domain.SideLong
	if profit == long {
		return price >= threshold
	}
	return price <= threshold
}

// CloseQuantity returns the quantity an exit for sig would close right now:
// the level's share of the original quantity, clamped to what remains.
func (l *Ledger) CloseQuantity(sig *Signal) float64 {
	if sig.Trigger == domain.TriggerStopLoss || sig.Level == 0 {
		return l.pos.RemainingQuantity
	}
	qty := l.pos.OriginalQuantity * sig.Ratio
	if qty > l.pos.RemainingQuantity {
		qty = l.pos.RemainingQuantity
	}
	return qty
}

// ApplyPartialClose realizes a take-profit level fill. The close quantity is
// min(original*ratio, remaining) so floating-point drift can never drive the
// remaining quantity negative. When the remainder lands within epsilon of
// zero the position closes and the trade reports exactly 0 remaining.
func (l *Ledger) ApplyPartialClose(level int, ratio, exitPrice float64, ts time.Time) (domain.Trade, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.pos.Status == domain.PositionStatusClosed {
		return domain.Trade{}, fmt.Errorf("ledger: partial close on closed position %s: %w", l.pos.ID, domain.ErrInvariantViolation)
	}
	if level < 1 || level > 3 {
		return domain.Trade{}, fmt.Errorf("ledger: tp level %d out of range: %w", level, domain.ErrInvariantViolation)
	}
	lvl := l.pos.TPLevels[level-1]
	if !lvl.Enabled {
		return domain.Trade{}, fmt.Errorf("ledger: tp%d not enabled on %s: %w", level, l.pos.ID, domain.ErrInvariantViolation)
	}
	if lvl.Filled {
		return domain.Trade{}, fmt.Errorf("ledger: tp%d already filled on %s: %w", level, l.pos.ID, domain.ErrInvariantViolation)
	}

	closeQty := l.pos.OriginalQuantity * ratio
	if closeQty > l.pos.RemainingQuantity {
		closeQty = l.pos.RemainingQuantity
	}
	if closeQty <= 0 {
		return domain.Trade{}, fmt.Errorf("ledger: tp%d close quantity %v on %s: %w", level, closeQty, l.pos.ID, domain.ErrInvariantViolation)
	}

	next := *l.pos
	next.TPLevels[level-1].Filled = true
	next.RemainingQuantity = l.pos.RemainingQuantity - closeQty
	next.UpdatedAt = ts.UTC()

	if next.RemainingQuantity <= domain.QuantityEpsilon {
		next.RemainingQuantity = 0
		next.Status = domain.PositionStatusClosed
		next.CloseReason = string(domain.TriggerTakeProfit)
		closedAt := ts.UTC()
		next.ClosedAt = &closedAt
	} else {
		next.Status = domain.PositionStatusPartiallyClosed
	}

	pnl := l.pnl(exitPrice, closeQty)
	*l.pos = next

	lvlCopy := level
	ratioCopy := ratio
	return domain.Trade{
		ID:             uuid.New().String(),
		PositionID:     l.pos.ID,
		UserID:         l.pos.UserID,
		Exchange:       l.pos.Exchange,
		Symbol:         l.pos.Symbol,
		Side:           l.pos.Side,
		Kind:           domain.TradeKindExit,
		Quantity:       closeQty,
		Price:          exitPrice,
		PnL:            pnl,
		IsPartialExit:  true,
		TPLevel:        &lvlCopy,
		ExitRatio:      &ratioCopy,
		RemainingAfter: l.pos.RemainingQuantity,
		Trigger:        domain.TriggerTakeProfit,
		Timestamp:      ts.UTC(),
	}, nil
}

// ApplyFullClose closes 100% of the remaining quantity in one trade, used
// for the stop-loss, the legacy take-profit, and final residual dust.
func (l *Ledger) ApplyFullClose(exitPrice float64, ts time.Time, reason domain.TriggerKind) (domain.Trade, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.pos.Status == domain.PositionStatusClosed {
		return domain.Trade{}, fmt.Errorf("ledger: full close on closed position %s: %w", l.pos.ID, domain.ErrInvariantViolation)
	}
	closeQty := l.pos.RemainingQuantity
	if closeQty <= 0 {
		return domain.Trade{}, fmt.Errorf("ledger: full close with nothing remaining on %s: %w", l.pos.ID, domain.ErrInvariantViolation)
	}

	next := *l.pos
	next.RemainingQuantity = 0
	next.Status = domain.PositionStatusClosed
	next.CloseReason = string(reason)
	closedAt := ts.UTC()
	next.ClosedAt = &closedAt
	next.UpdatedAt = closedAt

	pnl := l.pnl(exitPrice, closeQty)
	*l.pos = next

	return domain.Trade{
		ID:             uuid.New().String(),
		PositionID:     l.pos.ID,
		UserID:         l.pos.UserID,
		Exchange:       l.pos.Exchange,
		Symbol:         l.pos.Symbol,
		Side:           l.pos.Side,
		Kind:           domain.TradeKindExit,
		Quantity:       closeQty,
		Price:          exitPrice,
		PnL:            pnl,
		RemainingAfter: 0,
		Trigger:        reason,
		Timestamp:      ts.UTC(),
	}, nil
}

// pnl computes realized profit for closing qty at exitPrice against the
// weighted average entry price.
func (l *Ledger) pnl(exitPrice, qty float64) float64 {
	switch l.pos.Side {
	case domain.SideShort:
		return (l.pos.AvgEntryPrice - exitPrice) * qty
	default:
		return (exitPrice - l.pos.AvgEntryPrice) * qty
	}
}
