// Package sizing computes contract quantities for staged scale-in entries.
package sizing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/alanyoungcy/pyramidbot/internal/domain"
	"github.com/alanyoungcy/pyramidbot/internal/metrics"
)

// Sizer computes entry quantities. The primary rule is base * multiplier^i;
// when the exchange contract-spec lookup fails mid-cycle it falls back to an
// approximation derived from the current position, and when that is not
// possible either it reports ErrSizingUnavailable so no order is placed.
type Sizer struct {
	exec   domain.ExecutionAdapter
	logger *slog.Logger
}

// New creates a Sizer.
func New(exec domain.ExecutionAdapter, logger *slog.Logger) *Sizer {
	return &Sizer{
		exec:   exec,
		logger: logger.With(slog.String("component", "sizer")),
	}
}

// SizeForEntry applies the multiplicative scale-in rule: the entry at index
// i (0 for the first, non-scaled entry) is base * multiplier^i.
func SizeForEntry(base, multiplier float64, entryIndex int) float64 {
	return base * math.Pow(multiplier, float64(entryIndex))
}

// DeriveBaseSize computes the immutable per-cycle base entry size from the
// configured investment and the instrument's contract value. It is called
// exactly once, at the first entry of a cycle; recomputing it later from the
// already-scaled position would compound rounding error into every
// subsequent entry.
func (s *Sizer) DeriveBaseSize(ctx context.Context, symbol string, cfg domain.RiskConfig) (float64, error) {
	spec, err := s.exec.GetContractSpec(ctx, symbol)
	if err != nil {
		metrics.SizingFailed()
		return 0, fmt.Errorf("sizing: contract spec for %s: %v: %w", symbol, err, domain.ErrSizingUnavailable)
	}
	if spec.UnitValue <= 0 {
		metrics.SizingFailed()
		return 0, fmt.Errorf("sizing: contract unit value %v for %s: %w", spec.UnitValue, symbol, domain.ErrSizingUnavailable)
	}

	base := cfg.BaseInvestment * float64(cfg.Leverage) / spec.UnitValue
	base = snapToStep(base, spec.QtyStep)
	if base < spec.MinQty || base <= 0 {
		metrics.SizingFailed()
		return 0, fmt.Errorf("sizing: base size %v below minimum %v for %s: %w", base, spec.MinQty, symbol, domain.ErrSizingUnavailable)
	}
	return base, nil
}

// SizeForScaleIn sizes the next entry of an existing cycle. The primary path
// scales the stored base size and snaps it to the instrument's quantity
// step; when the contract-spec call fails, the fallback approximates the
// next size as remaining/entryIndex. The fallback is a known approximation,
// logged as its own event so its uses are observable, and it is unavailable
// for the first entry.
func (s *Sizer) SizeForScaleIn(ctx context.Context, pos *domain.Position, cfg domain.RiskConfig) (float64, error) {
	entryIndex := pos.EntryCount()

	spec, specErr := s.exec.GetContractSpec(ctx, pos.Symbol)
	if specErr == nil {
		qty := snapToStep(SizeForEntry(pos.BaseSize, cfg.EntryMultiplier, entryIndex), spec.QtyStep)
		if qty > 0 {
			metrics.EntrySized("primary")
			return qty, nil
		}
		specErr = fmt.Errorf("sizing: primary quantity snapped to zero (base %v step %v)", pos.BaseSize, spec.QtyStep)
	}

	if entryIndex > 0 && pos.RemainingQuantity > 0 {
		qty := pos.RemainingQuantity / float64(entryIndex)
		s.logger.WarnContext(ctx, "sizing fallback used",
			slog.String("position_id", pos.ID),
			slog.String("symbol", pos.Symbol),
			slog.Int("entry_index", entryIndex),
			slog.Float64("quantity", qty),
			slog.String("primary_error", specErr.Error()),
		)
		metrics.EntrySized("fallback")
		return qty, nil
	}

	metrics.SizingFailed()
	return 0, fmt.Errorf("sizing: entry %d for %s: %v: %w", entryIndex, pos.Symbol, specErr, domain.ErrSizingUnavailable)
}

// Unavailable reports whether err means no order may be placed.
func Unavailable(err error) bool {
	return errors.Is(err, domain.ErrSizingUnavailable)
}

// snapToStep rounds qty down to the instrument's quantity step. A zero step
// leaves the quantity untouched.
func snapToStep(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	return math.Floor(qty/step) * step
}
