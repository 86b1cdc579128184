package domain

import (
	"fmt"
	"time"
)

// RiskConfig holds the per-user risk parameters that drive entry sizing and
// exit placement. The authoritative copy lives in the ConfigStore; workers
// read it through the consistency-bounded cache.
type RiskConfig struct {
	UserID string `json:"user_id"`

	// EntryMultiplier is applied exponentially to each successive scale-in
	// entry's size. Must be > 0.
	EntryMultiplier float64 `json:"entry_multiplier"`

	// BaseInvestment is the quote-currency amount committed to the first
	// entry of a cycle.
	BaseInvestment float64 `json:"base_investment"`

	ScaleInEnabled bool `json:"scale_in_enabled"`
	MaxEntries     int  `json:"max_entries"`

	UseTP1 bool `json:"use_tp1"`
	UseTP2 bool `json:"use_tp2"`
	UseTP3 bool `json:"use_tp3"`

	// TPnPercent is the distance from average entry, in percent, at which
	// level n triggers. TPnRatio is the fraction of the original quantity
	// closed at that level.
	TP1Percent float64 `json:"tp1_percent"`
	TP2Percent float64 `json:"tp2_percent"`
	TP3Percent float64 `json:"tp3_percent"`
	TP1Ratio   float64 `json:"tp1_ratio"`
	TP2Ratio   float64 `json:"tp2_ratio"`
	TP3Ratio   float64 `json:"tp3_ratio"`

	// SLPercent is the stop-loss distance from average entry in percent.
	// Zero disables the stop.
	SLPercent float64 `json:"sl_percent"`

	// LegacyTPPercent is the single 100%-close take-profit distance used
	// when no TP level is enabled.
	LegacyTPPercent float64 `json:"legacy_tp_percent"`

	Leverage int `json:"leverage"`

	// Generation increments on every committed write; cache invalidation
	// messages carry it so readers can discard older copies.
	Generation int64     `json:"generation"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Validate checks the parameter ranges the sizing and exit engines rely on.
func (c RiskConfig) Validate() error {
	if c.UserID == "" {
		return fmt.Errorf("risk config: user_id is required")
	}
	if c.EntryMultiplier <= 0 {
		return fmt.Errorf("risk config: entry_multiplier must be > 0, got %v", c.EntryMultiplier)
	}
	if c.BaseInvestment <= 0 {
		return fmt.Errorf("risk config: base_investment must be > 0, got %v", c.BaseInvestment)
	}
	if c.Leverage < 1 {
		return fmt.Errorf("risk config: leverage must be >= 1, got %d", c.Leverage)
	}
	for i, r := range []float64{c.TP1Ratio, c.TP2Ratio, c.TP3Ratio} {
		if r < 0 || r > 1 {
			return fmt.Errorf("risk config: tp%d_ratio must be in [0,1], got %v", i+1, r)
		}
	}
	if sum := c.EnabledRatioSum(); sum > 1+QuantityEpsilon {
		return fmt.Errorf("risk config: enabled tp ratios sum to %v, must be <= 1", sum)
	}
	return nil
}

// EnabledRatioSum returns the sum of exit ratios over enabled TP levels.
func (c RiskConfig) EnabledRatioSum() float64 {
	var sum float64
	if c.UseTP1 {
		sum += c.TP1Ratio
	}
	if c.UseTP2 {
		sum += c.TP2Ratio
	}
	if c.UseTP3 {
		sum += c.TP3Ratio
	}
	return sum
}

// TPLevelsFor translates the percent-based config into absolute target
// prices around the given average entry price for the given side.
func (c RiskConfig) TPLevelsFor(side Side, avgEntry float64) [3]TPLevel {
	dir := 1.0
	if side == SideShort {
		dir = -1.0
	}
	mk := func(use bool, pct, ratio float64) TPLevel {
		if !use {
			return TPLevel{}
		}
		return TPLevel{
			Enabled:     true,
			TargetPrice: avgEntry * (1 + dir*pct/100),
			ExitRatio:   ratio,
		}
	}
	return [3]TPLevel{
		mk(c.UseTP1, c.TP1Percent, c.TP1Ratio),
		mk(c.UseTP2, c.TP2Percent, c.TP2Ratio),
		mk(c.UseTP3, c.TP3Percent, c.TP3Ratio),
	}
}

// StopLossFor returns the absolute stop price for the given side, or nil
// when the stop is disabled.
func (c RiskConfig) StopLossFor(side Side, avgEntry float64) *float64 {
	if c.SLPercent <= 0 {
		return nil
	}
	dir := 1.0
	if side == SideShort {
		dir = -1.0
	}
	sl := avgEntry * (1 - dir*c.SLPercent/100)
	return &sl
}

// CommitAck is returned by ConfigStore.Write after the change is durable and
// the invalidation broadcast has been dispatched.
type CommitAck struct {
	Generation  int64
	CommittedAt time.Time
}
