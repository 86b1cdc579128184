// Package exec provides execution adapters. The paper adapter simulates
// fills against the latest observed price; live exchange adapters are wired
// in behind the same domain.ExecutionAdapter interface.
package exec

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/pyramidbot/internal/domain"
)

// PaperAdapter implements domain.ExecutionAdapter in memory. Orders fill
// instantly at the last observed price plus a configurable slippage, so the
// engine can run end to end without touching an exchange.
type PaperAdapter struct {
	mu     sync.Mutex
	prices map[string]float64
	specs  map[string]domain.ContractSpec

	// SlippageBps shifts every fill against the taker by this many basis
	// points of the reference price.
	SlippageBps float64
	// FeeRate is charged on fill notional.
	FeeRate float64
}

// NewPaperAdapter creates a PaperAdapter with no known prices or specs.
func NewPaperAdapter() *PaperAdapter {
	return &PaperAdapter{
		prices: make(map[string]float64),
		specs:  make(map[string]domain.ContractSpec),
	}
}

// ObservePrice records the latest price for a symbol; the feed layer calls
// this on every tick so simulated fills track the market.
func (p *PaperAdapter) ObservePrice(symbol string, price float64) {
	p.mu.Lock()
	p.prices[symbol] = price
	p.mu.Unlock()
}

// SetContractSpec registers the contract economics for a symbol.
func (p *PaperAdapter) SetContractSpec(spec domain.ContractSpec) {
	p.mu.Lock()
	p.specs[spec.Symbol] = spec
	p.mu.Unlock()
}

// SubmitEntry simulates an immediate entry fill at the last observed price.
func (p *PaperAdapter) SubmitEntry(ctx context.Context, symbol string, side domain.Side, quantity float64) (domain.FillConfirmation, error) {
	return p.fill(symbol, side, quantity, true)
}

// SubmitExit simulates an immediate exit fill at the last observed price.
func (p *PaperAdapter) SubmitExit(ctx context.Context, symbol string, side domain.Side, quantity float64, trigger domain.TriggerKind) (domain.FillConfirmation, error) {
	return p.fill(symbol, side, quantity, false)
}

// GetContractSpec returns the registered spec for the symbol.
func (p *PaperAdapter) GetContractSpec(ctx context.Context, symbol string) (domain.ContractSpec, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	spec, ok := p.specs[symbol]
	if !ok {
		return domain.ContractSpec{}, fmt.Errorf("paper: no contract spec for %s: %w", symbol, domain.ErrNotFound)
	}
	return spec, nil
}

func (p *PaperAdapter) fill(symbol string, side domain.Side, quantity float64, opening bool) (domain.FillConfirmation, error) {
	if quantity <= 0 {
		return domain.FillConfirmation{}, fmt.Errorf("paper: quantity %v must be > 0", quantity)
	}

	p.mu.Lock()
	price, ok := p.prices[symbol]
	p.mu.Unlock()
	if !ok || price <= 0 {
		return domain.FillConfirmation{}, fmt.Errorf("paper: no price observed for %s", symbol)
	}

	// Slippage always moves against the order: entries fill worse in the
	// position's direction, exits worse in the opposite one.
	adverse := 1.0
	if (side == domain.SideLong) != opening {
		adverse = -1.0
	}
	fillPrice := price * (1 + adverse*p.SlippageBps/10_000)

	return domain.FillConfirmation{
		OrderID:  uuid.New().String(),
		Symbol:   symbol,
		Side:     side,
		Quantity: quantity,
		Price:    fillPrice,
		Fees:     fillPrice * quantity * p.FeeRate,
		FilledAt: time.Now().UTC(),
	}, nil
}

// Compile-time interface check.
var _ domain.ExecutionAdapter = (*PaperAdapter)(nil)
