// Package exit evaluates market prices against a position's armed exit plan
// and realizes partial or full closes through the execution adapter.
package exit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/pyramidbot/internal/domain"
	"github.com/alanyoungcy/pyramidbot/internal/ledger"
	"github.com/alanyoungcy/pyramidbot/internal/metrics"
)

// Engine drives take-profit and stop-loss realization. It holds no state of
// its own; per-position serialization is the caller's responsibility (the
// service layer holds the position lease across OnPrice), which is what
// keeps two overlapping ticks from double-firing the same level.
type Engine struct {
	exec   domain.ExecutionAdapter
	logger *slog.Logger
}

// New creates an Engine.
func New(exec domain.ExecutionAdapter, logger *slog.Logger) *Engine {
	return &Engine{
		exec:   exec,
		logger: logger.With(slog.String("component", "exit_engine")),
	}
}

// OnPrice evaluates the current price against the position's exit plan. If a
// level triggered, it submits the exit, consumes the confirmed fill price,
// and applies the close to the ledger. It returns the resulting trade, or
// nil when nothing triggered. On execution failure the ledger is untouched
// and the attempted trade is discarded.
func (e *Engine) OnPrice(ctx context.Context, led *ledger.Ledger, price float64, ts time.Time) (*domain.Trade, error) {
	sig := led.Evaluate(price)
	if sig == nil {
		return nil, nil
	}

	pos := led.Position()
	closeQty := led.CloseQuantity(sig)

	fill, err := e.exec.SubmitExit(ctx, pos.Symbol, pos.Side, closeQty, sig.Trigger)
	if err != nil {
		return nil, fmt.Errorf("exit: submit %s for %s qty %v: %v: %w",
			sig.Trigger, pos.Symbol, closeQty, err, domain.ErrExecutionFailed)
	}

	var trade domain.Trade
	switch {
	case sig.Trigger == domain.TriggerStopLoss:
		trade, err = led.ApplyFullClose(fill.Price, fill.FilledAt, domain.TriggerStopLoss)
	case sig.Level == 0:
		// Legacy single take-profit: full close, no level metadata.
		trade, err = led.ApplyFullClose(fill.Price, fill.FilledAt, domain.TriggerTakeProfit)
	default:
		trade, err = led.ApplyPartialClose(sig.Level, sig.Ratio, fill.Price, fill.FilledAt)
	}
	if err != nil {
		return nil, err
	}
	trade.Fees = fill.Fees

	metrics.ExitFilled(sig.Trigger, sig.Level)
	e.logger.InfoContext(ctx, "exit filled",
		slog.String("position_id", pos.ID),
		slog.String("symbol", pos.Symbol),
		slog.String("trigger", string(sig.Trigger)),
		slog.Int("tp_level", sig.Level),
		slog.Float64("quantity", trade.Quantity),
		slog.Float64("price", trade.Price),
		slog.Float64("pnl", trade.PnL),
		slog.Float64("remaining", trade.RemainingAfter),
	)

	return &trade, nil
}
