package feed

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/alanyoungcy/pyramidbot/internal/domain"
)

// SignalChannel is the bus channel carrying serialized entry signals.
const SignalChannel = "signals"

// EntrySignal is the wire format external signal producers publish to
// request an entry or scale-in. Strength is the producer's confidence and is
// passed through untouched.
type EntrySignal struct {
	UserID   string      `json:"user_id"`
	Symbol   string      `json:"symbol"`
	Side     domain.Side `json:"side"`
	Strength float64     `json:"strength"`
}

// SignalHandler consumes one decoded entry signal.
type SignalHandler func(ctx context.Context, sig EntrySignal) error

// SignalFeeder subscribes to the signal channel and hands every valid entry
// signal to the handler. Indicator logic lives outside the engine; this is
// the only path by which new entries reach the trading service.
type SignalFeeder struct {
	bus     domain.SignalBus
	handler SignalHandler
	logger  *slog.Logger
}

// NewSignalFeeder creates a SignalFeeder.
func NewSignalFeeder(bus domain.SignalBus, handler SignalHandler, logger *slog.Logger) *SignalFeeder {
	return &SignalFeeder{
		bus:     bus,
		handler: handler,
		logger:  logger.With(slog.String("component", "signal_feeder")),
	}
}

// Run subscribes and dispatches until ctx is cancelled.
func (f *SignalFeeder) Run(ctx context.Context) error {
	ch, err := f.bus.Subscribe(ctx, SignalChannel)
	if err != nil {
		return err
	}
	f.logger.Info("signal feeder started")
	defer f.logger.Info("signal feeder stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			f.handleMessage(ctx, data)
		}
	}
}

func (f *SignalFeeder) handleMessage(ctx context.Context, data []byte) {
	var sig EntrySignal
	if err := json.Unmarshal(data, &sig); err != nil {
		f.logger.Debug("bad signal payload",
			slog.Int("payload_len", len(data)),
			slog.String("error", err.Error()),
		)
		return
	}
	if sig.UserID == "" || sig.Symbol == "" {
		return
	}
	if sig.Side != domain.SideLong && sig.Side != domain.SideShort {
		f.logger.Debug("signal with unknown side dropped",
			slog.String("side", string(sig.Side)),
		)
		return
	}

	if err := f.handler(ctx, sig); err != nil {
		f.logger.Warn("signal handler failed",
			slog.String("user_id", sig.UserID),
			slog.String("symbol", sig.Symbol),
			slog.String("error", err.Error()),
		)
	}
}
