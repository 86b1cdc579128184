package feed

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/alanyoungcy/pyramidbot/internal/domain"
)

// TickHandler consumes one decoded tick. Errors are logged, not fatal;
// delivery is at-least-once and a bad tick must not stop the stream.
type TickHandler func(ctx context.Context, tick domain.Tick) error

// TickFeeder subscribes to the tick channel and drives the handler chain
// (price observation, exit evaluation) for every update.
type TickFeeder struct {
	bus      domain.SignalBus
	handlers []TickHandler
	logger   *slog.Logger
}

// NewTickFeeder creates a TickFeeder invoking the handlers in order.
func NewTickFeeder(bus domain.SignalBus, logger *slog.Logger, handlers ...TickHandler) *TickFeeder {
	return &TickFeeder{
		bus:      bus,
		handlers: handlers,
		logger:   logger.With(slog.String("component", "tick_feeder")),
	}
}

// Run subscribes and dispatches until ctx is cancelled.
func (f *TickFeeder) Run(ctx context.Context) error {
	ch, err := f.bus.Subscribe(ctx, TickChannel)
	if err != nil {
		return err
	}
	f.logger.Info("tick feeder started")
	defer f.logger.Info("tick feeder stopped")

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

func (f *TickFeeder) handleMessage(ctx context.Context, data []byte) {
	var tick domain.Tick
	if err := json.Unmarshal(data, &tick); err != nil {
		f.logger.Debug("bad tick payload",
			slog.Int("payload_len", len(data)),
			slog.String("error", err.Error()),
		)
		return
	}
	if tick.Symbol == "" || tick.Price <= 0 {
		return
	}

	for _, h := range f.handlers {
		if err := h(ctx, tick); err != nil {
			f.logger.Warn("tick handler failed",
				slog.String("symbol", tick.Symbol),
				slog.Float64("price", tick.Price),
				slog.String("error", err.Error()),
			)
		}
	}
}
