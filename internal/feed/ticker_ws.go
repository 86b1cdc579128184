// Package feed moves market data from the exchange into the engine: a
// WebSocket ticker feed publishes ticks onto the signal bus, and a feeder
// drains the bus into the trading service.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/pyramidbot/internal/domain"
)

// TickChannel is the bus channel carrying serialized ticks.
const TickChannel = "ticks"

const (
	pingInterval = 20 * time.Second
	readTimeout  = 60 * time.Second
)

// TickerFeed subscribes to public ticker streams on a Bybit-style v5
// WebSocket endpoint and publishes one Tick per update onto the signal bus.
// It reconnects with backoff on disconnect.
type TickerFeed struct {
	wsURL     string
	symbols   []string
	bus       domain.SignalBus
	logger    *slog.Logger
	closeOnce sync.Once
	done      chan struct{}
}

// NewTickerFeed creates a feed for the given symbols.
func NewTickerFeed(wsURL string, symbols []string, bus domain.SignalBus, logger *slog.Logger) *TickerFeed {
	return &TickerFeed{
		wsURL:   wsURL,
		symbols: symbols,
		bus:     bus,
		logger:  logger.With(slog.String("component", "ticker_feed")),
		done:    make(chan struct{}),
	}
}

// Run connects and streams until ctx is cancelled, reconnecting with a fixed
// backoff on disconnect.
func (f *TickerFeed) Run(ctx context.Context) error {
	if len(f.symbols) == 0 {
		f.logger.Info("no symbols to subscribe, exiting")
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		default:
		}

		err := f.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.logger.Warn("ticker ws disconnected, reconnecting", slog.String("error", err.Error()))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

// Close stops the feed.
func (f *TickerFeed) Close() {
	f.closeOnce.Do(func() { close(f.done) })
}

type subscribeMsg struct {
	Op   string   `json:"op"`
	Args []string `json:"args"`
}

type tickerMsg struct {
	Topic string `json:"topic"`
	TS    int64  `json:"ts"`
	Data  struct {
		Symbol    string `json:"symbol"`
		LastPrice string `json:"lastPrice"`
	} `json:"data"`
}

func (f *TickerFeed) runConnection(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, f.wsURL, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("feed: dial %s: %w", f.wsURL, err)
	}
	defer conn.Close()

	args := make([]string, 0, len(f.symbols))
	for _, sym := range f.symbols {
		args = append(args, "tickers."+sym)
	}
	if err := conn.WriteJSON(subscribeMsg{Op: "subscribe", Args: args}); err != nil {
		return fmt.Errorf("feed: subscribe: %w", err)
	}
	f.logger.Info("ticker ws subscribed", slog.Int("symbols", len(f.symbols)))

	// The exchange drops idle connections; keep it alive from our side.
	go f.pingLoop(ctx, conn)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("feed: read: %w", err)
		}
		f.handleMessage(ctx, payload)
	}
}

func (f *TickerFeed) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteJSON(subscribeMsg{Op: "ping"}); err != nil {
				return
			}
		}
	}
}

func (f *TickerFeed) handleMessage(ctx context.Context, payload []byte) {
	var msg tickerMsg
	if err := json.Unmarshal(payload, &msg); err != nil || msg.Data.Symbol == "" {
		return
	}

	price, err := strconv.ParseFloat(msg.Data.LastPrice, 64)
	if err != nil || price <= 0 {
		return
	}

	ts := time.Now().UTC()
	if msg.TS > 0 {
		ts = time.UnixMilli(msg.TS).UTC()
	}

	tick := domain.Tick{Symbol: msg.Data.Symbol, Price: price, Timestamp: ts}
	data, err := json.Marshal(tick)
	if err != nil {
		return
	}
	if err := f.bus.Publish(ctx, TickChannel, data); err != nil {
		f.logger.Debug("tick publish failed",
			slog.String("symbol", tick.Symbol),
			slog.String("error", err.Error()),
		)
	}
}
