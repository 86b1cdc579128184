package app

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/pyramidbot/internal/crypto"
	"github.com/alanyoungcy/pyramidbot/internal/domain"
	"github.com/alanyoungcy/pyramidbot/internal/exec"
	"github.com/alanyoungcy/pyramidbot/internal/exit"
	"github.com/alanyoungcy/pyramidbot/internal/feed"
	"github.com/alanyoungcy/pyramidbot/internal/metrics"
	"github.com/alanyoungcy/pyramidbot/internal/server"
	"github.com/alanyoungcy/pyramidbot/internal/server/handler"
	"github.com/alanyoungcy/pyramidbot/internal/service"
	"github.com/alanyoungcy/pyramidbot/internal/sizing"
)

// TradeMode runs the full engine against the live exchange: signed orders,
// ticker feed, entry signals, exit evaluation, and the HTTP API.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting trade mode")

	creds, err := crypto.LoadCredentials(crypto.CredentialConfig{
		APIKey:        a.cfg.Exchange.ApiKey,
		APISecret:     a.cfg.Exchange.ApiSecret,
		EncryptedPath: a.cfg.Exchange.EncryptedCredsPath,
		Password:      a.cfg.Exchange.CredsPassword,
	})
	if err != nil {
		return fmt.Errorf("trade mode: load credentials: %w", err)
	}

	adapter := exec.NewBybitAdapter(a.cfg.Exchange.RestURL, creds, a.logger)
	return a.runEngine(ctx, deps, adapter, nil)
}

// PaperMode runs the full engine against the in-memory paper adapter. Fills
// settle at the last observed ticker price, so everything downstream of the
// execution layer behaves exactly as in trade mode.
func (a *App) PaperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting paper mode")

	paper := exec.NewPaperAdapter()

	// The simulator learns prices and contract economics from the tick
	// stream; one linear contract is one base unit.
	observe := func(ctx context.Context, tick domain.Tick) error {
		paper.ObservePrice(tick.Symbol, tick.Price)
		paper.SetContractSpec(domain.ContractSpec{
			Symbol:    tick.Symbol,
			UnitValue: tick.Price,
			QtyStep:   0.001,
			MinQty:    0.001,
		})
		return nil
	}

	return a.runEngine(ctx, deps, paper, observe)
}

// MonitorMode starts read-only monitoring: the live book is hydrated from
// storage for snapshot queries, the ticker feed publishes market data, and
// the HTTP server serves the API. No orders are placed.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	g, ctx := errgroup.WithContext(ctx)

	// The paper adapter stands in for the execution layer; nothing in
	// monitor mode submits orders through it.
	svc := a.newTradingService(deps, exec.NewPaperAdapter())
	if err := svc.LoadOpenPositions(ctx); err != nil {
		return fmt.Errorf("monitor mode: %w", err)
	}
	metrics.SetOpenPositions(len(svc.ListLivePositions()))

	a.startTickerFeed(ctx, g, deps)

	// HTTP server is always started in monitor mode.
	a.startHTTPServer(ctx, g, deps, svc)

	return g.Wait()
}

// runEngine wires the trading service to its feeds and runs every goroutine
// the active modes share: the ticker feed, tick dispatch, entry signal
// consumption, the archive loop, and the HTTP server.
func (a *App) runEngine(ctx context.Context, deps *Dependencies, adapter domain.ExecutionAdapter, observe feed.TickHandler) error {
	g, ctx := errgroup.WithContext(ctx)

	svc := a.newTradingService(deps, adapter)
	if err := svc.LoadOpenPositions(ctx); err != nil {
		return fmt.Errorf("app: %w", err)
	}
	metrics.SetOpenPositions(len(svc.ListLivePositions()))

	a.startTickerFeed(ctx, g, deps)

	// Tick dispatch: price observation first (paper mode), then exit
	// evaluation across the live book.
	handlers := []feed.TickHandler{}
	if observe != nil {
		handlers = append(handlers, observe)
	}
	handlers = append(handlers, func(ctx context.Context, tick domain.Tick) error {
		_, err := svc.OnMarketTick(ctx, tick)
		return err
	})
	tickFeeder := feed.NewTickFeeder(deps.SignalBus, a.logger, handlers...)
	g.Go(func() error {
		return tickFeeder.Run(ctx)
	})

	// Entry signals arrive over the bus from external producers.
	signalFeeder := feed.NewSignalFeeder(deps.SignalBus, func(ctx context.Context, sig feed.EntrySignal) error {
		_, err := svc.OpenOrScaleIn(ctx, sig.UserID, sig.Symbol, sig.Side, sig.Strength)
		return err
	}, a.logger)
	g.Go(func() error {
		return signalFeeder.Run(ctx)
	})

	// Closed-trade archive loop.
	if deps.Archiver != nil {
		interval := a.cfg.Archive.Interval.Duration
		retention := time.Duration(a.cfg.Archive.RetentionDays) * 24 * time.Hour
		g.Go(func() error {
			return deps.Archiver.Run(ctx, interval, retention)
		})
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, svc)
	}

	return g.Wait()
}

// newTradingService assembles the trading service around the given execution
// adapter.
func (a *App) newTradingService(deps *Dependencies, adapter domain.ExecutionAdapter) *service.TradingService {
	sizer := sizing.New(adapter, a.logger)
	exits := exit.New(adapter, a.logger)

	return service.New(
		service.Config{
			Exchange: a.cfg.Exchange.Name,
			LeaseTTL: a.cfg.Trading.LeaseTTL.Duration,
		},
		deps.PositionStore,
		deps.TradeStore,
		deps.AuditStore,
		deps.RiskCache,
		deps.LeaseManager,
		adapter,
		sizer,
		exits,
		deps.SignalBus,
		deps.Notifier,
		a.logger,
	)
}

// startTickerFeed adds the websocket ticker feed goroutine to the errgroup.
func (a *App) startTickerFeed(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	tickerFeed := feed.NewTickerFeed(a.cfg.Exchange.WsURL, a.cfg.Exchange.Symbols, deps.SignalBus, a.logger)
	g.Go(func() error {
		defer tickerFeed.Close()
		return tickerFeed.Run(ctx)
	})
}

// startHTTPServer adds the HTTP API server and its graceful shutdown to the
// errgroup.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, svc *service.TradingService) {
	srv := server.NewServer(
		server.Config{
			Port:        a.cfg.Server.Port,
			CORSOrigins: a.cfg.Server.CORSOrigins,
			APIKey:      a.cfg.Server.ApiKey,
			RateLimit:   a.cfg.Server.RateLimit,
			RateWindow:  a.cfg.Server.RateWindow.Duration,
		},
		server.Handlers{
			Health:     handler.NewHealthHandler(a.logger),
			Status:     handler.NewStatusHandler(a.cfg.Mode, svc, a.logger),
			Positions:  handler.NewPositionHandler(svc, deps.PositionStore, a.logger),
			Trades:     handler.NewTradeHandler(deps.TradeStore, a.logger),
			RiskConfig: handler.NewRiskConfigHandler(deps.RiskCache, deps.ConfigStore, a.logger),
		},
		deps.RateLimiter,
		a.logger,
	)

	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
