// Package service orchestrates the pyramiding trade cycle: entry sizing,
// scale-in ladders, exit evaluation, and persistence. It owns the live
// position book and serializes all mutation of a position key behind a
// distributed lease.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/pyramidbot/internal/domain"
	"github.com/alanyoungcy/pyramidbot/internal/exit"
	"github.com/alanyoungcy/pyramidbot/internal/ledger"
	"github.com/alanyoungcy/pyramidbot/internal/metrics"
	"github.com/alanyoungcy/pyramidbot/internal/notify"
	"github.com/alanyoungcy/pyramidbot/internal/sizing"
)

// Config carries the service-level knobs.
type Config struct {
	Exchange string
	LeaseTTL time.Duration
}

// TradingService coordinates entries and exits for all live positions.
// All per-position mutation happens while holding the redis lease for the
// position key, so concurrent instances never double-fill a level.
type TradingService struct {
	cfg       Config
	positions domain.PositionStore
	trades    domain.TradeStore
	audit     domain.AuditStore
	configs   domain.RiskConfigCache
	leases    domain.LeaseManager
	exec      domain.ExecutionAdapter
	sizer     *sizing.Sizer
	exits     *exit.Engine
	bus       domain.SignalBus
	notifier  *notify.Notifier
	logger    *slog.Logger

	mu   sync.RWMutex
	live map[string]*ledger.Ledger
}

// New assembles a TradingService. The notifier and bus may be nil; both are
// best-effort surfaces and never gate the trade cycle.
func New(
	cfg Config,
	positions domain.PositionStore,
	trades domain.TradeStore,
	audit domain.AuditStore,
	configs domain.RiskConfigCache,
	leases domain.LeaseManager,
	exec domain.ExecutionAdapter,
	sizer *sizing.Sizer,
	exits *exit.Engine,
	bus domain.SignalBus,
	notifier *notify.Notifier,
	logger *slog.Logger,
) *TradingService {
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 10 * time.Second
	}
	return &TradingService{
		cfg:       cfg,
		positions: positions,
		trades:    trades,
		audit:     audit,
		configs:   configs,
		leases:    leases,
		exec:      exec,
		sizer:     sizer,
		exits:     exits,
		bus:       bus,
		notifier:  notifier,
		logger:    logger.With(slog.String("component", "trading_service")),
	}
}

// LoadOpenPositions hydrates the live book from storage. Called once at
// startup before any feed is attached.
func (s *TradingService) LoadOpenPositions(ctx context.Context) error {
	open, err := s.positions.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("service: load open positions: %w", err)
	}

	s.mu.Lock()
	s.live = make(map[string]*ledger.Ledger, len(open))
	for i := range open {
		pos := open[i]
		s.live[pos.Key()] = ledger.New(&pos)
	}
	n := len(s.live)
	s.mu.Unlock()

	metrics.SetOpenPositions(n)
	s.logger.Info("live position book loaded", slog.Int("positions", n))
	return nil
}

// OpenOrScaleIn handles an entry signal: it opens a new cycle for the key
// or adds the next ladder entry to an existing one, then re-arms the exit
// plan against the updated average price. Returns the recorded entry trade,
// or (nil, nil) when the signal is ignored (ladder full, scale-in disabled,
// or the cycle already has a filled exit level).
func (s *TradingService) OpenOrScaleIn(ctx context.Context, userID, symbol string, side domain.Side, signalStrength float64) (*domain.Trade, error) {
	cfg, src, err := s.configs.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("service: risk config for %s: %w", userID, err)
	}

	key := domain.PositionKey(userID, s.cfg.Exchange, symbol, side)
	release, err := s.leases.Acquire(ctx, key, s.cfg.LeaseTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLeaseBusy) {
			metrics.LeaseBusy()
			s.logger.Debug("entry skipped, lease busy", slog.String("key", key))
		}
		return nil, err
	}
	defer release()

	s.mu.RLock()
	led := s.live[key]
	s.mu.RUnlock()

	var trade domain.Trade
	if led == nil {
		led, trade, err = s.openCycle(ctx, userID, symbol, side, cfg)
	} else {
		var ok bool
		ok, trade, err = s.scaleIn(ctx, led, cfg)
		if err == nil && !ok {
			return nil, nil
		}
	}
	if err != nil {
		return nil, err
	}

	if err := s.armExits(led, cfg); err != nil {
		// Fill already happened; surface the bad exit plan but keep the
		// position tracked so the operator can fix the config.
		s.logger.Error("exit plan rejected",
			slog.String("key", key),
			slog.Any("error", err))
	}

	s.mu.Lock()
	if s.live == nil {
		s.live = make(map[string]*ledger.Ledger)
	}
	s.live[key] = led
	n := len(s.live)
	s.mu.Unlock()
	metrics.SetOpenPositions(n)

	s.persist(ctx, led, &trade)
	s.auditLog(ctx, userID, "entry_recorded", map[string]any{
		"position_id":     trade.PositionID,
		"symbol":          symbol,
		"side":            string(side),
		"entry_index":     derefInt(trade.EntryIndex),
		"quantity":        trade.Quantity,
		"price":           trade.Price,
		"signal_strength": signalStrength,
		"config_source":   string(src),
	})

	s.logger.Info("entry recorded",
		slog.String("position", trade.PositionID),
		slog.String("symbol", symbol),
		slog.String("side", string(side)),
		slog.Int("entry_index", derefInt(trade.EntryIndex)),
		slog.Float64("quantity", trade.Quantity),
		slog.Float64("price", trade.Price),
		slog.String("config_source", string(src)))
	return &trade, nil
}

func (s *TradingService) openCycle(ctx context.Context, userID, symbol string, side domain.Side, cfg domain.RiskConfig) (*ledger.Ledger, domain.Trade, error) {
	base, err := s.sizer.DeriveBaseSize(ctx, symbol, cfg)
	if err != nil {
		s.notifyEvent(ctx, notify.EventSizingUnavailable, userID, symbol, err.Error())
		return nil, domain.Trade{}, err
	}

	fill, err := s.exec.SubmitEntry(ctx, symbol, side, base)
	if err != nil {
		s.notifyEvent(ctx, notify.EventExecutionFailed, userID, symbol, err.Error())
		return nil, domain.Trade{}, fmt.Errorf("service: submit opening entry %s %s: %v: %w", symbol, side, err, domain.ErrExecutionFailed)
	}
	metrics.EntrySized("primary")

	led := ledger.Open(userID, s.cfg.Exchange, symbol, side, cfg.Leverage, base, fill.FilledAt)
	trade, err := led.RecordEntry(fill.Quantity, fill.Price, fill.FilledAt)
	if err != nil {
		return nil, domain.Trade{}, err
	}
	trade.Fees = fill.Fees
	return led, trade, nil
}

func (s *TradingService) scaleIn(ctx context.Context, led *ledger.Ledger, cfg domain.RiskConfig) (bool, domain.Trade, error) {
	pos := led.Position()
	if pos.Status != domain.PositionStatusOpen {
		s.logger.Debug("scale-in skipped, cycle in exit phase", slog.String("position", pos.ID))
		return false, domain.Trade{}, nil
	}
	if !cfg.ScaleInEnabled {
		s.logger.Debug("scale-in disabled", slog.String("position", pos.ID))
		return false, domain.Trade{}, nil
	}
	if cfg.MaxEntries > 0 && pos.EntryCount() >= cfg.MaxEntries {
		s.logger.Debug("scale-in skipped, ladder full",
			slog.String("position", pos.ID),
			slog.Int("entries", pos.EntryCount()))
		return false, domain.Trade{}, nil
	}

	qty, err := s.sizer.SizeForScaleIn(ctx, pos, cfg)
	if err != nil {
		if sizing.Unavailable(err) {
			s.notifyEvent(ctx, notify.EventSizingUnavailable, pos.UserID, pos.Symbol, err.Error())
		}
		return false, domain.Trade{}, err
	}

	fill, err := s.exec.SubmitEntry(ctx, pos.Symbol, pos.Side, qty)
	if err != nil {
		s.notifyEvent(ctx, notify.EventExecutionFailed, pos.UserID, pos.Symbol, err.Error())
		return false, domain.Trade{}, fmt.Errorf("service: submit scale-in %s: %v: %w", pos.Symbol, err, domain.ErrExecutionFailed)
	}

	trade, err := led.RecordEntry(fill.Quantity, fill.Price, fill.FilledAt)
	if err != nil {
		return false, domain.Trade{}, err
	}
	trade.Fees = fill.Fees
	return true, trade, nil
}

// armExits derives the exit plan from the current average entry price and
// (re)arms the ledger. Re-arming after each entry keeps targets anchored to
// the ladder's weighted average; the ledger rejects re-arms once a level fills.
func (s *TradingService) armExits(led *ledger.Ledger, cfg domain.RiskConfig) error {
	pos := led.Position()
	levels := cfg.TPLevelsFor(pos.Side, pos.AvgEntryPrice)
	stopLoss := cfg.StopLossFor(pos.Side, pos.AvgEntryPrice)

	var legacy *float64
	hasLevels := false
	for _, lvl := range levels {
		if lvl.Enabled {
			hasLevels = true
			break
		}
	}
	if !hasLevels && cfg.LegacyTPPercent > 0 {
		dir := 1.0
		if pos.Side == domain.SideShort {
			dir = -1.0
		}
		target := pos.AvgEntryPrice * (1 + dir*cfg.LegacyTPPercent/100)
		legacy = &target
	}
	if !hasLevels && legacy == nil && stopLoss == nil {
		return nil
	}
	return led.ArmTPLevels(levels, stopLoss, legacy)
}

// OnMarketTick evaluates every live position on the tick's symbol against
// the exit plan. Filled exits are persisted and broadcast; execution
// failures leave the position untouched for the next tick.
func (s *TradingService) OnMarketTick(ctx context.Context, tick domain.Tick) ([]domain.Trade, error) {
	s.mu.RLock()
	matched := make([]*ledger.Ledger, 0, 4)
	keys := make([]string, 0, 4)
	for key, led := range s.live {
		if led.Position().Symbol == tick.Symbol {
			matched = append(matched, led)
			keys = append(keys, key)
		}
	}
	s.mu.RUnlock()

	var filled []domain.Trade
	var firstErr error
	for i, led := range matched {
		trade, err := s.evaluateOne(ctx, keys[i], led, tick)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if trade != nil {
			filled = append(filled, *trade)
		}
	}
	return filled, firstErr
}

func (s *TradingService) evaluateOne(ctx context.Context, key string, led *ledger.Ledger, tick domain.Tick) (*domain.Trade, error) {
	release, err := s.leases.Acquire(ctx, key, s.cfg.LeaseTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLeaseBusy) {
			metrics.LeaseBusy()
			return nil, nil
		}
		return nil, err
	}
	defer release()

	trade, err := s.exits.OnPrice(ctx, led, tick.Price, tick.Timestamp)
	if err != nil {
		pos := led.Position()
		if errors.Is(err, domain.ErrExecutionFailed) {
			s.notifyEvent(ctx, notify.EventExecutionFailed, pos.UserID, pos.Symbol, err.Error())
		}
		s.logger.Error("exit evaluation failed",
			slog.String("position", pos.ID),
			slog.Float64("price", tick.Price),
			slog.Any("error", err))
		return nil, err
	}
	if trade == nil {
		return nil, nil
	}

	s.persist(ctx, led, trade)

	pos := led.Position()
	detail := map[string]any{
		"position_id":     pos.ID,
		"symbol":          pos.Symbol,
		"trigger":         string(trade.Trigger),
		"quantity":        trade.Quantity,
		"price":           trade.Price,
		"pnl":             trade.PnL,
		"remaining_after": trade.RemainingAfter,
	}
	if trade.TPLevel != nil {
		detail["tp_level"] = *trade.TPLevel
	}
	s.auditLog(ctx, pos.UserID, "exit_filled", detail)

	if pos.Status == domain.PositionStatusClosed {
		s.mu.Lock()
		delete(s.live, key)
		n := len(s.live)
		s.mu.Unlock()
		metrics.SetOpenPositions(n)

		s.notifyEvent(ctx, notify.EventPositionClosed, pos.UserID, pos.Symbol,
			fmt.Sprintf("%s closed (%s), last fill pnl %.4f", pos.Symbol, pos.CloseReason, trade.PnL))
	}
	return trade, nil
}

// GetPositionSnapshot returns a deep copy of the live position for the key,
// or domain.ErrNotFound when no cycle is open.
func (s *TradingService) GetPositionSnapshot(userID, symbol string, side domain.Side) (*domain.Position, error) {
	key := domain.PositionKey(userID, s.cfg.Exchange, symbol, side)
	s.mu.RLock()
	led := s.live[key]
	s.mu.RUnlock()
	if led == nil {
		return nil, fmt.Errorf("service: no open position for %s: %w", key, domain.ErrNotFound)
	}
	snap := led.Snapshot()
	return &snap, nil
}

// ListLivePositions returns copies of every tracked open position.
func (s *TradingService) ListLivePositions() []domain.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Position, 0, len(s.live))
	for _, led := range s.live {
		out = append(out, led.Snapshot())
	}
	return out
}

// persist writes the position snapshot and the trade row, then broadcasts
// the trade on the stream. Storage failures are logged, not returned: the
// in-memory book stays authoritative and the next mutation retries the write.
func (s *TradingService) persist(ctx context.Context, led *ledger.Ledger, trade *domain.Trade) {
	snap := led.Snapshot()
	if err := s.positions.Upsert(ctx, snap); err != nil {
		s.logger.Error("position upsert failed",
			slog.String("position", snap.ID),
			slog.Any("error", err))
	}
	if err := s.trades.Insert(ctx, *trade); err != nil {
		s.logger.Error("trade insert failed",
			slog.String("trade", trade.ID),
			slog.Any("error", err))
	}
	if s.bus != nil {
		payload, err := json.Marshal(trade)
		if err == nil {
			if err := s.bus.StreamAppend(ctx, "trades", payload); err != nil {
				s.logger.Warn("trade stream append failed", slog.Any("error", err))
			}
		}
	}
}

func (s *TradingService) auditLog(ctx context.Context, userID, event string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	detail["user_id"] = userID
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.Warn("audit log failed", slog.String("event", event), slog.Any("error", err))
	}
}

func (s *TradingService) notifyEvent(ctx context.Context, event notify.Event, userID, symbol, msg string) {
	if s.notifier == nil {
		return
	}
	s.notifier.Send(ctx, event, userID, symbol, msg)
}

func derefInt(p *int) int {
	if p == nil {
		return -1
	}
	return *p
}
