package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/pyramidbot/internal/domain"
	"github.com/alanyoungcy/pyramidbot/internal/exec"
	"github.com/alanyoungcy/pyramidbot/internal/exit"
	"github.com/alanyoungcy/pyramidbot/internal/notify"
	"github.com/alanyoungcy/pyramidbot/internal/sizing"
)

type memPositions struct {
	mu   sync.Mutex
	byID map[string]domain.Position
}

func newMemPositions() *memPositions {
	return &memPositions{byID: make(map[string]domain.Position)}
}

func (m *memPositions) Upsert(ctx context.Context, pos domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[pos.ID] = pos
	return nil
}

func (m *memPositions) GetByID(ctx context.Context, id string) (domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.byID[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return pos, nil
}

func (m *memPositions) ListOpen(ctx context.Context) ([]domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Position
	for _, pos := range m.byID {
		if pos.Status != domain.PositionStatusClosed {
			out = append(out, pos)
		}
	}
	return out, nil
}

func (m *memPositions) ListOpenByUser(ctx context.Context, userID string) ([]domain.Position, error) {
	open, _ := m.ListOpen(ctx)
	var out []domain.Position
	for _, pos := range open {
		if pos.UserID == userID {
			out = append(out, pos)
		}
	}
	return out, nil
}

func (m *memPositions) ListHistory(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Position, error) {
	return nil, nil
}

type memTrades struct {
	mu     sync.Mutex
	trades []domain.Trade
}

func (m *memTrades) Insert(ctx context.Context, trade domain.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades = append(m.trades, trade)
	return nil
}

func (m *memTrades) ListByPosition(ctx context.Context, positionID string, opts domain.ListOpts) ([]domain.Trade, error) {
	return nil, nil
}

func (m *memTrades) ListByUser(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Trade, error) {
	return nil, nil
}

func (m *memTrades) ListBefore(ctx context.Context, before time.Time) ([]domain.Trade, error) {
	return nil, nil
}

func (m *memTrades) all() []domain.Trade {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Trade(nil), m.trades...)
}

type memAudit struct {
	mu     sync.Mutex
	events []string
}

func (m *memAudit) Log(ctx context.Context, event string, detail map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *memAudit) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

type fakeConfigCache struct {
	cfg domain.RiskConfig
	err error
}

func (f *fakeConfigCache) Get(ctx context.Context, userID string) (domain.RiskConfig, domain.ConfigSource, error) {
	if f.err != nil {
		return domain.RiskConfig{}, "", f.err
	}
	return f.cfg, domain.ConfigSourceFresh, nil
}

func (f *fakeConfigCache) Invalidate(ctx context.Context, userID string) error { return nil }

type fakeLeases struct {
	mu       sync.Mutex
	busy     bool
	acquires int
	releases int
}

func (f *fakeLeases) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.busy {
		return nil, domain.ErrLeaseBusy
	}
	f.acquires++
	return func() {
		f.mu.Lock()
		f.releases++
		f.mu.Unlock()
	}, nil
}

func testRiskConfig() domain.RiskConfig {
	return domain.RiskConfig{
		UserID:          "user-1",
		EntryMultiplier: 2.0,
		BaseInvestment:  50,
		ScaleInEnabled:  true,
		MaxEntries:      3,
		UseTP1:          true,
		UseTP2:          true,
		UseTP3:          true,
		TP1Percent:      2, TP1Ratio: 0.3,
		TP2Percent: 3, TP2Ratio: 0.3,
		TP3Percent: 4, TP3Ratio: 0.4,
		SLPercent:  5,
		Leverage:   10,
		Generation: 1,
	}
}

type harness struct {
	svc       *TradingService
	paper     *exec.PaperAdapter
	positions *memPositions
	trades    *memTrades
	audit     *memAudit
	leases    *fakeLeases
	cache     *fakeConfigCache
}

func newHarness(t *testing.T, cfg domain.RiskConfig) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	paper := exec.NewPaperAdapter()
	paper.SetContractSpec(domain.ContractSpec{Symbol: "BTCUSDT", UnitValue: 100})
	paper.ObservePrice("BTCUSDT", 100)

	h := &harness{
		paper:     paper,
		positions: newMemPositions(),
		trades:    &memTrades{},
		audit:     &memAudit{},
		leases:    &fakeLeases{},
		cache:     &fakeConfigCache{cfg: cfg},
	}
	h.svc = New(
		Config{Exchange: "bybit", LeaseTTL: time.Second},
		h.positions,
		h.trades,
		h.audit,
		h.cache,
		h.leases,
		paper,
		sizing.New(paper, logger),
		exit.New(paper, logger),
		nil,
		nil,
		logger,
	)
	require.NoError(t, h.svc.LoadOpenPositions(context.Background()))
	return h
}

func TestOpenCycleFirstEntry(t *testing.T) {
	h := newHarness(t, testRiskConfig())
	ctx := context.Background()

	trade, err := h.svc.OpenOrScaleIn(ctx, "user-1", "BTCUSDT", domain.SideLong, 0.9)
	require.NoError(t, err)
	require.NotNil(t, trade)

	// base = investment * leverage / unit value = 50 * 10 / 100
	assert.InDelta(t, 5.0, trade.Quantity, 1e-9)
	assert.Equal(t, 100.0, trade.Price)
	require.NotNil(t, trade.EntryIndex)
	assert.Equal(t, 0, *trade.EntryIndex)

	pos, err := h.svc.GetPositionSnapshot("user-1", "BTCUSDT", domain.SideLong)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusOpen, pos.Status)
	assert.True(t, pos.TPArmed)
	assert.InDelta(t, 102.0, pos.TPLevels[0].TargetPrice, 1e-9)
	assert.InDelta(t, 103.0, pos.TPLevels[1].TargetPrice, 1e-9)
	assert.InDelta(t, 104.0, pos.TPLevels[2].TargetPrice, 1e-9)
	require.NotNil(t, pos.StopLossPrice)
	assert.InDelta(t, 95.0, *pos.StopLossPrice, 1e-9)

	stored, err := h.positions.GetByID(context.Background(), pos.ID)
	require.NoError(t, err)
	assert.Equal(t, pos.ID, stored.ID)
	assert.Len(t, h.trades.all(), 1)
	assert.Contains(t, h.audit.events, "entry_recorded")
}

func TestScaleInSizesMultiplicatively(t *testing.T) {
	h := newHarness(t, testRiskConfig())
	ctx := context.Background()

	var quantities []float64
	for i := 0; i < 3; i++ {
		trade, err := h.svc.OpenOrScaleIn(ctx, "user-1", "BTCUSDT", domain.SideLong, 1.0)
		require.NoError(t, err)
		require.NotNil(t, trade)
		quantities = append(quantities, trade.Quantity)
	}
	assert.InDelta(t, 5.0, quantities[0], 1e-9)
	assert.InDelta(t, 10.0, quantities[1], 1e-9)
	assert.InDelta(t, 20.0, quantities[2], 1e-9)

	pos, err := h.svc.GetPositionSnapshot("user-1", "BTCUSDT", domain.SideLong)
	require.NoError(t, err)
	assert.Equal(t, 3, pos.EntryCount())
	assert.InDelta(t, 35.0, pos.OriginalQuantity, 1e-9)

	// Ladder is full: the next signal is ignored, not an error.
	trade, err := h.svc.OpenOrScaleIn(ctx, "user-1", "BTCUSDT", domain.SideLong, 1.0)
	require.NoError(t, err)
	assert.Nil(t, trade)
}

func TestScaleInDisabled(t *testing.T) {
	cfg := testRiskConfig()
	cfg.ScaleInEnabled = false
	h := newHarness(t, cfg)
	ctx := context.Background()

	trade, err := h.svc.OpenOrScaleIn(ctx, "user-1", "BTCUSDT", domain.SideLong, 1.0)
	require.NoError(t, err)
	require.NotNil(t, trade)

	trade, err = h.svc.OpenOrScaleIn(ctx, "user-1", "BTCUSDT", domain.SideLong, 1.0)
	require.NoError(t, err)
	assert.Nil(t, trade)
}

func TestLeaseBusySkipsEntry(t *testing.T) {
	h := newHarness(t, testRiskConfig())
	h.leases.busy = true

	_, err := h.svc.OpenOrScaleIn(context.Background(), "user-1", "BTCUSDT", domain.SideLong, 1.0)
	assert.ErrorIs(t, err, domain.ErrLeaseBusy)
}

func TestConfigUnavailableBlocksEntry(t *testing.T) {
	h := newHarness(t, testRiskConfig())
	h.cache.err = domain.ErrConfigUnavailable

	_, err := h.svc.OpenOrScaleIn(context.Background(), "user-1", "BTCUSDT", domain.SideLong, 1.0)
	assert.ErrorIs(t, err, domain.ErrConfigUnavailable)
	assert.Empty(t, h.trades.all())
}

func TestTicksWalkTheTakeProfitLadder(t *testing.T) {
	h := newHarness(t, testRiskConfig())
	ctx := context.Background()

	_, err := h.svc.OpenOrScaleIn(ctx, "user-1", "BTCUSDT", domain.SideLong, 1.0)
	require.NoError(t, err)

	tick := func(price float64) []domain.Trade {
		h.paper.ObservePrice("BTCUSDT", price)
		trades, err := h.svc.OnMarketTick(ctx, domain.Tick{Symbol: "BTCUSDT", Price: price, Timestamp: time.Now()})
		require.NoError(t, err)
		return trades
	}

	// Below all targets: nothing happens.
	assert.Empty(t, tick(101))

	trades := tick(102.5)
	require.Len(t, trades, 1)
	require.NotNil(t, trades[0].TPLevel)
	assert.Equal(t, 1, *trades[0].TPLevel)
	assert.InDelta(t, 1.5, trades[0].Quantity, 1e-9)
	assert.InDelta(t, 3.5, trades[0].RemainingAfter, 1e-9)

	// Entry signals are ignored once the cycle is in its exit phase.
	entry, err := h.svc.OpenOrScaleIn(ctx, "user-1", "BTCUSDT", domain.SideLong, 1.0)
	require.NoError(t, err)
	assert.Nil(t, entry)

	// One evaluation per tick: the gap past both remaining targets fills
	// level 2 first, then level 3 on the next tick.
	trades = tick(104.5)
	require.Len(t, trades, 1)
	assert.Equal(t, 2, *trades[0].TPLevel)

	trades = tick(104.5)
	require.Len(t, trades, 1)
	assert.Equal(t, 3, *trades[0].TPLevel)
	assert.Equal(t, 0.0, trades[0].RemainingAfter)

	_, err = h.svc.GetPositionSnapshot("user-1", "BTCUSDT", domain.SideLong)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Contains(t, h.audit.events, "exit_filled")
	assert.Empty(t, h.svc.ListLivePositions())
}

func TestStopLossTickClosesPosition(t *testing.T) {
	h := newHarness(t, testRiskConfig())
	ctx := context.Background()

	_, err := h.svc.OpenOrScaleIn(ctx, "user-1", "BTCUSDT", domain.SideLong, 1.0)
	require.NoError(t, err)

	h.paper.ObservePrice("BTCUSDT", 94)
	trades, err := h.svc.OnMarketTick(ctx, domain.Tick{Symbol: "BTCUSDT", Price: 94, Timestamp: time.Now()})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, domain.TriggerStopLoss, trades[0].Trigger)
	assert.Equal(t, 0.0, trades[0].RemainingAfter)

	_, err = h.svc.GetPositionSnapshot("user-1", "BTCUSDT", domain.SideLong)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestOnMarketTickIgnoresOtherSymbols(t *testing.T) {
	h := newHarness(t, testRiskConfig())
	ctx := context.Background()

	_, err := h.svc.OpenOrScaleIn(ctx, "user-1", "BTCUSDT", domain.SideLong, 1.0)
	require.NoError(t, err)

	trades, err := h.svc.OnMarketTick(ctx, domain.Tick{Symbol: "ETHUSDT", Price: 1, Timestamp: time.Now()})
	require.NoError(t, err)
	assert.Empty(t, trades)

	pos, err := h.svc.GetPositionSnapshot("user-1", "BTCUSDT", domain.SideLong)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusOpen, pos.Status)
}

func TestLoadOpenPositionsHydratesBook(t *testing.T) {
	h := newHarness(t, testRiskConfig())
	ctx := context.Background()

	_, err := h.svc.OpenOrScaleIn(ctx, "user-1", "BTCUSDT", domain.SideLong, 1.0)
	require.NoError(t, err)

	// A fresh service over the same store picks the cycle back up.
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc2 := New(
		Config{Exchange: "bybit", LeaseTTL: time.Second},
		h.positions, h.trades, h.audit, h.cache, h.leases,
		h.paper, sizing.New(h.paper, logger), exit.New(h.paper, logger),
		nil, nil, logger,
	)
	require.NoError(t, svc2.LoadOpenPositions(ctx))

	pos, err := svc2.GetPositionSnapshot("user-1", "BTCUSDT", domain.SideLong)
	require.NoError(t, err)
	assert.Equal(t, 1, pos.EntryCount())
}

func TestSnapshotDoesNotAliasLiveState(t *testing.T) {
	h := newHarness(t, testRiskConfig())
	ctx := context.Background()

	_, err := h.svc.OpenOrScaleIn(ctx, "user-1", "BTCUSDT", domain.SideLong, 1.0)
	require.NoError(t, err)

	pos, err := h.svc.GetPositionSnapshot("user-1", "BTCUSDT", domain.SideLong)
	require.NoError(t, err)
	pos.Entries[0].Price = 1
	pos.RemainingQuantity = 0

	again, err := h.svc.GetPositionSnapshot("user-1", "BTCUSDT", domain.SideLong)
	require.NoError(t, err)
	assert.Equal(t, 100.0, again.Entries[0].Price)
	assert.InDelta(t, 5.0, again.RemainingQuantity, 1e-9)
}

func TestSnapshotStableDuringScaleIns(t *testing.T) {
	cfg := testRiskConfig()
	cfg.MaxEntries = 12
	h := newHarness(t, cfg)
	ctx := context.Background()

	_, err := h.svc.OpenOrScaleIn(ctx, "user-1", "BTCUSDT", domain.SideLong, 1.0)
	require.NoError(t, err)

	done := make(chan struct{})
	var writeErr error
	go func() {
		defer close(done)
		for i := 1; i < cfg.MaxEntries; i++ {
			if _, err := h.svc.OpenOrScaleIn(ctx, "user-1", "BTCUSDT", domain.SideLong, 1.0); err != nil {
				writeErr = err
				return
			}
		}
	}()

	var readers sync.WaitGroup
	for r := 0; r < 4; r++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				pos, err := h.svc.GetPositionSnapshot("user-1", "BTCUSDT", domain.SideLong)
				if err != nil {
					continue
				}
				assert.NotEmpty(t, pos.Entries)
				for _, book := range h.svc.ListLivePositions() {
					assert.Equal(t, "user-1", book.UserID)
				}
			}
		}()
	}

	<-done
	readers.Wait()
	require.NoError(t, writeErr)

	pos, err := h.svc.GetPositionSnapshot("user-1", "BTCUSDT", domain.SideLong)
	require.NoError(t, err)
	assert.Len(t, pos.Entries, cfg.MaxEntries)
}

type rejectingExec struct {
	spec domain.ContractSpec
}

func (r *rejectingExec) SubmitEntry(ctx context.Context, symbol string, side domain.Side, quantity float64) (domain.FillConfirmation, error) {
	return domain.FillConfirmation{}, errors.New("order rejected by exchange")
}

func (r *rejectingExec) SubmitExit(ctx context.Context, symbol string, side domain.Side, quantity float64, trigger domain.TriggerKind) (domain.FillConfirmation, error) {
	return domain.FillConfirmation{}, errors.New("order rejected by exchange")
}

func (r *rejectingExec) GetContractSpec(ctx context.Context, symbol string) (domain.ContractSpec, error) {
	return r.spec, nil
}

type recordingSender struct {
	mu       sync.Mutex
	titles   []string
	messages []string
}

func (r *recordingSender) Send(ctx context.Context, title, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.titles = append(r.titles, title)
	r.messages = append(r.messages, message)
	return nil
}

func (r *recordingSender) Name() string { return "capture" }

func TestOpeningEntryFailureNotifies(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rejecting := &rejectingExec{spec: domain.ContractSpec{Symbol: "BTCUSDT", UnitValue: 100}}
	sender := &recordingSender{}

	svc := New(
		Config{Exchange: "bybit", LeaseTTL: time.Second},
		newMemPositions(),
		&memTrades{},
		&memAudit{},
		&fakeConfigCache{cfg: testRiskConfig()},
		&fakeLeases{},
		rejecting,
		sizing.New(rejecting, logger),
		exit.New(rejecting, logger),
		nil,
		notify.NewNotifier([]notify.Sender{sender}, nil, logger),
		logger,
	)
	require.NoError(t, svc.LoadOpenPositions(context.Background()))

	trade, err := svc.OpenOrScaleIn(context.Background(), "user-1", "BTCUSDT", domain.SideLong, 1.0)
	require.ErrorIs(t, err, domain.ErrExecutionFailed)
	assert.Nil(t, trade)

	require.Len(t, sender.titles, 1)
	assert.Equal(t, "Order execution failed", sender.titles[0])
	assert.Contains(t, sender.messages[0], "order rejected by exchange")
}
