package exit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/pyramidbot/internal/domain"
	"github.com/alanyoungcy/pyramidbot/internal/ledger"
)

type exitCall struct {
	symbol   string
	side     domain.Side
	quantity float64
	trigger  domain.TriggerKind
}

type fakeAdapter struct {
	exitErr error
	calls   []exitCall
}

func (f *fakeAdapter) SubmitEntry(ctx context.Context, symbol string, side domain.Side, quantity float64) (domain.FillConfirmation, error) {
	return domain.FillConfirmation{}, errors.New("not used")
}

func (f *fakeAdapter) SubmitExit(ctx context.Context, symbol string, side domain.Side, quantity float64, trigger domain.TriggerKind) (domain.FillConfirmation, error) {
	f.calls = append(f.calls, exitCall{symbol: symbol, side: side, quantity: quantity, trigger: trigger})
	if f.exitErr != nil {
		return domain.FillConfirmation{}, f.exitErr
	}
	return domain.FillConfirmation{
		OrderID:  "paper-1",
		Symbol:   symbol,
		Side:     side,
		Quantity: quantity,
		Price:    102_000,
		Fees:     1.25,
		FilledAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}, nil
}

func (f *fakeAdapter) GetContractSpec(ctx context.Context, symbol string) (domain.ContractSpec, error) {
	return domain.ContractSpec{}, errors.New("not used")
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func armedLong(t *testing.T) *ledger.Ledger {
	t.Helper()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	led := ledger.Open("user-1", "bybit", "BTCUSDT", domain.SideLong, 10, 1.0, now)
	_, err := led.RecordEntry(1.0, 100_000, now)
	require.NoError(t, err)
	require.NoError(t, led.ArmTPLevels([3]domain.TPLevel{
		{Enabled: true, TargetPrice: 102_000, ExitRatio: 0.3},
		{Enabled: true, TargetPrice: 103_000, ExitRatio: 0.3},
		{Enabled: true, TargetPrice: 104_000, ExitRatio: 0.4},
	}, flt(95_000), nil))
	return led
}

func flt(v float64) *float64 { return &v }

func TestOnPriceNoTrigger(t *testing.T) {
	adapter := &fakeAdapter{}
	engine := New(adapter, testLogger())
	led := armedLong(t)

	trade, err := engine.OnPrice(context.Background(), led, 101_000, time.Now())
	require.NoError(t, err)
	assert.Nil(t, trade)
	assert.Empty(t, adapter.calls)
}

func TestOnPriceRealizesPartialClose(t *testing.T) {
	adapter := &fakeAdapter{}
	engine := New(adapter, testLogger())
	led := armedLong(t)

	trade, err := engine.OnPrice(context.Background(), led, 102_500, time.Now())
	require.NoError(t, err)
	require.NotNil(t, trade)

	require.Len(t, adapter.calls, 1)
	assert.Equal(t, domain.TriggerTakeProfit, adapter.calls[0].trigger)
	assert.InDelta(t, 0.3, adapter.calls[0].quantity, 1e-12)

	// The trade settles at the confirmed fill price, not the tick price.
	assert.Equal(t, 102_000.0, trade.Price)
	assert.Equal(t, 1.25, trade.Fees)
	assert.True(t, trade.IsPartialExit)
	require.NotNil(t, trade.TPLevel)
	assert.Equal(t, 1, *trade.TPLevel)
	assert.InDelta(t, 0.7, led.Position().RemainingQuantity, 1e-12)
}

func TestExecutionFailureLeavesLedgerUntouched(t *testing.T) {
	adapter := &fakeAdapter{exitErr: errors.New("exchange rejected")}
	engine := New(adapter, testLogger())
	led := armedLong(t)

	trade, err := engine.OnPrice(context.Background(), led, 102_500, time.Now())
	assert.ErrorIs(t, err, domain.ErrExecutionFailed)
	assert.Nil(t, trade)

	pos := led.Position()
	assert.InDelta(t, 1.0, pos.RemainingQuantity, 1e-12)
	assert.False(t, pos.TPLevels[0].Filled)
	assert.Equal(t, domain.PositionStatusOpen, pos.Status)

	// The next tick retries the same level.
	adapter.exitErr = nil
	trade, err = engine.OnPrice(context.Background(), led, 102_500, time.Now())
	require.NoError(t, err)
	require.NotNil(t, trade)
	assert.Equal(t, 1, *trade.TPLevel)
}

func TestStopLossClosesEverything(t *testing.T) {
	adapter := &fakeAdapter{}
	engine := New(adapter, testLogger())
	led := armedLong(t)

	trade, err := engine.OnPrice(context.Background(), led, 94_000, time.Now())
	require.NoError(t, err)
	require.NotNil(t, trade)

	require.Len(t, adapter.calls, 1)
	assert.Equal(t, domain.TriggerStopLoss, adapter.calls[0].trigger)
	assert.InDelta(t, 1.0, adapter.calls[0].quantity, 1e-12)
	assert.Equal(t, domain.TriggerStopLoss, trade.Trigger)
	assert.Equal(t, domain.PositionStatusClosed, led.Position().Status)
}

func TestLegacyTakeProfitHasNoLevelMetadata(t *testing.T) {
	adapter := &fakeAdapter{}
	engine := New(adapter, testLogger())

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	led := ledger.Open("user-1", "bybit", "BTCUSDT", domain.SideLong, 10, 1.0, now)
	_, err := led.RecordEntry(1.0, 100_000, now)
	require.NoError(t, err)
	require.NoError(t, led.ArmTPLevels([3]domain.TPLevel{}, nil, flt(101_000)))

	trade, err := engine.OnPrice(context.Background(), led, 101_500, time.Now())
	require.NoError(t, err)
	require.NotNil(t, trade)

	assert.Equal(t, domain.TriggerTakeProfit, trade.Trigger)
	assert.False(t, trade.IsPartialExit)
	assert.Nil(t, trade.TPLevel)
	assert.Nil(t, trade.ExitRatio)
	assert.Equal(t, domain.PositionStatusClosed, led.Position().Status)
}
