package feed

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/pyramidbot/internal/domain"
)

// chanBus is an in-memory SignalBus for tests: Publish delivers to every
// subscriber of the channel.
type chanBus struct {
	mu   sync.Mutex
	subs map[string][]chan []byte
}

func newChanBus() *chanBus {
	return &chanBus{subs: make(map[string][]chan []byte)}
}

func (b *chanBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[channel] {
		ch <- payload
	}
	return nil
}

func (b *chanBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan []byte, 16)
	b.subs[channel] = append(b.subs[channel], ch)
	return ch, nil
}

func (b *chanBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	return nil
}

func (b *chanBus) StreamRead(ctx context.Context, stream, lastID string, count int) ([]domain.StreamMessage, error) {
	return nil, nil
}

var _ domain.SignalBus = (*chanBus)(nil)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTickFeederDispatchesInOrder(t *testing.T) {
	bus := newChanBus()

	var mu sync.Mutex
	var got []domain.Tick
	feeder := NewTickFeeder(bus, testLogger(), func(ctx context.Context, tick domain.Tick) error {
		mu.Lock()
		got = append(got, tick)
		mu.Unlock()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = feeder.Run(ctx) }()

	// Wait for the subscription before publishing.
	require.Eventually(t, func() bool {
		bus.mu.Lock()
		defer bus.mu.Unlock()
		return len(bus.subs[TickChannel]) == 1
	}, time.Second, 5*time.Millisecond)

	for _, price := range []float64{100, 101, 102} {
		payload, err := json.Marshal(domain.Tick{Symbol: "BTCUSDT", Price: price, Timestamp: time.Now().UTC()})
		require.NoError(t, err)
		require.NoError(t, bus.Publish(ctx, TickChannel, payload))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 100.0, got[0].Price)
	assert.Equal(t, 101.0, got[1].Price)
	assert.Equal(t, 102.0, got[2].Price)
}

func TestTickFeederSkipsBadPayloads(t *testing.T) {
	bus := newChanBus()

	var mu sync.Mutex
	var count int
	feeder := NewTickFeeder(bus, testLogger(), func(ctx context.Context, tick domain.Tick) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = feeder.Run(ctx) }()

	require.Eventually(t, func() bool {
		bus.mu.Lock()
		defer bus.mu.Unlock()
		return len(bus.subs[TickChannel]) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, bus.Publish(ctx, TickChannel, []byte("not json")))
	require.NoError(t, bus.Publish(ctx, TickChannel, []byte(`{"symbol":"","price":5}`)))
	require.NoError(t, bus.Publish(ctx, TickChannel, []byte(`{"symbol":"BTCUSDT","price":-1}`)))

	payload, err := json.Marshal(domain.Tick{Symbol: "BTCUSDT", Price: 99_000, Timestamp: time.Now().UTC()})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, TickChannel, payload))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, time.Second, 5*time.Millisecond)
}

func TestTickFeederHandlerErrorDoesNotStopStream(t *testing.T) {
	bus := newChanBus()

	var mu sync.Mutex
	var count int
	feeder := NewTickFeeder(bus, testLogger(), func(ctx context.Context, tick domain.Tick) error {
		mu.Lock()
		count++
		mu.Unlock()
		return errors.New("boom")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = feeder.Run(ctx) }()

	require.Eventually(t, func() bool {
		bus.mu.Lock()
		defer bus.mu.Unlock()
		return len(bus.subs[TickChannel]) == 1
	}, time.Second, 5*time.Millisecond)

	for i := 0; i < 2; i++ {
		payload, err := json.Marshal(domain.Tick{Symbol: "BTCUSDT", Price: 50_000, Timestamp: time.Now().UTC()})
		require.NoError(t, err)
		require.NoError(t, bus.Publish(ctx, TickChannel, payload))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 2
	}, time.Second, 5*time.Millisecond)
}

func TestSignalFeederDispatchesValidSignals(t *testing.T) {
	bus := newChanBus()

	var mu sync.Mutex
	var got []EntrySignal
	feeder := NewSignalFeeder(bus, func(ctx context.Context, sig EntrySignal) error {
		mu.Lock()
		got = append(got, sig)
		mu.Unlock()
		return nil
	}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = feeder.Run(ctx) }()

	require.Eventually(t, func() bool {
		bus.mu.Lock()
		defer bus.mu.Unlock()
		return len(bus.subs[SignalChannel]) == 1
	}, time.Second, 5*time.Millisecond)

	// Dropped: missing user, unknown side.
	require.NoError(t, bus.Publish(ctx, SignalChannel, []byte(`{"symbol":"BTCUSDT","side":"long","strength":1}`)))
	require.NoError(t, bus.Publish(ctx, SignalChannel, []byte(`{"user_id":"u1","symbol":"BTCUSDT","side":"sideways","strength":1}`)))

	payload, err := json.Marshal(EntrySignal{UserID: "u1", Symbol: "BTCUSDT", Side: domain.SideShort, Strength: 0.8})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, SignalChannel, payload))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "u1", got[0].UserID)
	assert.Equal(t, domain.SideShort, got[0].Side)
	assert.Equal(t, 0.8, got[0].Strength)
}
