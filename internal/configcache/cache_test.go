package configcache

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

type fakeStore struct {
	mu    sync.Mutex
	cfg   domain.RiskConfig
	err   error
	reads int
}

func (f *fakeStore) Read(ctx context.Context, userID string) (domain.RiskConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.err != nil {
		return domain.RiskConfig{}, f.err
	}
	return f.cfg, nil
}

func (f *fakeStore) Write(ctx context.Context, cfg domain.RiskConfig) (domain.CommitAck, error) {
	return domain.CommitAck{}, errors.New("not used")
}

func (f *fakeStore) set(cfg domain.RiskConfig) {
	f.mu.Lock()
	f.cfg = cfg
	f.mu.Unlock()
}

func (f *fakeStore) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeStore) readCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

// fakeBus loops published payloads straight back to subscribers, standing in
// for redis pub/sub between workers.
type fakeBus struct {
	mu        sync.Mutex
	subs      map[string][]chan []byte
	published [][]byte
}

func newFakeBus() *fakeBus {
	return &fakeBus{subs: make(map[string][]chan []byte)}
}

func (f *fakeBus) Publish(ctx context.Context, channel string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, payload)
	for _, ch := range f.subs[channel] {
		ch <- payload
	}
	return nil
}

func (f *fakeBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, 16)
	f.mu.Lock()
	f.subs[channel] = append(f.subs[channel], ch)
	f.mu.Unlock()
	return ch, nil
}

func (f *fakeBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	return nil
}

func (f *fakeBus) StreamRead(ctx context.Context, stream, lastID string, count int) ([]domain.StreamMessage, error) {
	return nil, nil
}

// broadcast simulates an invalidation published by another worker.
func (f *fakeBus) broadcast(t *testing.T, inv Invalidation) {
	t.Helper()
	payload, err := json.Marshal(inv)
	require.NoError(t, err)
	require.NoError(t, f.Publish(context.Background(), InvalidationChannel, payload))
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(generation int64, multiplier float64) domain.RiskConfig {
	return domain.RiskConfig{
		EntryMultiplier: multiplier,
		BaseInvestment:  50,
		Leverage:        10,
		Generation:      generation,
	}
}

func newTestCache(t *testing.T, store *fakeStore, bus *fakeBus, maxStaleness time.Duration) *Cache {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	c, err := New(ctx, store, bus, maxStaleness, testLogger())
	require.NoError(t, err)
	return c
}

func TestGetServesCachedCopyWithinBound(t *testing.T) {
	store := &fakeStore{cfg: testConfig(1, 1.5)}
	cache := newTestCache(t, store, newFakeBus(), time.Minute)

	cfg, src, err := cache.Get(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ConfigSourceFresh, src)
	assert.Equal(t, 1.5, cfg.EntryMultiplier)

	cfg, src, err = cache.Get(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ConfigSourceCache, src)
	assert.Equal(t, 1.5, cfg.EntryMultiplier)
	assert.Equal(t, 1, store.readCount())
}

func TestStalenessBoundForcesRefetch(t *testing.T) {
	// A worker that never hears the invalidation must still pick up the new
	// multiplier once the staleness bound expires, instead of sizing entries
	// off the superseded value indefinitely.
	store := &fakeStore{cfg: testConfig(1, 1.0)}
	cache := newTestCache(t, store, newFakeBus(), 20*time.Millisecond)

	_, src, err := cache.Get(context.Background(), "user-1")
	require.NoError(t, err)
	require.Equal(t, domain.ConfigSourceFresh, src)

	store.set(testConfig(2, 2.0))

	time.Sleep(30 * time.Millisecond)

	cfg, src, err := cache.Get(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ConfigSourceFresh, src)
	assert.Equal(t, 2.0, cfg.EntryMultiplier)
}

func TestInvalidationEvictsBeforeBoundExpires(t *testing.T) {
	store := &fakeStore{cfg: testConfig(1, 1.0)}
	bus := newFakeBus()
	cache := newTestCache(t, store, bus, time.Hour)

	_, _, err := cache.Get(context.Background(), "user-1")
	require.NoError(t, err)

	store.set(testConfig(2, 2.0))
	bus.broadcast(t, Invalidation{UserID: "user-1", Generation: 2})

	require.Eventually(t, func() bool {
		cfg, src, err := cache.Get(context.Background(), "user-1")
		return err == nil && src == domain.ConfigSourceFresh && cfg.EntryMultiplier == 2.0
	}, time.Second, 5*time.Millisecond, "invalidation should evict the local copy well inside the bound")
}

func TestInvalidationIgnoresOlderGeneration(t *testing.T) {
	store := &fakeStore{cfg: testConfig(5, 1.0)}
	bus := newFakeBus()
	cache := newTestCache(t, store, bus, time.Hour)

	_, _, err := cache.Get(context.Background(), "user-1")
	require.NoError(t, err)

	// A delayed broadcast for an older write must not evict the newer copy.
	bus.broadcast(t, Invalidation{UserID: "user-1", Generation: 3})
	time.Sleep(30 * time.Millisecond)

	_, src, err := cache.Get(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ConfigSourceCache, src)
	assert.Equal(t, 1, store.readCount())
}

func TestExpiredCopyIsNeverServed(t *testing.T) {
	store := &fakeStore{cfg: testConfig(1, 1.0)}
	cache := newTestCache(t, store, newFakeBus(), 20*time.Millisecond)

	_, _, err := cache.Get(context.Background(), "user-1")
	require.NoError(t, err)

	store.setErr(errors.New("postgres down"))
	time.Sleep(30 * time.Millisecond)

	_, _, err = cache.Get(context.Background(), "user-1")
	assert.ErrorIs(t, err, domain.ErrConfigUnavailable)
}

func TestStoreFailureWithoutCopy(t *testing.T) {
	store := &fakeStore{err: errors.New("postgres down")}
	cache := newTestCache(t, store, newFakeBus(), time.Minute)

	_, _, err := cache.Get(context.Background(), "user-1")
	assert.ErrorIs(t, err, domain.ErrConfigUnavailable)
}

func TestInvalidateDropsAndBroadcasts(t *testing.T) {
	store := &fakeStore{cfg: testConfig(1, 1.0)}
	bus := newFakeBus()
	cache := newTestCache(t, store, bus, time.Hour)

	_, _, err := cache.Get(context.Background(), "user-1")
	require.NoError(t, err)

	require.NoError(t, cache.Invalidate(context.Background(), "user-1"))

	bus.mu.Lock()
	published := len(bus.published)
	bus.mu.Unlock()
	assert.Equal(t, 1, published)

	_, src, err := cache.Get(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ConfigSourceFresh, src)
	assert.Equal(t, 2, store.readCount())
}
