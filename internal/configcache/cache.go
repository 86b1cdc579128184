// Package configcache fronts the risk-config store with a process-local,
// consistency-bounded cache. Consistency comes from two mechanisms layered
// together: writers broadcast an invalidation over the signal bus before
// their write acks, and readers enforce a hard staleness bound after which a
// local copy is re-fetched unconditionally even if no invalidation ever
// arrived (covering readers that were offline during the broadcast).
package configcache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/pyramidbot/internal/domain"
	"github.com/alanyoungcy/pyramidbot/internal/metrics"
)

// InvalidationChannel is the pub/sub channel carrying config invalidations.
const InvalidationChannel = "riskconfig:invalidate"

// DefaultMaxStaleness bounds how long a cached copy may be trusted without
// re-fetching. Deliberately far tighter than a conventional cache TTL.
const DefaultMaxStaleness = 5 * time.Second

// Invalidation is the broadcast payload published by the write path.
type Invalidation struct {
	UserID     string `json:"user_id"`
	Generation int64  `json:"generation"`
}

type cacheEntry struct {
	cfg       domain.RiskConfig
	fetchedAt time.Time
}

// Cache implements domain.RiskConfigCache. The cached copies are private to
// the process; cross-worker consistency is the invalidation protocol's job,
// not a shared cache's.
type Cache struct {
	store        domain.ConfigStore
	bus          domain.SignalBus
	maxStaleness time.Duration
	logger       *slog.Logger

	mu      sync.RWMutex
	entries map[string]cacheEntry
}

// New creates a Cache and starts its invalidation listener. The listener
// runs until ctx is cancelled.
func New(ctx context.Context, store domain.ConfigStore, bus domain.SignalBus, maxStaleness time.Duration, logger *slog.Logger) (*Cache, error) {
	if maxStaleness <= 0 {
		maxStaleness = DefaultMaxStaleness
	}
	c := &Cache{
		store:        store,
		bus:          bus,
		maxStaleness: maxStaleness,
		logger:       logger.With(slog.String("component", "config_cache")),
		entries:      make(map[string]cacheEntry),
	}

	ch, err := bus.Subscribe(ctx, InvalidationChannel)
	if err != nil {
		return nil, fmt.Errorf("configcache: subscribe invalidations: %w", err)
	}
	go c.listen(ctx, ch)

	return c, nil
}

// listen applies invalidation broadcasts to the local copy set.
func (c *Cache) listen(ctx context.Context, ch <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-ch:
			if !ok {
				return
			}
			var inv Invalidation
			if err := json.Unmarshal(payload, &inv); err != nil {
				c.logger.Warn("bad invalidation payload",
					slog.Int("payload_len", len(payload)),
					slog.String("error", err.Error()),
				)
				continue
			}
			c.evict(inv)
		}
	}
}

// evict drops the local copy for an invalidation, keeping copies that are
// already at or past the broadcast generation.
func (c *Cache) evict(inv Invalidation) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[inv.UserID]
	if !ok {
		return
	}
	if inv.Generation > 0 && e.cfg.Generation >= inv.Generation {
		return
	}
	delete(c.entries, inv.UserID)
	metrics.ConfigInvalidated()
	c.logger.Debug("config invalidated",
		slog.String("user_id", inv.UserID),
		slog.Int64("generation", inv.Generation),
	)
}

// Get returns the user's risk config. A local copy younger than the
// staleness bound is served directly; anything else forces a fetch from the
// store. When the store is unreachable and no copy within the bound exists,
// Get returns ErrConfigUnavailable rather than an expired value.
func (c *Cache) Get(ctx context.Context, userID string) (domain.RiskConfig, domain.ConfigSource, error) {
	c.mu.RLock()
	e, ok := c.entries[userID]
	c.mu.RUnlock()

	if ok && time.Since(e.fetchedAt) < c.maxStaleness {
		metrics.ConfigRead(domain.ConfigSourceCache)
		return e.cfg, domain.ConfigSourceCache, nil
	}
	if ok {
		// A copy exists but exceeded the bound without an invalidation.
		metrics.ConfigStaleRefresh()
	}

	cfg, err := c.store.Read(ctx, userID)
	if err != nil {
		return domain.RiskConfig{}, "", fmt.Errorf("configcache: read %s: %v: %w", userID, err, domain.ErrConfigUnavailable)
	}

	c.mu.Lock()
	c.entries[userID] = cacheEntry{cfg: cfg, fetchedAt: time.Now()}
	c.mu.Unlock()

	metrics.ConfigRead(domain.ConfigSourceFresh)
	c.logger.Debug("config fetched",
		slog.String("user_id", userID),
		slog.Int64("generation", cfg.Generation),
	)
	return cfg, domain.ConfigSourceFresh, nil
}

// Invalidate drops the local copy and broadcasts the invalidation so every
// other worker drops theirs too.
func (c *Cache) Invalidate(ctx context.Context, userID string) error {
	c.mu.Lock()
	delete(c.entries, userID)
	c.mu.Unlock()

	payload, err := json.Marshal(Invalidation{UserID: userID})
	if err != nil {
		return fmt.Errorf("configcache: marshal invalidation for %s: %w", userID, err)
	}
	if err := c.bus.Publish(ctx, InvalidationChannel, payload); err != nil {
		return fmt.Errorf("configcache: broadcast invalidation for %s: %w", userID, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.RiskConfigCache = (*Cache)(nil)
