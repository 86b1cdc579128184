package domain

import (
	"context"
	"time"
)

// ConfigSource annotates where a cached config read was served from.
type ConfigSource string

const (
	ConfigSourceCache ConfigSource = "cache"
	ConfigSourceFresh ConfigSource = "fresh"
)

// RiskConfigCache fronts the ConfigStore with a process-local copy. The
// contract is bounded staleness: after a ConfigStore write acks, no Get on
// any worker returns the superseded value for longer than the cache's
// configured maximum staleness.
type RiskConfigCache interface {
	// Get returns the user's risk config and whether it was served from the
	// local copy or fetched fresh.
	Get(ctx context.Context, userID string) (RiskConfig, ConfigSource, error)

	// Invalidate drops the local copy and broadcasts the invalidation to
	// every other worker.
	Invalidate(ctx context.Context, userID string) error
}

// LeaseManager hands out time-bounded exclusive claims on position keys.
// Acquire returns ErrLeaseBusy immediately when the lease is held elsewhere;
// the release function is safe to call more than once and must be called on
// every exit path.
type LeaseManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// StreamMessage is a single entry read back from a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides fan-out pub/sub (used for config invalidation and
// position events) and durable append-only streams (used for trade history).
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
