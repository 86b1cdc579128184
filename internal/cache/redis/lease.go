package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/pyramidbot/internal/domain"
)

// releaseLua deletes a lease key only if its value matches the holder's
// unique token, so an expired holder can never release a successor's lease.
const releaseLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// LeaseManager implements domain.LeaseManager with Redis SETNX plus a TTL
// and a Lua-based conditional release. One lease guards one position key, so
// entry recording, exit evaluation, and re-sizing for the same position are
// serialized across all workers.
type LeaseManager struct {
	rdb       *redis.Client
	releaseSc *redis.Script
}

// NewLeaseManager creates a LeaseManager backed by the given Client.
func NewLeaseManager(c *Client) *LeaseManager {
	return &LeaseManager{
		rdb:       c.Underlying(),
		releaseSc: redis.NewScript(releaseLua),
	}
}

func leaseKey(key string) string {
	return "lease:position:" + key
}

// Acquire claims the lease for key with the given TTL. It returns
// domain.ErrLeaseBusy without blocking when the lease is held elsewhere; the
// caller skips its cycle rather than pile up behind slow exchange calls. The
// returned release function must run on every exit path and is safe to call
// more than once.
func (lm *LeaseManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.New().String()
	lk := leaseKey(key)

	ok, err := lm.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lease %s: %w", key, err)
	}
	if !ok {
		return nil, domain.ErrLeaseBusy
	}

	released := false
	release := func() {
		if released {
			return
		}
		released = true

		// Background context so the release succeeds even when the caller's
		// context is already cancelled (e.g. an order submission timed out).
		relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = lm.releaseSc.Run(relCtx, lm.rdb, []string{lk}, token).Err()
	}

	return release, nil
}

// Compile-time interface check.
var _ domain.LeaseManager = (*LeaseManager)(nil)
