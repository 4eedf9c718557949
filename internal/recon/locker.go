package recon

import (
	"context"
	"time"

	"callsync/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// Locker keeps a poller tier single-flight across processes. Locking is
// best-effort: correctness never depends on it (the guarded write path
// already makes concurrent refreshes safe), it only saves provider
// request budget.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key string) error
}

// RedisLocker implements Locker on the shared slot scripts with a
// limit of one holder.
type RedisLocker struct {
	rdb *redis.Client
}

func NewRedisLocker(rdb *redis.Client) *RedisLocker { return &RedisLocker{rdb: rdb} }

func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return utils.AcquireSlot(ctx, l.rdb, key, 1, ttl)
}

func (l *RedisLocker) Unlock(ctx context.Context, key string) error {
	return utils.ReleaseSlot(ctx, l.rdb, key)
}

// NoopLocker always grants the lock. Used in tests and single-process
// deployments.
type NoopLocker struct{}

func (NoopLocker) TryLock(context.Context, string, time.Duration) (bool, error) { return true, nil }
func (NoopLocker) Unlock(context.Context, string) error                         { return nil }
