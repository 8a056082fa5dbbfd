package embedsync

import (
	"context"
	"time"

	kbredis "procurement-kb/backend/go/internal/database/redis"

	"github.com/go-redis/redis/v8"
)

// DefaultLockKey is the Redis key guarding sync-embeddings runs.
const DefaultLockKey = "kb:embedsync:run"

// RedisLock is a RunLock backed by a Redis SET NX key.
type RedisLock struct {
	client redis.Cmdable
	key    string
	ttl    time.Duration
}

// NewRedisLock creates a RunLock on key. The key expires after ttl even if
// the holder dies without releasing it.
func NewRedisLock(client redis.Cmdable, key string, ttl time.Duration) *RedisLock {
	if key == "" {
		key = DefaultLockKey
	}
	return &RedisLock{client: client, key: key, ttl: ttl}
}

// Acquire implements RunLock.
func (l *RedisLock) Acquire(ctx context.Context) (func(context.Context) error, error) {
	lock, err := kbredis.AcquireLock(ctx, l.client, l.key, l.ttl)
	if err != nil {
		return nil, err
	}
	return lock.Release, nil
}
