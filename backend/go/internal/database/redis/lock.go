package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ErrLockHeld 表示锁已被其他持有者占用。
var ErrLockHeld = errors.New("redis: lock is held by another run")

// releaseScript 只有在 key 仍是自己的 token 时才删除它。
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lock 是一把已持有的运行锁，TTL 到期后自动失效。
type Lock struct {
	client redis.Cmdable
	key    string
	token  string
}

// AcquireLock 使用 SET NX 和给定的 TTL 获取 key。
func AcquireLock(ctx context.Context, c redis.Cmdable, key string, ttl time.Duration) (*Lock, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("lock %s: ttl must be positive", key)
	}
	token := uuid.NewString()
	ok, err := c.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLockHeld, key)
	}
	return &Lock{client: c, key: key, token: token}, nil
}

// Key 返回被锁定的 key。
func (l *Lock) Key() string { return l.key }

// Release 在锁仍属于自己时释放它。
// 释放已过期或已被他人重新获取的锁不做任何操作。
func (l *Lock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock %s: %w", l.key, err)
	}
	return nil
}
