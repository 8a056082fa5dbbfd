package redis

import (
	"context"
	"fmt"
	"sync"

	"procurement-kb/backend/go/internal/config"
	"procurement-kb/backend/go/pkg/logger"

	"github.com/go-redis/redis/v8"
)

var (
	mu     sync.Mutex
	client *redis.Client
)

// GetClient 使用单例模式初始化并返回一个 Redis 客户端实例。
// 连接失败不会被缓存，下一次调用会重新尝试。
func GetClient(ctx context.Context, cfg *config.RedisConfig) (*redis.Client, error) {
	mu.Lock()
	defer mu.Unlock()
	if client != nil {
		return client, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("无法连接到 Redis: %w", err)
	}

	logger.New("redis").WithField("address", cfg.Address).Info("成功连接到 Redis")
	client = rdb
	return client, nil
}

// Close 安全地关闭单例的 Redis 连接。
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if client == nil {
		return nil
	}
	err := client.Close()
	client = nil
	return err
}

// HealthCheck 检查 Redis 连接的健康状况。
func HealthCheck(ctx context.Context) error {
	mu.Lock()
	c := client
	mu.Unlock()
	if c == nil {
		return fmt.Errorf("redis 客户端未初始化")
	}
	return c.Ping(ctx).Err()
}
