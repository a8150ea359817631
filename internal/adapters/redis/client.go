package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/amyangfei/redlock-go/v3/redlock"
	redis "github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/jikey8911/signalkey/internal/adapters/config"
	"github.com/jikey8911/signalkey/pkg/logger"
)

// Client bundles the Redlock manager for distributed job locks with a
// plain redis client for caching.
type Client struct {
	lockManager *redlock.RedLock
	cache       *redis.Client
	redisAddrs  []string
}

// New connects to redis and builds the lock manager. A single address
// is enough for one redis instance; Redlock accepts a quorum of
// addresses for fault tolerance.
func New(cfg *config.RedisConfig) (*Client, error) {
	redisAddrs := []string{fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port)}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	lockManager, err := redlock.NewRedLock(ctx, redisAddrs)
	if err != nil {
		return nil, fmt.Errorf("failed to create redlock manager: %w", err)
	}

	logger.Info("redis redlock manager initialized",
		zap.Strings("addresses", redisAddrs),
	)

	cacheClient := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	if err := cacheClient.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis cache: %w", err)
	}

	logger.Info("redis cache client initialized",
		zap.String("address", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)),
		zap.Int("db", cfg.DB),
	)

	return &Client{
		lockManager: lockManager,
		redisAddrs:  redisAddrs,
		cache:       cacheClient,
	}, nil
}

// GetLockManager exposes the raw Redlock manager.
func (c *Client) GetLockManager() *redlock.RedLock {
	return c.lockManager
}

// GetLockFactory returns a factory for singleton job locks.
func (c *Client) GetLockFactory() LockFactory {
	return NewRedisLockFactory(c.lockManager)
}

// Close closes the redis connections. The Redlock manager has no
// explicit close; its connections drop with the process.
func (c *Client) Close() error {
	if c.cache != nil {
		logger.Info("closing redis cache client")
		if err := c.cache.Close(); err != nil {
			return fmt.Errorf("failed to close redis cache: %w", err)
		}
	}
	return nil
}

// Health acquires and releases a probe lock.
func (c *Client) Health() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	testLock := "health:check"
	expiry, err := c.lockManager.Lock(ctx, testLock, 1*time.Second)
	if err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	if expiry <= 0 {
		return fmt.Errorf("redis health check failed: invalid expiry")
	}

	_ = c.lockManager.UnLock(ctx, testLock)
	return nil
}

// Get retrieves a cached value.
func (c *Client) Get(ctx context.Context, key string) *redis.StringCmd {
	return c.cache.Get(ctx, key)
}

// Set stores a value with a TTL.
func (c *Client) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	return c.cache.Set(ctx, key, value, expiration)
}

// Del deletes cached keys.
func (c *Client) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	return c.cache.Del(ctx, keys...)
}

// Exists checks key presence.
func (c *Client) Exists(ctx context.Context, keys ...string) *redis.IntCmd {
	return c.cache.Exists(ctx, keys...)
}
