package session

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const pendingKeyPrefix = "viewlock:pending:"

// RedisPendingCache is a Redis-backed PendingCache. The TTL lives on
// the Redis key itself, so abandoned sessions disappear without a
// sweeper, and every server instance shares one pending set.
type RedisPendingCache struct {
	client *goredis.Client
}

// NewRedisPendingCache connects to Redis and verifies the connection.
func NewRedisPendingCache(addr, password string) (*RedisPendingCache, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisPendingCache{client: client}, nil
}

func (c *RedisPendingCache) Put(ctx context.Context, sessionID string, ttl time.Duration) error {
	return c.client.Set(ctx, pendingKeyPrefix+sessionID, "1", ttl).Err()
}

func (c *RedisPendingCache) Exists(ctx context.Context, sessionID string) (bool, error) {
	n, err := c.client.Exists(ctx, pendingKeyPrefix+sessionID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *RedisPendingCache) Delete(ctx context.Context, sessionID string) error {
	return c.client.Del(ctx, pendingKeyPrefix+sessionID).Err()
}

// Close releases the Redis connection.
func (c *RedisPendingCache) Close() error {
	return c.client.Close()
}
