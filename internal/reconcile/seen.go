package reconcile

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// SeenCache remembers provider jobs whose task already reached a terminal
// state, so redelivered notifications skip the database.
type SeenCache interface {
	Seen(ctx context.Context, provider, externalJobID string) (bool, error)
	Mark(ctx context.Context, provider, externalJobID string) error
}

// RedisSeenCache is a SeenCache backed by SET NX keys with a TTL.
type RedisSeenCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisSeenCache(client *redis.Client, ttl time.Duration) *RedisSeenCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisSeenCache{client: client, ttl: ttl}
}

func seenKey(provider, externalJobID string) string {
	return "reconciled:" + provider + ":" + externalJobID
}

func (c *RedisSeenCache) Seen(ctx context.Context, provider, externalJobID string) (bool, error) {
	n, err := c.client.Exists(ctx, seenKey(provider, externalJobID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *RedisSeenCache) Mark(ctx context.Context, provider, externalJobID string) error {
	return c.client.SetNX(ctx, seenKey(provider, externalJobID), time.Now().UTC().Format(time.RFC3339), c.ttl).Err()
}
