package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

type redisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func (m *redisCache) Get(ctx context.Context, key string) ([]byte, error) {
	item, err := m.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		// Cache miss
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("error getting from redis: %w", err)
	}

	return item, nil
}

func (m *redisCache) Set(ctx context.Context, key string, value []byte) error {
	err := m.client.Set(ctx, key, value, m.ttl).Err()
	if err != nil {
		return fmt.Errorf("error setting to redis: %w", err)
	}

	return nil
}

// NewRedisCache stores values with the given ttl, zero means no expiry.
func NewRedisCache(client *redis.Client, ttl time.Duration) Cache {
	return &redisCache{
		client: client,
		ttl:    ttl,
	}
}
