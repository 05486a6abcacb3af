package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

type memcacheClient struct {
	client *memcache.Client
	ttl    time.Duration
}

// gomemcache has no context support, so ctx is only checked before the call.
func (m *memcacheClient) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	item, err := m.client.Get(key)
	if err != nil {
		if err == memcache.ErrCacheMiss {
			return nil, nil
		}

		return nil, fmt.Errorf("error getting from memcache: %w", err)
	}

	return item.Value, nil
}

func (m *memcacheClient) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := m.client.Set(&memcache.Item{
		Key:        key,
		Value:      value,
		Expiration: int32(m.ttl.Seconds()),
	})
	if err != nil {
		return fmt.Errorf("error setting to memcache: %w", err)
	}

	return nil
}

func NewMemcacheCache(client *memcache.Client, ttl time.Duration) Cache {
	return &memcacheClient{
		client: client,
		ttl:    ttl,
	}
}
