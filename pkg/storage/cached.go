package storage

import (
	"context"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/tilezen/quadcat/pkg/cache"
	"github.com/tilezen/quadcat/pkg/log"
)

// CachedStorage keeps successful responses of another storage in a shared
// cache. Data handles are content addressed, so entries never go stale.
type CachedStorage struct {
	storage   Storage
	blobCache cache.Cache
	logger    log.JsonLogger
}

func NewCachedStorage(storage Storage, blobCache cache.Cache, logger log.JsonLogger) *CachedStorage {
	if blobCache == nil {
		blobCache = cache.NilCache
	}
	if logger == nil {
		logger = &log.NilJsonLogger{}
	}
	return &CachedStorage{
		storage:   storage,
		blobCache: blobCache,
		logger:    logger,
	}
}

func blobCacheKey(ref BlobRef) string {
	return cache.BuildKey("blob", ref.Catalog, ref.Layer, ref.DataHandle)
}

func (s *CachedStorage) cached(ctx context.Context, key string) *StorageResponse {
	raw, err := s.blobCache.Get(ctx, key)
	if err != nil {
		s.logger.Warning(log.LogCategory_CacheError, "blob cache get %s: %s", key, err)
		return nil
	}
	if raw == nil {
		return nil
	}

	result := &StorageResponse{}
	if err := msgpack.Unmarshal(raw, result); err != nil {
		s.logger.Warning(log.LogCategory_CacheError, "couldn't unmarshal cached response %s: %s", key, err)
		return nil
	}
	if result.Response == nil {
		return nil
	}
	return result
}

func (s *CachedStorage) Fetch(ctx context.Context, ref BlobRef, c Condition) (*StorageResponse, error) {
	key := blobCacheKey(ref)

	if result := s.cached(ctx, key); result != nil {
		etag := result.Response.ETag
		if c.IfNoneMatch != nil && etag != nil && *c.IfNoneMatch == *etag {
			return &StorageResponse{NotModified: true, FetchCacheHit: true}, nil
		}
		result.FetchCacheHit = true
		return result, nil
	}

	result, err := s.storage.Fetch(ctx, ref, c)
	if err != nil || result.Response == nil {
		return result, err
	}

	marshaledBytes, err := msgpack.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("couldn't marshal bytes: %w", err)
	}
	if err := s.blobCache.Set(ctx, key, marshaledBytes); err != nil {
		s.logger.Warning(log.LogCategory_CacheError, "blob cache set %s: %s", key, err)
	}

	return result, nil
}

func (s *CachedStorage) HealthCheck(ctx context.Context) error {
	return s.storage.HealthCheck(ctx)
}
