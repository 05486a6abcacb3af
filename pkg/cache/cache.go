package cache

import (
	"context"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Cache is a shared byte cache. Get returns nil, nil on a miss.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
}

type nilCache struct{}

func (nilCache) Get(_ context.Context, _ string) ([]byte, error) {
	return nil, nil
}

func (nilCache) Set(_ context.Context, _ string, _ []byte) error {
	return nil
}

// NilCache implements the Cache interface with no-ops.
var NilCache Cache = nilCache{}

// BuildKey hashes parts into a fixed length key under namespace. Memcache
// rejects keys longer than 250 bytes or containing spaces, and layer names
// and data handles are caller supplied.
func BuildKey(namespace string, parts ...string) string {
	sum := xxhash.Sum64String(strings.Join(parts, "\x00"))
	return fmt.Sprintf("%s:%016x", namespace, sum)
}
