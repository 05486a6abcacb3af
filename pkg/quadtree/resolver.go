// Package quadtree resolves a tile key to the partition that holds its data,
// falling back to the closest populated ancestor for sparse layers.
package quadtree

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/singleflight"

	"github.com/tilezen/quadcat/pkg/cache"
	"github.com/tilezen/quadcat/pkg/catalog"
	"github.com/tilezen/quadcat/pkg/dataservice"
	"github.com/tilezen/quadcat/pkg/log"
	"github.com/tilezen/quadcat/pkg/state"
	"github.com/tilezen/quadcat/pkg/tile"
)

const (
	DefaultMaxDepthBudget  = 4
	DefaultMaxParentSearch = 4
	DefaultMemoSize        = 4096
)

// API is the quad tree query of the query service.
type API interface {
	QuadTree(ctx context.Context, qq dataservice.QuadTreeQuery) (*catalog.QuadTreeIndex, error)
}

type Config struct {
	// MaxDepthBudget bounds the depth budget the widening loop may grow to.
	MaxDepthBudget uint32
	// MaxParentSearch bounds how many ancestor levels the widening loop climbs.
	MaxParentSearch uint32
	MemoSize        int
}

func (c Config) withDefaults() Config {
	if c.MaxDepthBudget == 0 {
		c.MaxDepthBudget = DefaultMaxDepthBudget
	}
	if c.MaxParentSearch == 0 {
		c.MaxParentSearch = DefaultMaxParentSearch
	}
	if c.MemoSize <= 0 {
		c.MemoSize = DefaultMemoSize
	}
	return c
}

type Request struct {
	BaseURL string
	Layer   string
	// Version is nil for volatile layers, which are never memoised.
	Version    *int64
	Key        tile.QuadKey
	Depth      uint32
	BillingTag string
}

type Result struct {
	Metadata catalog.PartitionMetadata
	// Key is the tile actually served. It differs from the requested key
	// when the data comes from an ancestor.
	Key   tile.QuadKey
	Exact bool
	// Cached is set when no query was issued.
	Cached bool
}

type memoKey struct {
	baseURL string
	layer   string
	version int64
	code    uint64
	depth   uint32
}

func (k memoKey) String() string {
	return fmt.Sprintf("%s|%s|%d|%d|%d", k.baseURL, k.layer, k.version, k.code, k.depth)
}

// memoEntry also records misses, so a sparse layer is not asked twice about
// the same empty tile.
type memoEntry struct {
	Found    bool                      `msgpack:"f"`
	Metadata catalog.PartitionMetadata `msgpack:"m"`
	Key      tile.QuadKey              `msgpack:"k"`
	Exact    bool                      `msgpack:"e"`
}

type Resolver struct {
	api    API
	cfg    Config
	memo   *lru.Cache[memoKey, memoEntry]
	shared cache.Cache
	logger log.JsonLogger
	group  singleflight.Group
}

type Option func(*Resolver)

// WithSharedCache stores versioned resolutions in c as well, so other
// processes can reuse them.
func WithSharedCache(c cache.Cache) Option {
	return func(r *Resolver) {
		if c != nil {
			r.shared = c
		}
	}
}

func WithLogger(logger log.JsonLogger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func NewResolver(api API, cfg Config, opts ...Option) (*Resolver, error) {
	cfg = cfg.withDefaults()
	memo, err := lru.New[memoKey, memoEntry](cfg.MemoSize)
	if err != nil {
		return nil, fmt.Errorf("error creating metadata memo: %w", err)
	}
	r := &Resolver{
		api:    api,
		cfg:    cfg,
		memo:   memo,
		shared: cache.NilCache,
		logger: &log.NilJsonLogger{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Clear drops the in-process memo. The shared cache is left alone; its
// entries are keyed by version and never go stale.
func (r *Resolver) Clear() {
	r.memo.Purge()
}

func (r *Resolver) ResolveTile(ctx context.Context, req Request) (*Result, error) {
	if err := state.CheckContext(ctx, state.Stage_Metadata); err != nil {
		return nil, err
	}
	if !req.Key.Valid() {
		return nil, fmt.Errorf("%w: %s", tile.ErrInvalidQuadKey, req.Key)
	}

	if req.Version == nil {
		flight := fmt.Sprintf("%s|%s|volatile|%d|%d", req.BaseURL, req.Layer, req.Key.MortonCode(), req.Depth)
		return r.collapse(ctx, flight, func(ctx context.Context) (*Result, error) {
			return r.search(ctx, req)
		})
	}

	key := memoKey{req.BaseURL, req.Layer, *req.Version, req.Key.MortonCode(), req.Depth}
	if entry, ok := r.memo.Get(key); ok {
		return entry.result(true)
	}
	return r.collapse(ctx, key.String(), func(ctx context.Context) (*Result, error) {
		return r.resolveVersioned(ctx, key, req)
	})
}

func (e memoEntry) result(cached bool) (*Result, error) {
	if !e.Found {
		return nil, &state.StageError{Stage: state.Stage_Metadata, Kind: state.ErrMetadataNotFound}
	}
	md := e.Metadata
	k := e.Key
	md.QuadKey = &k
	return &Result{Metadata: md, Key: e.Key, Exact: e.Exact, Cached: cached}, nil
}

// collapse runs fn once for concurrent callers with the same key. A caller
// whose own context is still live retries when the shared run was cancelled
// by somebody else.
func (r *Resolver) collapse(ctx context.Context, key string, fn func(context.Context) (*Result, error)) (*Result, error) {
	ch := r.group.DoChan(key, func() (interface{}, error) {
		return fn(ctx)
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, state.CheckContext(ctx, state.Stage_Metadata)
	case res = <-ch:
	}

	if res.Err != nil {
		if state.IsCancelled(res.Err) && ctx.Err() == nil {
			return fn(ctx)
		}
		return nil, res.Err
	}
	// every caller gets its own copy
	result := *res.Val.(*Result)
	if result.Metadata.QuadKey != nil {
		k := *result.Metadata.QuadKey
		result.Metadata.QuadKey = &k
	}
	return &result, nil
}

func (r *Resolver) resolveVersioned(ctx context.Context, key memoKey, req Request) (*Result, error) {
	sharedKey := cache.BuildKey("quadtree", key.String())
	if entry, ok := r.sharedGet(ctx, sharedKey); ok {
		r.memo.Add(key, entry)
		return entry.result(true)
	}

	result, err := r.search(ctx, req)
	switch {
	case err == nil:
		entry := memoEntry{Found: true, Metadata: result.Metadata, Key: result.Key, Exact: result.Exact}
		entry.Metadata.QuadKey = nil
		r.memo.Add(key, entry)
		r.sharedSet(ctx, sharedKey, entry)
	case state.KindOf(err) == state.ErrMetadataNotFound:
		entry := memoEntry{}
		r.memo.Add(key, entry)
		r.sharedSet(ctx, sharedKey, entry)
	}
	return result, err
}

func (r *Resolver) sharedGet(ctx context.Context, key string) (memoEntry, bool) {
	var entry memoEntry
	if r.shared == cache.NilCache {
		return entry, false
	}
	raw, err := r.shared.Get(ctx, key)
	if err != nil {
		r.logger.Warning(log.LogCategory_CacheError, "quadtree cache get %s: %s", key, err)
		return entry, false
	}
	if raw == nil {
		return entry, false
	}
	if err := msgpack.Unmarshal(raw, &entry); err != nil {
		r.logger.Warning(log.LogCategory_CacheError, "quadtree cache decode %s: %s", key, err)
		return entry, false
	}
	return entry, true
}

func (r *Resolver) sharedSet(ctx context.Context, key string, entry memoEntry) {
	if r.shared == cache.NilCache || ctx.Err() != nil {
		return
	}
	raw, err := msgpack.Marshal(&entry)
	if err != nil {
		r.logger.Warning(log.LogCategory_CacheError, "quadtree cache encode %s: %s", key, err)
		return
	}
	if err := r.shared.Set(ctx, key, raw); err != nil {
		r.logger.Warning(log.LogCategory_CacheError, "quadtree cache set %s: %s", key, err)
	}
}

// search queries the subtree under req.Key and, while nothing usable comes
// back, climbs one level and adds one to the depth budget so the query still
// covers req.Key.
func (r *Resolver) search(ctx context.Context, req Request) (*Result, error) {
	queryKey := req.Key
	depth := req.Depth

	for climbs := uint32(0); ; climbs++ {
		if err := state.CheckContext(ctx, state.Stage_Metadata); err != nil {
			return nil, err
		}

		index, err := r.api.QuadTree(ctx, dataservice.QuadTreeQuery{
			BaseURL:    req.BaseURL,
			Layer:      req.Layer,
			Version:    req.Version,
			Key:        queryKey,
			Depth:      depth,
			BillingTag: req.BillingTag,
		})
		if err != nil {
			return nil, state.Classify(state.Stage_Metadata, err)
		}

		result, err := selectEntry(req.Key, queryKey, index, req.Version)
		if err != nil {
			return nil, err
		}
		if result != nil {
			return result, nil
		}

		if depth >= r.cfg.MaxDepthBudget || climbs >= r.cfg.MaxParentSearch || queryKey.Depth == 0 {
			break
		}
		queryKey, _ = queryKey.Parent()
		depth++
	}

	return nil, &state.StageError{
		Stage: state.Stage_Metadata,
		Kind:  state.ErrMetadataNotFound,
		Err:   fmt.Errorf("no data for %s in layer %s", req.Key, req.Layer),
	}
}

// candidate rank: 0 exact, 1 strict ancestor, 2 any other parent quad the
// backend reported. Within a rank the smaller depth distance wins.
type candidate struct {
	key      tile.QuadKey
	rank     int
	distance uint32
	md       catalog.PartitionMetadata
}

func depthDistance(a, b tile.QuadKey) uint32 {
	if a.Depth > b.Depth {
		return a.Depth - b.Depth
	}
	return b.Depth - a.Depth
}

func classify(target, key tile.QuadKey) (int, uint32, bool) {
	switch {
	case key == target:
		return 0, 0, true
	case key.IsAncestorOf(target):
		return 1, target.Depth - key.Depth, true
	}
	return 0, 0, false
}

func inconsistent(format string, args ...interface{}) error {
	return &state.StageError{
		Stage: state.Stage_Metadata,
		Kind:  state.ErrInconsistentMetadata,
		Err:   fmt.Errorf(format, args...),
	}
}

func selectEntry(target, queryKey tile.QuadKey, index *catalog.QuadTreeIndex, version *int64) (*Result, error) {
	if index.Empty() {
		return nil, nil
	}

	var candidates []candidate

	for _, sq := range index.SubQuads {
		rel, err := tile.ParseMortonCode(sq.SubQuadKey)
		if err != nil {
			return nil, inconsistent("sub quad %q: %s", sq.SubQuadKey, err)
		}
		key, err := queryKey.AddSubQuad(rel)
		if err != nil {
			return nil, inconsistent("sub quad %q below %s: %s", sq.SubQuadKey, queryKey, err)
		}
		rank, distance, ok := classify(target, key)
		if !ok {
			// descendants and siblings of the target carry nothing for it
			continue
		}
		candidates = append(candidates, candidate{key, rank, distance, catalog.PartitionMetadata{
			Partition:          key.MortonString(),
			DataHandle:         sq.DataHandle,
			Version:            sq.Version,
			Checksum:           sq.Checksum,
			DataSize:           sq.DataSize,
			CompressedDataSize: sq.CompressedDataSize,
		}})
	}

	for _, pq := range index.ParentQuads {
		key, err := tile.ParseMortonCode(pq.Partition)
		if err != nil {
			return nil, inconsistent("parent quad %q: %s", pq.Partition, err)
		}
		rank, distance, ok := classify(target, key)
		if !ok {
			rank, distance = 2, depthDistance(target, key)
		}
		candidates = append(candidates, candidate{key, rank, distance, catalog.PartitionMetadata{
			Partition:          pq.Partition,
			DataHandle:         pq.DataHandle,
			Version:            pq.Version,
			Checksum:           pq.Checksum,
			DataSize:           pq.DataSize,
			CompressedDataSize: pq.CompressedDataSize,
		}})
	}

	if len(candidates) == 0 {
		return nil, nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.rank != b.rank {
			return a.rank < b.rank
		}
		if a.distance != b.distance {
			return a.distance < b.distance
		}
		return a.key.MortonCode() < b.key.MortonCode()
	})

	best := candidates[0]
	var sameKey []candidate
	for _, c := range candidates {
		if c.key == best.key {
			sameKey = append(sameKey, c)
		}
	}

	chosen, err := tieBreak(best.key, sameKey, version)
	if err != nil {
		return nil, err
	}

	md := chosen.md
	key := chosen.key
	md.QuadKey = &key
	return &Result{Metadata: md, Key: key, Exact: chosen.rank == 0}, nil
}

// tieBreak reduces several entries for one key to one. Identical entries
// collapse; otherwise the entry at the resolved version wins, and anything
// else is ambiguous.
func tieBreak(key tile.QuadKey, entries []candidate, version *int64) (candidate, error) {
	distinct := []candidate{entries[0]}
	for _, e := range entries[1:] {
		dup := false
		for _, d := range distinct {
			if d.md.DataHandle == e.md.DataHandle && d.md.Version == e.md.Version {
				dup = true
				break
			}
		}
		if !dup {
			distinct = append(distinct, e)
		}
	}
	if len(distinct) == 1 {
		return distinct[0], nil
	}

	if version == nil {
		return candidate{}, inconsistent("%d entries for %s on a volatile layer", len(distinct), key)
	}
	var matching []candidate
	for _, d := range distinct {
		if d.md.Version == *version {
			matching = append(matching, d)
		}
	}
	if len(matching) != 1 {
		return candidate{}, inconsistent("%d entries for %s, %d at version %s",
			len(distinct), key, len(matching), strconv.FormatInt(*version, 10))
	}
	return matching[0], nil
}
