// Package layer serves the data of one catalog layer, by partition id or by
// tile key.
package layer

import (
	"context"
	"fmt"
	"time"

	"github.com/tilezen/quadcat/pkg/buffer"
	"github.com/tilezen/quadcat/pkg/cache"
	"github.com/tilezen/quadcat/pkg/catalog"
	"github.com/tilezen/quadcat/pkg/dataservice"
	"github.com/tilezen/quadcat/pkg/hrn"
	"github.com/tilezen/quadcat/pkg/log"
	"github.com/tilezen/quadcat/pkg/lookup"
	"github.com/tilezen/quadcat/pkg/metrics"
	"github.com/tilezen/quadcat/pkg/quadtree"
	"github.com/tilezen/quadcat/pkg/state"
	"github.com/tilezen/quadcat/pkg/storage"
	"github.com/tilezen/quadcat/pkg/tile"
	"github.com/tilezen/quadcat/pkg/version"
)

// PartitionAPI is the partition read of the query service.
type PartitionAPI interface {
	PartitionByID(ctx context.Context, pq dataservice.PartitionQuery) (*catalog.PartitionMetadata, error)
}

// DataService is everything the client needs from the backend.
// *dataservice.Client satisfies it.
type DataService interface {
	lookup.API
	version.API
	quadtree.API
	PartitionAPI
	storage.BlobAPI
}

type Config struct {
	Catalog   hrn.HRN
	Layer     string
	LayerType catalog.LayerType
	QuadTree  quadtree.Config
}

type Deps struct {
	Service DataService
	// Locator may be shared between clients of one catalog. A new one is
	// created when nil.
	Locator *lookup.Locator
	// Storage overrides where blobs are read from. The blob service is used
	// when nil.
	Storage       storage.Storage
	BufferManager buffer.BufferManager
	SharedCache   cache.Cache
	Logger        log.JsonLogger
	MetricsWriter metrics.MetricsWriter
}

type TileResponse struct {
	Data []byte
	// QuadKey is the tile actually served, nil for partition requests on
	// layers that are not tiled.
	QuadKey      *tile.QuadKey
	ETag         string
	LastModified *time.Time
	NotModified  bool
	// Aggregated is set when QuadKey is not the requested tile.
	Aggregated bool
	Partition  string
	DataHandle string
	// Version is nil for volatile layers.
	Version *int64
}

type Client struct {
	cfg        Config
	locator    *lookup.Locator
	versions   *version.Resolver
	quadtree   *quadtree.Resolver
	partitions PartitionAPI
	fetcher    *storage.Fetcher
	logger     log.JsonLogger
	mw         metrics.MetricsWriter
}

func New(cfg Config, deps Deps) (*Client, error) {
	if cfg.Catalog.IsZero() {
		return nil, fmt.Errorf("%w: missing catalog", ErrInvalidRequest)
	}
	if cfg.Layer == "" {
		return nil, fmt.Errorf("%w: missing layer", ErrInvalidRequest)
	}
	if cfg.LayerType == catalog.LayerType_Nil {
		cfg.LayerType = catalog.LayerType_Versioned
	}
	if deps.Service == nil {
		return nil, fmt.Errorf("%w: missing data service", ErrInvalidRequest)
	}

	logger := deps.Logger
	if logger == nil {
		logger = &log.NilJsonLogger{}
	}
	mw := deps.MetricsWriter
	if mw == nil {
		mw = &metrics.NilMetricsWriter{}
	}
	locator := deps.Locator
	if locator == nil {
		locator = lookup.NewLocator(deps.Service)
	}
	blobStorage := deps.Storage
	if blobStorage == nil {
		blobStorage = storage.NewHTTPStorage(deps.Service, deps.BufferManager, storage.BlobRef{})
	}

	qt, err := quadtree.NewResolver(deps.Service, cfg.QuadTree,
		quadtree.WithSharedCache(deps.SharedCache),
		quadtree.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	return &Client{
		cfg:        cfg,
		locator:    locator,
		versions:   version.NewResolver(locator, deps.Service),
		quadtree:   qt,
		partitions: deps.Service,
		fetcher:    storage.NewFetcher(blobStorage),
		logger:     logger,
		mw:         mw,
	}, nil
}

func (c *Client) Catalog() hrn.HRN             { return c.cfg.Catalog }
func (c *Client) Layer() string                { return c.cfg.Layer }
func (c *Client) LayerType() catalog.LayerType { return c.cfg.LayerType }

// ClearCaches drops cached endpoints of the catalog and memoised metadata.
func (c *Client) ClearCaches() {
	c.locator.ClearCatalog(c.cfg.Catalog)
	c.quadtree.Clear()
}

// Endpoints lists the service endpoints currently known for the catalog.
func (c *Client) Endpoints() []catalog.ServiceEndpoint {
	return c.locator.Endpoints(c.cfg.Catalog)
}

func (c *Client) HealthCheck(ctx context.Context) error {
	return c.fetcher.HealthCheck(ctx)
}

type ctxKey struct{}

// WithRequestState makes the client record into reqState. The owner of the
// state then logs and reports it; without one the client does so itself.
func WithRequestState(ctx context.Context, reqState *state.RequestState) context.Context {
	return context.WithValue(ctx, ctxKey{}, reqState)
}

func (c *Client) beginState(ctx context.Context) (*state.RequestState, bool) {
	reqState, ok := ctx.Value(ctxKey{}).(*state.RequestState)
	if !ok || reqState == nil {
		reqState = &state.RequestState{}
		ok = false
	}
	reqState.Catalog = c.cfg.Catalog.String()
	reqState.Layer = c.cfg.Layer
	reqState.LayerType = c.cfg.LayerType.String()
	return reqState, !ok
}

func (c *Client) endState(reqState *state.RequestState, owned bool, start time.Time, err error) {
	reqState.Duration.Total = time.Since(start)
	if err != nil {
		reqState.Fail(err)
		c.logFailure(err)
	} else if reqState.ResponseState == state.ResponseState_Nil {
		reqState.ResponseState = state.ResponseState_Success
	}

	if owned {
		c.logger.Metrics(reqState.AsJsonMap())
		c.mw.WriteRequestState(reqState)
	}
}

func (c *Client) logFailure(err error) {
	stage := state.StageOf(err)
	switch {
	case state.IsCancelled(err):
		c.logger.Info("%s/%s request cancelled during %s", c.cfg.Catalog, c.cfg.Layer, stage)
	case state.IsNotFound(err):
		c.logger.Info("%s/%s: %s", c.cfg.Catalog, c.cfg.Layer, err)
	default:
		category := log.LogCategory_InvalidCodeState
		switch stage {
		case state.Stage_Lookup:
			category = log.LogCategory_LookupError
		case state.Stage_Version:
			category = log.LogCategory_VersionError
		case state.Stage_Metadata:
			category = log.LogCategory_MetadataError
		case state.Stage_Blob:
			category = log.LogCategory_StorageError
		}
		c.logger.Error(category, "%s/%s: %s", c.cfg.Catalog, c.cfg.Layer, err)
	}
}

func (c *Client) resolveVersion(ctx context.Context, reqState *state.RequestState, opts requestOptions) (*int64, error) {
	if c.cfg.LayerType == catalog.LayerType_Volatile {
		return nil, nil
	}
	if err := state.CheckContext(ctx, state.Stage_Version); err != nil {
		return nil, err
	}
	_, known := opts.pin.Version()
	reqState.Cache.VersionKnown = known

	start := time.Now()
	v, err := c.versions.Resolve(ctx, c.cfg.Catalog, opts.pin, opts.billingTag)
	reqState.Duration.Version += time.Since(start)
	if err != nil {
		return nil, err
	}
	reqState.Version = &v
	return &v, nil
}

func (c *Client) resolveService(ctx context.Context, reqState *state.RequestState, service string) (string, error) {
	start := time.Now()
	baseURL, hit, err := c.locator.Resolve(ctx, c.cfg.Catalog, service, catalog.ServiceVersion)
	reqState.Duration.Lookup += time.Since(start)
	reqState.Cache.LocatorHit = hit
	return baseURL, err
}

func (c *Client) fetchBlob(ctx context.Context, reqState *state.RequestState, opts requestOptions, md catalog.PartitionMetadata) (*TileResponse, error) {
	baseURL, err := c.resolveService(ctx, reqState, c.cfg.LayerType.BlobService())
	if err != nil {
		return nil, err
	}

	start := time.Now()
	blob, err := c.fetcher.Fetch(ctx, storage.BlobRef{
		Catalog:    c.cfg.Catalog.String(),
		BaseURL:    baseURL,
		Layer:      c.cfg.Layer,
		LayerType:  c.cfg.LayerType,
		DataHandle: md.DataHandle,
		BillingTag: opts.billingTag,
	}, storage.FetchOptions{ETag: opts.etag, IfModifiedSince: opts.ifModifiedSince})
	reqState.Duration.BlobFetch = time.Since(start)

	if err != nil {
		switch {
		case state.IsCancelled(err):
			reqState.FetchState = state.FetchState_Cancelled
		case state.IsNotFound(err):
			reqState.FetchState = state.FetchState_NotFound
		default:
			reqState.FetchState = state.FetchState_FetchError
		}
		return nil, err
	}

	reqState.Cache.BlobHit = blob.CacheHit
	resp := &TileResponse{
		Data:         blob.Data,
		ETag:         blob.ETag,
		LastModified: blob.LastModified,
		NotModified:  blob.NotModified,
		Partition:    md.Partition,
		DataHandle:   md.DataHandle,
		Version:      reqState.Version,
	}
	if blob.NotModified {
		reqState.FetchState = state.FetchState_NotModified
		reqState.ResponseState = state.ResponseState_NotModified
	} else {
		reqState.FetchState = state.FetchState_Success
		reqState.FetchSize.BodySize = int64(blob.Size)
		reqState.FetchSize.BytesLength = int64(len(blob.Data))
		reqState.FetchSize.BytesCap = int64(cap(blob.Data))
		reqState.StorageMetadata.HasEtag = blob.ETag != ""
		reqState.StorageMetadata.HasLastModified = blob.LastModified != nil
	}
	return resp, nil
}

// GetByPartitionID reads a partition directly, without any quad tree search.
func (c *Client) GetByPartitionID(ctx context.Context, req PartitionRequest) (resp *TileResponse, err error) {
	start := time.Now()
	reqState, owned := c.beginState(ctx)
	reqState.Partition = req.partitionID
	defer func() { c.endState(reqState, owned, start, err) }()

	v, err := c.resolveVersion(ctx, reqState, req.requestOptions)
	if err != nil {
		return nil, err
	}

	baseURL, err := c.resolveService(ctx, reqState, catalog.ServiceQuery)
	if err != nil {
		return nil, err
	}
	if err := state.CheckContext(ctx, state.Stage_Metadata); err != nil {
		return nil, err
	}

	mdStart := time.Now()
	md, err := c.partitions.PartitionByID(ctx, dataservice.PartitionQuery{
		BaseURL:    baseURL,
		Layer:      c.cfg.Layer,
		Version:    v,
		Partition:  req.partitionID,
		BillingTag: req.billingTag,
	})
	reqState.Duration.Metadata = time.Since(mdStart)
	if err != nil {
		return nil, state.Classify(state.Stage_Metadata, err)
	}
	if md == nil {
		return nil, &state.StageError{
			Stage: state.Stage_Metadata,
			Kind:  state.ErrMetadataNotFound,
			Err:   fmt.Errorf("no partition %s in layer %s", req.partitionID, c.cfg.Layer),
		}
	}

	resp, err = c.fetchBlob(ctx, reqState, req.requestOptions, *md)
	if err != nil {
		return nil, err
	}
	// tiled layers name partitions by Morton code
	if q, qerr := tile.ParseMortonCode(req.partitionID); qerr == nil {
		resp.QuadKey = &q
	}
	return resp, nil
}

// GetByTileKey serves the tile, or the closest populated ancestor of it
// within the configured search bounds.
func (c *Client) GetByTileKey(ctx context.Context, req TileRequest) (resp *TileResponse, err error) {
	start := time.Now()
	reqState, owned := c.beginState(ctx)
	requested := req.key
	reqState.Requested = &requested
	defer func() { c.endState(reqState, owned, start, err) }()

	v, err := c.resolveVersion(ctx, reqState, req.requestOptions)
	if err != nil {
		return nil, err
	}

	baseURL, err := c.resolveService(ctx, reqState, catalog.ServiceQuery)
	if err != nil {
		return nil, err
	}

	mdStart := time.Now()
	res, err := c.quadtree.ResolveTile(ctx, quadtree.Request{
		BaseURL:    baseURL,
		Layer:      c.cfg.Layer,
		Version:    v,
		Key:        req.key,
		Depth:      req.depth,
		BillingTag: req.billingTag,
	})
	reqState.Duration.Metadata = time.Since(mdStart)
	if err != nil {
		return nil, state.Classify(state.Stage_Metadata, err)
	}
	reqState.Cache.MetadataHit = res.Cached
	served := res.Key
	reqState.Served = &served
	reqState.Aggregated = !res.Exact

	resp, err = c.fetchBlob(ctx, reqState, req.requestOptions, res.Metadata)
	if err != nil {
		return nil, err
	}
	resp.QuadKey = &served
	resp.Aggregated = !res.Exact
	return resp, nil
}
