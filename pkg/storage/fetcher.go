package storage

import (
	"context"
	"time"

	"github.com/tilezen/quadcat/pkg/state"
)

type FetchOptions struct {
	// ETag makes the fetch conditional; a match yields NotModified.
	ETag            string
	IfModifiedSince *time.Time
}

type Blob struct {
	Data         []byte
	ETag         string
	LastModified *time.Time
	Size         uint64
	NotModified  bool
	CacheHit     bool
}

// Fetcher turns storage responses into blobs or typed blob stage errors.
type Fetcher struct {
	storage Storage
}

func NewFetcher(storage Storage) *Fetcher {
	return &Fetcher{storage: storage}
}

func (f *Fetcher) Fetch(ctx context.Context, ref BlobRef, opts FetchOptions) (*Blob, error) {
	if err := state.CheckContext(ctx, state.Stage_Blob); err != nil {
		return nil, err
	}

	c := Condition{IfModifiedSince: opts.IfModifiedSince}
	if opts.ETag != "" {
		etag := opts.ETag
		c.IfNoneMatch = &etag
	}

	resp, err := f.storage.Fetch(ctx, ref, c)
	if err != nil {
		return nil, state.Classify(state.Stage_Blob, err)
	}
	// a late cancellation still wins over a response that arrived
	if err := state.CheckContext(ctx, state.Stage_Blob); err != nil {
		return nil, err
	}

	switch {
	case resp.NotFound:
		return nil, &state.StageError{Stage: state.Stage_Blob, Kind: state.ErrBlobNotFound}
	case resp.NotModified:
		return &Blob{NotModified: true, ETag: opts.ETag, CacheHit: resp.FetchCacheHit}, nil
	case resp.Response == nil:
		return nil, &state.StageError{Stage: state.Stage_Blob, Kind: state.ErrTransport}
	}

	blob := &Blob{
		Data:         resp.Response.Body,
		LastModified: resp.Response.LastModified,
		Size:         resp.Response.Size,
		CacheHit:     resp.FetchCacheHit,
	}
	if resp.Response.ETag != nil {
		blob.ETag = *resp.Response.ETag
	}
	return blob, nil
}

func (f *Fetcher) HealthCheck(ctx context.Context) error {
	return f.storage.HealthCheck(ctx)
}
