package storage

import (
	"context"
	"errors"

	"github.com/tilezen/quadcat/pkg/buffer"
	"github.com/tilezen/quadcat/pkg/dataservice"
)

// BlobAPI is the blob read of the blob service.
type BlobAPI interface {
	Blob(ctx context.Context, bq dataservice.BlobQuery) (*dataservice.BlobResponse, error)
}

// HTTPStorage reads blobs from the catalog's blob service.
type HTTPStorage struct {
	api           BlobAPI
	bufferManager buffer.BufferManager
	healthcheck   BlobRef
}

func NewHTTPStorage(api BlobAPI, bufferManager buffer.BufferManager, healthcheck BlobRef) *HTTPStorage {
	if bufferManager == nil {
		bufferManager = &buffer.OnDemandBufferManager{}
	}
	return &HTTPStorage{
		api:           api,
		bufferManager: bufferManager,
		healthcheck:   healthcheck,
	}
}

func (h *HTTPStorage) Fetch(ctx context.Context, ref BlobRef, c Condition) (*StorageResponse, error) {
	bq := dataservice.BlobQuery{
		BaseURL:    ref.BaseURL,
		Layer:      ref.Layer,
		DataHandle: ref.DataHandle,
		BillingTag: ref.BillingTag,
	}
	if c.IfNoneMatch != nil {
		bq.ETag = *c.IfNoneMatch
	}

	resp, err := h.api.Blob(ctx, bq)
	if err != nil {
		return nil, err
	}
	if resp.NotFound {
		return &StorageResponse{NotFound: true}, nil
	}
	if resp.NotModified {
		return &StorageResponse{NotModified: true}, nil
	}

	defer resp.Body.Close()
	body, err := readBody(h.bufferManager, resp.Body)
	if err != nil {
		return nil, err
	}

	var size uint64
	if resp.ContentLength > 0 {
		size = uint64(resp.ContentLength)
	} else {
		size = uint64(len(body))
	}

	return &StorageResponse{
		Response: &SuccessfulResponse{
			Body:         body,
			LastModified: resp.LastModified,
			ETag:         resp.ETag,
			Size:         size,
		},
	}, nil
}

// HealthCheck fetches the configured probe blob. A missing probe is a
// failure.
func (h *HTTPStorage) HealthCheck(ctx context.Context) error {
	if h.healthcheck.DataHandle == "" {
		return nil
	}
	resp, err := h.Fetch(ctx, h.healthcheck, Condition{})
	if err != nil {
		return err
	}
	if resp.NotFound {
		return errors.New("healthcheck blob not found")
	}
	return nil
}
