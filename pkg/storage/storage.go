package storage

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/tilezen/quadcat/pkg/buffer"
	"github.com/tilezen/quadcat/pkg/catalog"
)

type Condition struct {
	IfModifiedSince *time.Time
	IfNoneMatch     *string
}

// BlobRef names one blob of a layer. BaseURL is the blob service endpoint;
// mirrors that do not talk to the service ignore it.
type BlobRef struct {
	Catalog    string
	BaseURL    string
	Layer      string
	LayerType  catalog.LayerType
	DataHandle string
	BillingTag string
}

type Storage interface {
	Fetch(ctx context.Context, ref BlobRef, c Condition) (*StorageResponse, error)
	HealthCheck(ctx context.Context) error
}

type SuccessfulResponse struct {
	Body         []byte
	LastModified *time.Time
	ETag         *string
	Size         uint64
}

type StorageResponse struct {
	Response      *SuccessfulResponse
	NotModified   bool
	NotFound      bool
	FetchCacheHit bool
}

// readBody copies r through a pooled buffer. The returned slice does not
// alias the buffer, which goes back to the pool.
func readBody(bufferManager buffer.BufferManager, r io.Reader) ([]byte, error) {
	buf := bufferManager.Get()
	defer bufferManager.Put(buf)
	buf.Reset()

	if _, err := io.Copy(buf, r); err != nil {
		return nil, err
	}
	return bytes.Clone(buf.Bytes()), nil
}
