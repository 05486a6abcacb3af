package layer

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/tilezen/quadcat/pkg/tile"
	"github.com/tilezen/quadcat/pkg/version"
)

// MaxTileDepth is the deepest subtree a single tile request may ask for.
const MaxTileDepth = 4

var (
	ErrInvalidBillingTag = errors.New("billing tag must be 4 to 16 ASCII letters or digits")
	ErrInvalidRequest    = errors.New("invalid request")
)

var billingTagRe = regexp.MustCompile(`^[A-Za-z0-9]{4,16}$`)

type requestOptions struct {
	billingTag      string
	etag            string
	ifModifiedSince *time.Time
	pin             *version.Pin
}

type RequestOption func(*requestOptions) error

// WithBillingTag is passed through to every backend call. Only its shape is
// checked.
func WithBillingTag(tag string) RequestOption {
	return func(o *requestOptions) error {
		if !billingTagRe.MatchString(tag) {
			return fmt.Errorf("%w: %q", ErrInvalidBillingTag, tag)
		}
		o.billingTag = tag
		return nil
	}
}

// WithETag makes the blob fetch conditional.
func WithETag(etag string) RequestOption {
	return func(o *requestOptions) error {
		o.etag = etag
		return nil
	}
}

func WithIfModifiedSince(t time.Time) RequestOption {
	return func(o *requestOptions) error {
		o.ifModifiedSince = &t
		return nil
	}
}

func WithVersion(v int64) RequestOption {
	return func(o *requestOptions) error {
		if v < 0 {
			return fmt.Errorf("%w: negative version %d", ErrInvalidRequest, v)
		}
		o.pin = version.Explicit(v)
		return nil
	}
}

// WithVersionPin shares a version pin between requests of one logical chain.
func WithVersionPin(p *version.Pin) RequestOption {
	return func(o *requestOptions) error {
		if p == nil {
			return fmt.Errorf("%w: nil version pin", ErrInvalidRequest)
		}
		o.pin = p
		return nil
	}
}

func buildOptions(opts []RequestOption) (requestOptions, error) {
	var o requestOptions
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return requestOptions{}, err
		}
	}
	if o.pin == nil {
		o.pin = version.Latest()
	}
	return o, nil
}

func (o requestOptions) BillingTag() string          { return o.billingTag }
func (o requestOptions) ETag() string                { return o.etag }
func (o requestOptions) IfModifiedSince() *time.Time { return o.ifModifiedSince }
func (o requestOptions) VersionPin() *version.Pin    { return o.pin }

// TileRequest asks for the data covering one tile. It carries its own version
// pin, so reusing the value reuses the resolved version.
type TileRequest struct {
	requestOptions
	key   tile.QuadKey
	depth uint32
}

func NewTileRequest(key tile.QuadKey, depth uint32, opts ...RequestOption) (TileRequest, error) {
	if !key.Valid() {
		return TileRequest{}, fmt.Errorf("%w: %w: %s", ErrInvalidRequest, tile.ErrInvalidQuadKey, key)
	}
	if depth > MaxTileDepth {
		return TileRequest{}, fmt.Errorf("%w: depth %d above %d", ErrInvalidRequest, depth, MaxTileDepth)
	}
	o, err := buildOptions(opts)
	if err != nil {
		return TileRequest{}, err
	}
	return TileRequest{requestOptions: o, key: key, depth: depth}, nil
}

func (r TileRequest) Key() tile.QuadKey { return r.key }
func (r TileRequest) Depth() uint32     { return r.depth }

type PartitionRequest struct {
	requestOptions
	partitionID string
}

func NewPartitionRequest(partitionID string, opts ...RequestOption) (PartitionRequest, error) {
	if partitionID == "" {
		return PartitionRequest{}, fmt.Errorf("%w: empty partition id", ErrInvalidRequest)
	}
	o, err := buildOptions(opts)
	if err != nil {
		return PartitionRequest{}, err
	}
	return PartitionRequest{requestOptions: o, partitionID: partitionID}, nil
}

func (r PartitionRequest) PartitionID() string { return r.partitionID }
