// Package catalog holds the values exchanged between the resolution stages
// and the data service collaborators.
package catalog

import (
	"fmt"
	"strings"

	"github.com/tilezen/quadcat/pkg/tile"
)

// Service names and versions the resolution stages depend on.
const (
	ServiceMetadata     = "metadata"
	ServiceQuery        = "query"
	ServiceBlob         = "blob"
	ServiceVolatileBlob = "volatile-blob"

	ServiceVersion = "v1"
)

type LayerType int32

const (
	LayerType_Nil LayerType = iota
	LayerType_Versioned
	LayerType_Volatile
)

func (lt LayerType) String() string {
	switch lt {
	case LayerType_Versioned:
		return "versioned"
	case LayerType_Volatile:
		return "volatile"
	default:
		return "nil"
	}
}

// BlobService is the service that holds data for layers of this type.
func (lt LayerType) BlobService() string {
	if lt == LayerType_Volatile {
		return ServiceVolatileBlob
	}
	return ServiceBlob
}

func ParseLayerType(s string) (LayerType, error) {
	switch strings.ToLower(s) {
	case "", "versioned":
		return LayerType_Versioned, nil
	case "volatile":
		return LayerType_Volatile, nil
	}
	return LayerType_Nil, fmt.Errorf("unknown layer type: %s", s)
}

type ServiceEndpoint struct {
	Service string `json:"api"`
	Version string `json:"version"`
	BaseURL string `json:"baseURL"`
}

type PartitionMetadata struct {
	Partition          string        `json:"partition" msgpack:"p"`
	DataHandle         string        `json:"dataHandle" msgpack:"h"`
	Version            int64         `json:"version" msgpack:"v"`
	Checksum           string        `json:"checksum,omitempty" msgpack:"c,omitempty"`
	DataSize           int64         `json:"dataSize,omitempty" msgpack:"s,omitempty"`
	CompressedDataSize int64         `json:"compressedDataSize,omitempty" msgpack:"cs,omitempty"`
	QuadKey            *tile.QuadKey `json:"-" msgpack:"q,omitempty"`
}

type Partitions struct {
	Partitions []PartitionMetadata `json:"partitions"`
}

// SubQuad is a descendant entry of a quad tree query. SubQuadKey is the
// Morton code of the key relative to the queried tile; "1" is the tile itself.
type SubQuad struct {
	SubQuadKey         string `json:"subQuadKey"`
	Version            int64  `json:"version"`
	DataHandle         string `json:"dataHandle"`
	Checksum           string `json:"checksum,omitempty"`
	DataSize           int64  `json:"dataSize,omitempty"`
	CompressedDataSize int64  `json:"compressedDataSize,omitempty"`
}

// ParentQuad is an ancestor entry of a quad tree query. Partition is the
// absolute Morton code of the ancestor.
type ParentQuad struct {
	Partition          string `json:"partition"`
	Version            int64  `json:"version"`
	DataHandle         string `json:"dataHandle"`
	Checksum           string `json:"checksum,omitempty"`
	DataSize           int64  `json:"dataSize,omitempty"`
	CompressedDataSize int64  `json:"compressedDataSize,omitempty"`
}

type QuadTreeIndex struct {
	SubQuads    []SubQuad    `json:"subQuads"`
	ParentQuads []ParentQuad `json:"parentQuads"`
}

func (idx *QuadTreeIndex) Empty() bool {
	return idx == nil || (len(idx.SubQuads) == 0 && len(idx.ParentQuads) == 0)
}

type LatestVersion struct {
	Version *int64 `json:"version"`
}
