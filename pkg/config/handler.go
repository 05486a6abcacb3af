package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tilezen/quadcat/pkg/catalog"
	"github.com/tilezen/quadcat/pkg/hrn"
	"github.com/tilezen/quadcat/pkg/quadtree"
)

type HandlerConfig struct {
	Aws     *awsConfig
	Lookup  lookupConfig
	Storage map[string]storageDefinition
	Cache   *cacheDefinition
	Layer   map[string]layerDefinition
	Pattern map[string]routeHandlerConfig
	Mime    map[string]string
}

func (h *HandlerConfig) String() string {
	return fmt.Sprintf("%#v", *h)
}

func (h *HandlerConfig) Set(line string) error {
	err := json.Unmarshal([]byte(line), h)
	if err != nil {
		return fmt.Errorf("Unable to parse value as a JSON object: %s", err.Error())
	}
	return nil
}

// the handler config is the container for the json configuration
// lookupConfig says where the catalog endpoints are discovered
// storageDefinition contains the options for a blob storage
// cacheDefinition contains the options for the cache shared between processes
// layerDefinition names a catalog layer and how to search it
// pattern ties together request patterns with a layer

// "http", "s3" and "file" are the possible storage definition types
// "none", "redis", "memcache" and "dynamodb" are the possible cache types

// generic aws configuration applied to whole session
type awsConfig struct {
	Region *string
}

type lookupConfig struct {
	BaseURL string
	// Token is sent as a bearer token on every call when set.
	Token     *string
	Headers   map[string]string
	TimeoutMs int
}

// Timeout of a single backend call. Zero means no timeout.
func (l lookupConfig) Timeout() time.Duration {
	return time.Duration(l.TimeoutMs) * time.Millisecond
}

type storageDefinition struct {
	Type string

	// data handle of a blob to check for during healthcheck
	Healthcheck string

	// s3 specific fields
	Bucket     string
	KeyPattern string
	Prefix     string

	// file specific fields
	BaseDir string
}

type cacheDefinition struct {
	Type string

	// redis and memcache
	Addr       string
	TTLSeconds int

	// dynamodb
	Table string
}

func (c *cacheDefinition) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

type layerDefinition struct {
	Catalog string
	Layer   string
	// Type is "versioned" or "volatile". The default is versioned.
	Type string
	// Version pins every request to one catalog version. Latest is resolved
	// per request when unset.
	Version *int64

	MaxDepthBudget  *int
	MaxParentSearch *int
	MemoSize        *int

	// matches a storage definition name, the blob service is used when empty
	Storage string
}

func (l layerDefinition) CatalogHRN() (hrn.HRN, error) {
	return hrn.Parse(l.Catalog)
}

func (l layerDefinition) LayerType() (catalog.LayerType, error) {
	return catalog.ParseLayerType(l.Type)
}

func (l layerDefinition) QuadTreeConfig() quadtree.Config {
	var cfg quadtree.Config
	if l.MaxDepthBudget != nil {
		cfg.MaxDepthBudget = uint32(*l.MaxDepthBudget)
	}
	if l.MaxParentSearch != nil {
		cfg.MaxParentSearch = uint32(*l.MaxParentSearch)
	}
	if l.MemoSize != nil {
		cfg.MemoSize = *l.MemoSize
	}
	return cfg
}

type routeHandlerConfig struct {
	// matches layer definition name
	Layer string
	// Type is "tile" (default), "partition" or "layerinfo".
	Type *string
	// Format is the key into the mime map used for responses.
	Format *string
}

func (r routeHandlerConfig) HandlerType() string {
	if r.Type == nil {
		return "tile"
	}
	return *r.Type
}

// HealthCheckConfig identifies storages that can share one healthcheck.
type HealthCheckConfig struct {
	Type        string
	Healthcheck string
}

var errNoPatterns = errors.New("You must provide at least one pattern.")

// Validate checks that every name used in the config resolves and that every
// value has an allowed shape.
func (h *HandlerConfig) Validate() error {
	if h.Lookup.BaseURL == "" {
		return errors.New("Missing lookup base url")
	}
	if len(h.Pattern) == 0 {
		return errNoPatterns
	}

	for name, sd := range h.Storage {
		switch sd.Type {
		case "http":
		case "s3":
			if sd.Bucket == "" {
				return fmt.Errorf("S3 storage %s missing bucket configuration", name)
			}
			if sd.KeyPattern == "" {
				return fmt.Errorf("S3 storage %s missing key pattern", name)
			}
		case "file":
			if sd.BaseDir == "" {
				return fmt.Errorf("File storage %s missing base dir", name)
			}
		default:
			return fmt.Errorf("Unknown storage type: %s", sd.Type)
		}
	}

	if h.Cache != nil {
		switch h.Cache.Type {
		case "", "none":
		case "redis", "memcache":
			if h.Cache.Addr == "" {
				return fmt.Errorf("%s cache missing addr", h.Cache.Type)
			}
		case "dynamodb":
			if h.Cache.Table == "" {
				return errors.New("dynamodb cache missing table")
			}
		default:
			return fmt.Errorf("Unknown cache type: %s", h.Cache.Type)
		}
	}

	for name, ld := range h.Layer {
		if _, err := ld.CatalogHRN(); err != nil {
			return fmt.Errorf("Layer %s: %w", name, err)
		}
		if ld.Layer == "" {
			return fmt.Errorf("Missing layer id for layer: %s", name)
		}
		lt, err := ld.LayerType()
		if err != nil {
			return fmt.Errorf("Layer %s: %w", name, err)
		}
		if ld.Version != nil {
			if *ld.Version < 0 {
				return fmt.Errorf("Layer %s: negative version %d", name, *ld.Version)
			}
			if lt == catalog.LayerType_Volatile {
				return fmt.Errorf("Layer %s: volatile layers have no version", name)
			}
		}
		for _, limit := range []*int{ld.MaxDepthBudget, ld.MaxParentSearch, ld.MemoSize} {
			if limit != nil && *limit < 0 {
				return fmt.Errorf("Layer %s: negative search limit %d", name, *limit)
			}
		}
		if ld.Storage != "" {
			if _, ok := h.Storage[ld.Storage]; !ok {
				return fmt.Errorf("Unknown storage definition: %s", ld.Storage)
			}
		}
	}

	for pattern, rhc := range h.Pattern {
		if _, ok := h.Layer[rhc.Layer]; !ok {
			return fmt.Errorf("Pattern %s: unknown layer definition: %s", pattern, rhc.Layer)
		}
		switch rhc.HandlerType() {
		case "tile", "partition", "layerinfo":
		default:
			return fmt.Errorf("Invalid route handler type: %s", rhc.HandlerType())
		}
		if rhc.Format != nil {
			if _, ok := h.Mime[*rhc.Format]; !ok {
				return fmt.Errorf("Pattern %s: no mime type for format %s", pattern, *rhc.Format)
			}
		}
	}

	return nil
}
