// Package lookup resolves catalog service endpoints and caches them for the
// life of the locator.
package lookup

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/tilezen/quadcat/pkg/catalog"
	"github.com/tilezen/quadcat/pkg/hrn"
	"github.com/tilezen/quadcat/pkg/state"
)

// API is the part of the lookup service the locator needs.
type API interface {
	LookupAPIs(ctx context.Context, catalogHRN hrn.HRN) ([]catalog.ServiceEndpoint, error)
	LookupAPI(ctx context.Context, catalogHRN hrn.HRN, service, version string) ([]catalog.ServiceEndpoint, error)
}

type serviceKey struct {
	service string
	version string
}

type Locator struct {
	api API

	mu        sync.RWMutex
	endpoints map[hrn.HRN]map[serviceKey]string

	group singleflight.Group
}

func NewLocator(api API) *Locator {
	return &Locator{
		api:       api,
		endpoints: make(map[hrn.HRN]map[serviceKey]string),
	}
}

func (l *Locator) cached(catalogHRN hrn.HRN, key serviceKey) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	baseURL, ok := l.endpoints[catalogHRN][key]
	return baseURL, ok
}

func (l *Locator) store(catalogHRN hrn.HRN, endpoints []catalog.ServiceEndpoint) {
	l.mu.Lock()
	defer l.mu.Unlock()
	byService, ok := l.endpoints[catalogHRN]
	if !ok {
		byService = make(map[serviceKey]string)
		l.endpoints[catalogHRN] = byService
	}
	for _, e := range endpoints {
		byService[serviceKey{e.Service, e.Version}] = e.BaseURL
	}
}

// Resolve returns the base url of service@version for the catalog. The
// second result reports whether it came from the cache.
func (l *Locator) Resolve(ctx context.Context, catalogHRN hrn.HRN, service, version string) (string, bool, error) {
	if err := state.CheckContext(ctx, state.Stage_Lookup); err != nil {
		return "", false, err
	}

	key := serviceKey{service, version}
	if baseURL, ok := l.cached(catalogHRN, key); ok {
		return baseURL, true, nil
	}

	flightKey := catalogHRN.String() + "|" + service + "@" + version
	ch := l.group.DoChan(flightKey, func() (interface{}, error) {
		return nil, l.populate(ctx, catalogHRN, service, version)
	})

	var err error
	select {
	case <-ctx.Done():
		return "", false, state.CheckContext(ctx, state.Stage_Lookup)
	case res := <-ch:
		err = res.Err
	}

	// the shared call may have run on a context that was cancelled while ours
	// is still live
	if err != nil && state.IsCancelled(err) && ctx.Err() == nil {
		err = l.populate(ctx, catalogHRN, service, version)
	}
	if err != nil {
		return "", false, state.Classify(state.Stage_Lookup, err)
	}

	if baseURL, ok := l.cached(catalogHRN, key); ok {
		return baseURL, false, nil
	}
	return "", false, state.Classify(state.Stage_Lookup,
		fmt.Errorf("%w: %s@%s for %s", state.ErrServiceNotFound, service, version, catalogHRN))
}

// populate prefers the narrow lookup and falls back to the full api list
// when the narrow call knows nothing.
func (l *Locator) populate(ctx context.Context, catalogHRN hrn.HRN, service, version string) error {
	endpoints, err := l.api.LookupAPI(ctx, catalogHRN, service, version)
	if err != nil {
		return err
	}
	if len(endpoints) == 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		endpoints, err = l.api.LookupAPIs(ctx, catalogHRN)
		if err != nil {
			return err
		}
	}
	l.store(catalogHRN, endpoints)
	return nil
}

// Endpoints is a snapshot of what is cached for a catalog.
func (l *Locator) Endpoints(catalogHRN hrn.HRN) []catalog.ServiceEndpoint {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []catalog.ServiceEndpoint
	for k, baseURL := range l.endpoints[catalogHRN] {
		out = append(out, catalog.ServiceEndpoint{Service: k.service, Version: k.version, BaseURL: baseURL})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Service != out[j].Service {
			return out[i].Service < out[j].Service
		}
		return out[i].Version < out[j].Version
	})
	return out
}

func (l *Locator) ClearCatalog(catalogHRN hrn.HRN) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.endpoints, catalogHRN)
}

func (l *Locator) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.endpoints = make(map[hrn.HRN]map[serviceKey]string)
}
