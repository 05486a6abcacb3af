// Package version determines the catalog version a request chain works
// against.
package version

import (
	"context"
	"fmt"
	"sync"

	"github.com/tilezen/quadcat/pkg/catalog"
	"github.com/tilezen/quadcat/pkg/hrn"
	"github.com/tilezen/quadcat/pkg/state"
)

// Pin holds the version of one request chain. An explicit pin never touches
// the network; a latest pin is filled by the first successful resolution and
// stays fixed afterwards, so every stage of the chain sees the same snapshot.
type Pin struct {
	// sem serialises resolution while letting waiters give up on ctx.
	sem chan struct{}
	// mu guards version and resolved. It is never held across a call.
	mu       sync.RWMutex
	version  int64
	resolved bool
	explicit bool
}

func Explicit(v int64) *Pin {
	p := Latest()
	p.version = v
	p.resolved = true
	p.explicit = true
	return p
}

func Latest() *Pin {
	return &Pin{sem: make(chan struct{}, 1)}
}

func (p *Pin) lock(ctx context.Context) error {
	select {
	case p.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pin) unlock() {
	<-p.sem
}

// Version returns the pinned version if there is one yet. It does not wait
// for a resolution in flight.
func (p *Pin) Version() (int64, bool) {
	if p.explicit {
		return p.version, true
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.version, p.resolved
}

func (p *Pin) set(v int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.version = v
	p.resolved = true
}

func (p *Pin) IsExplicit() bool {
	return p.explicit
}

func (p *Pin) String() string {
	if v, ok := p.Version(); ok {
		return fmt.Sprintf("%d", v)
	}
	return "latest"
}

// API is the part of the metadata service the resolver needs.
type API interface {
	LatestVersion(ctx context.Context, baseURL, billingTag string) (*int64, error)
}

type Locator interface {
	Resolve(ctx context.Context, catalogHRN hrn.HRN, service, version string) (string, bool, error)
}

type Resolver struct {
	locator Locator
	api     API
}

func NewResolver(locator Locator, api API) *Resolver {
	return &Resolver{locator: locator, api: api}
}

// Resolve returns the version pinned on p, fetching the latest catalog version
// once if nothing is pinned yet. A nil pin resolves latest without memoising.
func (r *Resolver) Resolve(ctx context.Context, catalogHRN hrn.HRN, p *Pin, billingTag string) (int64, error) {
	if p == nil {
		p = Latest()
	}
	if p.explicit {
		return p.version, nil
	}
	if err := state.CheckContext(ctx, state.Stage_Version); err != nil {
		return 0, err
	}

	if err := p.lock(ctx); err != nil {
		return 0, state.Classify(state.Stage_Version, err)
	}
	defer p.unlock()

	if v, ok := p.Version(); ok {
		return v, nil
	}

	baseURL, _, err := r.locator.Resolve(ctx, catalogHRN, catalog.ServiceMetadata, catalog.ServiceVersion)
	if err != nil {
		return 0, err
	}
	if err := state.CheckContext(ctx, state.Stage_Version); err != nil {
		return 0, err
	}

	latest, err := r.api.LatestVersion(ctx, baseURL, billingTag)
	if err != nil {
		if state.IsCancelled(err) {
			return 0, state.Classify(state.Stage_Version, err)
		}
		return 0, &state.StageError{Stage: state.Stage_Version, Kind: state.ErrVersionResolution, Err: err}
	}
	if latest == nil || *latest < 0 {
		return 0, &state.StageError{
			Stage: state.Stage_Version,
			Kind:  state.ErrVersionResolution,
			Err:   fmt.Errorf("latest version of %s has no version", catalogHRN),
		}
	}

	p.set(*latest)
	return *latest, nil
}
