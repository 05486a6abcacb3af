package lookup

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tilezen/quadcat/pkg/catalog"
	"github.com/tilezen/quadcat/pkg/hrn"
	"github.com/tilezen/quadcat/pkg/state"
)

var testCatalog = hrn.MustParse("hrn:here:data:::test-catalog")

type fakeAPI struct {
	narrow    []catalog.ServiceEndpoint
	all       []catalog.ServiceEndpoint
	err       error
	delay     time.Duration
	narrowHit int32
	allHit    int32
}

func (f *fakeAPI) LookupAPI(ctx context.Context, _ hrn.HRN, service, version string) ([]catalog.ServiceEndpoint, error) {
	atomic.AddInt32(&f.narrowHit, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	var out []catalog.ServiceEndpoint
	for _, e := range f.narrow {
		if e.Service == service && e.Version == version {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeAPI) LookupAPIs(ctx context.Context, _ hrn.HRN) ([]catalog.ServiceEndpoint, error) {
	atomic.AddInt32(&f.allHit, 1)
	return f.all, f.err
}

func TestResolveCaches(t *testing.T) {
	api := &fakeAPI{
		narrow: []catalog.ServiceEndpoint{{Service: "query", Version: "v1", BaseURL: "https://query"}},
	}
	l := NewLocator(api)
	ctx := context.Background()

	baseURL, hit, err := l.Resolve(ctx, testCatalog, "query", "v1")
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, "https://query", baseURL)

	baseURL, hit, err = l.Resolve(ctx, testCatalog, "query", "v1")
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "https://query", baseURL)
	assert.Equal(t, int32(1), atomic.LoadInt32(&api.narrowHit))
	assert.Equal(t, int32(0), atomic.LoadInt32(&api.allHit))
}

func TestResolveFallsBackToFullList(t *testing.T) {
	api := &fakeAPI{
		all: []catalog.ServiceEndpoint{
			{Service: "metadata", Version: "v1", BaseURL: "https://metadata"},
			{Service: "blob", Version: "v1", BaseURL: "https://blob"},
		},
	}
	l := NewLocator(api)
	ctx := context.Background()

	baseURL, _, err := l.Resolve(ctx, testCatalog, "metadata", "v1")
	require.NoError(t, err)
	assert.Equal(t, "https://metadata", baseURL)

	// every entry of the full list was cached
	baseURL, hit, err := l.Resolve(ctx, testCatalog, "blob", "v1")
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "https://blob", baseURL)
	assert.Len(t, l.Endpoints(testCatalog), 2)
}

func TestResolveServiceNotFound(t *testing.T) {
	l := NewLocator(&fakeAPI{})
	_, _, err := l.Resolve(context.Background(), testCatalog, "query", "v1")
	assert.ErrorIs(t, err, state.ErrServiceNotFound)
	assert.Equal(t, state.Stage_Lookup, state.StageOf(err))
}

func TestResolveTransportError(t *testing.T) {
	l := NewLocator(&fakeAPI{err: errors.New("connection refused")})
	_, _, err := l.Resolve(context.Background(), testCatalog, "query", "v1")
	assert.ErrorIs(t, err, state.ErrTransport)
}

func TestResolveCancelledMakesNoCall(t *testing.T) {
	api := &fakeAPI{}
	l := NewLocator(api)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := l.Resolve(ctx, testCatalog, "query", "v1")
	assert.ErrorIs(t, err, state.ErrCancelled)
	assert.Equal(t, int32(0), atomic.LoadInt32(&api.narrowHit))
}

func TestResolveConcurrentMissesCollapse(t *testing.T) {
	api := &fakeAPI{
		narrow: []catalog.ServiceEndpoint{{Service: "query", Version: "v1", BaseURL: "https://query"}},
		delay:  50 * time.Millisecond,
	}
	l := NewLocator(api)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			baseURL, _, err := l.Resolve(context.Background(), testCatalog, "query", "v1")
			assert.NoError(t, err)
			assert.Equal(t, "https://query", baseURL)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&api.narrowHit))
}

func TestClear(t *testing.T) {
	api := &fakeAPI{
		narrow: []catalog.ServiceEndpoint{{Service: "query", Version: "v1", BaseURL: "https://query"}},
	}
	l := NewLocator(api)
	ctx := context.Background()

	_, _, err := l.Resolve(ctx, testCatalog, "query", "v1")
	require.NoError(t, err)
	l.ClearCatalog(testCatalog)
	assert.Empty(t, l.Endpoints(testCatalog))

	_, hit, err := l.Resolve(ctx, testCatalog, "query", "v1")
	require.NoError(t, err)
	assert.False(t, hit)

	l.Clear()
	assert.Empty(t, l.Endpoints(testCatalog))
	assert.Equal(t, int32(2), atomic.LoadInt32(&api.narrowHit))
}
