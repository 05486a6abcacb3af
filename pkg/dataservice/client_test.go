package dataservice

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tilezen/quadcat/pkg/hrn"
	"github.com/tilezen/quadcat/pkg/tile"
)

var testCatalog = hrn.MustParse("hrn:here:data:::test-catalog")

func newTestServer(t *testing.T, h http.HandlerFunc) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(h)
	t.Cleanup(server.Close)
	return server
}

func TestLookupAPIs(t *testing.T) {
	server := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/resources/hrn:here:data:::test-catalog/apis", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, `[
			{"api":"metadata","version":"v1","baseURL":"https://metadata.example/v1"},
			{"api":"query","version":"v1","baseURL":"https://query.example/v1"}
		]`)
	})

	c := New(server.URL, WithTokenProvider(func(context.Context) (string, error) { return "secret", nil }))
	endpoints, err := c.LookupAPIs(context.Background(), testCatalog)
	require.NoError(t, err)
	require.Len(t, endpoints, 2)
	assert.Equal(t, "query", endpoints[1].Service)
	assert.Equal(t, "https://query.example/v1", endpoints[1].BaseURL)
}

func TestLookupAPI(t *testing.T) {
	server := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/resources/hrn:here:data:::test-catalog/apis/blob/v1", r.URL.Path)
		_, _ = io.WriteString(w, `[{"api":"blob","version":"v1","baseURL":"https://blob.example/v1"}]`)
	})

	endpoints, err := New(server.URL).LookupAPI(context.Background(), testCatalog, "blob", "v1")
	require.NoError(t, err)
	require.Len(t, endpoints, 1)
	assert.Equal(t, "https://blob.example/v1", endpoints[0].BaseURL)
}

func TestLatestVersion(t *testing.T) {
	server := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/versions/latest", r.URL.Path)
		assert.Equal(t, "-1", r.URL.Query().Get("startVersion"))
		assert.Equal(t, "billing1", r.URL.Query().Get("billingTag"))
		_, _ = io.WriteString(w, `{"version":42}`)
	})

	v, err := New("").LatestVersion(context.Background(), server.URL, "billing1")
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, int64(42), *v)
}

func TestLatestVersionMissingField(t *testing.T) {
	server := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{}`)
	})

	v, err := New("").LatestVersion(context.Background(), server.URL, "")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestPartitionByID(t *testing.T) {
	server := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/layers/testlayer/partitions", r.URL.Path)
		assert.Equal(t, "23618173", r.URL.Query().Get("partition"))
		assert.Equal(t, "0", r.URL.Query().Get("version"))
		_, _ = io.WriteString(w, `{"partitions":[{"partition":"23618173","dataHandle":"43d76b9f-6df2-4ed1-a57b-d1e2a8b6d6a6","version":0}]}`)
	})

	version := int64(0)
	p, err := New("").PartitionByID(context.Background(), PartitionQuery{
		BaseURL:   server.URL,
		Layer:     "testlayer",
		Version:   &version,
		Partition: "23618173",
	})
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "43d76b9f-6df2-4ed1-a57b-d1e2a8b6d6a6", p.DataHandle)
}

func TestQuadTreePaths(t *testing.T) {
	var paths []string
	server := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		_, _ = io.WriteString(w, `{"subQuads":[{"subQuadKey":"1","version":3,"dataHandle":"h1"}],"parentQuads":[]}`)
	})

	key, err := tile.ParseMortonCode("5904591")
	require.NoError(t, err)
	version := int64(3)

	c := New("")
	idx, err := c.QuadTree(context.Background(), QuadTreeQuery{BaseURL: server.URL, Layer: "l", Version: &version, Key: key, Depth: 2})
	require.NoError(t, err)
	require.Len(t, idx.SubQuads, 1)
	assert.Equal(t, "h1", idx.SubQuads[0].DataHandle)

	_, err = c.QuadTree(context.Background(), QuadTreeQuery{BaseURL: server.URL, Layer: "l", Key: key, Depth: 0})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"/layers/l/versions/3/quadkeys/5904591/depths/2",
		"/layers/l/quadkeys/5904591/depths/0",
	}, paths)
}

func TestQuadTreeNotFoundIsEmpty(t *testing.T) {
	server := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	idx, err := New("").QuadTree(context.Background(), QuadTreeQuery{BaseURL: server.URL, Layer: "l", Key: tile.Root})
	require.NoError(t, err)
	assert.True(t, idx.Empty())
}

func TestBlob(t *testing.T) {
	server := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/layers/l/data/fresh":
			if r.Header.Get("If-None-Match") == `"v1"` {
				w.WriteHeader(http.StatusNotModified)
				return
			}
			w.Header().Set("ETag", `"v1"`)
			_, _ = io.WriteString(w, "tile bytes")
		case "/layers/l/data/broken":
			w.WriteHeader(http.StatusBadGateway)
		default:
			http.NotFound(w, r)
		}
	})

	c := New("")
	ctx := context.Background()

	resp, err := c.Blob(ctx, BlobQuery{BaseURL: server.URL, Layer: "l", DataHandle: "fresh"})
	require.NoError(t, err)
	require.NotNil(t, resp.Body)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, "tile bytes", string(body))
	require.NotNil(t, resp.ETag)
	assert.Equal(t, `"v1"`, *resp.ETag)

	resp, err = c.Blob(ctx, BlobQuery{BaseURL: server.URL, Layer: "l", DataHandle: "fresh", ETag: `"v1"`})
	require.NoError(t, err)
	assert.True(t, resp.NotModified)

	resp, err = c.Blob(ctx, BlobQuery{BaseURL: server.URL, Layer: "l", DataHandle: "gone"})
	require.NoError(t, err)
	assert.True(t, resp.NotFound)

	_, err = c.Blob(ctx, BlobQuery{BaseURL: server.URL, Layer: "l", DataHandle: "broken"})
	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusBadGateway, httpErr.StatusCode)
}

func TestCancelledContext(t *testing.T) {
	server := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("No request expected")
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(server.URL).LookupAPIs(ctx, testCatalog)
	assert.ErrorIs(t, err, context.Canceled)
}
