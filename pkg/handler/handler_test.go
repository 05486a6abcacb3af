package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/tilezen/quadcat/pkg/catalog"
	"github.com/tilezen/quadcat/pkg/dataservice"
	"github.com/tilezen/quadcat/pkg/hrn"
	"github.com/tilezen/quadcat/pkg/layer"
	"github.com/tilezen/quadcat/pkg/log"
	"github.com/tilezen/quadcat/pkg/metrics"
	"github.com/tilezen/quadcat/pkg/tile"
)

const lastModifiedStr = "Thu, 17 Nov 2016 12:27:00 GMT"

type fakeService struct {
	lookupErr  error
	partitions map[string]*catalog.PartitionMetadata
	indexes    map[uint64]*catalog.QuadTreeIndex
	blobs      map[string]string
}

func newFakeService() *fakeService {
	return &fakeService{
		partitions: make(map[string]*catalog.PartitionMetadata),
		indexes:    make(map[uint64]*catalog.QuadTreeIndex),
		blobs:      make(map[string]string),
	}
}

func (f *fakeService) LookupAPIs(ctx context.Context, h hrn.HRN) ([]catalog.ServiceEndpoint, error) {
	return nil, f.lookupErr
}

func (f *fakeService) LookupAPI(_ context.Context, _ hrn.HRN, service, version string) ([]catalog.ServiceEndpoint, error) {
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	return []catalog.ServiceEndpoint{{Service: service, Version: version, BaseURL: "https://" + service}}, nil
}

func (f *fakeService) LatestVersion(_ context.Context, _, _ string) (*int64, error) {
	v := int64(1)
	return &v, nil
}

func (f *fakeService) PartitionByID(_ context.Context, pq dataservice.PartitionQuery) (*catalog.PartitionMetadata, error) {
	return f.partitions[pq.Partition], nil
}

func (f *fakeService) QuadTree(_ context.Context, qq dataservice.QuadTreeQuery) (*catalog.QuadTreeIndex, error) {
	if idx, ok := f.indexes[qq.Key.MortonCode()]; ok {
		return idx, nil
	}
	return &catalog.QuadTreeIndex{}, nil
}

func (f *fakeService) Blob(_ context.Context, bq dataservice.BlobQuery) (*dataservice.BlobResponse, error) {
	data, ok := f.blobs[bq.DataHandle]
	if !ok {
		return &dataservice.BlobResponse{NotFound: true}, nil
	}
	etag := "1234"
	if bq.ETag == etag {
		return &dataservice.BlobResponse{NotModified: true}, nil
	}
	lastModified, _ := time.Parse(http.TimeFormat, lastModifiedStr)
	return &dataservice.BlobResponse{
		Body:          io.NopCloser(strings.NewReader(data)),
		ETag:          &etag,
		LastModified:  &lastModified,
		ContentLength: int64(len(data)),
	}, nil
}

func newTestClient(t *testing.T, svc *fakeService) *layer.Client {
	client, err := layer.New(layer.Config{
		Catalog: hrn.MustParse("hrn:here:data:::handler-test"),
		Layer:   "roads",
	}, layer.Deps{Service: svc})
	if err != nil {
		t.Fatalf("Unable to create layer client: %s", err)
	}
	return client
}

var mimes = map[string]string{
	"json": "application/json",
}

func serve(h http.Handler, target string, vars map[string]string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", target, nil)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req = mux.SetURLVars(req, vars)
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)
	return rw
}

func tileHandler(t *testing.T, svc *fakeService) http.Handler {
	return LayerHandler(&TileMuxParser{MimeMap: mimes}, newTestClient(t, svc), nil, &metrics.NilMetricsWriter{}, &log.NilJsonLogger{})
}

func partitionHandler(t *testing.T, svc *fakeService) http.Handler {
	return LayerHandler(&PartitionMuxParser{MimeMap: mimes}, newTestClient(t, svc), nil, &metrics.NilMetricsWriter{}, &log.NilJsonLogger{})
}

func TestHandlerMiss(t *testing.T) {
	h := tileHandler(t, newFakeService())

	rw := serve(h, "/roads/5904591.json", map[string]string{"quadkey": "5904591", "fmt": "json"}, nil)

	if rw.Code != 404 {
		t.Fatalf("Expected 404 response, but got %d", rw.Code)
	}
}

func TestHandlerHit(t *testing.T) {
	svc := newFakeService()
	svc.partitions["23618173"] = &catalog.PartitionMetadata{Partition: "23618173", DataHandle: "handle-1"}
	svc.blobs["handle-1"] = "{}"
	h := partitionHandler(t, svc)

	rw := serve(h, "/roads/partitions/23618173.json", map[string]string{"partition": "23618173", "fmt": "json"}, nil)

	if rw.Code != 200 {
		t.Fatalf("Expected 200 OK response, but got %d", rw.Code)
	}
	checkHeader := func(key, exp string) {
		act := rw.Header().Get(key)
		if act != exp {
			t.Fatalf("Expected HTTP header %#v to be %#v but was %#v", key, exp, act)
		}
	}
	checkHeader("Content-Type", "application/json")
	checkHeader("ETag", "1234")
	checkHeader("Last-Modified", lastModifiedStr)
	checkHeader("X-Quad-Key", "23618173")
	checkHeader("X-Aggregated", "false")
	if rw.Body.String() != "{}" {
		t.Fatalf("Expected body {} but was %#v", rw.Body.String())
	}
}

func TestHandlerAggregated(t *testing.T) {
	svc := newFakeService()
	svc.indexes[5904591] = &catalog.QuadTreeIndex{
		ParentQuads: []catalog.ParentQuad{{Partition: "23618359", Version: 1, DataHandle: "parent"}},
	}
	svc.blobs["parent"] = "parent data"
	h := tileHandler(t, svc)

	rw := serve(h, "/roads/5904591", map[string]string{"quadkey": "5904591"}, nil)

	if rw.Code != 200 {
		t.Fatalf("Expected 200 OK response, but got %d", rw.Code)
	}
	if act := rw.Header().Get("X-Quad-Key"); act != "23618359" {
		t.Fatalf("Expected tile 23618359 to be served, but got %#v", act)
	}
	if act := rw.Header().Get("X-Aggregated"); act != "true" {
		t.Fatalf("Expected aggregated response, but X-Aggregated was %#v", act)
	}
	if act := rw.Header().Get("Content-Type"); act != defaultContentType {
		t.Fatalf("Expected default content type, but got %#v", act)
	}
}

func TestHandlerNotModified(t *testing.T) {
	svc := newFakeService()
	svc.partitions["1"] = &catalog.PartitionMetadata{Partition: "1", DataHandle: "handle-1"}
	svc.blobs["handle-1"] = "{}"
	h := partitionHandler(t, svc)

	header := http.Header{}
	header.Set("If-None-Match", "1234")
	rw := serve(h, "/roads/partitions/1", map[string]string{"partition": "1"}, header)

	if rw.Code != 304 {
		t.Fatalf("Expected 304 response, but got %d", rw.Code)
	}
	if rw.Body.Len() != 0 {
		t.Fatalf("Expected empty body on 304, but got %d bytes", rw.Body.Len())
	}
}

func TestHandlerBadRequests(t *testing.T) {
	h := tileHandler(t, newFakeService())

	tests := []struct {
		name   string
		target string
		vars   map[string]string
		status int
	}{
		{"bad z", "/a/1/1", map[string]string{"z": "a", "x": "1", "y": "1"}, 400},
		{"tile out of range", "/1/5/0", map[string]string{"z": "1", "x": "5", "y": "0"}, 400},
		{"bad quad key", "/0", map[string]string{"quadkey": "0"}, 400},
		{"depth too deep", "/5904591?depth=5", map[string]string{"quadkey": "5904591"}, 400},
		{"bad version", "/5904591?version=latest", map[string]string{"quadkey": "5904591"}, 400},
		{"bad billing tag", "/5904591?billingTag=no", map[string]string{"quadkey": "5904591"}, 400},
		{"unknown format", "/5904591.png", map[string]string{"quadkey": "5904591", "fmt": "png"}, 404},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rw := serve(h, tt.target, tt.vars, nil)
			if rw.Code != tt.status {
				t.Fatalf("Expected %d response, but got %d", tt.status, rw.Code)
			}
		})
	}
}

func TestHandlerBackendFailure(t *testing.T) {
	svc := newFakeService()
	svc.lookupErr = errors.New("connection refused")
	h := tileHandler(t, svc)

	rw := serve(h, "/roads/5904591", map[string]string{"quadkey": "5904591"}, nil)

	if rw.Code != http.StatusBadGateway {
		t.Fatalf("Expected 502 response, but got %d", rw.Code)
	}
}

func TestParseZXY(t *testing.T) {
	parser := &TileMuxParser{MimeMap: mimes, Format: "json"}
	req := httptest.NewRequest("GET", "/3/5/2?depth=2&billingTag=abcd1234", nil)
	req = mux.SetURLVars(req, map[string]string{"z": "3", "x": "5", "y": "2"})

	result, err := parser.Parse(req)
	if err != nil {
		t.Fatalf("Unexpected parse error: %s", err)
	}
	data := result.AdditionalData.(*TileParseData)
	exp := tile.QuadKey{Row: 2, Column: 5, Depth: 3}
	if data.Key != exp {
		t.Fatalf("Expected key %s but got %s", exp, data.Key)
	}
	if data.Depth != 2 {
		t.Fatalf("Expected depth 2 but got %d", data.Depth)
	}
	if result.ContentType != "application/json" {
		t.Fatalf("Expected json content type but got %s", result.ContentType)
	}
	if len(result.Options) != 1 {
		t.Fatalf("Expected one request option but got %d", len(result.Options))
	}
}

func TestParseConditionBadDate(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("If-None-Match", "abc")
	req.Header.Set("If-Modified-Since", "yesterday")

	cond, err := ParseCondition(req)
	if err == nil {
		t.Fatalf("Expected a condition parse error")
	}
	if cond.IfNoneMatch == nil || *cond.IfNoneMatch != "abc" {
		t.Fatalf("Expected If-None-Match to survive a bad date")
	}
}

type fakeChecker struct {
	err error
}

func (f *fakeChecker) HealthCheck(_ context.Context) error {
	return f.err
}

func TestHealthCheck(t *testing.T) {
	healthy := HealthCheckHandler(map[string]HealthChecker{"a": &fakeChecker{}}, &log.NilJsonLogger{})
	if rw := serve(healthy, "/healthcheck", nil, nil); rw.Code != 200 {
		t.Fatalf("Expected 200 OK response, but got %d", rw.Code)
	}

	broken := HealthCheckHandler(map[string]HealthChecker{
		"a": &fakeChecker{},
		"b": &fakeChecker{err: errors.New("bucket gone")},
	}, &log.NilJsonLogger{})
	if rw := serve(broken, "/healthcheck", nil, nil); rw.Code != 500 {
		t.Fatalf("Expected 500 response, but got %d", rw.Code)
	}
}

func TestLayerInfo(t *testing.T) {
	svc := newFakeService()
	svc.partitions["1"] = &catalog.PartitionMetadata{Partition: "1", DataHandle: "handle-1"}
	svc.blobs["handle-1"] = "{}"
	client := newTestClient(t, svc)

	req, err := layer.NewPartitionRequest("1", layer.WithVersion(1))
	if err != nil {
		t.Fatalf("Unable to build request: %s", err)
	}
	if _, err := client.GetByPartitionID(context.Background(), req); err != nil {
		t.Fatalf("Unable to fetch partition: %s", err)
	}

	rw := serve(LayerInfoHandler(client, &log.NilJsonLogger{}), "/roads/layer.json", nil, nil)
	if rw.Code != 200 {
		t.Fatalf("Expected 200 OK response, but got %d", rw.Code)
	}

	var info layerInfo
	if err := json.Unmarshal(rw.Body.Bytes(), &info); err != nil {
		t.Fatalf("Unable to decode layer info: %s", err)
	}
	if info.Layer != "roads" || info.Type != "versioned" {
		t.Fatalf("Unexpected layer info %#v", info)
	}
	// query and blob were resolved by the fetch above
	if len(info.Endpoints) != 2 {
		t.Fatalf("Expected 2 endpoints, but got %#v", info.Endpoints)
	}
}
