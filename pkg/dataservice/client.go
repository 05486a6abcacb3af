// Package dataservice talks to the catalog REST services: lookup, metadata,
// query and blob. It only templates paths and decodes payloads; callers own
// caching and resolution policy.
package dataservice

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/imkira/go-interpol"

	"github.com/tilezen/quadcat/pkg/catalog"
	"github.com/tilezen/quadcat/pkg/hrn"
	"github.com/tilezen/quadcat/pkg/tile"
)

const (
	lookupAPIsPattern   = "{base}/resources/{hrn}/apis"
	lookupAPIPattern    = "{base}/resources/{hrn}/apis/{api}/{version}"
	latestPattern       = "{base}/versions/latest"
	partitionsPattern   = "{base}/layers/{layer}/partitions"
	quadTreePattern     = "{base}/layers/{layer}/versions/{version}/quadkeys/{quadKey}/depths/{depth}"
	volatileTreePattern = "{base}/layers/{layer}/quadkeys/{quadKey}/depths/{depth}"
	blobPattern         = "{base}/layers/{layer}/data/{dataHandle}"
)

// TokenProvider returns a bearer token for each request. Acquiring and
// refreshing tokens is up to the caller.
type TokenProvider func(ctx context.Context) (string, error)

type Client struct {
	lookupBaseURL string
	httpClient    *http.Client
	tokens        TokenProvider
	headers       http.Header
}

type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

func WithTokenProvider(tokens TokenProvider) Option {
	return func(c *Client) {
		c.tokens = tokens
	}
}

// WithHeader sets a header on every request, e.g. User-Agent.
func WithHeader(key, value string) Option {
	return func(c *Client) {
		c.headers.Set(key, value)
	}
}

func New(lookupBaseURL string, opts ...Option) *Client {
	c := &Client{
		lookupBaseURL: strings.TrimSuffix(lookupBaseURL, "/"),
		httpClient:    http.DefaultClient,
		headers:       make(http.Header),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = http.DefaultClient
	}
	return c
}

// HTTPError is returned for any status the caller has no dedicated outcome for.
type HTTPError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s returned status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s returned status %d: %s", e.URL, e.StatusCode, e.Body)
}

func buildURL(pattern string, vars map[string]string, query url.Values) (string, error) {
	escaped := make(map[string]string, len(vars))
	for k, v := range vars {
		if k == "base" {
			escaped[k] = strings.TrimSuffix(v, "/")
		} else {
			escaped[k] = url.PathEscape(v)
		}
	}
	u, err := interpol.WithMap(pattern, escaped)
	if err != nil {
		return "", fmt.Errorf("error templating %s: %w", pattern, err)
	}
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u, nil
}

func billingQuery(billingTag string) url.Values {
	q := url.Values{}
	if billingTag != "" {
		q.Set("billingTag", billingTag)
	}
	return q
}

func (c *Client) newRequest(ctx context.Context, u string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	for k, vs := range c.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if c.tokens != nil {
		token, err := c.tokens(ctx)
		if err != nil {
			return nil, fmt.Errorf("error getting token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func errorFromResponse(u string, resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &HTTPError{StatusCode: resp.StatusCode, URL: u, Body: strings.TrimSpace(string(snippet))}
}

// getJSON decodes a 200 response into out. It reports false without error on
// 404 and 204.
func (c *Client) getJSON(ctx context.Context, u string, out interface{}) (bool, error) {
	req, err := c.newRequest(ctx, u)
	if err != nil {
		return false, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound, http.StatusNoContent:
		return false, nil
	default:
		return false, errorFromResponse(u, resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("error decoding %s: %w", u, err)
	}
	return true, nil
}

func (c *Client) LookupAPIs(ctx context.Context, catalogHRN hrn.HRN) ([]catalog.ServiceEndpoint, error) {
	u, err := buildURL(lookupAPIsPattern, map[string]string{
		"base": c.lookupBaseURL,
		"hrn":  catalogHRN.String(),
	}, nil)
	if err != nil {
		return nil, err
	}
	var endpoints []catalog.ServiceEndpoint
	if _, err := c.getJSON(ctx, u, &endpoints); err != nil {
		return nil, err
	}
	return endpoints, nil
}

// LookupAPI asks for a single service. The response is still a list, and may
// be empty when the lookup service does not know the service.
func (c *Client) LookupAPI(ctx context.Context, catalogHRN hrn.HRN, service, version string) ([]catalog.ServiceEndpoint, error) {
	u, err := buildURL(lookupAPIPattern, map[string]string{
		"base":    c.lookupBaseURL,
		"hrn":     catalogHRN.String(),
		"api":     service,
		"version": version,
	}, nil)
	if err != nil {
		return nil, err
	}
	var endpoints []catalog.ServiceEndpoint
	if _, err := c.getJSON(ctx, u, &endpoints); err != nil {
		return nil, err
	}
	return endpoints, nil
}

// LatestVersion returns nil when the metadata service answered without a
// version.
func (c *Client) LatestVersion(ctx context.Context, baseURL, billingTag string) (*int64, error) {
	q := billingQuery(billingTag)
	q.Set("startVersion", "-1")
	u, err := buildURL(latestPattern, map[string]string{"base": baseURL}, q)
	if err != nil {
		return nil, err
	}
	var latest catalog.LatestVersion
	found, err := c.getJSON(ctx, u, &latest)
	if err != nil || !found {
		return nil, err
	}
	return latest.Version, nil
}

type PartitionQuery struct {
	BaseURL    string
	Layer      string
	Version    *int64
	Partition  string
	BillingTag string
}

// PartitionByID returns nil without error when the layer has no such
// partition.
func (c *Client) PartitionByID(ctx context.Context, pq PartitionQuery) (*catalog.PartitionMetadata, error) {
	q := billingQuery(pq.BillingTag)
	q.Set("partition", pq.Partition)
	if pq.Version != nil {
		q.Set("version", strconv.FormatInt(*pq.Version, 10))
	}
	u, err := buildURL(partitionsPattern, map[string]string{
		"base":  pq.BaseURL,
		"layer": pq.Layer,
	}, q)
	if err != nil {
		return nil, err
	}
	var partitions catalog.Partitions
	found, err := c.getJSON(ctx, u, &partitions)
	if err != nil || !found {
		return nil, err
	}
	for i := range partitions.Partitions {
		if partitions.Partitions[i].Partition == pq.Partition {
			return &partitions.Partitions[i], nil
		}
	}
	return nil, nil
}

type QuadTreeQuery struct {
	BaseURL string
	Layer   string
	// Version is nil for volatile layers.
	Version    *int64
	Key        tile.QuadKey
	Depth      uint32
	BillingTag string
}

// QuadTree returns an empty index when the service has nothing for the query.
func (c *Client) QuadTree(ctx context.Context, qq QuadTreeQuery) (*catalog.QuadTreeIndex, error) {
	vars := map[string]string{
		"base":    qq.BaseURL,
		"layer":   qq.Layer,
		"quadKey": qq.Key.MortonString(),
		"depth":   strconv.FormatUint(uint64(qq.Depth), 10),
	}
	pattern := volatileTreePattern
	if qq.Version != nil {
		pattern = quadTreePattern
		vars["version"] = strconv.FormatInt(*qq.Version, 10)
	}
	u, err := buildURL(pattern, vars, billingQuery(qq.BillingTag))
	if err != nil {
		return nil, err
	}
	index := &catalog.QuadTreeIndex{}
	if _, err := c.getJSON(ctx, u, index); err != nil {
		return nil, err
	}
	return index, nil
}

type BlobQuery struct {
	BaseURL    string
	Layer      string
	DataHandle string
	ETag       string
	BillingTag string
}

// BlobResponse mirrors the storage response shape. Body is set only when the
// blob was returned and must be closed by the caller.
type BlobResponse struct {
	Body          io.ReadCloser
	ETag          *string
	LastModified  *time.Time
	ContentLength int64
	NotModified   bool
	NotFound      bool
}

func (c *Client) Blob(ctx context.Context, bq BlobQuery) (*BlobResponse, error) {
	u, err := buildURL(blobPattern, map[string]string{
		"base":       bq.BaseURL,
		"layer":      bq.Layer,
		"dataHandle": bq.DataHandle,
	}, billingQuery(bq.BillingTag))
	if err != nil {
		return nil, err
	}
	req, err := c.newRequest(ctx, u)
	if err != nil {
		return nil, err
	}
	if bq.ETag != "" {
		req.Header.Set("If-None-Match", bq.ETag)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
	case http.StatusNotModified:
		resp.Body.Close()
		return &BlobResponse{NotModified: true}, nil
	case http.StatusNotFound:
		resp.Body.Close()
		return &BlobResponse{NotFound: true}, nil
	default:
		defer resp.Body.Close()
		return nil, errorFromResponse(u, resp)
	}

	result := &BlobResponse{
		Body:          resp.Body,
		ContentLength: resp.ContentLength,
	}
	if etag := resp.Header.Get("ETag"); etag != "" {
		result.ETag = &etag
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			result.LastModified = &t
		}
	}
	return result, nil
}
