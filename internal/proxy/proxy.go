// Package proxy is the caching HTTP client layer every outbound request goes
// through. Requests under the API prefix are network-first with an offline
// fallback; everything else is cache-first.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/roach88/fieldsync/internal/cache"
	"github.com/roach88/fieldsync/internal/metrics"
)

// Response headers set by the transport.
const (
	HeaderOffline = "X-Fieldsync-Offline"
	HeaderCache   = "X-Fieldsync-Cache"
)

// DefaultMutablePrefix selects the network-first category.
const DefaultMutablePrefix = "/api/"

// OfflineBody is the synthetic response body for an unreachable API.
const OfflineBody = `{"error":"Offline","offline":true,"status":"offline"}`

// Category is a request caching strategy.
type Category string

const (
	CategoryMutable Category = "mutable"
	CategoryStatic  Category = "static"
)

// Transport is an http.RoundTripper applying the caching strategy of each
// request's category.
type Transport struct {
	base          http.RoundTripper
	cache         *cache.Cache
	mutablePrefix string
	metrics       *metrics.Metrics
}

// Option configures a Transport.
type Option func(*Transport)

// WithBase sets the underlying transport (default http.DefaultTransport).
func WithBase(rt http.RoundTripper) Option {
	return func(t *Transport) { t.base = rt }
}

// WithMutablePrefix overrides the path prefix of the network-first category.
func WithMutablePrefix(prefix string) Option {
	return func(t *Transport) { t.mutablePrefix = prefix }
}

// WithMetrics counts cache lookups.
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Transport) { t.metrics = m }
}

// NewTransport creates a Transport storing responses in c.
func NewTransport(c *cache.Cache, opts ...Option) *Transport {
	t := &Transport{
		base:          http.DefaultTransport,
		cache:         c,
		mutablePrefix: DefaultMutablePrefix,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Client returns an http.Client using the transport.
func (t *Transport) Client() *http.Client {
	return &http.Client{Transport: t}
}

// Classify returns the category of a request path.
func (t *Transport) Classify(path string) Category {
	if strings.HasPrefix(path, t.mutablePrefix) {
		return CategoryMutable
	}
	return CategoryStatic
}

// Activate switches the cache to a new generation tag and purges the rest.
func (t *Transport) Activate(ctx context.Context, tag string) error {
	purged, err := t.cache.Activate(ctx, tag)
	if err != nil {
		return fmt.Errorf("activate cache generation %q: %w", tag, err)
	}
	slog.Info("cache generation activated", "generation", tag, "purged", purged)
	return nil
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.Classify(req.URL.Path) == CategoryMutable {
		return t.networkFirst(req)
	}
	return t.cacheFirst(req)
}

func (t *Transport) networkFirst(req *http.Request) (*http.Response, error) {
	key := requestKey(req)
	cacheable := isSafe(req.Method)

	resp, err := t.fetch(req)
	if err == nil {
		switch {
		case cacheable && isSuccess(resp.StatusCode):
			t.store(req.Context(), key, resp)
		case cacheable && isGone(resp.StatusCode):
			t.evict(req.Context(), key)
		}
		return resp, nil
	}
	if req.Context().Err() != nil {
		return nil, err
	}

	slog.Debug("network unavailable", "method", req.Method, "path", req.URL.Path, "error", err)
	if cacheable {
		if e, ok := t.lookup(req.Context(), key); ok {
			t.metrics.RecordCacheLookup(string(CategoryMutable), "fallback")
			return entryResponse(req, e, "fallback"), nil
		}
	}
	t.metrics.RecordCacheLookup(string(CategoryMutable), "offline")
	return offlineResponse(req), nil
}

func (t *Transport) cacheFirst(req *http.Request) (*http.Response, error) {
	if !isSafe(req.Method) {
		return t.base.RoundTrip(req)
	}
	key := requestKey(req)

	if e, ok := t.lookup(req.Context(), key); ok {
		t.metrics.RecordCacheLookup(string(CategoryStatic), "hit")
		return entryResponse(req, e, "hit"), nil
	}
	t.metrics.RecordCacheLookup(string(CategoryStatic), "miss")

	resp, err := t.fetch(req)
	if err != nil {
		return nil, err
	}
	if isSuccess(resp.StatusCode) {
		t.store(req.Context(), key, resp)
	}
	return resp, nil
}

// fetch performs the network call and buffers the body so it can be both
// cached and returned. A body that fails mid-read counts as a network error.
func (t *Transport) fetch(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	return resp, nil
}

// store copies a buffered response into the cache. Cache failures are
// logged; the live response is still returned.
func (t *Transport) store(ctx context.Context, key string, resp *http.Response) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))

	err = t.cache.Put(ctx, cache.Entry{
		RequestKey: key,
		Status:     resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
	})
	if err != nil {
		slog.Warn("cache write failed", "key", key, "error", err)
	}
}

func (t *Transport) lookup(ctx context.Context, key string) (cache.Entry, bool) {
	e, ok, err := t.cache.Get(ctx, key)
	if err != nil {
		slog.Warn("cache read failed", "key", key, "error", err)
		return cache.Entry{}, false
	}
	return e, ok
}

// evict drops the cached copy of a resource the server no longer has, so an
// offline fallback cannot resurrect it.
func (t *Transport) evict(ctx context.Context, key string) {
	if err := t.cache.Delete(ctx, key); err != nil {
		slog.Warn("cache evict failed", "key", key, "error", err)
	}
}

func requestKey(req *http.Request) string {
	return req.Method + " " + req.URL.String()
}

func isSafe(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

func isGone(status int) bool {
	return status == http.StatusNotFound || status == http.StatusGone
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

func entryResponse(req *http.Request, e cache.Entry, source string) *http.Response {
	header := e.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set(HeaderCache, source)
	return newResponse(req, e.Status, header, e.Body)
}

func offlineResponse(req *http.Request) *http.Response {
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set(HeaderOffline, "1")
	return newResponse(req, http.StatusServiceUnavailable, header, []byte(OfflineBody))
}

func newResponse(req *http.Request, status int, header http.Header, body []byte) *http.Response {
	header.Set("Content-Length", strconv.Itoa(len(body)))
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

// IsOffline reports whether resp is the synthetic offline response.
func IsOffline(resp *http.Response) bool {
	return resp != nil && resp.Header.Get(HeaderOffline) == "1"
}

// ErrOffline can be returned by callers that turn the synthetic response
// back into an error.
var ErrOffline = errors.New("offline")
