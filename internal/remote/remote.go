// Package remote submits queued records to the server endpoints.
package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/roach88/fieldsync/internal/proxy"
	"github.com/roach88/fieldsync/internal/queue"
)

// HeaderIdempotencyKey carries the record's client-generated key so the
// server can drop resends of an already accepted record.
const HeaderIdempotencyKey = "Idempotency-Key"

// DefaultEndpoints maps record types to their submission paths.
var DefaultEndpoints = map[queue.RecordType]string{
	queue.Sale:       "/api/trpc/sales.create",
	queue.Enrollment: "/api/trpc/agent.enrollMerchant",
}

// StatusError is returned for a non-2xx response.
type StatusError struct {
	StatusCode int
	Endpoint   string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: HTTP %d", e.Endpoint, e.StatusCode)
}

// Client posts records to the remote. It satisfies engine.Submitter.
type Client struct {
	http      *http.Client
	baseURL   *url.URL
	endpoints map[queue.RecordType]string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the client used for requests, normally one built on
// the caching proxy transport.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithEndpoint overrides the submission path of one record type.
func WithEndpoint(t queue.RecordType, path string) Option {
	return func(cl *Client) { cl.endpoints[t] = path }
}

// New creates a Client for the server at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse remote url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("parse remote url: %q is not absolute", baseURL)
	}

	c := &Client{
		http:      http.DefaultClient,
		baseURL:   u,
		endpoints: make(map[queue.RecordType]string, len(DefaultEndpoints)),
	}
	for t, p := range DefaultEndpoints {
		c.endpoints[t] = p
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Endpoint returns the absolute submission URL for t.
func (c *Client) Endpoint(t queue.RecordType) (string, error) {
	p, ok := c.endpoints[t]
	if !ok {
		return "", fmt.Errorf("%w: %q", queue.ErrUnknownRecordType, t)
	}
	return c.baseURL.JoinPath(strings.TrimPrefix(p, "/")).String(), nil
}

// Submit posts the record payload. Only a 2xx response counts as accepted.
func (c *Client) Submit(ctx context.Context, rec queue.PendingRecord) error {
	endpoint, err := c.Endpoint(rec.Type)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(rec.Payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if rec.IdempotencyKey != "" {
		req.Header.Set(HeaderIdempotencyKey, rec.IdempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if proxy.IsOffline(resp) {
		return fmt.Errorf("post %s: %w", endpoint, proxy.ErrOffline)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{StatusCode: resp.StatusCode, Endpoint: endpoint}
	}
	return nil
}
