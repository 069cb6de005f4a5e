package remote

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fieldsync/internal/cache"
	"github.com/roach88/fieldsync/internal/engine"
	"github.com/roach88/fieldsync/internal/proxy"
	"github.com/roach88/fieldsync/internal/queue"
	"github.com/roach88/fieldsync/internal/store"
	"github.com/roach88/fieldsync/internal/testutil"
)

func TestSubmit(t *testing.T) {
	var gotPath, gotKey, gotBody, gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get(HeaderIdempotencyKey)
		gotType = r.Header.Get("Content-Type")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	require.NoError(t, err)

	err = c.Submit(context.Background(), queue.PendingRecord{
		LocalID:        7,
		Type:           queue.Sale,
		Payload:        []byte(`{"amount":2000}`),
		IdempotencyKey: "0190a1b2-0000-7000-8000-000000000001",
	})
	require.NoError(t, err)
	assert.Equal(t, "/api/trpc/sales.create", gotPath)
	assert.Equal(t, "0190a1b2-0000-7000-8000-000000000001", gotKey)
	assert.Equal(t, "application/json", gotType)
	assert.Equal(t, `{"amount":2000}`, gotBody)
}

func TestSubmit_NonSuccessStaysQueued(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	require.NoError(t, err)

	err = c.Submit(context.Background(), queue.PendingRecord{Type: queue.Enrollment, Payload: []byte(`{}`)})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnprocessableEntity, se.StatusCode)
	assert.Contains(t, se.Endpoint, "/api/trpc/agent.enrollMerchant")
}

func TestSubmit_ThroughProxyWhileOffline(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "fieldsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	down := roundTripFunc(func(*http.Request) (*http.Response, error) {
		return nil, errors.New("network is unreachable")
	})
	tr := proxy.NewTransport(cache.New(s, cache.DefaultGeneration), proxy.WithBase(down))

	c, err := New("http://merchant.example", WithHTTPClient(tr.Client()))
	require.NoError(t, err)

	err = c.Submit(context.Background(), queue.PendingRecord{Type: queue.Sale, Payload: []byte(`{}`)})
	assert.ErrorIs(t, err, proxy.ErrOffline)
}

func TestEndpoint(t *testing.T) {
	c, err := New("https://merchant.example/base/", WithEndpoint(queue.Sale, "/v2/sales"))
	require.NoError(t, err)

	u, err := c.Endpoint(queue.Sale)
	require.NoError(t, err)
	assert.Equal(t, "https://merchant.example/base/v2/sales", u)

	_, err = c.Endpoint(queue.RecordType("refund"))
	assert.ErrorIs(t, err, queue.ErrUnknownRecordType)
}

func TestNew_RejectsRelativeURL(t *testing.T) {
	_, err := New("merchant.example")
	assert.Error(t, err)
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

func TestSubmit_DrainAgainstServer(t *testing.T) {
	rs := testutil.NewRemoteServer(t)
	s, err := store.Open(filepath.Join(t.TempDir(), "fieldsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	q := queue.New(s)
	c, err := New(rs.URL)
	require.NoError(t, err)
	e := engine.New(q, c)

	ctx := context.Background()
	for _, p := range []string{`{"amount":2000}`, `{"amount":3500}`} {
		_, err := q.Enqueue(ctx, queue.Sale, []byte(p))
		require.NoError(t, err)
	}

	rs.FailWith(http.StatusBadGateway)
	sum, err := e.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Failed())

	rs.FailWith(http.StatusOK)
	sum, err = e.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Delivered())

	got := rs.Accepted()
	require.Len(t, got, 2)
	assert.JSONEq(t, `{"amount":2000}`, string(got[0].Payload))
	assert.NotEqual(t, got[0].IdempotencyKey, got[1].IdempotencyKey)
	assert.Equal(t, "/api/trpc/sales.create", got[1].Path)
}
