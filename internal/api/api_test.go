package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fieldsync/internal/cache"
	"github.com/roach88/fieldsync/internal/engine"
	"github.com/roach88/fieldsync/internal/metrics"
	"github.com/roach88/fieldsync/internal/netstate"
	"github.com/roach88/fieldsync/internal/queue"
	"github.com/roach88/fieldsync/internal/remote"
	"github.com/roach88/fieldsync/internal/store"
	"github.com/roach88/fieldsync/internal/testutil"
	"github.com/roach88/fieldsync/internal/trust"
)

const fingerprint = "fp-device-1"

type fixture struct {
	handler http.Handler
	queue   *queue.Queue
	engine  *engine.Engine
	monitor *netstate.Monitor
	trust   *trust.Manager
	tokens  *trust.TokenStore
	clock   *testutil.FakeClock
	remote  *testutil.RemoteServer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "fieldsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	clock := testutil.NewFakeClock(time.Time{})
	rs := testutil.NewRemoteServer(t)

	q := queue.New(s, queue.WithMetrics(m))
	client, err := remote.New(rs.URL)
	require.NoError(t, err)
	mon := netstate.NewMonitor(true, netstate.WithMetrics(m))
	eng := engine.New(q, client, engine.WithOnline(mon.Online), engine.WithMetrics(m))
	mgr, err := trust.NewManager([]byte("api-secret"), trust.WithClock(clock.Now), trust.WithMetrics(m))
	require.NoError(t, err)
	tokens := trust.NewTokenStore(s)

	srv := New(Deps{
		Queue:      q,
		Engine:     eng,
		Monitor:    mon,
		Trust:      mgr,
		Tokens:     tokens,
		References: cache.New(s, cache.DefaultGeneration),
		Gatherer:   reg,
	})
	return &fixture{
		handler: srv.Routes(),
		queue:   q,
		engine:  eng,
		monitor: mon,
		trust:   mgr,
		tokens:  tokens,
		clock:   clock,
		remote:  rs,
	}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != "" {
		rd = bytes.NewReader([]byte(body))
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestEnqueueAndList(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/records/sale", `{"amount":2000}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[enqueueResponse](t, rec)
	assert.Equal(t, queue.Sale, created.Type)
	assert.Equal(t, 1, created.Pending)
	assert.Positive(t, created.LocalID)

	rec = f.do(t, http.MethodGet, "/v1/records/sale", "")
	require.Equal(t, http.StatusOK, rec.Code)
	listed := decode[struct {
		Records []queue.PendingRecord `json:"records"`
	}](t, rec)
	require.Len(t, listed.Records, 1)
	assert.Equal(t, created.LocalID, listed.Records[0].LocalID)
	assert.JSONEq(t, `{"amount":2000}`, string(listed.Records[0].Payload))
	assert.NotEmpty(t, listed.Records[0].IdempotencyKey)
}

func TestEnqueue_Rejections(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/records/refund", `{}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/records/sale", `{"amount":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	n, err := f.queue.Count(context.Background(), queue.Sale)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/v1/records/sale", `{"amount":1}`)
	f.do(t, http.MethodPost, "/v1/records/enrollment", `{"name":"Awa"}`)
	f.monitor.Set(false)

	rec := f.do(t, http.MethodGet, "/v1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got struct {
		Network struct {
			Online bool `json:"online"`
		} `json:"network"`
		Engine    string          `json:"engine"`
		Pending   map[string]int  `json:"pending"`
		LastDrain *engine.Summary `json:"lastDrain"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.False(t, got.Network.Online)
	assert.Equal(t, map[string]int{"sale": 1, "enrollment": 1}, got.Pending)
	assert.Nil(t, got.LastDrain)
}

func TestSync_WaitDrainsQueue(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/v1/records/sale", `{"amount":2000}`)
	f.do(t, http.MethodPost, "/v1/records/sale", `{"amount":3500}`)

	rec := f.do(t, http.MethodPost, "/v1/sync?wait=true", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	sum := decode[engine.Summary](t, rec)
	assert.Equal(t, 2, sum.Delivered())
	assert.Len(t, f.remote.Accepted(), 2)

	rec = f.do(t, http.MethodGet, "/v1/status", "")
	var st struct {
		Pending   map[string]int  `json:"pending"`
		LastDrain *engine.Summary `json:"lastDrain"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Zero(t, st.Pending["sale"])
	require.NotNil(t, st.LastDrain)
	assert.Equal(t, sum.Seq, st.LastDrain.Seq)
}

func TestSync_Triggered(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/sync", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, engine.StateTriggered, f.engine.State())
}

func TestSync_StoppedEngine(t *testing.T) {
	f := newFixture(t)
	f.engine.Stop()
	rec := f.do(t, http.MethodPost, "/v1/sync", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func issueToken(t *testing.T, f *fixture) *trust.Token {
	t.Helper()
	tok, err := f.trust.Generate(42, fingerprint, 95)
	require.NoError(t, err)
	require.NotNil(t, tok)
	return tok
}

func TestValidateToken_Serialized(t *testing.T) {
	f := newFixture(t)
	tok := issueToken(t, f)
	serialized, err := trust.Serialize(tok)
	require.NoError(t, err)

	body, err := json.Marshal(map[string]any{
		"token":             serialized,
		"deviceFingerprint": fingerprint,
		"action":            trust.ActionCreateSale,
	})
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/v1/trust/validate", string(body))
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[validateResponse](t, rec)
	assert.True(t, got.Valid)
	assert.Equal(t, (3 * time.Hour).Milliseconds(), got.TimeRemainingMs)
	assert.False(t, got.NeedsRenewal)
	require.NotNil(t, got.ActionAllowed)
	assert.True(t, *got.ActionAllowed)
	require.NotNil(t, got.Metadata)
	assert.Equal(t, "3h 0min", got.Metadata.ExpiresIn)
}

func TestValidateToken_RestrictedAction(t *testing.T) {
	f := newFixture(t)
	tok := issueToken(t, f)
	raw, err := json.Marshal(tok)
	require.NoError(t, err)

	body := `{"token":` + string(raw) + `,"deviceFingerprint":"` + fingerprint + `","action":"transfer_money"}`
	rec := f.do(t, http.MethodPost, "/v1/trust/validate", body)
	got := decode[validateResponse](t, rec)
	assert.True(t, got.Valid)
	require.NotNil(t, got.ActionAllowed)
	assert.False(t, *got.ActionAllowed)
}

func TestValidateToken_Failures(t *testing.T) {
	f := newFixture(t)
	tok := issueToken(t, f)
	serialized, err := trust.Serialize(tok)
	require.NoError(t, err)

	tests := []struct {
		name   string
		body   map[string]any
		before func()
		want   trust.Reason
	}{
		{
			name: "other device",
			body: map[string]any{"token": serialized, "deviceFingerprint": "fp-other"},
			want: trust.ReasonDeviceMismatch,
		},
		{
			name: "garbage token",
			body: map[string]any{"token": "not a token", "deviceFingerprint": fingerprint},
			want: trust.ReasonMalformed,
		},
		{
			name:   "expired",
			body:   map[string]any{"token": serialized, "deviceFingerprint": fingerprint},
			before: func() { f.clock.Advance(4 * time.Hour) },
			want:   trust.ReasonExpired,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.before != nil {
				tt.before()
			}
			body, err := json.Marshal(tt.body)
			require.NoError(t, err)
			rec := f.do(t, http.MethodPost, "/v1/trust/validate", string(body))
			require.Equal(t, http.StatusOK, rec.Code)
			got := decode[validateResponse](t, rec)
			assert.False(t, got.Valid)
			assert.Equal(t, tt.want, got.Reason)
			assert.Nil(t, got.Metadata)
		})
	}
}

func TestValidateToken_StoredSlot(t *testing.T) {
	f := newFixture(t)
	tok := issueToken(t, f)
	require.NoError(t, f.tokens.Save(context.Background(), tok))
	f.clock.Advance(2*time.Hour + 45*time.Minute)

	rec := f.do(t, http.MethodPost, "/v1/trust/validate",
		`{"merchantId":42,"deviceFingerprint":"`+fingerprint+`"}`)
	got := decode[validateResponse](t, rec)
	assert.True(t, got.Valid)
	assert.True(t, got.NeedsRenewal)
	require.NotNil(t, got.Metadata)
	assert.True(t, got.Metadata.ExpiringSoon)
	assert.Equal(t, "15 minutes", got.Metadata.ExpiresIn)
}

func TestValidateToken_BadBody(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/trust/validate", `[`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetrics(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/v1/records/sale", `{"amount":1}`)

	rec := f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `fieldsync_queue_pending_records{type="sale"} 1`)
}

func TestReferences_ReplaceListGet(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPut, "/v1/references/products",
		`[{"id":"p2","body":{"name":"Maize"}},{"id":"p1","body":{"name":"Rice"}}]`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"kind":"products","count":2}`, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/v1/references/products", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		References []cache.Reference `json:"references"`
	}](t, rec)
	require.Len(t, list.References, 2)
	assert.Equal(t, "p1", list.References[0].ID)
	assert.JSONEq(t, `{"name":"Rice"}`, string(list.References[0].Body))

	rec = f.do(t, http.MethodGet, "/v1/references/products/p2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"name":"Maize"}`, rec.Body.String())

	// A replace drops rows missing from the new catalogue.
	rec = f.do(t, http.MethodPut, "/v1/references/products", `[{"id":"p1","body":{"name":"Rice"}}]`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodGet, "/v1/references/products/p2", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReferences_PutOne(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPut, "/v1/references/units/kg", `{"label":"Kilogram"}`)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/references/units/kg", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"label":"Kilogram"}`, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/v1/references/units", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"kg"`)
}

func TestReferences_BadRequests(t *testing.T) {
	f := newFixture(t)

	for _, body := range []string{`not json`, `[{"body":{}}]`, `{"id":"x"}`} {
		rec := f.do(t, http.MethodPut, "/v1/references/products", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
	rec := f.do(t, http.MethodPut, "/v1/references/units/kg", `{"label":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/references/products", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"references":[]}`, rec.Body.String())
}
