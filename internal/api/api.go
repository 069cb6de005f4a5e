// Package api is the local device HTTP surface used by the UI layer:
// enqueue and list pending records, connectivity and sync status, manual
// sync, offline token checks, cached reference data, metrics and health.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/fieldsync/internal/cache"
	"github.com/roach88/fieldsync/internal/engine"
	"github.com/roach88/fieldsync/internal/netstate"
	"github.com/roach88/fieldsync/internal/queue"
	"github.com/roach88/fieldsync/internal/trust"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Deps are the services the API exposes. Tokens, References and Gatherer
// are optional.
type Deps struct {
	Queue      *queue.Queue
	Engine     *engine.Engine
	Monitor    *netstate.Monitor
	Trust      *trust.Manager
	Tokens     *trust.TokenStore
	References *cache.Cache
	Gatherer   prometheus.Gatherer
}

// Server serves the local API.
type Server struct {
	deps Deps
}

// New creates a Server.
func New(deps Deps) *Server {
	return &Server{deps: deps}
}

// Routes returns the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", s.handleHealth)
	if s.deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/records/{type}", s.handleEnqueue)
		r.Get("/records/{type}", s.handleList)
		r.Get("/status", s.handleStatus)
		r.Post("/sync", s.handleSync)
		r.Post("/trust/validate", s.handleValidateToken)
		if s.deps.References != nil {
			r.Get("/references/{kind}", s.handleListReferences)
			r.Put("/references/{kind}", s.handleReplaceReferences)
			r.Get("/references/{kind}/{id}", s.handleGetReference)
			r.Put("/references/{kind}/{id}", s.handlePutReference)
		}
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type enqueueResponse struct {
	LocalID int64            `json:"localId"`
	Type    queue.RecordType `json:"type"`
	Pending int              `json:"pending"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t, err := queue.ParseRecordType(chi.URLParam(r, "type"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	var payload json.RawMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}

	id, err := s.deps.Queue.Enqueue(ctx, t, payload)
	if err != nil {
		writeQueueError(w, r, err)
		return
	}
	pending, err := s.deps.Queue.Count(ctx, t)
	if err != nil {
		writeQueueError(w, r, err)
		return
	}

	// A record queued while online goes out right away.
	if s.deps.Monitor == nil || s.deps.Monitor.Online() {
		_ = s.deps.Engine.Trigger(engine.ReasonWake)
	}

	writeJSON(w, http.StatusCreated, enqueueResponse{LocalID: id, Type: t, Pending: pending})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	t, err := queue.ParseRecordType(chi.URLParam(r, "type"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	records, err := s.deps.Queue.List(r.Context(), t)
	if err != nil {
		writeQueueError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

type statusResponse struct {
	Network   *netstate.State          `json:"network,omitempty"`
	Engine    engine.State             `json:"engine"`
	Pending   map[queue.RecordType]int `json:"pending"`
	LastDrain *engine.Summary          `json:"lastDrain,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	pending, err := s.deps.Queue.Counts(r.Context())
	if err != nil {
		writeQueueError(w, r, err)
		return
	}

	resp := statusResponse{Engine: s.deps.Engine.State(), Pending: pending}
	if s.deps.Monitor != nil {
		st := s.deps.Monitor.State()
		resp.Network = &st
	}
	if sum, ok := s.deps.Engine.LastSummary(); ok {
		resp.LastDrain = &sum
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSync drains synchronously with ?wait=true, otherwise queues a manual
// trigger for the background loop.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("wait") == "true" {
		sum, err := s.deps.Engine.Drain(r.Context())
		if err != nil {
			writeQueueError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, sum)
		return
	}

	if err := s.deps.Engine.Trigger(engine.ReasonManual); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

type validateRequest struct {
	Token             json.RawMessage `json:"token,omitempty"`
	MerchantID        int64           `json:"merchantId,omitempty"`
	DeviceFingerprint string          `json:"deviceFingerprint"`
	Action            trust.Action    `json:"action,omitempty"`
}

type validateResponse struct {
	Valid           bool            `json:"valid"`
	Reason          trust.Reason    `json:"reason,omitempty"`
	TimeRemainingMs int64           `json:"timeRemainingMs,omitempty"`
	NeedsRenewal    bool            `json:"needsRenewal"`
	ActionAllowed   *bool           `json:"actionAllowed,omitempty"`
	Metadata        *trust.Metadata `json:"metadata,omitempty"`
}

// handleValidateToken checks a presented token, or the merchant's stored
// token when only merchantId is given. Validation failures are 200s with a
// reason; the caller decides between re-authentication and denial.
func (s *Server) handleValidateToken(w http.ResponseWriter, r *http.Request) {
	if s.deps.Trust == nil {
		writeError(w, http.StatusServiceUnavailable, trust.ErrMissingSecret)
		return
	}

	var req validateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}

	var tok *trust.Token
	switch {
	case len(req.Token) > 0:
		tok = decodeToken(req.Token)
	case req.MerchantID != 0 && s.deps.Tokens != nil:
		loaded, err := s.deps.Tokens.Load(r.Context(), req.MerchantID)
		if err != nil {
			writeQueueError(w, r, err)
			return
		}
		tok = loaded
	}

	v := s.deps.Trust.Validate(tok, req.DeviceFingerprint)
	resp := validateResponse{
		Valid:           v.Valid,
		Reason:          v.Reason,
		TimeRemainingMs: v.TimeRemaining.Milliseconds(),
		NeedsRenewal:    v.Valid && s.deps.Trust.NeedsRenewal(tok),
	}
	if v.Valid {
		md := s.deps.Trust.Describe(tok)
		resp.Metadata = &md
		if req.Action != "" {
			allowed := trust.IsActionAllowed(tok, req.Action)
			resp.ActionAllowed = &allowed
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListReferences(w http.ResponseWriter, r *http.Request) {
	refs, err := s.deps.References.ListReferences(r.Context(), chi.URLParam(r, "kind"))
	if err != nil {
		writeQueueError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"references": refs})
}

type referenceRow struct {
	ID   string          `json:"id"`
	Body json.RawMessage `json:"body"`
}

// handleReplaceReferences swaps the whole catalogue of a kind, e.g. after
// the UI fetched a fresh product list while online.
func (s *Server) handleReplaceReferences(w http.ResponseWriter, r *http.Request) {
	var rows []referenceRow
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&rows); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}
	refs := make([]cache.Reference, 0, len(rows))
	for _, row := range rows {
		if row.ID == "" || !json.Valid(row.Body) {
			writeError(w, http.StatusBadRequest, errors.New("every reference needs an id and a JSON body"))
			return
		}
		refs = append(refs, cache.Reference{ID: row.ID, Body: row.Body})
	}

	kind := chi.URLParam(r, "kind")
	if err := s.deps.References.ReplaceReferences(r.Context(), kind, refs); err != nil {
		writeQueueError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"kind": kind, "count": len(refs)})
}

func (s *Server) handleGetReference(w http.ResponseWriter, r *http.Request) {
	kind, id := chi.URLParam(r, "kind"), chi.URLParam(r, "id")
	body, ok, err := s.deps.References.GetReference(r.Context(), kind, id)
	if err != nil {
		writeQueueError(w, r, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("reference not found"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *Server) handlePutReference(w http.ResponseWriter, r *http.Request) {
	var body json.RawMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}
	kind, id := chi.URLParam(r, "kind"), chi.URLParam(r, "id")
	if err := s.deps.References.PutReference(r.Context(), kind, id, body); err != nil {
		writeQueueError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decodeToken accepts either the token object or its serialized string.
func decodeToken(raw json.RawMessage) *trust.Token {
	var serialized string
	if err := json.Unmarshal(raw, &serialized); err == nil {
		return trust.Deserialize(serialized)
	}
	return trust.Deserialize(string(raw))
}

func writeQueueError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, queue.ErrInvalidPayload):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, queue.ErrStoreUnavailable):
		slog.Error("local store unavailable", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusServiceUnavailable, queue.ErrStoreUnavailable)
	default:
		slog.Error("request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("internal error"))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
