package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// Submission is one request accepted by a RemoteServer.
type Submission struct {
	Path           string
	IdempotencyKey string
	Payload        json.RawMessage
}

// RemoteServer is an in-process stand-in for the business server. It
// accepts JSON posts on any path and drops resends that carry an
// idempotency key it has already accepted.
type RemoteServer struct {
	*httptest.Server

	mu       sync.Mutex
	status   int
	accepted []Submission
	seen     map[string]bool
	requests int
}

// NewRemoteServer starts a server that is closed with the test.
func NewRemoteServer(t *testing.T) *RemoteServer {
	t.Helper()
	rs := &RemoteServer{status: http.StatusOK, seen: map[string]bool{}}
	rs.Server = httptest.NewServer(http.HandlerFunc(rs.serve))
	t.Cleanup(rs.Close)
	return rs
}

// FailWith makes every following request answer status without accepting.
// Pass http.StatusOK to recover.
func (rs *RemoteServer) FailWith(status int) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.status = status
}

// Accepted returns the accepted submissions in arrival order.
func (rs *RemoteServer) Accepted() []Submission {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out := make([]Submission, len(rs.accepted))
	copy(out, rs.accepted)
	return out
}

// Requests is the number of requests seen, accepted or not.
func (rs *RemoteServer) Requests() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.requests
}

func (rs *RemoteServer) serve(w http.ResponseWriter, r *http.Request) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.requests++

	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusOK)
		return
	}
	if rs.status != http.StatusOK {
		w.WriteHeader(rs.status)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil || !json.Valid(body) {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	key := r.Header.Get("Idempotency-Key")
	if key != "" && rs.seen[key] {
		w.WriteHeader(http.StatusOK)
		return
	}
	if key != "" {
		rs.seen[key] = true
	}
	rs.accepted = append(rs.accepted, Submission{
		Path:           r.URL.Path,
		IdempotencyKey: key,
		Payload:        json.RawMessage(body),
	})
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"ok":true}`))
}
