// Package netstate tracks whether the device is online and raises a
// reconnect signal on every offline to online transition.
package netstate

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/roach88/fieldsync/internal/metrics"
)

// State is the current connectivity view.
type State struct {
	Online           bool      `json:"online"`
	LastTransitionAt time.Time `json:"lastTransitionAt"`
}

// Prober reports whether the remote side is reachable right now.
type Prober interface {
	Probe(ctx context.Context) error
}

// Monitor owns the NetworkState. It only ever flips a flag and signals; it
// never blocks a caller.
type Monitor struct {
	prober   Prober
	interval time.Duration
	now      func() time.Time
	metrics  *metrics.Metrics

	mu        sync.RWMutex
	state     State
	listeners []func(State)

	// Signals a reconnect (buffered, size 1). Multiple transitions before the
	// consumer wakes coalesce into one signal.
	reconnect chan struct{}
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithProber enables active probing every interval in Run.
func WithProber(p Prober, interval time.Duration) Option {
	return func(m *Monitor) {
		m.prober = p
		m.interval = interval
	}
}

// WithClock overrides the wall clock used for LastTransitionAt.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithMetrics mirrors the online flag to a gauge.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Monitor) { m.metrics = mt }
}

// NewMonitor creates a monitor starting in the given state.
func NewMonitor(online bool, opts ...Option) *Monitor {
	m := &Monitor{
		now:       time.Now,
		reconnect: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.state = State{Online: online, LastTransitionAt: m.now()}
	m.metrics.SetOnline(online)
	return m
}

// State returns a snapshot of the connectivity state.
func (m *Monitor) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Online reports the current flag.
func (m *Monitor) Online() bool {
	return m.State().Online
}

// Reconnected returns the channel that receives a value after the device
// comes back online.
func (m *Monitor) Reconnected() <-chan struct{} {
	return m.reconnect
}

// OnChange registers a listener called after every transition. Listeners
// run on the caller of Set and must not block.
func (m *Monitor) OnChange(fn func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Set records a platform connectivity signal. Returns true when it caused a
// transition.
func (m *Monitor) Set(online bool) bool {
	m.mu.Lock()
	if m.state.Online == online {
		m.mu.Unlock()
		return false
	}
	m.state = State{Online: online, LastTransitionAt: m.now()}
	state := m.state
	listeners := append([]func(State){}, m.listeners...)
	m.mu.Unlock()

	m.metrics.SetOnline(online)
	if online {
		slog.Info("connection restored")
		select {
		case m.reconnect <- struct{}{}:
		default:
		}
	} else {
		slog.Info("connection lost")
	}

	for _, fn := range listeners {
		fn(state)
	}
	return true
}

// Run probes connectivity until ctx is cancelled. Without a prober it just
// waits for cancellation; Set remains the only input.
func (m *Monitor) Run(ctx context.Context) error {
	if m.prober == nil || m.interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.probeOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.probeOnce(ctx)
		}
	}
}

func (m *Monitor) probeOnce(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout())
	defer cancel()
	err := m.prober.Probe(probeCtx)
	if err != nil && ctx.Err() != nil {
		return
	}
	if err != nil {
		slog.Debug("connectivity probe failed", "error", err)
	}
	m.Set(err == nil)
}

func (m *Monitor) probeTimeout() time.Duration {
	if m.interval < 10*time.Second {
		return m.interval
	}
	return 10 * time.Second
}

// HTTPProber treats any HTTP response from URL as proof of connectivity.
type HTTPProber struct {
	Client *http.Client
	URL    string
}

// Probe issues a HEAD request to the probe URL.
func (p HTTPProber) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s: %w", p.URL, err)
	}
	resp.Body.Close()
	return nil
}
