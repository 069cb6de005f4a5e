// Package wake holds named background triggers. The proxy layer registers
// one trigger per record type; the daemon fires them on reconnect and on a
// periodic ticker so drains happen with no foreground caller.
package wake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Trigger names registered by the runtime.
const (
	SyncSales       = "sync-sales"
	SyncEnrollments = "sync-enrollments"
)

// ErrUnknownTrigger is returned by Fire for unregistered names.
var ErrUnknownTrigger = errors.New("wake: unknown trigger")

// Func is the work a trigger performs.
type Func func(ctx context.Context) error

// Registry maps trigger names to their work. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	triggers map[string]Func
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{triggers: make(map[string]Func)}
}

// Register binds name to fn, replacing any previous binding.
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.triggers[name] = fn
}

// Names returns the registered trigger names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.triggers))
	for name := range r.triggers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Fire runs the named trigger.
func (r *Registry) Fire(ctx context.Context, name string) error {
	r.mu.RLock()
	fn, ok := r.triggers[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTrigger, name)
	}
	if err := fn(ctx); err != nil {
		return fmt.Errorf("wake %s: %w", name, err)
	}
	return nil
}

// FireAll runs every trigger in name order. A failing trigger is logged and
// the rest still run; the joined errors are returned.
func (r *Registry) FireAll(ctx context.Context) error {
	var errs []error
	for _, name := range r.Names() {
		if err := r.Fire(ctx, name); err != nil {
			slog.Warn("wake trigger failed", "trigger", name, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Run fires every trigger whenever reconnect delivers a value and on each
// tick of interval (0 disables the ticker), until ctx is cancelled.
func (r *Registry) Run(ctx context.Context, reconnect <-chan struct{}, interval time.Duration) error {
	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-reconnect:
			slog.Debug("wake on reconnect")
			_ = r.FireAll(ctx)
		case <-tick:
			slog.Debug("wake on schedule")
			_ = r.FireAll(ctx)
		}
	}
}
