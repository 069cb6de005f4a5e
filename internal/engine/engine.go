package engine

//go:generate mockgen -source=engine.go -destination=mocks/mocks.go -package=mocks Submitter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/fieldsync/internal/metrics"
	"github.com/roach88/fieldsync/internal/queue"
)

// Submitter delivers one record to its remote endpoint. A nil error means
// the remote accepted the record.
type Submitter interface {
	Submit(ctx context.Context, rec queue.PendingRecord) error
}

// State is the engine's position in its drain cycle.
type State int

const (
	StateIdle State = iota
	StateTriggered
	StateDraining
	StateSending
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTriggered:
		return "triggered"
	case StateDraining:
		return "draining"
	case StateSending:
		return "sending"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText encodes the state name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Report summarizes one record type within a drain pass.
type Report struct {
	Type      queue.RecordType `json:"type"`
	Attempted int              `json:"attempted"`
	Succeeded int              `json:"succeeded"`
	Failed    int              `json:"failed"`
	Failures  []*DeliveryError `json:"-"`
}

// Summary is the result of a drain pass.
type Summary struct {
	Seq        int64     `json:"seq"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Reports    []Report  `json:"reports"`
}

// Delivered is the number of records removed from the queue by the pass.
func (s Summary) Delivered() int {
	n := 0
	for _, r := range s.Reports {
		n += r.Succeeded
	}
	return n
}

// Failed is the number of records left queued after a failed attempt.
func (s Summary) Failed() int {
	n := 0
	for _, r := range s.Reports {
		n += r.Failed
	}
	return n
}

// Engine drains the queue through a Submitter.
//
// Trigger and Drain are safe from any goroutine. Run must be called from
// exactly one goroutine. Drain passes never overlap; a Drain call made
// while another pass runs waits for it.
type Engine struct {
	queue     *queue.Queue
	submitter Submitter
	online    func() bool
	types     []queue.RecordType
	parallel  bool
	now       func() time.Time
	metrics   *metrics.Metrics
	clock     *Clock
	triggers  *triggerQueue

	drainMu sync.Mutex

	mu    sync.RWMutex
	state State
	last  *Summary
}

// Option configures an Engine.
type Option func(*Engine)

// WithOnline sets the connectivity check consulted before non-manual drains.
// Without it the engine assumes it is online.
func WithOnline(online func() bool) Option {
	return func(e *Engine) { e.online = online }
}

// WithParallelTypes drains each record type in its own goroutine.
func WithParallelTypes(parallel bool) Option {
	return func(e *Engine) { e.parallel = parallel }
}

// WithRecordTypes restricts and orders the types drained per pass.
func WithRecordTypes(types ...queue.RecordType) Option {
	return func(e *Engine) { e.types = append([]queue.RecordType(nil), types...) }
}

// WithClock overrides the wall clock used in summaries.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithMetrics records attempts and drains.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New creates an Engine draining q through s.
func New(q *queue.Queue, s Submitter, opts ...Option) *Engine {
	e := &Engine{
		queue:     q,
		submitter: s,
		online:    func() bool { return true },
		types:     append([]queue.RecordType(nil), queue.RecordTypes...),
		now:       time.Now,
		clock:     NewClock(),
		triggers:  newTriggerQueue(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// State returns the current state.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// LastSummary returns the most recent completed pass, if any.
func (e *Engine) LastSummary() (Summary, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.last == nil {
		return Summary{}, false
	}
	return *e.last, true
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = s
}

// settle returns a triggered engine to idle. A pass running on another
// goroutine keeps its state.
func (e *Engine) settle() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateTriggered {
		e.state = StateIdle
	}
}

// Trigger asks the Run loop for a drain pass. Requests made while a pass is
// running are served by the following pass.
func (e *Engine) Trigger(reason Reason) error {
	if !e.triggers.Push(reason) {
		return ErrStopped
	}
	e.mu.Lock()
	if e.state == StateIdle {
		e.state = StateTriggered
	}
	e.mu.Unlock()
	slog.Debug("drain triggered", "reason", reason)
	return nil
}

// Run serves triggers until ctx is cancelled or Stop is called. A start
// trigger is queued first.
//
// A failing pass is logged and the loop keeps serving triggers; records
// that were not delivered stay queued for the next pass.
func (e *Engine) Run(ctx context.Context) error {
	slog.Info("sync engine starting")
	if err := e.Trigger(ReasonStart); err != nil {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("sync engine stopping: context cancelled")
			e.triggers.Close()
			return ctx.Err()

		case <-e.triggers.Wait():
			if e.triggers.isClosed() {
				slog.Info("sync engine stopping: stopped")
				return nil
			}
			reasons := e.triggers.TakeAll()
			if len(reasons) == 0 {
				continue
			}
			e.serve(ctx, reasons)
		}
	}
}

// Stop makes Run return and rejects further triggers.
func (e *Engine) Stop() {
	e.triggers.Close()
}

func (e *Engine) serve(ctx context.Context, reasons []Reason) {
	if _, _, err := e.Serve(ctx, reasons...); err != nil {
		slog.Error("drain failed", "error", err)
	}
}

// Serve runs the pass the given triggers ask for, synchronously. When none
// of them is forced and the device is offline the pass is skipped and ran
// is false.
func (e *Engine) Serve(ctx context.Context, reasons ...Reason) (sum Summary, ran bool, err error) {
	forced := false
	for _, r := range reasons {
		forced = forced || r.forced()
	}
	if !forced && !e.online() {
		slog.Debug("drain skipped: offline", "reasons", reasons)
		e.settle()
		return Summary{}, false, nil
	}
	sum, err = e.Drain(ctx)
	return sum, true, err
}

// Drain delivers every queued record now, regardless of connectivity.
//
// Per-record failures are reported in the summary, not returned. An error
// is returned only when the queue itself cannot be read or updated, or ctx
// ends; the summary then covers what was done before that.
func (e *Engine) Drain(ctx context.Context) (Summary, error) {
	e.drainMu.Lock()
	defer e.drainMu.Unlock()

	sum := Summary{Seq: e.clock.Next(), StartedAt: e.now()}
	e.setState(StateDraining)
	e.metrics.IncrementDrains()
	slog.Debug("drain starting", "seq", sum.Seq, "parallel", e.parallel)

	reports := make([]Report, len(e.types))
	var err error
	if e.parallel {
		g, gctx := errgroup.WithContext(ctx)
		for i, t := range e.types {
			g.Go(func() error {
				var derr error
				reports[i], derr = e.drainType(gctx, t)
				return derr
			})
		}
		err = g.Wait()
	} else {
		for i, t := range e.types {
			reports[i], err = e.drainType(ctx, t)
			if err != nil {
				break
			}
		}
	}

	sum.FinishedAt = e.now()
	for _, r := range reports {
		if r.Type != "" {
			sum.Reports = append(sum.Reports, r)
		}
	}

	e.mu.Lock()
	e.state = StateIdle
	e.last = &sum
	e.mu.Unlock()

	slog.Info("drain finished",
		"seq", sum.Seq,
		"delivered", sum.Delivered(),
		"failed", sum.Failed(),
		"duration", sum.FinishedAt.Sub(sum.StartedAt))
	return sum, err
}

// drainType walks one record type in enqueue order, one call in flight.
func (e *Engine) drainType(ctx context.Context, t queue.RecordType) (Report, error) {
	rep := Report{Type: t}

	records, err := e.queue.List(ctx, t)
	if err != nil {
		return rep, fmt.Errorf("drain %s: %w", t, err)
	}

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return rep, err
		}

		e.setState(StateSending)
		rep.Attempted++
		serr := e.submitter.Submit(ctx, rec)
		e.metrics.RecordAttempt(string(t), serr == nil)

		if serr != nil {
			rep.Failed++
			derr := &DeliveryError{Type: t, LocalID: rec.LocalID, Err: serr}
			rep.Failures = append(rep.Failures, derr)
			slog.Warn("delivery failed, record stays queued",
				"type", t, "local_id", rec.LocalID, "error", serr)
			e.setState(StateDraining)
			continue
		}

		// The remote already accepted the record, so its removal must not
		// be cut short by cancellation.
		if err := e.queue.Remove(context.WithoutCancel(ctx), t, rec.LocalID); err != nil {
			// Delivered but still queued; the idempotency key makes the
			// resend harmless.
			return rep, fmt.Errorf("drain %s: %w", t, err)
		}
		rep.Succeeded++
		slog.Debug("record delivered", "type", t, "local_id", rec.LocalID)
		e.setState(StateDraining)
	}
	return rep, nil
}
