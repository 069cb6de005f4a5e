package engine

import "sync"

// Reason says why a drain was requested.
type Reason string

const (
	ReasonStart     Reason = "start"
	ReasonReconnect Reason = "reconnect"
	ReasonWake      Reason = "wake"
	ReasonManual    Reason = "manual"
)

// forced reports whether the reason bypasses the online check.
func (r Reason) forced() bool {
	return r == ReasonManual
}

// triggerQueue collects pending drain requests for the Run loop.
//
// Requests arriving while a drain is running accumulate and are consumed
// together by the next pass. The signal channel (buffered, size 1) coalesces
// wake-ups.
type triggerQueue struct {
	mu      sync.Mutex
	pending []Reason
	closed  bool
	signal  chan struct{}
}

func newTriggerQueue() *triggerQueue {
	return &triggerQueue{signal: make(chan struct{}, 1)}
}

// Push records a request. Returns false once the queue is closed.
func (q *triggerQueue) Push(r Reason) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.pending = append(q.pending, r)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TakeAll removes and returns every pending request.
func (q *triggerQueue) TakeAll() []Reason {
	q.mu.Lock()
	defer q.mu.Unlock()

	taken := q.pending
	q.pending = nil
	return taken
}

// Wait returns the channel signalled when requests may be pending. It is
// closed by Close.
func (q *triggerQueue) Wait() <-chan struct{} {
	return q.signal
}

// Close stops accepting requests and wakes the waiter.
func (q *triggerQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

func (q *triggerQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
