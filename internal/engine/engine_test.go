package engine

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"github.com/roach88/fieldsync/internal/engine/mocks"
	"github.com/roach88/fieldsync/internal/metrics"
	"github.com/roach88/fieldsync/internal/queue"
	"github.com/roach88/fieldsync/internal/store"
)

func newTestQueue(t *testing.T) *queue.Queue {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "fieldsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return queue.New(s)
}

func enqueue(t *testing.T, q *queue.Queue, rt queue.RecordType, payload string) int64 {
	t.Helper()
	id, err := q.Enqueue(context.Background(), rt, []byte(payload))
	require.NoError(t, err)
	return id
}

func pending(t *testing.T, q *queue.Queue, rt queue.RecordType) int {
	t.Helper()
	n, err := q.Count(context.Background(), rt)
	require.NoError(t, err)
	return n
}

// localID matches records by queue-assigned ID.
func localID(id int64) gomock.Matcher {
	return gomock.Cond(func(x any) bool {
		rec, ok := x.(queue.PendingRecord)
		return ok && rec.LocalID == id
	})
}

type DrainSuite struct {
	suite.Suite
	ctrl      *gomock.Controller
	submitter *mocks.MockSubmitter
	queue     *queue.Queue
	engine    *Engine
}

func TestDrainSuite(t *testing.T) {
	suite.Run(t, new(DrainSuite))
}

func (s *DrainSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.submitter = mocks.NewMockSubmitter(s.ctrl)
	s.queue = newTestQueue(s.T())
	s.engine = New(s.queue, s.submitter)
}

func (s *DrainSuite) TestDeliversInEnqueueOrder() {
	t := s.T()
	a := enqueue(t, s.queue, queue.Sale, `{"amount":1}`)
	b := enqueue(t, s.queue, queue.Sale, `{"amount":2}`)
	c := enqueue(t, s.queue, queue.Sale, `{"amount":3}`)

	gomock.InOrder(
		s.submitter.EXPECT().Submit(gomock.Any(), localID(a)).Return(nil),
		s.submitter.EXPECT().Submit(gomock.Any(), localID(b)).Return(nil),
		s.submitter.EXPECT().Submit(gomock.Any(), localID(c)).Return(nil),
	)

	sum, err := s.engine.Drain(context.Background())
	s.Require().NoError(err)
	s.Equal(3, sum.Delivered())
	s.Equal(0, pending(t, s.queue, queue.Sale))
	s.Equal(StateIdle, s.engine.State())
}

func (s *DrainSuite) TestFailureContinuesToNextRecord() {
	t := s.T()
	a := enqueue(t, s.queue, queue.Sale, `{"amount":1}`)
	b := enqueue(t, s.queue, queue.Sale, `{"amount":2}`)
	c := enqueue(t, s.queue, queue.Sale, `{"amount":3}`)

	timeout := errors.New("i/o timeout")
	gomock.InOrder(
		s.submitter.EXPECT().Submit(gomock.Any(), localID(a)).Return(nil),
		s.submitter.EXPECT().Submit(gomock.Any(), localID(b)).Return(timeout),
		s.submitter.EXPECT().Submit(gomock.Any(), localID(c)).Return(nil),
	)

	sum, err := s.engine.Drain(context.Background())
	s.Require().NoError(err)
	s.Require().Len(sum.Reports, 2)

	sales := sum.Reports[0]
	s.Equal(queue.Sale, sales.Type)
	s.Equal(3, sales.Attempted)
	s.Equal(2, sales.Succeeded)
	s.Equal(1, sales.Failed)
	s.Require().Len(sales.Failures, 1)
	s.Equal(b, sales.Failures[0].LocalID)
	s.ErrorIs(sales.Failures[0], timeout)

	left, err := s.queue.List(context.Background(), queue.Sale)
	s.Require().NoError(err)
	s.Require().Len(left, 1)
	s.Equal(b, left[0].LocalID, "only the failed record stays queued")
}

func (s *DrainSuite) TestEmptyQueueMakesNoCalls() {
	sum, err := s.engine.Drain(context.Background())
	s.Require().NoError(err)
	s.Equal(0, sum.Delivered())
	s.Equal(int64(1), sum.Seq)
}

func (s *DrainSuite) TestTypesDrainedIndependently() {
	t := s.T()
	sale := enqueue(t, s.queue, queue.Sale, `{"amount":1}`)
	enr := enqueue(t, s.queue, queue.Enrollment, `{"name":"x"}`)

	s.submitter.EXPECT().Submit(gomock.Any(), localID(sale)).
		DoAndReturn(func(_ context.Context, rec queue.PendingRecord) error {
			s.Equal(queue.Sale, rec.Type)
			return errors.New("HTTP 500")
		})
	s.submitter.EXPECT().Submit(gomock.Any(), localID(enr)).
		DoAndReturn(func(_ context.Context, rec queue.PendingRecord) error {
			s.Equal(queue.Enrollment, rec.Type)
			return nil
		})

	_, err := s.engine.Drain(context.Background())
	s.Require().NoError(err)
	s.Equal(1, pending(t, s.queue, queue.Sale))
	s.Equal(0, pending(t, s.queue, queue.Enrollment))
}

func (s *DrainSuite) TestCancelledContextStopsDrain() {
	t := s.T()
	a := enqueue(t, s.queue, queue.Sale, `{"amount":1}`)
	enqueue(t, s.queue, queue.Sale, `{"amount":2}`)

	ctx, cancel := context.WithCancel(context.Background())
	s.submitter.EXPECT().Submit(gomock.Any(), localID(a)).
		DoAndReturn(func(context.Context, queue.PendingRecord) error {
			cancel()
			return nil
		})

	_, err := s.engine.Drain(ctx)
	s.ErrorIs(err, context.Canceled)
	s.Equal(1, pending(t, s.queue, queue.Sale), "unsent record is resumable")
}

// recordingRemote stands in for the server side of the scenario tests.
type recordingRemote struct {
	mu      sync.Mutex
	fail    map[int64]bool
	amounts []int
	keys    map[string]bool
}

func (r *recordingRemote) Submit(_ context.Context, rec queue.PendingRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail[rec.LocalID] {
		return errors.New("HTTP 503")
	}
	var sale struct {
		Amount int `json:"amount"`
	}
	if err := json.Unmarshal(rec.Payload, &sale); err != nil {
		return err
	}
	if r.keys == nil {
		r.keys = map[string]bool{}
	}
	r.keys[rec.IdempotencyKey] = true
	r.amounts = append(r.amounts, sale.Amount)
	return nil
}

func (r *recordingRemote) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	sum := 0
	for _, a := range r.amounts {
		sum += a
	}
	return sum
}

func TestRun_OfflineSalesDeliveredOnReconnect(t *testing.T) {
	q := newTestQueue(t)
	remote := &recordingRemote{}

	var mu sync.Mutex
	online := false
	isOnline := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return online
	}
	e := New(q, remote, WithOnline(isOnline))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	for _, amount := range []string{`{"amount":2000}`, `{"amount":3500}`, `{"amount":1000}`} {
		enqueue(t, q, queue.Sale, amount)
	}
	require.Eventually(t, func() bool {
		_, ok := e.LastSummary()
		return !ok && e.State() == StateIdle
	}, time.Second, 5*time.Millisecond, "start trigger is skipped while offline")
	assert.Equal(t, 3, pending(t, q, queue.Sale))

	mu.Lock()
	online = true
	mu.Unlock()
	require.NoError(t, e.Trigger(ReasonReconnect))

	require.Eventually(t, func() bool { return pending(t, q, queue.Sale) == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 6500, remote.total())
	assert.Len(t, remote.amounts, 3)
	assert.Len(t, remote.keys, 3, "every record carries its own idempotency key")

	e.Stop()
	assert.NoError(t, <-done)
	assert.ErrorIs(t, e.Trigger(ReasonWake), ErrStopped)
}

func TestDrain_FailingSubsetStaysQueued(t *testing.T) {
	q := newTestQueue(t)
	var ids []int64
	for i := 0; i < 6; i++ {
		ids = append(ids, enqueue(t, q, queue.Sale, `{"amount":100}`))
	}
	remote := &recordingRemote{fail: map[int64]bool{ids[1]: true, ids[4]: true}}

	_, err := New(q, remote).Drain(context.Background())
	require.NoError(t, err)

	left, err := q.List(context.Background(), queue.Sale)
	require.NoError(t, err)
	require.Len(t, left, 2)
	assert.Equal(t, ids[1], left[0].LocalID)
	assert.Equal(t, ids[4], left[1].LocalID)

	delete(remote.fail, ids[1])
	delete(remote.fail, ids[4])
	_, err = New(q, remote).Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, pending(t, q, queue.Sale))
	assert.Equal(t, 600, remote.total())
}

func TestDrain_ParallelTypesKeepPerTypeOrder(t *testing.T) {
	q := newTestQueue(t)
	for i := 1; i <= 5; i++ {
		enqueue(t, q, queue.Sale, `{"amount":`+string(rune('0'+i))+`}`)
		enqueue(t, q, queue.Enrollment, `{"amount":0}`)
	}

	var mu sync.Mutex
	seen := map[queue.RecordType][]int64{}
	sub := submitFunc(func(_ context.Context, rec queue.PendingRecord) error {
		mu.Lock()
		defer mu.Unlock()
		seen[rec.Type] = append(seen[rec.Type], rec.LocalID)
		return nil
	})

	sum, err := New(q, sub, WithParallelTypes(true)).Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, sum.Delivered())
	for _, rt := range queue.RecordTypes {
		assert.IsIncreasing(t, seen[rt], "%s delivered in enqueue order", rt)
	}
}

func TestDrain_StoreUnavailable(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "fieldsync.db"))
	require.NoError(t, err)
	q := queue.New(s)
	require.NoError(t, s.Close())

	_, err = New(q, submitFunc(func(context.Context, queue.PendingRecord) error { return nil })).
		Drain(context.Background())
	assert.ErrorIs(t, err, queue.ErrStoreUnavailable)
}

func TestDrain_Metrics(t *testing.T) {
	q := newTestQueue(t)
	m := metrics.New(prometheus.NewRegistry())
	enqueue(t, q, queue.Sale, `{"amount":1}`)
	enqueue(t, q, queue.Sale, `{"amount":2}`)

	calls := 0
	sub := submitFunc(func(context.Context, queue.PendingRecord) error {
		calls++
		if calls == 1 {
			return errors.New("timeout")
		}
		return nil
	})

	_, err := New(q, sub, WithMetrics(m)).Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SyncAttempts.WithLabelValues("sale")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SyncFailures.WithLabelValues("sale")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Drains))
}

func TestRun_ManualTriggerIgnoresOffline(t *testing.T) {
	q := newTestQueue(t)
	enqueue(t, q, queue.Sale, `{"amount":10}`)
	remote := &recordingRemote{}
	e := New(q, remote, WithOnline(func() bool { return false }))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	require.NoError(t, e.Trigger(ReasonManual))
	require.Eventually(t, func() bool { return pending(t, q, queue.Sale) == 0 }, time.Second, 5*time.Millisecond)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "sending", StateSending.String())
	assert.Equal(t, "state(9)", State(9).String())
}

type submitFunc func(ctx context.Context, rec queue.PendingRecord) error

func (f submitFunc) Submit(ctx context.Context, rec queue.PendingRecord) error { return f(ctx, rec) }

func TestServe_SkipsWhileOffline(t *testing.T) {
	q := newTestQueue(t)
	enqueue(t, q, queue.Sale, `{"amount":1}`)
	rr := &recordingRemote{}
	e := New(q, rr, WithOnline(func() bool { return false }))

	_, ran, err := e.Serve(context.Background(), ReasonReconnect, ReasonWake)
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Equal(t, 1, pending(t, q, queue.Sale))
	assert.Equal(t, StateIdle, e.State())

	sum, ran, err := e.Serve(context.Background(), ReasonWake, ReasonManual)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 1, sum.Delivered())
	assert.Equal(t, 1, rr.total())
}

func TestServe_SkipKeepsConcurrentDrainState(t *testing.T) {
	q := newTestQueue(t)
	enqueue(t, q, queue.Sale, `{"amount":1}`)

	sending := make(chan struct{})
	release := make(chan struct{})
	sub := submitFunc(func(context.Context, queue.PendingRecord) error {
		close(sending)
		<-release
		return nil
	})
	e := New(q, sub, WithOnline(func() bool { return false }))

	done := make(chan error, 1)
	go func() {
		_, err := e.Drain(context.Background())
		done <- err
	}()
	<-sending

	_, ran, err := e.Serve(context.Background(), ReasonWake)
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Equal(t, StateSending, e.State(), "a skipped trigger must not hide a running drain")

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateIdle, e.State())
}

func TestServe_SkipSettlesTriggeredState(t *testing.T) {
	q := newTestQueue(t)
	e := New(q, submitFunc(func(context.Context, queue.PendingRecord) error { return nil }),
		WithOnline(func() bool { return false }))

	require.NoError(t, e.Trigger(ReasonWake))
	assert.Equal(t, StateTriggered, e.State())

	_, ran, err := e.Serve(context.Background(), ReasonWake)
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Equal(t, StateIdle, e.State())
}
