package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/roach88/fieldsync/internal/metrics"
	"github.com/roach88/fieldsync/internal/store"
)

// ErrStoreUnavailable is returned (wrapped) when the local store cannot be
// used. There is no in-memory fallback and no automatic retry.
var ErrStoreUnavailable = store.ErrUnavailable

// Observer receives the new pending count of a record type after every
// mutating call. Observers run synchronously and must not block.
type Observer func(t RecordType, pending int)

// Queue is the local durable queue. Safe for concurrent use; every call is
// its own transaction against the shared store.
type Queue struct {
	store   *store.Store
	keys    KeyGenerator
	now     func() time.Time
	metrics *metrics.Metrics

	mu        sync.RWMutex
	observers []Observer
}

// Option configures a Queue.
type Option func(*Queue)

// WithKeyGenerator overrides the idempotency key generator (default UUIDv7).
func WithKeyGenerator(g KeyGenerator) Option {
	return func(q *Queue) { q.keys = g }
}

// WithClock overrides the wall clock used for EnqueuedAt.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithMetrics publishes pending counts to the given collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// New creates a Queue backed by s.
func New(s *store.Store, opts ...Option) *Queue {
	q := &Queue{
		store: s,
		keys:  UUIDv7Generator{},
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Subscribe registers an observer of pending counts.
func (q *Queue) Subscribe(o Observer) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.observers = append(q.observers, o)
}

// Enqueue persists a record and returns its local ID. The record is
// committed to disk before Enqueue returns.
func (q *Queue) Enqueue(ctx context.Context, t RecordType, payload []byte) (int64, error) {
	table, err := t.table()
	if err != nil {
		return 0, err
	}
	if !json.Valid(payload) {
		return 0, ErrInvalidPayload
	}
	if err := q.ready(); err != nil {
		return 0, err
	}

	key := q.keys.Generate()
	var localID int64
	err = q.store.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO %s (idempotency_key, payload, enqueued_at) VALUES (?, ?, ?)`, table),
			key, string(payload), q.now().UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("insert: %w", err)
		}
		localID, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("last insert id: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("enqueue %s: %w", t, err)
	}

	q.publish(ctx, t)
	return localID, nil
}

// List returns the records of type t in insertion order. Each call re-reads
// the durable state.
func (q *Queue) List(ctx context.Context, t RecordType) ([]PendingRecord, error) {
	table, err := t.table()
	if err != nil {
		return nil, err
	}
	if err := q.ready(); err != nil {
		return nil, err
	}

	rows, err := q.store.DB().QueryContext(ctx, fmt.Sprintf(`
		SELECT local_id, idempotency_key, payload, enqueued_at
		FROM %s
		ORDER BY local_id ASC
	`, table))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", t, store.Classify(err))
	}
	defer rows.Close()

	records := []PendingRecord{}
	for rows.Next() {
		var (
			rec        PendingRecord
			payload    string
			enqueuedAt int64
		)
		if err := rows.Scan(&rec.LocalID, &rec.IdempotencyKey, &payload, &enqueuedAt); err != nil {
			return nil, fmt.Errorf("list %s: scan: %w", t, err)
		}
		rec.Type = t
		rec.Payload = json.RawMessage(payload)
		rec.EnqueuedAt = time.UnixMilli(enqueuedAt).UTC()
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list %s: iterate: %w", t, store.Classify(err))
	}

	return records, nil
}

// Remove deletes a record by local ID. Removing an ID that is not queued is
// a no-op.
func (q *Queue) Remove(ctx context.Context, t RecordType, localID int64) error {
	table, err := t.table()
	if err != nil {
		return err
	}
	if err := q.ready(); err != nil {
		return err
	}

	err = q.store.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE local_id = ?`, table), localID)
		return err
	})
	if err != nil {
		return fmt.Errorf("remove %s %d: %w", t, localID, err)
	}

	q.publish(ctx, t)
	return nil
}

// Count returns the number of queued records of type t.
func (q *Queue) Count(ctx context.Context, t RecordType) (int, error) {
	table, err := t.table()
	if err != nil {
		return 0, err
	}
	if err := q.ready(); err != nil {
		return 0, err
	}

	var count int
	if err := q.store.DB().QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table)).Scan(&count); err != nil {
		return 0, fmt.Errorf("count %s: %w", t, store.Classify(err))
	}
	return count, nil
}

// Counts returns the pending count of every record type.
func (q *Queue) Counts(ctx context.Context) (map[RecordType]int, error) {
	counts := make(map[RecordType]int, len(RecordTypes))
	for _, t := range RecordTypes {
		n, err := q.Count(ctx, t)
		if err != nil {
			return nil, err
		}
		counts[t] = n
	}
	return counts, nil
}

// Clear removes every queued record of type t.
func (q *Queue) Clear(ctx context.Context, t RecordType) error {
	table, err := t.table()
	if err != nil {
		return err
	}
	if err := q.ready(); err != nil {
		return err
	}

	err = q.store.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, table))
		return err
	})
	if err != nil {
		return fmt.Errorf("clear %s: %w", t, err)
	}

	q.publish(ctx, t)
	return nil
}

func (q *Queue) ready() error {
	if q.store == nil || q.store.DB() == nil {
		return ErrStoreUnavailable
	}
	return nil
}

// publish pushes the current count of t to the gauge and observers. A failed
// count is skipped; the mutation itself already succeeded.
func (q *Queue) publish(ctx context.Context, t RecordType) {
	n, err := q.Count(ctx, t)
	if err != nil {
		return
	}
	q.metrics.SetPending(string(t), n)

	q.mu.RLock()
	observers := append([]Observer(nil), q.observers...)
	q.mu.RUnlock()
	for _, o := range observers {
		o(t, n)
	}
}
