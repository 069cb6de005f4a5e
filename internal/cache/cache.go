// Package cache is the local read cache: copies of prior network responses,
// tagged with a cache generation, plus cached reference data such as the
// product catalogue.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/roach88/fieldsync/internal/store"
)

// DefaultGeneration is the cache generation used when none is configured.
const DefaultGeneration = "fieldsync-v1"

// Entry is one cached response.
type Entry struct {
	RequestKey string
	Status     int
	Header     http.Header
	Body       []byte
	CachedAt   time.Time
	Generation string
}

// Cache stores responses under the active generation tag. Lookups never see
// entries of another generation.
type Cache struct {
	store *store.Store
	now   func() time.Time

	mu         sync.RWMutex
	generation string
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the wall clock used for CachedAt.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New returns a cache over s using generation as the active tag. Call
// Activate to purge entries left by earlier generations.
func New(s *store.Store, generation string, opts ...Option) *Cache {
	if generation == "" {
		generation = DefaultGeneration
	}
	c := &Cache{store: s, now: time.Now, generation: generation}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Generation returns the active generation tag.
func (c *Cache) Generation() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generation
}

// Activate makes tag the active generation and deletes every entry stored
// under any other tag. Returns the number of purged entries.
func (c *Cache) Activate(ctx context.Context, tag string) (int64, error) {
	if tag == "" {
		return 0, errors.New("activate: empty generation tag")
	}

	var purged int64
	err := c.store.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM response_cache WHERE generation <> ?`, tag)
		if err != nil {
			return err
		}
		purged, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("activate generation %q: %w", tag, err)
	}

	c.mu.Lock()
	c.generation = tag
	c.mu.Unlock()
	return purged, nil
}

// Put stores e under the active generation, replacing any previous entry for
// the same request key.
func (c *Cache) Put(ctx context.Context, e Entry) error {
	header, err := json.Marshal(e.Header)
	if err != nil {
		return fmt.Errorf("put %q: marshal header: %w", e.RequestKey, err)
	}
	if e.Body == nil {
		e.Body = []byte{}
	}

	err = c.store.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO response_cache (request_key, generation, status, header, body, cached_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(generation, request_key) DO UPDATE SET
				status = excluded.status,
				header = excluded.header,
				body = excluded.body,
				cached_at = excluded.cached_at
		`, e.RequestKey, c.Generation(), e.Status, string(header), e.Body, c.now().UnixMilli())
		return err
	})
	if err != nil {
		return fmt.Errorf("put %q: %w", e.RequestKey, err)
	}
	return nil
}

// Get returns the entry for key under the active generation.
func (c *Cache) Get(ctx context.Context, key string) (Entry, bool, error) {
	var (
		e        Entry
		header   string
		cachedAt int64
	)
	err := c.store.DB().QueryRowContext(ctx, `
		SELECT request_key, generation, status, header, body, cached_at
		FROM response_cache
		WHERE generation = ? AND request_key = ?
	`, c.Generation(), key).Scan(&e.RequestKey, &e.Generation, &e.Status, &header, &e.Body, &cachedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("get %q: %w", key, store.Classify(err))
	}

	if err := json.Unmarshal([]byte(header), &e.Header); err != nil {
		return Entry{}, false, fmt.Errorf("get %q: unmarshal header: %w", key, err)
	}
	e.CachedAt = time.UnixMilli(cachedAt).UTC()
	return e, true, nil
}

// Delete removes the entry for key under the active generation.
func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.store.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM response_cache WHERE generation = ? AND request_key = ?`, c.Generation(), key)
		return err
	})
}

// Len counts entries across all generations, including ones Activate has
// not purged yet.
func (c *Cache) Len(ctx context.Context) (int, error) {
	var n int
	if err := c.store.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM response_cache`).Scan(&n); err != nil {
		return 0, store.Classify(err)
	}
	return n, nil
}
