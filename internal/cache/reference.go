package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/fieldsync/internal/store"
)

// Reference is one cached reference-data row, e.g. a product of the catalogue.
type Reference struct {
	Kind      string          `json:"kind"`
	ID        string          `json:"id"`
	Body      json.RawMessage `json:"body"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// PutReference stores or replaces one reference row.
func (c *Cache) PutReference(ctx context.Context, kind, id string, body []byte) error {
	if !json.Valid(body) {
		return fmt.Errorf("put reference %s/%s: body is not valid JSON", kind, id)
	}
	return c.store.WithTx(ctx, func(tx *sql.Tx) error {
		return upsertReference(ctx, tx, kind, id, body, c.now())
	})
}

// ReplaceReferences swaps the whole set of rows of kind in one transaction,
// so readers never observe a half-refreshed catalogue.
func (c *Cache) ReplaceReferences(ctx context.Context, kind string, rows []Reference) error {
	now := c.now()
	return c.store.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM reference_data WHERE kind = ?`, kind); err != nil {
			return fmt.Errorf("replace references %s: %w", kind, err)
		}
		for _, r := range rows {
			if err := upsertReference(ctx, tx, kind, r.ID, r.Body, now); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetReference returns the body of one reference row.
func (c *Cache) GetReference(ctx context.Context, kind, id string) (json.RawMessage, bool, error) {
	var body []byte
	err := c.store.DB().QueryRowContext(ctx,
		`SELECT body FROM reference_data WHERE kind = ? AND id = ?`, kind, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get reference %s/%s: %w", kind, id, store.Classify(err))
	}
	return json.RawMessage(body), true, nil
}

// ListReferences returns every row of kind ordered by id.
func (c *Cache) ListReferences(ctx context.Context, kind string) ([]Reference, error) {
	rows, err := c.store.DB().QueryContext(ctx, `
		SELECT id, body, updated_at FROM reference_data
		WHERE kind = ?
		ORDER BY id ASC
	`, kind)
	if err != nil {
		return nil, fmt.Errorf("list references %s: %w", kind, store.Classify(err))
	}
	defer rows.Close()

	refs := []Reference{}
	for rows.Next() {
		var (
			r         Reference
			body      []byte
			updatedAt int64
		)
		if err := rows.Scan(&r.ID, &body, &updatedAt); err != nil {
			return nil, fmt.Errorf("list references %s: scan: %w", kind, err)
		}
		r.Kind = kind
		r.Body = json.RawMessage(body)
		r.UpdatedAt = time.UnixMilli(updatedAt).UTC()
		refs = append(refs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list references %s: %w", kind, err)
	}
	return refs, nil
}

func upsertReference(ctx context.Context, tx *sql.Tx, kind, id string, body []byte, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO reference_data (kind, id, body, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(kind, id) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at
	`, kind, id, body, now.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert reference %s/%s: %w", kind, id, err)
	}
	return nil
}
