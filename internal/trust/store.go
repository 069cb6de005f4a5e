package trust

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/fieldsync/internal/store"
)

// TokenStore keeps one token slot per merchant in the local store.
type TokenStore struct {
	store *store.Store
	now   func() time.Time
}

// NewTokenStore creates a TokenStore backed by s.
func NewTokenStore(s *store.Store) *TokenStore {
	return &TokenStore{store: s, now: time.Now}
}

// Save replaces the merchant's slot with t.
func (ts *TokenStore) Save(ctx context.Context, t *Token) error {
	data, err := Serialize(t)
	if err != nil {
		return err
	}
	err = ts.store.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO trust_tokens (merchant_id, token, stored_at) VALUES (?, ?, ?)
			ON CONFLICT(merchant_id) DO UPDATE SET token = excluded.token, stored_at = excluded.stored_at
		`, t.MerchantID, data, ts.now().UnixMilli())
		return err
	})
	if err != nil {
		return fmt.Errorf("save token for merchant %d: %w", t.MerchantID, err)
	}
	return nil
}

// Load returns the merchant's token, or nil when the slot is empty or holds
// something that no longer deserializes.
func (ts *TokenStore) Load(ctx context.Context, merchantID int64) (*Token, error) {
	if ts.store == nil || ts.store.DB() == nil {
		return nil, store.ErrUnavailable
	}
	var data string
	err := ts.store.DB().QueryRowContext(ctx,
		`SELECT token FROM trust_tokens WHERE merchant_id = ?`, merchantID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load token for merchant %d: %w", merchantID, store.Classify(err))
	}
	return Deserialize(data), nil
}

// Revoke empties the merchant's slot.
func (ts *TokenStore) Revoke(ctx context.Context, merchantID int64) error {
	err := ts.store.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM trust_tokens WHERE merchant_id = ?`, merchantID)
		return err
	})
	if err != nil {
		return fmt.Errorf("revoke token for merchant %d: %w", merchantID, err)
	}
	return nil
}
