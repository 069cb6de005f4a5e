package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allTables = []string{
	"pending_sales",
	"reference_data",
	"pending_enrollments",
	"response_cache",
	"trust_tokens",
}

func tableExists(t *testing.T, db *sql.DB, table string) bool {
	t.Helper()
	var name string
	err := db.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='table' AND name=?",
		table,
	).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return false
	}
	require.NoError(t, err)
	return true
}

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(path)
	assert.False(t, os.IsNotExist(err), "database file was not created")

	for _, table := range allTables {
		assert.True(t, tableExists(t, s.DB(), table), "table %q missing", table)
	}

	version, err := s.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, version)
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		require.NoError(t, err, "Open() iteration %d", i)
		require.NoError(t, s.Close())
	}

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	for _, table := range allTables {
		assert.True(t, tableExists(t, s.DB(), table), "table %q missing after reopen", table)
	}
}

func TestOpen_UpgradeKeepsExistingRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	// A device that last ran the v1 build only has pending_sales.
	old, err := OpenAt(path, 1)
	require.NoError(t, err)
	assert.True(t, tableExists(t, old.DB(), "pending_sales"))
	assert.False(t, tableExists(t, old.DB(), "pending_enrollments"))

	_, err = old.DB().ExecContext(ctx,
		`INSERT INTO pending_sales (idempotency_key, payload, enqueued_at) VALUES ('k1', '{"totalAmount":2000}', 1)`)
	require.NoError(t, err)
	require.NoError(t, old.Close())

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	for _, table := range allTables {
		assert.True(t, tableExists(t, s.DB(), table), "table %q missing after upgrade", table)
	}

	var count int
	require.NoError(t, s.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM pending_sales").Scan(&count))
	assert.Equal(t, 1, count, "upgrade must not destroy queued sales")
}

func TestOpen_NewerDatabaseLeftAlone(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.DB().Exec("PRAGMA user_version = 9")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	version, err := s.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 9, version)
}

func TestOpen_InvalidPath(t *testing.T) {
	_, err := Open("/nonexistent/dir/test.db")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestPragmas(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer s.Close()

	assert.NoError(t, s.verifyPragma("journal_mode", "wal"))
	assert.NoError(t, s.verifyPragma("synchronous", "2"))
	assert.NoError(t, s.verifyPragma("busy_timeout", "5000"))
	assert.NoError(t, s.verifyPragma("foreign_keys", "1"))
}

func TestClose_NilDB(t *testing.T) {
	s := &Store{db: nil}
	assert.NoError(t, s.Close())
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	boom := errors.New("boom")
	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO trust_tokens (merchant_id, token, stored_at) VALUES (1, '{}', 1)`); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var count int
	require.NoError(t, s.DB().QueryRow("SELECT COUNT(*) FROM trust_tokens").Scan(&count))
	assert.Zero(t, count)
}

func TestWithTx_ClosedStoreIsUnavailable(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	err = s.WithTx(context.Background(), func(tx *sql.Tx) error { return nil })
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestClassify(t *testing.T) {
	plain := errors.New("constraint failed")
	assert.Same(t, plain, Classify(plain))
	assert.Nil(t, Classify(nil))
	assert.ErrorIs(t, Classify(sql.ErrConnDone), ErrUnavailable)
}
