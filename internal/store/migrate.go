package store

import (
	"database/sql"
	"fmt"
)

// Schema version tracking:
// 1 - pending_sales, reference_data
// 2 - pending_enrollments
// 3 - response_cache, trust_tokens
const CurrentSchemaVersion = 3

// migration is one forward-only schema step. Statements must be idempotent.
type migration struct {
	version int
	name    string
	stmts   []string
}

var migrations = []migration{
	{
		version: 1,
		name:    "pending sales and reference data",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS pending_sales (
				local_id        INTEGER PRIMARY KEY AUTOINCREMENT,
				idempotency_key TEXT    NOT NULL UNIQUE,
				payload         TEXT    NOT NULL,
				enqueued_at     INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS reference_data (
				kind       TEXT    NOT NULL,
				id         TEXT    NOT NULL,
				body       BLOB    NOT NULL,
				updated_at INTEGER NOT NULL,
				PRIMARY KEY (kind, id)
			)`,
		},
	},
	{
		version: 2,
		name:    "pending enrollments",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS pending_enrollments (
				local_id        INTEGER PRIMARY KEY AUTOINCREMENT,
				idempotency_key TEXT    NOT NULL UNIQUE,
				payload         TEXT    NOT NULL,
				enqueued_at     INTEGER NOT NULL
			)`,
		},
	},
	{
		version: 3,
		name:    "response cache and trust tokens",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS response_cache (
				request_key TEXT    NOT NULL,
				generation  TEXT    NOT NULL,
				status      INTEGER NOT NULL,
				header      TEXT    NOT NULL,
				body        BLOB    NOT NULL,
				cached_at   INTEGER NOT NULL,
				PRIMARY KEY (generation, request_key)
			)`,
			`CREATE TABLE IF NOT EXISTS trust_tokens (
				merchant_id INTEGER PRIMARY KEY,
				token       TEXT    NOT NULL,
				stored_at   INTEGER NOT NULL
			)`,
		},
	},
}

// migrate applies every migration above the database's user_version, up to
// target. A database already past target is left untouched.
func migrate(db *sql.DB, target int) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= version || m.version > target {
			continue
		}
		if err := applyMigration(db, m); err != nil {
			return err
		}
		version = m.version
	}

	return nil
}

func applyMigration(db *sql.DB, m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("migrate to v%d: begin: %w", m.version, err)
	}
	defer tx.Rollback()

	for _, stmt := range m.stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("migrate to v%d (%s): %w", m.version, m.name, err)
		}
	}

	// PRAGMA does not accept bound parameters
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", m.version)); err != nil {
		return fmt.Errorf("migrate to v%d: set user_version: %w", m.version, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("migrate to v%d: commit: %w", m.version, err)
	}
	return nil
}
