// Package store provides the SQLite-backed durable store shared by the
// device-local runtime.
//
// The store holds four logical areas:
//   - Pending records: one table per record type (pending_sales, pending_enrollments)
//   - Reference data: cached catalogue rows (products, markets) keyed by kind and id
//   - Response cache: network responses tagged with a cache generation
//   - Trust tokens: one slot per merchant
//
// # Schema Evolution
//
// The schema is versioned with PRAGMA user_version. Migrations are forward-only
// and additive: opening a database written by an older build creates whatever
// tables are missing and never drops existing ones. Every statement is
// idempotent (IF NOT EXISTS) so a crash between a migration and the version
// bump is repaired on the next Open.
//
// # Database Configuration
//
//   - WAL mode: foreground reads while the sync loop writes
//   - synchronous=FULL: an enqueue is on disk before it returns
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON
//
// Each record-level operation is its own transaction. There is no cross-record
// atomicity.
package store
