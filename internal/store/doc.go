// Package store provides the SQLite-backed ledger backend.
//
// The store is an append-only log of ledger entries plus a dead-letter table:
//   - entries: immutable rows; UPDATE and DELETE abort via triggers
//   - entry_failures: entries the primary write rejected, with the error message
//
// # Identity and Time
//
// seq is assigned by AUTOINCREMENT and created_at is stored as unix
// microseconds. created_at is strictly increasing per database: when the clock
// ties or goes backwards, the store bumps to the previous value plus 1µs.
// Together they give every entry a total order that matches insertion order.
//
// Entry ids are caller-chosen or UUIDv7. Inserting an id that already exists
// is a no-op that reports inserted=false and returns the stored row.
//
// # Deterministic Query Results
//
// All list queries use ORDER BY created_at DESC, seq DESC. Payload and
// lineage are stored as canonical JSON (see ledger.MarshalCanonical).
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
package store
