// Package ledger defines the append-only ledger record types shared by every
// other package, plus the canonical JSON encoding and content-addressed ids
// used for idempotency.
//
// This package contains type definitions and pure helpers only. All other
// internal packages import ledger; ledger imports nothing internal.
//
// Key constraints:
//   - Entries are immutable once written; a newer entry of the same type
//     supersedes an older one, nothing is updated in place
//   - Recency is decided by CreatedAt then Seq, never by slice order
//   - All JSON tags use camelCase to match the external contracts
//   - Idempotency comparisons use MarshalCanonical, never json.Marshal
package ledger
