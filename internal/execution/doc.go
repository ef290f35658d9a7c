// Package execution drives builder runs.
//
// A run is identified by tenantId:robotId:executionId. Each attempt writes at
// most one execution_event per state, keyed by a content-derived id, so a
// replayed request either finds its own identical event and returns it, or
// finds a different one and fails with IDEMPOTENCY_CONFLICT. The ledger is
// never mutated; the run's current state is its newest event.
package execution
