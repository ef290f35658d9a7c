package policy

import (
	"time"

	"github.com/roach88/ledgergate/internal/coherence"
	"github.com/roach88/ledgergate/internal/ledger"
)

// Recency is the per-key classification produced by BuildRecency.
type Recency map[RecencyKey]RecencyStatus

// BuildRecency classifies every tracked timestamp against snapshotAt.
//
// A nil timestamp is missing. A timestamp older than snapshotAt by more than
// maxStalenessMinutes is stale. Without a snapshot time nothing can be aged,
// so every present timestamp counts as fresh.
func BuildRecency(recency LedgerRecency, snapshotAt *time.Time, maxStalenessMinutes int) Recency {
	maxAge := time.Duration(maxStalenessMinutes) * time.Minute
	out := make(Recency, len(RecencyKeys))
	for _, key := range RecencyKeys {
		t := recency.Get(key)
		switch {
		case t == nil:
			out[key] = RecencyMissing
		case snapshotAt != nil && snapshotAt.Sub(*t) > maxAge:
			out[key] = RecencyStale
		default:
			out[key] = RecencyFresh
		}
	}
	return out
}

// Coverage is the fraction of keys that are fresh.
func (r Recency) Coverage() float64 {
	fresh := 0
	for _, key := range RecencyKeys {
		if r[key] == RecencyFresh {
			fresh++
		}
	}
	return float64(fresh) / float64(len(RecencyKeys))
}

// NotFresh returns the keys among keys (all keys when none given) that are
// missing or stale, in canonical order.
func (r Recency) NotFresh(keys ...RecencyKey) []RecencyKey {
	if len(keys) == 0 {
		keys = RecencyKeys
	}
	out := []RecencyKey{}
	for _, key := range RecencyKeys {
		if !containsKey(keys, key) {
			continue
		}
		if r[key] != RecencyFresh {
			out = append(out, key)
		}
	}
	return out
}

func containsKey(keys []RecencyKey, key RecencyKey) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}

// RecencyFromSnapshot reads the latest CreatedAt of each tracked type.
func RecencyFromSnapshot(snap coherence.Snapshot) LedgerRecency {
	at := func(t ledger.ArtifactType) *time.Time {
		created, ok := snap.LatestAt(t)
		if !ok {
			return nil
		}
		return &created
	}
	return LedgerRecency{
		SignalsAt:   at(ledger.TypeSignal),
		FusionAt:    at(ledger.TypeFusion),
		BenchmarkAt: at(ledger.TypeBenchmark),
		IdeaAt:      at(ledger.TypeIdea),
		CopyAt:      at(ledger.TypeCopy),
		PlaybookAt:  at(ledger.TypePlaybook),
	}
}

// NewRequest builds a policy request from a coherence snapshot.
func NewRequest(tenantID, robotID string, snap coherence.Snapshot, action ActionType, thresholds Thresholds, evaluatedAt time.Time) Request {
	return Request{
		TenantID:        tenantID,
		RobotID:         robotID,
		ContractVersion: RequestContractVersion,
		EvaluatedAt:     evaluatedAt.UTC(),
		CoherenceStatus: snap.Status,
		SnapshotAt:      snap.SnapshotAt,
		LedgerRecency:   RecencyFromSnapshot(snap),
		RequestedAction: action,
		Thresholds:      thresholds,
	}
}
