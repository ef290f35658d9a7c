// Package coherence classifies a robot's artifact chain as coherent, partial
// or stale by diffing each derived artifact's lineage against the latest
// upstream entries.
//
// Resolve is a pure function of the entries it is given. Recency always
// compares CreatedAt, then Seq, then ID (see ledger.Entry.Newer), never the
// order the backend happened to return.
package coherence

import (
	"fmt"
	"strings"
	"time"

	"github.com/roach88/ledgergate/internal/ledger"
)

// Status is the aggregate coherence classification.
type Status string

const (
	StatusCoherent Status = "coherent"
	StatusPartial  Status = "partial"
	StatusStale    Status = "stale"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusCoherent, StatusPartial, StatusStale:
		return true
	}
	return false
}

// Why a derived artifact is partial.
const (
	PartialMissing    = "missing"
	PartialNoLineage  = "no lineage"
	PartialUnresolved = "unresolved lineage"
)

// Finding is the per-type classification behind a snapshot.
type Finding struct {
	Type ledger.ArtifactType `json:"type"`
	// Partial is one of the Partial* constants, or empty.
	Partial string `json:"partial,omitempty"`
	// NewerUpstream lists upstream types whose latest entry is newer than
	// the one this artifact was built from.
	NewerUpstream []ledger.ArtifactType `json:"newerUpstream,omitempty"`
}

// Artifact is the latest entry of one coherence type.
type Artifact struct {
	ID        string          `json:"id"`
	Seq       int64           `json:"seq"`
	Payload   ledger.Document `json:"payload"`
	Lineage   ledger.Lineage  `json:"lineage"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Snapshot is a derived, never persisted view of coherence.
type Snapshot struct {
	Status   Status                `json:"status"`
	Outdated []ledger.ArtifactType `json:"outdated"`
	Partial  []ledger.ArtifactType `json:"partial"`
	Reason   string                `json:"reason"`
	// Latest holds one artifact per coherence type present in the window.
	Latest map[ledger.ArtifactType]Artifact `json:"latest"`
	// SnapshotAt is the newest CreatedAt among Latest; nil when empty.
	SnapshotAt *time.Time `json:"snapshotAt"`
	// MissingLineage counts direct dependency ids not found in the window.
	MissingLineage int       `json:"missingLineage"`
	Findings       []Finding `json:"findings"`
}

// LatestAt returns the CreatedAt of the latest artifact of type t.
func (s *Snapshot) LatestAt(t ledger.ArtifactType) (time.Time, bool) {
	a, ok := s.Latest[t]
	return a.CreatedAt, ok
}

// AuthorizedLineage returns the ids of the latest coherence artifacts created
// at or before SnapshotAt, in pipeline order. Empty when there is no snapshot.
func (s *Snapshot) AuthorizedLineage() []string {
	ids := []string{}
	if s.SnapshotAt == nil {
		return ids
	}
	for _, t := range ledger.CoherenceTypes {
		a, ok := s.Latest[t]
		if ok && !a.CreatedAt.After(*s.SnapshotAt) {
			ids = append(ids, a.ID)
		}
	}
	return ids
}

// Resolve computes the snapshot for a window of entries. Entries of
// non-coherence types are ignored except as lineage targets.
func Resolve(entries []ledger.Entry) Snapshot {
	byID := make(map[string]ledger.Entry, len(entries))
	latest := make(map[ledger.ArtifactType]ledger.Entry)
	for _, e := range entries {
		byID[e.ID] = e
		if !ledger.IsCoherenceType(e.Type) {
			continue
		}
		if cur, ok := latest[e.Type]; !ok || e.Newer(cur) {
			latest[e.Type] = e
		}
	}

	snap := Snapshot{
		Outdated: []ledger.ArtifactType{},
		Partial:  []ledger.ArtifactType{},
		Latest:   make(map[ledger.ArtifactType]Artifact, len(latest)),
		Findings: []Finding{},
	}
	for t, e := range latest {
		snap.Latest[t] = Artifact{
			ID:        e.ID,
			Seq:       e.Seq,
			Payload:   e.Payload,
			Lineage:   e.Lineage,
			CreatedAt: e.CreatedAt,
		}
		if snap.SnapshotAt == nil || e.CreatedAt.After(*snap.SnapshotAt) {
			at := e.CreatedAt
			snap.SnapshotAt = &at
		}
	}

	for _, t := range ledger.DerivedTypes {
		f, missing := classify(t, latest, byID)
		snap.MissingLineage += missing
		switch {
		case f.Partial != "":
			snap.Partial = append(snap.Partial, t)
		case len(f.NewerUpstream) > 0:
			snap.Outdated = append(snap.Outdated, t)
		default:
			continue
		}
		snap.Findings = append(snap.Findings, f)
	}

	switch {
	case len(snap.Outdated) > 0:
		snap.Status = StatusStale
	case len(snap.Partial) > 0:
		snap.Status = StatusPartial
	default:
		snap.Status = StatusCoherent
	}
	snap.Reason = reason(snap.Findings)
	return snap
}

// classify checks one derived type. It returns the finding and the number of
// direct dependency ids that did not resolve.
func classify(t ledger.ArtifactType, latest map[ledger.ArtifactType]ledger.Entry, byID map[string]ledger.Entry) (Finding, int) {
	f := Finding{Type: t}
	artifact, ok := latest[t]
	if !ok {
		f.Partial = PartialMissing
		return f, 0
	}
	deps := artifact.Lineage.DependsOnLedgerIDs
	if len(deps) == 0 {
		f.Partial = PartialNoLineage
		return f, 0
	}

	var used []ledger.Entry
	missing := 0
	for _, id := range deps {
		dep, ok := byID[id]
		if !ok {
			missing++
			continue
		}
		used = append(used, dep)
	}
	if missing > 0 {
		f.Partial = PartialUnresolved
		return f, missing
	}

	// One more hop: which signal/fusion did the direct dependencies use?
	direct := len(used)
	for _, dep := range used[:direct] {
		for _, id := range dep.Lineage.DependsOnLedgerIDs {
			if second, ok := byID[id]; ok {
				used = append(used, second)
			}
		}
	}

	for _, up := range ledger.UpstreamTypes {
		newestUsed, found := newestOfType(used, up)
		if !found {
			continue
		}
		if available, ok := latest[up]; ok && available.Newer(newestUsed) {
			f.NewerUpstream = append(f.NewerUpstream, up)
		}
	}
	return f, 0
}

func newestOfType(entries []ledger.Entry, t ledger.ArtifactType) (ledger.Entry, bool) {
	var best ledger.Entry
	found := false
	for _, e := range entries {
		if e.Type != t {
			continue
		}
		if !found || e.Newer(best) {
			best, found = e, true
		}
	}
	return best, found
}

// reason renders findings as "outdated: idea (signal newer); partial: copy (missing)".
func reason(findings []Finding) string {
	var outdated, partial []string
	for _, f := range findings {
		if f.Partial != "" {
			partial = append(partial, fmt.Sprintf("%s (%s)", f.Type, f.Partial))
			continue
		}
		ups := make([]string, len(f.NewerUpstream))
		for i, u := range f.NewerUpstream {
			ups[i] = string(u)
		}
		outdated = append(outdated, fmt.Sprintf("%s (%s newer)", f.Type, strings.Join(ups, ", ")))
	}

	var parts []string
	if len(outdated) > 0 {
		parts = append(parts, "outdated: "+strings.Join(outdated, ", "))
	}
	if len(partial) > 0 {
		parts = append(parts, "partial: "+strings.Join(partial, ", "))
	}
	if len(parts) == 0 {
		return "derived artifacts trace to the latest upstream entries"
	}
	return strings.Join(parts, "; ")
}
