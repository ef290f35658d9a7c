package coherence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ledgergate/internal/ledger"
	"github.com/roach88/ledgergate/internal/testutil"
)

// at builds an artifact stamped minute minutes after the epoch.
func at(minute int, typ ledger.ArtifactType, id string, deps ...string) ledger.Entry {
	e := testutil.Artifact("tenant-1", "robot-1", typ, id, deps...)
	e.Seq = int64(minute + 1)
	e.CreatedAt = testutil.Epoch.Add(time.Duration(minute) * time.Minute)
	return e
}

// fullChain is a coherent set of all six types.
func fullChain() []ledger.Entry {
	return []ledger.Entry{
		at(0, ledger.TypeSignal, "sig-0"),
		at(1, ledger.TypeFusion, "fus-1", "sig-0"),
		at(2, ledger.TypeBenchmark, "bench-2", "sig-0"),
		at(3, ledger.TypeIdea, "idea-3", "sig-0", "fus-1"),
		at(4, ledger.TypeCopy, "copy-4", "idea-3"),
		at(5, ledger.TypePlaybook, "play-5", "idea-3", "copy-4", "bench-2"),
	}
}

func TestResolve_Coherent(t *testing.T) {
	snap := Resolve(fullChain())

	assert.Equal(t, StatusCoherent, snap.Status)
	assert.Empty(t, snap.Outdated)
	assert.Empty(t, snap.Partial)
	assert.Equal(t, 0, snap.MissingLineage)
	require.NotNil(t, snap.SnapshotAt)
	assert.Equal(t, testutil.Epoch.Add(5*time.Minute), *snap.SnapshotAt)
	assert.Len(t, snap.Latest, 6)
	assert.Equal(t, []string{"sig-0", "fus-1", "bench-2", "idea-3", "copy-4", "play-5"}, snap.AuthorizedLineage())
}

func TestResolve_NewSignalMakesIdeaStale(t *testing.T) {
	entries := []ledger.Entry{
		at(0, ledger.TypeSignal, "sig-0"),
		at(1, ledger.TypeFusion, "fus-1", "sig-0"),
		at(2, ledger.TypeIdea, "idea-2", "sig-0", "fus-1"),
		at(3, ledger.TypeSignal, "sig-3"),
	}
	snap := Resolve(entries)

	assert.Equal(t, StatusStale, snap.Status)
	assert.Equal(t, []ledger.ArtifactType{ledger.TypeIdea}, snap.Outdated)
	assert.Contains(t, snap.Reason, "idea")
	assert.Contains(t, snap.Reason, "outdated: idea (signal newer)")
	assert.Equal(t, "sig-3", snap.Latest[ledger.TypeSignal].ID)
}

func TestResolve_OneHopDiscoversUpstream(t *testing.T) {
	// copy depends only on idea; the signal is found through idea's lineage.
	entries := fullChain()
	entries = append(entries, at(6, ledger.TypeSignal, "sig-6"))
	snap := Resolve(entries)

	assert.Equal(t, StatusStale, snap.Status)
	assert.Equal(t, []ledger.ArtifactType{ledger.TypeIdea, ledger.TypeCopy, ledger.TypePlaybook}, snap.Outdated)
}

func TestResolve_BeyondOneHopIsNotCompared(t *testing.T) {
	// playbook -> copy -> idea -> signal is two hops, so a newer signal
	// never reaches the playbook.
	entries := []ledger.Entry{
		at(0, ledger.TypeSignal, "sig-0"),
		at(1, ledger.TypeFusion, "fus-1", "sig-0"),
		at(2, ledger.TypeIdea, "idea-2", "sig-0", "fus-1"),
		at(3, ledger.TypeCopy, "copy-3", "idea-2"),
		at(4, ledger.TypePlaybook, "play-4", "copy-3"),
	}
	snap := Resolve(entries)
	assert.Equal(t, StatusCoherent, snap.Status)

	entries = append(entries, at(5, ledger.TypeSignal, "sig-5"))
	snap = Resolve(entries)
	assert.Equal(t, []ledger.ArtifactType{ledger.TypeIdea, ledger.TypeCopy}, snap.Outdated)
}

func TestResolve_EmptyLineageIsPartialNotStale(t *testing.T) {
	entries := fullChain()
	entries = append(entries,
		at(6, ledger.TypeIdea, "idea-6"), // no lineage
		at(7, ledger.TypeSignal, "sig-7"),
		at(8, ledger.TypeFusion, "fus-8", "sig-7"),
	)
	snap := Resolve(entries)

	assert.Contains(t, snap.Partial, ledger.TypeIdea)
	assert.NotContains(t, snap.Outdated, ledger.TypeIdea)
	assert.Contains(t, snap.Reason, "idea (no lineage)")
}

func TestResolve_UnresolvedLineage(t *testing.T) {
	entries := fullChain()
	entries = append(entries, at(6, ledger.TypeCopy, "copy-6", "idea-3", "gone-1", "gone-2"))
	snap := Resolve(entries)

	assert.Equal(t, StatusPartial, snap.Status)
	assert.Equal(t, []ledger.ArtifactType{ledger.TypeCopy}, snap.Partial)
	assert.Equal(t, 2, snap.MissingLineage)
	assert.Equal(t, "partial: copy (unresolved lineage)", snap.Reason)
}

func TestResolve_MissingTypes(t *testing.T) {
	snap := Resolve([]ledger.Entry{
		at(0, ledger.TypeSignal, "sig-0"),
		at(1, ledger.TypeFusion, "fus-1", "sig-0"),
	})

	assert.Equal(t, StatusPartial, snap.Status)
	assert.Equal(t, []ledger.ArtifactType{ledger.TypeIdea, ledger.TypeCopy, ledger.TypePlaybook}, snap.Partial)
	assert.Equal(t, "partial: idea (missing), copy (missing), playbook (missing)", snap.Reason)
}

func TestResolve_StaleAndPartialReason(t *testing.T) {
	snap := Resolve([]ledger.Entry{
		at(0, ledger.TypeSignal, "sig-0"),
		at(1, ledger.TypeFusion, "fus-1", "sig-0"),
		at(2, ledger.TypeIdea, "idea-2", "sig-0", "fus-1"),
		at(3, ledger.TypeSignal, "sig-3"),
		at(4, ledger.TypeFusion, "fus-4", "sig-3"),
	})

	assert.Equal(t, StatusStale, snap.Status)
	assert.Equal(t,
		"outdated: idea (signal, fusion newer); partial: copy (missing), playbook (missing)",
		snap.Reason)
}

func TestResolve_Empty(t *testing.T) {
	snap := Resolve(nil)

	assert.Equal(t, StatusPartial, snap.Status)
	assert.Nil(t, snap.SnapshotAt)
	assert.Empty(t, snap.AuthorizedLineage())
}

func TestResolve_TieBreakIgnoresInputOrder(t *testing.T) {
	a := at(0, ledger.TypeSignal, "sig-a")
	b := at(0, ledger.TypeSignal, "sig-b")
	b.Seq = a.Seq + 1

	assert.Equal(t, "sig-b", Resolve([]ledger.Entry{a, b}).Latest[ledger.TypeSignal].ID)
	assert.Equal(t, "sig-b", Resolve([]ledger.Entry{b, a}).Latest[ledger.TypeSignal].ID)
}

func TestResolve_IgnoresNonCoherenceTypes(t *testing.T) {
	entries := fullChain()
	evt := at(9, ledger.TypeExecutionEvent, "evt-9")
	evt.Module = ledger.ModuleBuilder
	entries = append(entries, evt)

	snap := Resolve(entries)
	assert.Equal(t, StatusCoherent, snap.Status)
	assert.Equal(t, testutil.Epoch.Add(5*time.Minute), *snap.SnapshotAt)
}

func TestStatusValid(t *testing.T) {
	assert.True(t, StatusStale.Valid())
	assert.False(t, Status("fresh").Valid())
}
