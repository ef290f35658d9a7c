package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestEntryValidate(t *testing.T) {
	valid := Entry{
		TenantID: "tenant-1",
		Module:   ModuleRobots,
		Source:   "robots.crawler",
		Type:     TypeSignal,
		State:    StateDraft,
	}
	require.NoError(t, valid.Validate())

	missing := Entry{Lineage: Lineage{DependsOnLedgerIDs: []string{"ok", ""}}}
	err := missing.Validate()
	require.Error(t, err)
	for _, want := range []string{"tenantId", "module", "source", "type", "state", "dependsOnLedgerIds[1]"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestEntryNewer(t *testing.T) {
	older := Entry{ID: "a", Seq: 1, CreatedAt: t0}
	newer := Entry{ID: "b", Seq: 2, CreatedAt: t0.Add(time.Second)}
	assert.True(t, newer.Newer(older))
	assert.False(t, older.Newer(newer))

	// Equal timestamps fall back to seq, then id.
	sameTimeHigherSeq := Entry{ID: "a", Seq: 5, CreatedAt: t0}
	assert.True(t, sameTimeHigherSeq.Newer(older))

	sameEverythingButID := Entry{ID: "z", Seq: 1, CreatedAt: t0}
	assert.True(t, sameEverythingButID.Newer(older))
	assert.False(t, older.Newer(older))
}

func TestSortNewestFirst(t *testing.T) {
	entries := []Entry{
		{ID: "mid", Seq: 2, CreatedAt: t0.Add(time.Minute)},
		{ID: "old", Seq: 1, CreatedAt: t0},
		{ID: "new", Seq: 3, CreatedAt: t0.Add(2 * time.Minute)},
	}
	SortNewestFirst(entries)
	assert.Equal(t, []string{"new", "mid", "old"}, []string{entries[0].ID, entries[1].ID, entries[2].ID})
}

func TestDocumentLookup(t *testing.T) {
	doc := Document{
		"error":        map[string]any{"code": "COHERENCE_BLOCKED"},
		"cancelReason": "POLICY_DEFERRED",
		"count":        3,
	}
	assert.Equal(t, "COHERENCE_BLOCKED", doc.String("error", "code"))
	assert.Equal(t, "POLICY_DEFERRED", doc.String("cancelReason"))
	assert.Equal(t, "", doc.String("count"))
	assert.Equal(t, "", doc.String("error", "code", "deeper"))
	assert.Equal(t, "", doc.String("missing"))

	v, ok := doc.Lookup("count")
	require.True(t, ok)
	assert.Equal(t, 3, v)
}

func TestQueryMatches(t *testing.T) {
	e := Entry{
		TenantID: "t1",
		RobotID:  "r1",
		Module:   ModuleBuilder,
		Type:     TypeExecutionEvent,
		State:    StateFailed,
		Lineage:  Lineage{ExecutionID: "exec-1"},
	}

	tests := []struct {
		name  string
		query Query
		want  bool
	}{
		{"tenant only", Query{TenantID: "t1"}, true},
		{"other tenant", Query{TenantID: "t2"}, false},
		{"robot", Query{TenantID: "t1", RobotID: "r1"}, true},
		{"other robot", Query{TenantID: "t1", RobotID: "r2"}, false},
		{"types", Query{TenantID: "t1", Types: []ArtifactType{TypeSignal, TypeExecutionEvent}}, true},
		{"other types", Query{TenantID: "t1", Types: []ArtifactType{TypeSignal}}, false},
		{"modules", Query{TenantID: "t1", Modules: []Module{ModuleBuilder}}, true},
		{"states", Query{TenantID: "t1", States: []State{StateSucceeded}}, false},
		{"execution", Query{TenantID: "t1", ExecutionID: "exec-1"}, true},
		{"other execution", Query{TenantID: "t1", ExecutionID: "exec-2"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.query.Matches(e))
		})
	}
}

func TestIsCoherenceType(t *testing.T) {
	for _, typ := range CoherenceTypes {
		assert.True(t, IsCoherenceType(typ), typ)
	}
	assert.False(t, IsCoherenceType(TypeExecutionEvent))
	assert.False(t, IsCoherenceType("landing_page"))
}

func TestDocumentInt(t *testing.T) {
	var decoded Document
	require.NoError(t, DecodeJSON([]byte(`{"run":{"attempt":3,"big":9007199254740993,"ratio":0.5}}`), &decoded))

	got, ok := decoded.Int("run", "attempt")
	require.True(t, ok)
	assert.Equal(t, int64(3), got)

	got, ok = decoded.Int("run", "big")
	require.True(t, ok)
	assert.Equal(t, int64(9007199254740993), got, "json.Number keeps precision")

	_, ok = decoded.Int("run", "ratio")
	assert.False(t, ok)
	_, ok = decoded.Int("run", "missing")
	assert.False(t, ok)

	literal := Document{"n": 7, "f": 2.0, "g": 2.5, "s": "7"}
	got, ok = literal.Int("n")
	assert.True(t, ok)
	assert.Equal(t, int64(7), got)
	got, ok = literal.Int("f")
	assert.True(t, ok)
	assert.Equal(t, int64(2), got)
	_, ok = literal.Int("g")
	assert.False(t, ok)
	_, ok = literal.Int("s")
	assert.False(t, ok)
}
