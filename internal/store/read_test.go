package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ledgergate/internal/ledger"
)

func ids(entries []ledger.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

func TestListEntries_NewestFirstWithFilters(t *testing.T) {
	s, clock := createTestStore(t)
	ctx := context.Background()

	write := func(minute int, e ledger.Entry) {
		clock.Set(minutes(minute))
		_, _, err := s.InsertEntry(ctx, e)
		require.NoError(t, err)
	}
	write(1, createTestEntry("sig-1", ledger.TypeSignal))
	write(2, createTestEntry("fus-1", ledger.TypeFusion, "sig-1"))
	write(3, createTestEntry("idea-1", ledger.TypeIdea, "sig-1", "fus-1"))
	other := createTestEntry("sig-other", ledger.TypeSignal)
	other.RobotID = "robot-2"
	write(4, other)
	foreign := createTestEntry("sig-foreign", ledger.TypeSignal)
	foreign.TenantID = "tenant-2"
	write(5, foreign)

	tests := []struct {
		name  string
		query ledger.Query
		want  []string
	}{
		{"tenant", ledger.Query{TenantID: "tenant-1"}, []string{"sig-other", "idea-1", "fus-1", "sig-1"}},
		{"robot", ledger.Query{TenantID: "tenant-1", RobotID: "robot-1"}, []string{"idea-1", "fus-1", "sig-1"}},
		{"types", ledger.Query{TenantID: "tenant-1", RobotID: "robot-1", Types: []ledger.ArtifactType{ledger.TypeSignal, ledger.TypeIdea}}, []string{"idea-1", "sig-1"}},
		{"modules", ledger.Query{TenantID: "tenant-1", Modules: []ledger.Module{ledger.ModuleFusion}}, []string{"fus-1"}},
		{"states", ledger.Query{TenantID: "tenant-1", States: []ledger.State{ledger.StateFailed}}, []string{}},
		{"limit", ledger.Query{TenantID: "tenant-1", Limit: 2}, []string{"sig-other", "idea-1"}},
		{"other tenant", ledger.Query{TenantID: "tenant-2"}, []string{"sig-foreign"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListEntries(ctx, tt.query)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(got))
		})
	}
}

func TestListEntries_TiesOrderedBySeq(t *testing.T) {
	s, clock := createTestStore(t)
	ctx := context.Background()

	clock.Set(minutes(1))
	for _, id := range []string{"a", "b", "c"} {
		_, _, err := s.InsertEntry(ctx, createTestEntry(id, ledger.TypeSignal))
		require.NoError(t, err)
	}

	got, err := s.ListEntries(ctx, ledger.Query{TenantID: "tenant-1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b", "a"}, ids(got))
}

func TestListEntries_ByExecution(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	for i, exec := range []string{"exec-1", "exec-2", "exec-1"} {
		e := createTestEntry([]string{"e1", "e2", "e3"}[i], ledger.TypeExecutionEvent)
		e.Module = ledger.ModuleBuilder
		e.Lineage.ExecutionID = exec
		_, _, err := s.InsertEntry(ctx, e)
		require.NoError(t, err)
	}

	got, err := s.ListEntries(ctx, ledger.Query{TenantID: "tenant-1", ExecutionID: "exec-1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"e3", "e1"}, ids(got))
}

func TestListEntries_RequiresTenant(t *testing.T) {
	s, _ := createTestStore(t)
	_, err := s.ListEntries(context.Background(), ledger.Query{})
	assert.Error(t, err)
}

func TestGetEntry(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	want, _, err := s.InsertEntry(ctx, createTestEntry("sig-1", ledger.TypeSignal))
	require.NoError(t, err)

	got, err := s.GetEntry(ctx, "sig-1")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
