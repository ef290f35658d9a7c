package execution

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ledgergate/internal/agent"
	"github.com/roach88/ledgergate/internal/coherence"
	"github.com/roach88/ledgergate/internal/journal"
	"github.com/roach88/ledgergate/internal/ledger"
	"github.com/roach88/ledgergate/internal/policy"
	"github.com/roach88/ledgergate/internal/testutil"
)

// seedCoherentFor writes a full chain for another tenant. Ids carry the
// tenant so they do not collide with the default chain.
func (h *harness) seedCoherentFor(tenantID string) {
	h.t.Helper()
	chain := []struct {
		typ  ledger.ArtifactType
		id   string
		deps []string
	}{
		{ledger.TypeSignal, "sig-1", nil},
		{ledger.TypeFusion, "fus-1", []string{"sig-1"}},
		{ledger.TypeBenchmark, "bench-1", []string{"sig-1"}},
		{ledger.TypeIdea, "idea-1", []string{"sig-1", "fus-1"}},
		{ledger.TypeCopy, "copy-1", []string{"idea-1"}},
		{ledger.TypePlaybook, "play-1", []string{"idea-1", "copy-1"}},
	}
	for _, c := range chain {
		deps := make([]string, len(c.deps))
		for i, d := range c.deps {
			deps[i] = tenantID + "/" + d
		}
		h.clock.Advance(time.Minute)
		_, err := h.journal.Append(context.Background(),
			testutil.Artifact(tenantID, robot, c.typ, tenantID+"/"+c.id, deps...))
		require.NoError(h.t, err)
	}
}

func (h *harness) builderArtifacts(tenantID, executionID string) []ledger.Entry {
	h.t.Helper()
	entries, err := h.journal.ListRecent(context.Background(), ledger.Query{
		TenantID:    tenantID,
		Types:       builderTypes,
		ExecutionID: executionID,
	})
	require.NoError(h.t, err)
	return entries
}

func TestRun_TenantsShareExecutionID(t *testing.T) {
	h := newHarness(t)
	h.seedCoherent()
	h.seedCoherentFor("tenant-b")
	r := h.runner(agent.Static{})
	ctx := context.Background()

	first, err := r.Run(ctx, buildRequest("exec-shared", 1))
	require.NoError(t, err)
	assert.Equal(t, ledger.StateSucceeded, first.State)

	other := buildRequest("exec-shared", 1)
	other.TenantID = "tenant-b"
	second, err := r.Run(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateSucceeded, second.State)
	assert.False(t, second.Idempotent)
	assert.NotEqual(t, first.EventID, second.EventID)
	require.Len(t, second.Artifacts, len(first.Artifacts))
	for i := range first.Artifacts {
		assert.NotEqual(t, first.Artifacts[i].ID, second.Artifacts[i].ID)
	}

	event, err := h.journal.Get(ctx, second.EventID)
	require.NoError(t, err)
	assert.Equal(t, "tenant-b", event.TenantID)
	assert.Len(t, h.builderArtifacts("tenant-b", "exec-shared"), len(second.Artifacts))
	assert.Len(t, h.builderArtifacts(tenant, "exec-shared"), len(first.Artifacts))
}

// staleLookups hides events from Get, as if a peer committed them between
// the runner's lookup and its scan of the run's events.
type staleLookups struct {
	*journal.Journal
}

func (l staleLookups) Get(ctx context.Context, id string) (ledger.Entry, error) {
	return ledger.Entry{}, journal.ErrNotFound
}

func (h *harness) staleLookupRunner() *Runner {
	return NewRunner(staleLookups{h.journal}, coherence.NewResolver(h.journal, 0, nil), agent.Static{},
		WithSettings(Settings{
			TenantID:             tenant,
			Thresholds:           policy.DefaultThresholds,
			AllowedArtifactTypes: builderTypes,
			MaxArtifacts:         5,
			ServiceVersion:       "test",
		}),
		WithClock(h.clock.Now),
	)
}

func TestRun_KeyCommittedAfterLookup(t *testing.T) {
	h := newHarness(t)
	h.seedCoherent()
	ctx := context.Background()

	first, err := h.runner(agent.Static{}).Run(ctx, buildRequest("exec-w", 1))
	require.NoError(t, err)

	again, err := h.staleLookupRunner().Run(ctx, buildRequest("exec-w", 1))
	require.NoError(t, err)
	assert.True(t, again.Idempotent)
	assert.Equal(t, first.EventID, again.EventID)

	changed := buildRequest("exec-w", 1)
	changed.Objective = agent.Objective{Type: "rebrand"}
	_, err = h.staleLookupRunner().Run(ctx, changed)
	requireCode(t, err, ErrCodeIdempotencyConflict)

	assert.Len(t, h.events("exec-w"), 2)
	assert.Len(t, h.builderArtifacts(tenant, "exec-w"), len(first.Artifacts))
}

func TestRun_ConcurrentSameKey(t *testing.T) {
	h := newHarness(t)
	h.seedCoherent()
	r := h.runner(agent.Static{})
	ctx := context.Background()

	const workers = 8
	var (
		wg      sync.WaitGroup
		results = make([]*Result, workers)
		errs    = make([]error, workers)
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := buildRequest("exec-same", 1)
			if i%2 == 1 {
				req.Objective = agent.Objective{Type: "rebrand"}
			}
			results[i], errs[i] = r.Run(ctx, req)
		}(i)
	}
	wg.Wait()

	var winner *Result
	for i, err := range errs {
		if err != nil {
			requireCode(t, err, ErrCodeIdempotencyConflict)
			continue
		}
		if !results[i].Idempotent {
			require.Nil(t, winner, "only one request may record the event")
			winner = results[i]
		}
	}
	require.NotNil(t, winner)

	for i, err := range errs {
		if err == nil {
			assert.Equal(t, winner.EventID, results[i].EventID)
			assert.Equal(t, winner.Artifacts, results[i].Artifacts)
		}
	}
	assert.Len(t, h.events("exec-same"), 2)
	assert.Len(t, h.builderArtifacts(tenant, "exec-same"), len(winner.Artifacts))
}
