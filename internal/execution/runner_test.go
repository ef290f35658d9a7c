package execution

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ledgergate/internal/agent"
	"github.com/roach88/ledgergate/internal/coherence"
	"github.com/roach88/ledgergate/internal/journal"
	"github.com/roach88/ledgergate/internal/ledger"
	"github.com/roach88/ledgergate/internal/policy"
	"github.com/roach88/ledgergate/internal/store"
	"github.com/roach88/ledgergate/internal/testutil"
)

const (
	tenant = "tenant-a"
	robot  = "robot-1"
)

var builderTypes = []ledger.ArtifactType{ledger.TypeTask, "landing_page"}

type harness struct {
	t       *testing.T
	journal *journal.Journal
	clock   *testutil.Clock
	ids     map[ledger.ArtifactType]string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := testutil.NewClock(testutil.Epoch)
	s, err := store.Open(filepath.Join(t.TempDir(), "ledger.db"), store.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return &harness{
		t:       t,
		journal: journal.New(s),
		clock:   clock,
		ids:     map[ledger.ArtifactType]string{},
	}
}

func (h *harness) runner(gen agent.Generator) *Runner {
	return NewRunner(h.journal, coherence.NewResolver(h.journal, 0, nil), gen,
		WithSettings(Settings{
			TenantID:             tenant,
			Thresholds:           policy.DefaultThresholds,
			AllowedArtifactTypes: builderTypes,
			MaxArtifacts:         5,
			ServiceVersion:       "test",
		}),
		WithIDGenerator(testutil.NewSequenceIDGenerator("exec")),
		WithClock(h.clock.Now),
	)
}

// add appends one artifact a minute after the previous one.
func (h *harness) add(typ ledger.ArtifactType, id string, deps ...string) {
	h.t.Helper()
	h.clock.Advance(time.Minute)
	_, err := h.journal.Append(context.Background(), testutil.Artifact(tenant, robot, typ, id, deps...))
	require.NoError(h.t, err)
	h.ids[typ] = id
}

// seedCoherent writes a full, coherent chain.
func (h *harness) seedCoherent() {
	h.add(ledger.TypeSignal, "sig-1")
	h.add(ledger.TypeFusion, "fus-1", "sig-1")
	h.add(ledger.TypeBenchmark, "bench-1", "sig-1")
	h.add(ledger.TypeIdea, "idea-1", "sig-1", "fus-1")
	h.add(ledger.TypeCopy, "copy-1", "idea-1")
	h.add(ledger.TypePlaybook, "play-1", "idea-1", "copy-1")
}

func (h *harness) events(executionID string) []ledger.Entry {
	h.t.Helper()
	events, err := h.journal.ListRecent(context.Background(), ledger.Query{
		TenantID:    tenant,
		Types:       []ledger.ArtifactType{ledger.TypeExecutionEvent},
		ExecutionID: executionID,
	})
	require.NoError(h.t, err)
	return events
}

func states(events []ledger.Entry) []ledger.State {
	// oldest first
	out := make([]ledger.State, len(events))
	for i, e := range events {
		out[len(events)-1-i] = e.State
	}
	return out
}

func buildRequest(executionID string, attempt int) Request {
	return Request{
		RobotID:     robot,
		Objective:   agent.Objective{Type: "launch"},
		DryRun:      true,
		Attempt:     attempt,
		ExecutionID: executionID,
	}
}

func requireCode(t *testing.T, err error, code ErrorCode) *Error {
	t.Helper()
	require.Error(t, err)
	var e *Error
	require.True(t, errors.As(err, &e), "expected *Error, got %T: %v", err, err)
	assert.Equal(t, code, e.Code, e.Message)
	return e
}

func TestRun_DryRunSucceeds(t *testing.T) {
	h := newHarness(t)
	h.seedCoherent()
	ctx := context.Background()

	res, err := h.runner(agent.Static{}).Run(ctx, buildRequest("exec-a", 1))
	require.NoError(t, err)

	assert.True(t, res.OK)
	assert.Equal(t, ledger.StateSucceeded, res.State)
	assert.Equal(t, coherence.StatusCoherent, res.Coherence.Status)
	assert.False(t, res.Idempotent)
	require.Len(t, res.Artifacts, 2)

	authorized := []string{"sig-1", "fus-1", "bench-1", "idea-1", "copy-1", "play-1"}
	for _, ref := range res.Artifacts {
		a, err := h.journal.Get(ctx, ref.ID)
		require.NoError(t, err)
		assert.Equal(t, ref.Type, a.Type)
		assert.Equal(t, "exec-a", a.Lineage.ExecutionID)
		assert.Equal(t, robot, a.Lineage.RobotID)
		assert.Subset(t, authorized, a.Lineage.DependsOnLedgerIDs)
	}

	assert.Equal(t, []ledger.State{ledger.StateRunning, ledger.StateSucceeded}, states(h.events("exec-a")))
}

func TestRun_AssignsExecutionID(t *testing.T) {
	h := newHarness(t)
	h.seedCoherent()

	res, err := h.runner(agent.Static{}).Run(context.Background(), buildRequest("", 0))
	require.NoError(t, err)
	assert.Equal(t, "exec-0001", res.ExecutionID)
	assert.Equal(t, 1, res.Attempt)
}

func TestRun_NonDryRunIsPlanned(t *testing.T) {
	h := newHarness(t)
	h.seedCoherent()
	req := buildRequest("exec-p", 1)
	req.DryRun = false

	res, err := h.runner(agent.Static{}).Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatePlanned, res.State)
	assert.Equal(t, []ledger.State{ledger.StatePlanned}, states(h.events("exec-p")))
}

func TestRun_ReplayIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.seedCoherent()
	r := h.runner(agent.Static{})
	ctx := context.Background()
	req := buildRequest("exec-i", 1)

	first, err := r.Run(ctx, req)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		h.clock.Advance(time.Minute)
		again, err := r.Run(ctx, req)
		require.NoError(t, err)
		assert.True(t, again.Idempotent)
		assert.Equal(t, first.State, again.State)
		assert.Equal(t, first.EventID, again.EventID)
		assert.Equal(t, first.Artifacts, again.Artifacts)
	}

	assert.Len(t, h.events("exec-i"), 2)
}

func TestRun_ReplayOfBlockedRunReturnsSameError(t *testing.T) {
	h := newHarness(t)
	h.seedCoherent()
	h.add(ledger.TypeSignal, "sig-2")
	r := h.runner(agent.Static{})
	req := buildRequest("exec-b", 1)

	_, err := r.Run(context.Background(), req)
	first := requireCode(t, err, ErrCodeCoherenceBlocked)

	_, err = r.Run(context.Background(), req)
	again := requireCode(t, err, ErrCodeCoherenceBlocked)
	assert.Equal(t, first.Message, again.Message)
	assert.Equal(t, "true", again.Details["idempotent"])
	assert.Len(t, h.events("exec-b"), 2)
}

func TestRun_ConflictingReplay(t *testing.T) {
	h := newHarness(t)
	h.seedCoherent()
	r := h.runner(agent.Static{})
	ctx := context.Background()

	_, err := r.Run(ctx, buildRequest("exec-c", 1))
	require.NoError(t, err)

	changed := buildRequest("exec-c", 1)
	changed.Objective = agent.Objective{Type: "rebrand"}
	_, err = r.Run(ctx, changed)
	e := requireCode(t, err, ErrCodeIdempotencyConflict)
	assert.Equal(t, "exec-c", e.ExecutionID)
	assert.False(t, e.Retryable)
	assert.Equal(t, 409, StatusCode(err))

	narrowed := buildRequest("exec-c", 1)
	narrowed.Constraints = &Constraints{MaxArtifacts: 1}
	_, err = r.Run(ctx, narrowed)
	requireCode(t, err, ErrCodeIdempotencyConflict)

	assert.Len(t, h.events("exec-c"), 2)
}

func TestRun_OtherOutcomeForSameAttemptConflicts(t *testing.T) {
	h := newHarness(t)
	h.seedCoherent()
	ctx := context.Background()

	_, err := h.runner(agent.Static{}).Run(ctx, buildRequest("exec-o", 1))
	require.NoError(t, err)

	planned := buildRequest("exec-o", 1)
	planned.DryRun = false
	_, err = h.runner(agent.Static{}).Run(ctx, planned)
	requireCode(t, err, ErrCodeIdempotencyConflict)
}

func TestRun_StaleBlocks(t *testing.T) {
	h := newHarness(t)
	h.seedCoherent()
	h.add(ledger.TypeSignal, "sig-2")

	res, err := h.runner(agent.Static{}).Run(context.Background(), buildRequest("exec-s", 1))
	assert.Nil(t, res)
	e := requireCode(t, err, ErrCodeCoherenceBlocked)
	assert.Equal(t, "exec-s", e.ExecutionID)
	assert.Equal(t, 403, StatusCode(err))

	events := h.events("exec-s")
	require.Len(t, events, 2)
	assert.Equal(t, ledger.StateFailed, events[0].State)
	assert.Equal(t, "COHERENCE_BLOCKED", events[0].Payload.String("error", "code"))
	assert.Equal(t, "stale", events[0].Payload.String("coherence", "status"))
}

func TestRun_Partial(t *testing.T) {
	seedPartial := func(h *harness) {
		h.add(ledger.TypeSignal, "sig-1")
		h.add(ledger.TypeFusion, "fus-1", "sig-1")
		h.add(ledger.TypeBenchmark, "bench-1", "sig-1")
		h.add(ledger.TypeIdea, "idea-1", "sig-1", "fus-1")
		h.add(ledger.TypeCopy, "copy-1", "idea-1")
	}

	t.Run("block by default", func(t *testing.T) {
		h := newHarness(t)
		seedPartial(h)
		_, err := h.runner(agent.Static{}).Run(context.Background(), buildRequest("exec-pb", 1))
		requireCode(t, err, ErrCodeCoherenceBlocked)
	})

	t.Run("draft_only dry run succeeds", func(t *testing.T) {
		h := newHarness(t)
		seedPartial(h)
		req := buildRequest("exec-pd", 1)
		req.CoherencePolicy = &CoherencePolicy{OnPartial: OnPartialDraftOnly}

		res, err := h.runner(agent.Static{}).Run(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, ledger.StateSucceeded, res.State)
		assert.Equal(t, coherence.StatusPartial, res.Coherence.Status)
		assert.NotEmpty(t, res.Artifacts)
	})

	t.Run("draft_only without dry run needs review", func(t *testing.T) {
		h := newHarness(t)
		seedPartial(h)
		req := buildRequest("exec-pr", 1)
		req.DryRun = false
		req.CoherencePolicy = &CoherencePolicy{OnPartial: OnPartialDraftOnly}

		res, err := h.runner(agent.Static{}).Run(context.Background(), req)
		require.NoError(t, err)
		assert.False(t, res.OK)
		assert.Equal(t, ledger.StateCancelled, res.State)
		assert.Equal(t, CancelPartialRequiresReview, res.CancelReason)
		assert.Empty(t, res.Artifacts)
	})
}

func TestRun_PolicyDeferred(t *testing.T) {
	h := newHarness(t)
	// Coherent chain without a benchmark: run_builder needs all six keys.
	h.add(ledger.TypeSignal, "sig-1")
	h.add(ledger.TypeFusion, "fus-1", "sig-1")
	h.add(ledger.TypeIdea, "idea-1", "sig-1", "fus-1")
	h.add(ledger.TypeCopy, "copy-1", "idea-1")
	h.add(ledger.TypePlaybook, "play-1", "idea-1", "copy-1")

	_, err := h.runner(agent.Static{}).Run(context.Background(), buildRequest("exec-d", 1))
	requireCode(t, err, ErrCodePolicyDeferred)
	assert.Equal(t, 409, StatusCode(err))

	events := h.events("exec-d")
	require.Len(t, events, 2)
	assert.Equal(t, ledger.StateCancelled, events[0].State)
	assert.Equal(t, CancelPolicyDeferred, events[0].Payload.String("cancelReason"))
}

func TestRun_NoSnapshot(t *testing.T) {
	h := newHarness(t)

	_, err := h.runner(agent.Static{}).Run(context.Background(), buildRequest("exec-n", 1))
	e := requireCode(t, err, ErrCodeValidation)
	assert.False(t, e.Retryable)
	assert.Empty(t, h.events("exec-n"))
}

func TestRun_LineageOutsideAuthorizedSet(t *testing.T) {
	h := newHarness(t)
	h.seedCoherent()
	rogue := agent.Func(func(ctx context.Context, in agent.Input) ([]agent.Draft, error) {
		return []agent.Draft{{Type: ledger.TypeTask, Payload: ledger.Document{}, DependsOn: []string{"sig-1", "elsewhere"}}}, nil
	})

	_, err := h.runner(rogue).Run(context.Background(), buildRequest("exec-l", 1))
	e := requireCode(t, err, ErrCodeModelOutputInvalid)
	assert.True(t, e.Retryable)
	assert.Contains(t, e.Message, "elsewhere")

	events := h.events("exec-l")
	require.Len(t, events, 2)
	assert.Equal(t, ledger.StateFailed, events[0].State)
	assert.Empty(t, events[0].Payload["artifacts"])
}

func TestRun_DisallowedTypeOrTooMany(t *testing.T) {
	tests := []struct {
		name   string
		drafts []agent.Draft
	}{
		{"coherence type", []agent.Draft{{Type: ledger.TypeSignal}}},
		{"too many", make([]agent.Draft, 6)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.seedCoherent()
			gen := agent.Func(func(context.Context, agent.Input) ([]agent.Draft, error) {
				return tt.drafts, nil
			})
			_, err := h.runner(gen).Run(context.Background(), buildRequest("exec-t", 1))
			requireCode(t, err, ErrCodeModelOutputInvalid)
		})
	}
}

func TestRun_AgentUnavailableWritesNothing(t *testing.T) {
	h := newHarness(t)
	h.seedCoherent()
	down := agent.NewBreaker(agent.Func(func(context.Context, agent.Input) ([]agent.Draft, error) {
		return nil, errors.New("dial tcp: connection refused")
	}), agent.BreakerSettings{}, nil, nil)

	_, err := h.runner(down).Run(context.Background(), buildRequest("exec-u", 1))
	e := requireCode(t, err, ErrCodeAgentUnavailable)
	assert.True(t, e.Retryable)
	assert.ErrorIs(t, err, agent.ErrUnavailable)
	assert.Empty(t, h.events("exec-u"))
}

func TestRun_RetryAfterFailure(t *testing.T) {
	h := newHarness(t)
	h.seedCoherent()
	rogue := agent.Func(func(context.Context, agent.Input) ([]agent.Draft, error) {
		return []agent.Draft{{Type: "brochure"}}, nil
	})
	ctx := context.Background()

	_, err := h.runner(rogue).Run(ctx, buildRequest("exec-r", 1))
	requireCode(t, err, ErrCodeModelOutputInvalid)

	res, err := h.runner(agent.Static{}).Run(ctx, buildRequest("exec-r", 2))
	require.NoError(t, err)
	assert.Equal(t, ledger.StateSucceeded, res.State)
	assert.Equal(t, 2, res.Attempt)

	assert.Equal(t, []ledger.State{
		ledger.StateRunning, ledger.StateFailed, ledger.StateRunning, ledger.StateSucceeded,
	}, states(h.events("exec-r")))

	// Same attempt again with a different outcome is a conflict.
	_, err = h.runner(agent.Static{}).Run(ctx, buildRequest("exec-r", 1))
	requireCode(t, err, ErrCodeIdempotencyConflict)
}

func TestRun_RejectsNonIncreasingAttempt(t *testing.T) {
	h := newHarness(t)
	h.seedCoherent()
	rogue := agent.Func(func(context.Context, agent.Input) ([]agent.Draft, error) {
		return []agent.Draft{{Type: "brochure"}}, nil
	})
	ctx := context.Background()

	_, err := h.runner(rogue).Run(ctx, buildRequest("exec-m", 3))
	requireCode(t, err, ErrCodeModelOutputInvalid)

	_, err = h.runner(agent.Static{}).Run(ctx, buildRequest("exec-m", 2))
	e := requireCode(t, err, ErrCodeValidation)
	assert.Contains(t, e.Message, "invalid transition")
}

func TestRun_ExecutionBelongsToOneRobot(t *testing.T) {
	h := newHarness(t)
	h.seedCoherent()
	ctx := context.Background()
	_, err := h.runner(agent.Static{}).Run(ctx, buildRequest("exec-x", 1))
	require.NoError(t, err)

	other := testutil.Artifact(tenant, "robot-2", ledger.TypeSignal, "sig-r2")
	_, err = h.journal.Append(ctx, other)
	require.NoError(t, err)
	for _, typ := range []ledger.ArtifactType{ledger.TypeFusion, ledger.TypeBenchmark, ledger.TypeIdea, ledger.TypeCopy, ledger.TypePlaybook} {
		_, err = h.journal.Append(ctx, testutil.Artifact(tenant, "robot-2", typ, string(typ)+"-r2", "sig-r2"))
		require.NoError(t, err)
	}

	req := buildRequest("exec-x", 2)
	req.RobotID = "robot-2"
	_, err = h.runner(agent.Static{}).Run(ctx, req)
	requireCode(t, err, ErrCodeIdempotencyConflict)
}

func TestRun_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Request)
	}{
		{"missing robot", func(r *Request) { r.RobotID = "" }},
		{"missing objective", func(r *Request) { r.Objective.Type = "" }},
		{"negative attempt", func(r *Request) { r.Attempt = -1 }},
		{"bad on_partial", func(r *Request) { r.CoherencePolicy = &CoherencePolicy{OnPartial: "ignore"} }},
		{"type outside allow-list", func(r *Request) {
			r.Constraints = &Constraints{AllowedArtifactTypes: []ledger.ArtifactType{"brochure"}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.seedCoherent()
			req := buildRequest("exec-v", 1)
			tt.mutate(&req)

			_, err := h.runner(agent.Static{}).Run(context.Background(), req)
			e := requireCode(t, err, ErrCodeValidation)
			assert.Equal(t, "exec-v", e.ExecutionID)
			assert.Empty(t, h.events("exec-v"))
		})
	}
}

func TestRun_ConstraintsNarrowTypes(t *testing.T) {
	h := newHarness(t)
	h.seedCoherent()
	req := buildRequest("exec-n", 1)
	req.Constraints = &Constraints{AllowedArtifactTypes: []ledger.ArtifactType{"landing_page"}}

	res, err := h.runner(agent.Static{}).Run(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, res.Artifacts, 1)
	assert.Equal(t, ledger.ArtifactType("landing_page"), res.Artifacts[0].Type)
}

func TestDecodeRequest(t *testing.T) {
	req, err := DecodeRequest([]byte(`{
		"robotId": "robot-1",
		"objective": {"type": "launch", "payload": {"market": "eu"}},
		"constraints": {"allowedArtifactTypes": ["task"], "maxArtifacts": 2},
		"coherencePolicy": {"on_partial": "draft_only"},
		"dryRun": true,
		"attempt": 2,
		"executionId": "exec-1"
	}`))
	require.NoError(t, err)
	assert.Equal(t, OnPartialDraftOnly, req.OnPartialPolicy())
	assert.Equal(t, 2, req.Attempt)
	assert.Equal(t, []ledger.ArtifactType{ledger.TypeTask}, req.Constraints.AllowedArtifactTypes)

	_, err = DecodeRequest([]byte(`{"robotId": "robot-1", "objective": {"type": "x"}, "priority": 1}`))
	requireCode(t, err, ErrCodeValidation)

	_, err = DecodeRequest([]byte(`{"robotId": "robot-1", "objective": {"type": "x"}, "coherencePolicy": {"on_partial": "maybe"}}`))
	requireCode(t, err, ErrCodeValidation)
}
