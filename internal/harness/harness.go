package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/roach88/ledgergate/internal/agent"
	"github.com/roach88/ledgergate/internal/coherence"
	"github.com/roach88/ledgergate/internal/execution"
	"github.com/roach88/ledgergate/internal/journal"
	"github.com/roach88/ledgergate/internal/ledger"
	"github.com/roach88/ledgergate/internal/policy"
	"github.com/roach88/ledgergate/internal/store"
	"github.com/roach88/ledgergate/internal/testutil"
	"github.com/roach88/ledgergate/internal/visibility"
)

// errAgentDown is what the "unavailable" agent returns.
var errAgentDown = errors.New("generation agent unreachable")

// Harness is the scenario execution engine. It wires the real ledger,
// coherence, policy, builder and visibility components over an in-memory
// store with a deterministic clock and ids.
type Harness struct {
	scenario  *Scenario
	journal   *journal.Journal
	snapshots *coherence.Resolver
	runner    *execution.Runner
	board     *visibility.Resolver
	clock     *testutil.Clock
	logger    *slog.Logger

	// agentMode is the generator behaviour for the current build step.
	agentMode string
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database for isolation.
// The returned error is reserved for harness failures (a step that could not
// run at all); mismatched expectations are reported on the Result.
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	clock := testutil.NewClock(testutil.Epoch)
	st, err := store.Open(":memory:", store.WithClock(clock.Now))
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	h, err := newHarness(scenario, st, clock)
	if err != nil {
		return nil, err
	}

	result := NewResult()
	if err := h.seed(ctx, scenario.Seed); err != nil {
		return nil, fmt.Errorf("failed to seed ledger: %w", err)
	}

	for i, step := range scenario.Steps {
		if err := h.executeStep(ctx, i, step, result); err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, step.Kind(), err)
		}
	}

	actx := &AssertionContext{Store: st, Ctx: ctx, TenantID: scenario.Config.Tenant}
	for _, msg := range EvaluateAssertions(scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

func newHarness(scenario *Scenario, st *store.Store, clock *testutil.Clock) (*Harness, error) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil)) // Suppress logs in scenarios

	h := &Harness{
		scenario:  scenario,
		clock:     clock,
		logger:    logger,
		agentMode: AgentStatic,
	}

	h.journal = journal.New(st,
		journal.WithIDGenerator(testutil.NewSequenceIDGenerator("entry")),
		journal.WithLogger(logger),
	)
	h.snapshots = coherence.NewResolver(h.journal, scenario.Config.Coherence.Window, logger)
	h.board = visibility.NewResolver(h.journal, h.snapshots,
		visibility.WithWindow(scenario.Config.Visibility.Window),
		visibility.WithLogger(logger),
	)

	breaker, err := scenario.Config.BreakerSettings()
	if err != nil {
		return nil, fmt.Errorf("breaker settings: %w", err)
	}
	gen := agent.NewBreaker(agent.Func(h.generate), breaker, nil, logger)

	h.runner = execution.NewRunner(h.journal, h.snapshots, gen,
		execution.WithSettings(scenario.Config.RunnerSettings()),
		execution.WithIDGenerator(testutil.NewSequenceIDGenerator("exec")),
		execution.WithClock(clock.Now),
		execution.WithLogger(logger),
	)
	return h, nil
}

// generate is the scripted agent behind every build step.
func (h *Harness) generate(ctx context.Context, in agent.Input) ([]agent.Draft, error) {
	switch h.agentMode {
	case AgentUnavailable:
		return nil, errAgentDown
	case AgentInvalid:
		return []agent.Draft{{
			Type:      ledger.TypeExecutionEvent,
			Payload:   ledger.Document{"title": "not an artifact"},
			DependsOn: []string{},
		}}, nil
	}
	return agent.Static{}.Generate(ctx, in)
}

func (h *Harness) seed(ctx context.Context, seeds []Seed) error {
	for i, s := range seeds {
		if _, _, err := h.appendSeed(ctx, s); err != nil {
			return fmt.Errorf("seed %d (%s): %w", i, s.ID, err)
		}
	}
	return nil
}

func (h *Harness) appendSeed(ctx context.Context, s Seed) (ledger.Entry, bool, error) {
	if s.At != nil {
		h.clock.Set(testutil.Epoch.Add(time.Duration(*s.At) * time.Minute))
	}
	stored, inserted, err := h.journal.AppendOnce(ctx, h.entry(s))
	if err != nil {
		return ledger.Entry{}, false, err
	}
	h.logger.Debug("seeded entry", "id", stored.ID, "type", stored.Type, "seq", stored.Seq)
	return stored, inserted, nil
}

// entry builds the ledger entry for a seed.
func (h *Harness) entry(s Seed) ledger.Entry {
	robot := h.robot(s.Robot)
	e := testutil.Artifact(h.scenario.Config.Tenant, robot, ledger.ArtifactType(s.Type), s.ID, s.DependsOn...)
	if s.Module != "" {
		e.Module = ledger.Module(s.Module)
		e.Source = s.Module + ".scenario"
	}
	if s.State != "" {
		e.State = ledger.State(s.State)
	}
	if s.Payload != nil {
		e.Payload = ledger.Document(s.Payload)
	}
	e.Lineage.ExecutionID = s.ExecutionID
	return e
}

func (h *Harness) robot(override string) string {
	if override != "" {
		return override
	}
	return h.scenario.Robot
}

// executeStep runs one step, records its output and checks its expectations.
func (h *Harness) executeStep(ctx context.Context, i int, step Step, result *Result) error {
	if step.Advance > 0 {
		h.clock.Advance(time.Duration(step.Advance) * time.Minute)
	}

	var (
		out     any
		summary map[string]any
		err     error
	)
	kind := step.Kind()
	switch kind {
	case KindAppend:
		out, summary, err = h.stepAppend(ctx, *step.Append)
	case KindCoherence:
		out, summary, err = h.stepCoherence(ctx, *step.Coherence)
	case KindEvaluate:
		out, summary, err = h.stepEvaluate(ctx, *step.Evaluate, result, i)
	case KindBuild:
		out, summary, err = h.stepBuild(ctx, *step.Build)
	case KindVisibility:
		out, summary, err = h.stepVisibility(ctx, *step.Visibility)
	default:
		return errors.New("step has no operation")
	}
	if err != nil {
		return err
	}

	doc, err := toDocument(out)
	if err != nil {
		return err
	}
	result.AddStep(i, kind, step.Name, doc, summary)

	for _, mismatch := range MatchSubset(step.Expect, doc) {
		result.AddError(fmt.Sprintf("step %d (%s): %s", i, stepLabel(step), mismatch))
	}

	h.logger.Info("scenario step completed", "step", i, "kind", kind, "name", step.Name)
	return nil
}

func stepLabel(step Step) string {
	if step.Name != "" {
		return step.Name
	}
	return step.Kind()
}

func (h *Harness) stepAppend(ctx context.Context, s Seed) (any, map[string]any, error) {
	stored, inserted, err := h.appendSeed(ctx, s)
	if err != nil {
		return nil, nil, err
	}
	out := map[string]any{
		"id":       stored.ID,
		"seq":      stored.Seq,
		"type":     string(stored.Type),
		"inserted": inserted,
	}
	return out, map[string]any{"id": stored.ID, "inserted": inserted}, nil
}

func (h *Harness) stepCoherence(ctx context.Context, s CoherenceStep) (any, map[string]any, error) {
	snap, err := h.snapshots.Snapshot(ctx, h.scenario.Config.Tenant, h.robot(s.Robot))
	if err != nil {
		return nil, nil, err
	}
	summary := map[string]any{
		"status":   string(snap.Status),
		"partial":  typeNames(snap.Partial),
		"outdated": typeNames(snap.Outdated),
	}
	return snap, summary, nil
}

func (h *Harness) stepEvaluate(ctx context.Context, s EvaluateStep, result *Result, i int) (any, map[string]any, error) {
	robot := h.robot(s.Robot)
	snap, err := h.snapshots.Snapshot(ctx, h.scenario.Config.Tenant, robot)
	if err != nil {
		return nil, nil, err
	}
	req := policy.NewRequest(h.scenario.Config.Tenant, robot, snap, policy.ActionType(s.Action),
		h.scenario.Config.Thresholds(), h.clock.Now())
	req.RequestedObjective = s.Objective

	d := policy.Evaluate(req)
	if err := policy.Validate(req, d); err != nil {
		result.AddError(fmt.Sprintf("step %d (evaluate): decision failed validation: %v", i, err))
	}
	summary := map[string]any{
		"decision": string(d.Decision),
		"ruleIds":  d.RuleIDs(),
		"runMode":  string(d.RecommendedRunMode),
	}
	return d, summary, nil
}

func (h *Harness) stepBuild(ctx context.Context, s BuildStep) (any, map[string]any, error) {
	req := execution.Request{
		RobotID:     h.robot(s.Robot),
		Objective:   agent.Objective{Type: s.Objective},
		DryRun:      s.DryRun,
		Attempt:     s.Attempt,
		ExecutionID: s.ExecutionID,
	}
	if s.ObjectivePayload != nil {
		req.Objective.Payload = ledger.Document(s.ObjectivePayload)
	}
	if s.OnPartial != "" {
		req.CoherencePolicy = &execution.CoherencePolicy{OnPartial: execution.OnPartial(s.OnPartial)}
	}
	if len(s.AllowedArtifactTypes) > 0 || s.MaxArtifacts > 0 {
		req.Constraints = &execution.Constraints{MaxArtifacts: s.MaxArtifacts}
		for _, t := range s.AllowedArtifactTypes {
			req.Constraints.AllowedArtifactTypes = append(req.Constraints.AllowedArtifactTypes, ledger.ArtifactType(t))
		}
	}

	// Go through the wire contract, the way the CLI does.
	data, err := json.Marshal(req)
	if err != nil {
		return nil, nil, fmt.Errorf("encode build request: %w", err)
	}

	h.agentMode = s.Agent
	if h.agentMode == "" {
		h.agentMode = AgentStatic
	}

	decoded, err := execution.DecodeRequest(data)
	var res *execution.Result
	if err == nil {
		res, err = h.runner.Run(ctx, decoded)
	}
	if err != nil {
		var runErr *execution.Error
		if !errors.As(err, &runErr) {
			return nil, nil, err
		}
		return buildErrorOutput(runErr)
	}

	summary := map[string]any{
		"ok":          res.OK,
		"state":       string(res.State),
		"artifacts":   len(res.Artifacts),
		"executionId": res.ExecutionID,
	}
	if res.CancelReason != "" {
		summary["cancelReason"] = res.CancelReason
	}
	if res.Idempotent {
		summary["idempotent"] = true
	}
	return res, summary, nil
}

func buildErrorOutput(e *execution.Error) (any, map[string]any, error) {
	out := map[string]any{
		"ok":          false,
		"executionId": e.ExecutionID,
		"status":      execution.StatusCode(e),
		"error": map[string]any{
			"code":      string(e.Code),
			"message":   e.Message,
			"retryable": e.Retryable,
		},
	}
	summary := map[string]any{
		"ok":   false,
		"code": string(e.Code),
	}
	if e.ExecutionID != "" {
		summary["executionId"] = e.ExecutionID
	}
	if e.Details["idempotent"] == "true" {
		summary["idempotent"] = true
	}
	return out, summary, nil
}

func (h *Harness) stepVisibility(ctx context.Context, s VisibilityStep) (any, map[string]any, error) {
	report, err := h.board.Report(ctx, visibility.Query{
		TenantID:       h.scenario.Config.Tenant,
		RobotID:        h.robot(s.Robot),
		IncludeHistory: s.IncludeHistory,
		HistoryLimit:   s.HistoryLimit,
	})
	if err != nil {
		return nil, nil, err
	}
	actions := make([]string, len(report.NextActions))
	for i, a := range report.NextActions {
		actions[i] = string(a.Action)
	}
	summary := map[string]any{
		"coherence":     string(report.Coherence.Status),
		"nextActions":   actions,
		"activeGates":   len(report.ActiveGates),
		"dryRunAllowed": report.BuilderReadiness.DryRunAllowed,
	}
	return report, summary, nil
}

// toDocument converts a step output to the generic JSON form expectations
// are matched against.
func toDocument(v any) (ledger.Document, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode step output: %w", err)
	}
	var doc ledger.Document
	if err := ledger.DecodeJSON(data, &doc); err != nil {
		return nil, fmt.Errorf("decode step output: %w", err)
	}
	return doc, nil
}

func typeNames(types []ledger.ArtifactType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}
