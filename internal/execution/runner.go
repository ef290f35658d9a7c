package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/ledgergate/internal/agent"
	"github.com/roach88/ledgergate/internal/coherence"
	"github.com/roach88/ledgergate/internal/journal"
	"github.com/roach88/ledgergate/internal/ledger"
	"github.com/roach88/ledgergate/internal/policy"
	"github.com/roach88/ledgergate/internal/schema"
	"github.com/roach88/ledgergate/internal/telemetry"
)

// Source is the builder's own entry source.
const Source = "builder.run"

// DefaultMaxArtifacts caps drafts when neither settings nor request do.
const DefaultMaxArtifacts = 10

// Ledger is the journal surface a run needs.
type Ledger interface {
	AppendOnce(ctx context.Context, e ledger.Entry) (ledger.Entry, bool, error)
	Get(ctx context.Context, id string) (ledger.Entry, error)
	ListRecent(ctx context.Context, q ledger.Query) ([]ledger.Entry, error)
}

// Snapshots resolves coherence for a robot.
type Snapshots interface {
	Snapshot(ctx context.Context, tenantID, robotID string) (coherence.Snapshot, error)
}

// Settings are the runner's configured limits.
type Settings struct {
	// TenantID is used when a request names none.
	TenantID   string
	Thresholds policy.Thresholds
	// AllowedArtifactTypes is the builder allow-list. Requests may narrow it.
	AllowedArtifactTypes []ledger.ArtifactType
	MaxArtifacts         int
	ServiceVersion       string
}

// Runner executes builder runs. It holds no per-run state and is safe for
// concurrent use.
type Runner struct {
	ledger    Ledger
	snapshots Snapshots
	agent     agent.Generator
	settings  Settings
	ids       ledger.IDGenerator
	now       func() time.Time
	logger    *slog.Logger
	metrics   *telemetry.Metrics
}

// Option configures a Runner.
type Option func(*Runner)

// WithSettings sets limits and defaults.
func WithSettings(s Settings) Option {
	return func(r *Runner) {
		r.settings = s
	}
}

// WithIDGenerator sets the generator for execution ids.
func WithIDGenerator(g ledger.IDGenerator) Option {
	return func(r *Runner) {
		r.ids = g
	}
}

// WithClock sets the clock used for policy evaluation time.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		r.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) {
		r.logger = l
	}
}

// WithMetrics sets the telemetry sink.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Runner) {
		r.metrics = m
	}
}

// NewRunner creates a Runner.
func NewRunner(l Ledger, snapshots Snapshots, gen agent.Generator, opts ...Option) *Runner {
	r := &Runner{
		ledger:    l,
		snapshots: snapshots,
		agent:     gen,
		settings: Settings{
			Thresholds:           policy.DefaultThresholds,
			AllowedArtifactTypes: []ledger.ArtifactType{ledger.TypeTask},
			MaxArtifacts:         DefaultMaxArtifacts,
			ServiceVersion:       ledger.ServiceVersion,
		},
		ids:    ledger.UUIDv7Generator{},
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.settings.MaxArtifacts <= 0 {
		r.settings.MaxArtifacts = DefaultMaxArtifacts
	}
	if r.settings.ServiceVersion == "" {
		r.settings.ServiceVersion = ledger.ServiceVersion
	}
	return r
}

// run carries one attempt through the sequence.
type run struct {
	tenantID     string
	executionID  string
	attempt      int
	req          Request
	record       requestRecord
	allowedTypes []ledger.ArtifactType
	maxArtifacts int
	snapshot     coherence.Snapshot
	lineage      []string
	policy       *PolicySummary
}

// Run executes one builder run attempt.
//
// Validation failures return before anything is written. Blocked, deferred
// and invalid-output runs are recorded as terminal events and then returned
// as errors. Agent transport failures are returned without writing.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	ru, err := r.prepare(req)
	if err != nil {
		return nil, r.finish(ctx, nil, err)
	}
	res, err := r.execute(ctx, ru)
	return res, r.finish(ctx, res, err)
}

func (r *Runner) finish(ctx context.Context, res *Result, err error) error {
	state, code := "", ""
	if res != nil {
		state = string(res.State)
	}
	if err != nil {
		code = string(CodeOf(err))
		r.logger.Warn("builder run failed", "error", err)
	}
	r.metrics.BuilderRun(ctx, state, code)
	return err
}

// prepare validates and normalizes the request.
func (r *Runner) prepare(req Request) (*run, error) {
	ru := &run{
		tenantID:    req.TenantID,
		executionID: req.ExecutionID,
		attempt:     req.Attempt,
		req:         req,
	}
	if ru.tenantID == "" {
		ru.tenantID = r.settings.TenantID
	}
	if ru.executionID == "" {
		ru.executionID = r.ids.Generate()
	}
	if ru.attempt == 0 {
		ru.attempt = 1
	}
	invalid := func(format string, args ...any) (*run, error) {
		return nil, newError(ErrCodeValidation, ru.executionID, format, args...)
	}

	switch {
	case ru.tenantID == "":
		return invalid("tenantId is required")
	case req.RobotID == "":
		return invalid("robotId is required")
	case req.Objective.Type == "":
		return invalid("objective.type is required")
	case ru.attempt < 1:
		return invalid("attempt must be >= 1, got %d", ru.attempt)
	}
	onPartial := req.OnPartialPolicy()
	if onPartial != OnPartialBlock && onPartial != OnPartialDraftOnly {
		return invalid("coherencePolicy.on_partial must be block or draft_only, got %q", onPartial)
	}

	ru.allowedTypes = r.settings.AllowedArtifactTypes
	ru.maxArtifacts = r.settings.MaxArtifacts
	if c := req.Constraints; c != nil {
		if c.MaxArtifacts < 0 {
			return invalid("constraints.maxArtifacts must be >= 1, got %d", c.MaxArtifacts)
		}
		if c.MaxArtifacts > 0 && c.MaxArtifacts < ru.maxArtifacts {
			ru.maxArtifacts = c.MaxArtifacts
		}
		if len(c.AllowedArtifactTypes) > 0 {
			narrowed := make([]ledger.ArtifactType, 0, len(c.AllowedArtifactTypes))
			for _, t := range c.AllowedArtifactTypes {
				if !containsType(r.settings.AllowedArtifactTypes, t) {
					return invalid("artifact type %q is not allow-listed for the builder", t)
				}
				if !containsType(narrowed, t) {
					narrowed = append(narrowed, t)
				}
			}
			ru.allowedTypes = narrowed
		}
	}

	ru.record = requestRecord{
		RobotID:              req.RobotID,
		Objective:            req.Objective,
		AllowedArtifactTypes: ru.allowedTypes,
		MaxArtifacts:         ru.maxArtifacts,
		OnPartial:            onPartial,
		DryRun:               req.DryRun,
		WorkflowVersion:      req.WorkflowVersion,
		AgentVersion:         req.AgentVersion,
	}
	return ru, nil
}

func (r *Runner) execute(ctx context.Context, ru *run) (*Result, error) {
	logger := r.logger.With("tenant", ru.tenantID, "robot", ru.req.RobotID,
		"execution", ru.executionID, "attempt", ru.attempt)

	// (a) snapshot
	snap, err := r.snapshots.Snapshot(ctx, ru.tenantID, ru.req.RobotID)
	if err != nil {
		return nil, r.ledgerError(ru, "resolve coherence", err)
	}
	ru.snapshot = snap
	if snap.SnapshotAt == nil {
		return nil, newError(ErrCodeValidation, ru.executionID,
			"no coherence snapshot for robot %s", ru.req.RobotID)
	}

	// (b) authorized lineage
	ru.lineage = snap.AuthorizedLineage()
	minLineage := r.settings.Thresholds.MinLineageCount
	if minLineage < 1 {
		minLineage = 1
	}
	if len(ru.lineage) < minLineage {
		return nil, newError(ErrCodeValidation, ru.executionID,
			"authorized lineage has %d entries, need %d", len(ru.lineage), minLineage)
	}

	// (c) policy, evaluated then re-validated
	preq := policy.NewRequest(ru.tenantID, ru.req.RobotID, snap, policy.ActionRunBuilder,
		r.settings.Thresholds, r.now())
	preq.RequestedObjective = ru.req.Objective.Type
	decision := policy.Evaluate(preq)
	r.metrics.PolicyDecision(ctx, string(decision.Decision))
	ru.policy = &PolicySummary{
		Decision:   decision.Decision,
		Confidence: decision.Confidence,
		RuleIDs:    decision.RuleIDs(),
	}
	logger.Debug("policy decided", "decision", decision.Decision, "rules", ru.policy.RuleIDs)

	if err := policy.Validate(preq, decision); err != nil {
		return r.fail(ctx, ru, ErrCodeValidation, "policy decision failed validation: "+err.Error())
	}
	switch decision.Decision {
	case policy.Block:
		return r.fail(ctx, ru, ErrCodeCoherenceBlocked, blockMessage(decision))
	case policy.Defer:
		return r.finalize(ctx, ru, ledger.StateCancelled, nil, nil, CancelPolicyDeferred)
	}

	// (d) independent coherence checks
	if snap.Status == coherence.StatusStale {
		return r.fail(ctx, ru, ErrCodeCoherenceBlocked, "coherence is stale: "+snap.Reason)
	}
	if snap.Status == coherence.StatusPartial && ru.record.OnPartial == OnPartialBlock {
		return r.fail(ctx, ru, ErrCodeCoherenceBlocked, "coherence is partial and on_partial is block: "+snap.Reason)
	}

	// (e) agent
	drafts, err := r.agent.Generate(ctx, agent.Input{
		TenantID:          ru.tenantID,
		RobotID:           ru.req.RobotID,
		ExecutionID:       ru.executionID,
		Attempt:           ru.attempt,
		Objective:         ru.req.Objective,
		AllowedTypes:      ru.allowedTypes,
		AuthorizedLineage: ru.lineage,
		MaxArtifacts:      ru.maxArtifacts,
		DryRun:            ru.req.DryRun,
		AgentVersion:      ru.req.AgentVersion,
	})
	if err != nil {
		e := newError(ErrCodeAgentUnavailable, ru.executionID, "generation agent: %v", err)
		e.Err = err
		return nil, e
	}
	if err := r.checkDrafts(ru, drafts); err != nil {
		return r.fail(ctx, ru, ErrCodeModelOutputInvalid, err.Error())
	}

	// (f) terminal state
	switch {
	case snap.Status == coherence.StatusCoherent && ru.req.DryRun,
		snap.Status == coherence.StatusPartial && ru.req.DryRun:
		return r.finalize(ctx, ru, ledger.StateSucceeded, drafts, nil, "")
	case snap.Status == coherence.StatusCoherent:
		return r.finalize(ctx, ru, ledger.StatePlanned, drafts, nil, "")
	default:
		return r.finalize(ctx, ru, ledger.StateCancelled, nil, nil, CancelPartialRequiresReview)
	}
}

// checkDrafts rejects drafts of a disallowed type, drafts citing lineage
// outside the authorized set and output beyond the artifact cap.
func (r *Runner) checkDrafts(ru *run, drafts []agent.Draft) error {
	if len(drafts) > ru.maxArtifacts {
		return fmt.Errorf("agent returned %d drafts, limit is %d", len(drafts), ru.maxArtifacts)
	}
	var errs []error
	for i, d := range drafts {
		if !containsType(ru.allowedTypes, d.Type) {
			errs = append(errs, fmt.Errorf("draft %d: type %q is not allowed", i, d.Type))
		}
		for _, id := range d.DependsOn {
			if !containsString(ru.lineage, id) {
				errs = append(errs, fmt.Errorf("draft %d: lineage id %q is outside the authorized set", i, id))
			}
		}
	}
	return errors.Join(errs...)
}

// fail records a failed event and returns its error.
func (r *Runner) fail(ctx context.Context, ru *run, code ErrorCode, message string) (*Result, error) {
	return r.finalize(ctx, ru, ledger.StateFailed, nil, &EventError{
		Code:      code,
		Message:   message,
		Retryable: retryable(code),
	}, "")
}

// finalize writes the terminal event for the attempt, idempotently.
func (r *Runner) finalize(ctx context.Context, ru *run, state ledger.State, drafts []agent.Draft, evErr *EventError, cancelReason string) (*Result, error) {
	artifacts, err := r.buildArtifacts(ru, drafts)
	if err != nil {
		return nil, r.ledgerError(ru, "build artifacts", err)
	}
	refs := make([]ArtifactRef, len(artifacts))
	for i, a := range artifacts {
		refs[i] = ArtifactRef{ID: a.ID, Type: a.Type}
	}

	event := r.event(ru, state, refs, evErr, cancelReason)
	doc, err := r.eventDocument(event)
	if err != nil {
		return nil, r.ledgerError(ru, "encode event", err)
	}
	eventID, err := ledger.ExecutionEventID(ru.tenantID, ru.req.RobotID, ru.executionID, ru.attempt, state)
	if err != nil {
		return nil, r.ledgerError(ru, "derive event id", err)
	}

	// (g) same key: replay or conflict
	existing, err := r.ledger.Get(ctx, eventID)
	switch {
	case err == nil:
		return r.replay(ctx, ru, existing, doc, artifacts)
	case !errors.Is(err, journal.ErrNotFound):
		return nil, r.ledgerError(ru, "read prior event", err)
	}

	events, err := r.runEvents(ctx, ru)
	if err != nil {
		return nil, r.ledgerError(ru, "read run events", err)
	}
	from := Step{}
	for _, e := range events {
		if e.ID == eventID {
			// A peer committed the same key after the lookup above.
			return r.replay(ctx, ru, e, doc, artifacts)
		}
		if e.RobotID != ru.req.RobotID {
			return nil, r.conflict(ru, "execution belongs to robot %s", e.RobotID)
		}
		attempt, _ := e.Payload.Int("attempt")
		if int(attempt) == ru.attempt && IsOutcome(e.State) && e.State != state {
			return nil, r.conflict(ru, "attempt %d already ended %s", ru.attempt, e.State)
		}
	}
	if len(events) > 0 {
		attempt, _ := events[0].Payload.Int("attempt")
		from = Step{State: events[0].State, Attempt: int(attempt)}
	}
	steps, err := path(from, Step{State: state, Attempt: ru.attempt})
	if err != nil {
		return nil, newError(ErrCodeValidation, ru.executionID, "%v", err)
	}

	for _, step := range steps[:len(steps)-1] {
		if err := r.appendBridge(ctx, ru, step); err != nil {
			return nil, r.ledgerError(ru, "append running event", err)
		}
	}

	stored, inserted, err := r.ledger.AppendOnce(ctx, r.eventEntry(ru, eventID, state, doc))
	if err != nil {
		return nil, r.ledgerError(ru, "append event", err)
	}
	if !inserted {
		// Lost a race for the same key.
		return r.replay(ctx, ru, stored, doc, artifacts)
	}
	// Artifacts follow the event that owns them, so a request that loses the
	// race for the key never writes any.
	if err := r.appendArtifacts(ctx, ru, artifacts); err != nil {
		return nil, err
	}
	r.logger.Info("builder run recorded",
		"execution", ru.executionID, "attempt", ru.attempt, "state", state, "artifacts", len(refs))
	return outcome(eventID, event, false)
}

// replay compares a stored event with the one about to be written. An
// identical replay re-appends the event's artifacts, which are content
// addressed, so an attempt interrupted after its event was written is
// completed.
func (r *Runner) replay(ctx context.Context, ru *run, stored ledger.Entry, doc ledger.Document, artifacts []ledger.Entry) (*Result, error) {
	equal, err := ledger.CanonicalEqual(stored.Payload, doc)
	if err != nil {
		return nil, r.ledgerError(ru, "compare events", err)
	}
	if !equal || stored.TenantID != ru.tenantID || stored.RobotID != ru.req.RobotID {
		return nil, r.conflict(ru, "event %s already exists with a different payload", stored.ID)
	}
	prior, err := eventFromDocument(stored.Payload)
	if err != nil {
		return nil, r.ledgerError(ru, "read prior event", err)
	}
	if err := r.appendArtifacts(ctx, ru, artifacts); err != nil {
		return nil, err
	}
	r.logger.Debug("builder run replayed", "execution", ru.executionID, "event", stored.ID)
	return outcome(stored.ID, prior, true)
}

func (r *Runner) appendArtifacts(ctx context.Context, ru *run, artifacts []ledger.Entry) error {
	for _, a := range artifacts {
		if _, _, err := r.ledger.AppendOnce(ctx, a); err != nil {
			return r.ledgerError(ru, "append artifact", err)
		}
	}
	return nil
}

func (r *Runner) conflict(ru *run, format string, args ...any) *Error {
	e := newError(ErrCodeIdempotencyConflict, ru.executionID, format, args...)
	e.Details = map[string]string{"attempt": fmt.Sprint(ru.attempt)}
	return e
}

func (r *Runner) ledgerError(ru *run, op string, err error) *Error {
	e := newError(ErrCodeLedgerUnavailable, ru.executionID, "%s: %v", op, err)
	e.Err = err
	return e
}

func (r *Runner) runEvents(ctx context.Context, ru *run) ([]ledger.Entry, error) {
	return r.ledger.ListRecent(ctx, ledger.Query{
		TenantID:    ru.tenantID,
		Types:       []ledger.ArtifactType{ledger.TypeExecutionEvent},
		ExecutionID: ru.executionID,
		Limit:       journal.MaxLimit,
	})
}

func (r *Runner) event(ru *run, state ledger.State, refs []ArtifactRef, evErr *EventError, cancelReason string) Event {
	return Event{
		ExecutionID: ru.executionID,
		Attempt:     ru.attempt,
		State:       state,
		Request:     ru.record,
		Coherence: CoherenceSummary{
			Status:     ru.snapshot.Status,
			Reason:     ru.snapshot.Reason,
			SnapshotAt: ru.snapshot.SnapshotAt,
		},
		Policy:            ru.policy,
		AuthorizedLineage: ru.lineage,
		Artifacts:         refs,
		Error:             evErr,
		CancelReason:      cancelReason,
		DryRun:            ru.req.DryRun,
		ServiceVersion:    r.settings.ServiceVersion,
	}
}

// eventDocument encodes an event and checks it against #ExecutionEvent.
func (r *Runner) eventDocument(e Event) (ledger.Document, error) {
	if e.AuthorizedLineage == nil {
		e.AuthorizedLineage = []string{}
	}
	v, err := schema.Default()
	if err != nil {
		return nil, err
	}
	if err := v.Validate(schema.ExecutionEvent, e); err != nil {
		return nil, err
	}
	return e.document()
}

func (r *Runner) eventEntry(ru *run, id string, state ledger.State, doc ledger.Document) ledger.Entry {
	return ledger.Entry{
		ID:       id,
		TenantID: ru.tenantID,
		RobotID:  ru.req.RobotID,
		Module:   ledger.ModuleBuilder,
		Source:   Source,
		Type:     ledger.TypeExecutionEvent,
		State:    state,
		Payload:  doc,
		Lineage: ledger.Lineage{
			DependsOnLedgerIDs: ru.lineage,
			ExecutionID:        ru.executionID,
			RobotID:            ru.req.RobotID,
		},
	}
}

func (r *Runner) appendBridge(ctx context.Context, ru *run, step Step) error {
	event := r.event(ru, step.State, []ArtifactRef{}, nil, "")
	doc, err := r.eventDocument(event)
	if err != nil {
		return err
	}
	id, err := ledger.ExecutionEventID(ru.tenantID, ru.req.RobotID, ru.executionID, step.Attempt, step.State)
	if err != nil {
		return err
	}
	_, _, err = r.ledger.AppendOnce(ctx, r.eventEntry(ru, id, step.State, doc))
	return err
}

// buildArtifacts turns drafts into content-addressed entries scoped to the
// run. A draft without dependencies derives from the whole authorized set.
func (r *Runner) buildArtifacts(ru *run, drafts []agent.Draft) ([]ledger.Entry, error) {
	entries := make([]ledger.Entry, 0, len(drafts))
	for i, d := range drafts {
		deps := d.DependsOn
		if len(deps) == 0 {
			deps = ru.lineage
		}
		payload := d.Payload
		if payload == nil {
			payload = ledger.Document{}
		}
		id, err := ledger.DerivedID(ledger.DomainArtifact, ru.tenantID, ru.req.RobotID, ru.executionID, ru.attempt, i, string(d.Type), map[string]any(payload), deps)
		if err != nil {
			return nil, err
		}
		entries = append(entries, ledger.Entry{
			ID:       id,
			TenantID: ru.tenantID,
			RobotID:  ru.req.RobotID,
			Module:   ledger.ModuleBuilder,
			Source:   Source,
			Type:     d.Type,
			State:    ledger.StateDraft,
			Payload:  payload,
			Lineage: ledger.Lineage{
				DependsOnLedgerIDs: append([]string(nil), deps...),
				ExecutionID:        ru.executionID,
				RobotID:            ru.req.RobotID,
			},
		})
	}
	return entries, nil
}

func blockMessage(d policy.Decision) string {
	if len(d.Reasons) == 0 {
		return "policy blocked the run"
	}
	return d.Reasons[0].Message
}

func containsType(list []ledger.ArtifactType, t ledger.ArtifactType) bool {
	for _, x := range list {
		if x == t {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
