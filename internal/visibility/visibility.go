// Package visibility projects the ledger into a per-robot status board:
// module statuses, active gates, builder readiness and ordered next actions.
// It never writes.
package visibility

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/ledgergate/internal/coherence"
	"github.com/roach88/ledgergate/internal/ledger"
	"github.com/roach88/ledgergate/internal/policy"
	"github.com/roach88/ledgergate/internal/schema"
)

// ErrInvalidQuery wraps every query validation failure.
var ErrInvalidQuery = errors.New("invalid visibility query")

// Reader lists ledger entries newest first.
type Reader interface {
	ListRecent(ctx context.Context, q ledger.Query) ([]ledger.Entry, error)
}

// Snapshots resolves coherence for a robot.
type Snapshots interface {
	Snapshot(ctx context.Context, tenantID, robotID string) (coherence.Snapshot, error)
}

// Resolver builds reports.
type Resolver struct {
	reader    Reader
	snapshots Snapshots
	window    int
	logger    *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithWindow sets how many recent entries a report inspects.
func WithWindow(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.window = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) {
		r.logger = l
	}
}

// NewResolver creates a Resolver.
func NewResolver(reader Reader, snapshots Snapshots, opts ...Option) *Resolver {
	r := &Resolver{
		reader:    reader,
		snapshots: snapshots,
		window:    coherence.DefaultWindow,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DecodeQuery checks raw JSON against the closed #VisibilityQuery contract.
func DecodeQuery(tenantID string, data []byte) (Query, error) {
	v, err := schema.Default()
	if err != nil {
		return Query{}, err
	}
	if err := v.ValidateJSON(schema.VisibilityQuery, data); err != nil {
		return Query{}, fmt.Errorf("%w: %w", ErrInvalidQuery, err)
	}
	var q Query
	if err := ledger.DecodeJSON(data, &q); err != nil {
		return Query{}, fmt.Errorf("%w: %w", ErrInvalidQuery, err)
	}
	q.TenantID = tenantID
	return q, q.Validate()
}

// Validate checks the query bounds.
func (q Query) Validate() error {
	switch {
	case q.TenantID == "":
		return fmt.Errorf("%w: tenantId is required", ErrInvalidQuery)
	case q.RobotID == "":
		return fmt.Errorf("%w: robotId is required", ErrInvalidQuery)
	case q.HistoryLimit != 0 && !q.IncludeHistory:
		return fmt.Errorf("%w: historyLimit requires includeHistory", ErrInvalidQuery)
	case q.HistoryLimit < 0 || q.HistoryLimit > MaxHistoryLimit:
		return fmt.Errorf("%w: historyLimit must be between 1 and %d", ErrInvalidQuery, MaxHistoryLimit)
	}
	return nil
}

// Report builds the status board. The window, the snapshot and the history
// slice are read concurrently. The result is checked against the closed
// report contract before it is returned.
func (r *Resolver) Report(ctx context.Context, q Query) (*Report, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	var (
		window  []ledger.Entry
		snap    coherence.Snapshot
		history []ledger.Entry
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		window, err = r.reader.ListRecent(gctx, ledger.Query{
			TenantID: q.TenantID,
			RobotID:  q.RobotID,
			Limit:    r.window,
		})
		return err
	})
	g.Go(func() error {
		var err error
		snap, err = r.snapshots.Snapshot(gctx, q.TenantID, q.RobotID)
		return err
	})
	if q.IncludeHistory {
		limit := q.HistoryLimit
		if limit == 0 {
			limit = DefaultHistoryLimit
		}
		g.Go(func() error {
			var err error
			history, err = r.reader.ListRecent(gctx, ledger.Query{
				TenantID: q.TenantID,
				RobotID:  q.RobotID,
				Limit:    limit,
			})
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("visibility report: %w", err)
	}

	report := build(q, window, snap)
	if q.IncludeHistory {
		report.History = historyItems(history)
	}

	v, err := schema.Default()
	if err != nil {
		return nil, err
	}
	if err := v.Validate(schema.VisibilityReport, report); err != nil {
		return nil, fmt.Errorf("visibility report: %w", err)
	}

	r.logger.Debug("visibility report built",
		"tenant", q.TenantID,
		"robot", q.RobotID,
		"entries", len(window),
		"gates", len(report.ActiveGates),
		"nextActions", len(report.NextActions),
	)
	return report, nil
}

// build is the pure projection behind Report.
func build(q Query, window []ledger.Entry, snap coherence.Snapshot) *Report {
	present := presence(window, snap)
	gates := activeGates(window)

	missing := []ledger.ArtifactType{}
	for _, t := range ledger.CoherenceTypes {
		if !present.Has(t) {
			missing = append(missing, t)
		}
	}

	return &Report{
		TenantID: q.TenantID,
		RobotID:  q.RobotID,
		Coherence: CoherenceView{
			Status:     snap.Status,
			Reason:     snap.Reason,
			SnapshotAt: snap.SnapshotAt,
		},
		ArtifactsPresent: present,
		Modules:          moduleStatuses(window),
		ActiveGates:      gates,
		BuilderReadiness: Readiness{
			DryRunAllowed:    snap.Status != coherence.StatusStale,
			MissingArtifacts: missing,
			CoherenceStatus:  snap.Status,
		},
		NextActions: nextActions(present, snap, gates),
	}
}

func presence(window []ledger.Entry, snap coherence.Snapshot) ArtifactsPresent {
	var p ArtifactsPresent
	for t := range snap.Latest {
		p.set(t)
	}
	for _, e := range window {
		p.set(e.Type)
	}
	return p
}

// moduleStatuses reports the latest entry of every module. The builder is
// judged by its execution events only, not by the drafts it wrote.
func moduleStatuses(window []ledger.Entry) []ModuleStatus {
	latest := make(map[ledger.Module]ledger.Entry)
	for _, e := range window {
		if e.Module == ledger.ModuleBuilder && e.Type != ledger.TypeExecutionEvent {
			continue
		}
		if cur, ok := latest[e.Module]; !ok || e.Newer(cur) {
			latest[e.Module] = e
		}
	}

	out := make([]ModuleStatus, 0, len(ledger.Modules))
	for _, m := range ledger.Modules {
		e, ok := latest[m]
		if !ok {
			out = append(out, ModuleStatus{Module: m, Status: StatusNeverRan})
			continue
		}
		at := e.CreatedAt
		out = append(out, ModuleStatus{
			Module:        m,
			Status:        classify(e.State),
			LastReason:    lastReason(e),
			LastEntryID:   e.ID,
			LastUpdatedAt: &at,
		})
	}
	return out
}

func classify(state ledger.State) Status {
	switch state {
	case ledger.StateSucceeded, ledger.StateDraft, ledger.StateApproved, "completed":
		return StatusSucceeded
	case ledger.StateFailed:
		return StatusFailed
	case ledger.StateCancelled:
		return StatusCancelled
	}
	return StatusUnknown
}

// lastReason reads error.code, then cancelReason, then error.message.
func lastReason(e ledger.Entry) string {
	if code := e.Payload.String("error", "code"); code != "" {
		return code
	}
	if reason := e.Payload.String("cancelReason"); reason != "" {
		return reason
	}
	return e.Payload.String("error", "message")
}

func isGateType(t ledger.ArtifactType) bool {
	return t == ledger.TypeExecutionEvent || t == ledger.TypePolicyGate
}

// activeGates returns, per module, the latest gate entry when it failed or
// was cancelled. Planned and running entries neither open nor close a gate.
func activeGates(window []ledger.Entry) []Gate {
	sorted := append([]ledger.Entry(nil), window...)
	ledger.SortNewestFirst(sorted)

	decided := make(map[ledger.Module]bool)
	gates := []Gate{}
	for _, e := range sorted {
		if !isGateType(e.Type) || decided[e.Module] {
			continue
		}
		if e.State == ledger.StatePlanned || e.State == ledger.StateRunning {
			continue
		}
		decided[e.Module] = true
		if e.State != ledger.StateFailed && e.State != ledger.StateCancelled {
			continue
		}
		gates = append(gates, Gate{
			Module:      e.Module,
			Type:        e.Type,
			State:       e.State,
			Reason:      lastReason(e),
			EntryID:     e.ID,
			ExecutionID: e.Lineage.ExecutionID,
			CreatedAt:   e.CreatedAt,
		})
	}
	return gates
}

// prerequisites lists the artifact types that must exist before an action
// producing t is worth recommending.
var prerequisites = map[ledger.ArtifactType][]ledger.ArtifactType{
	ledger.TypeSignal:    {},
	ledger.TypeFusion:    {ledger.TypeSignal},
	ledger.TypeBenchmark: {ledger.TypeSignal},
	ledger.TypeIdea:      {ledger.TypeSignal, ledger.TypeFusion},
	ledger.TypeCopy:      {ledger.TypeIdea},
	ledger.TypePlaybook:  {ledger.TypeIdea, ledger.TypeCopy, ledger.TypeBenchmark},
}

// usable reports whether t exists along with everything it is built from.
func usable(present ArtifactsPresent, t ledger.ArtifactType) bool {
	if !present.Has(t) {
		return false
	}
	for _, dep := range prerequisites[t] {
		if !usable(present, dep) {
			return false
		}
	}
	return true
}

// nextActions recommends producing what is missing, rebuilding what is
// outdated or partial, and finally running the builder. An action is only
// recommended once every artifact it depends on, directly or transitively,
// exists. The list is
// deduplicated by action and ordered high, medium, low.
func nextActions(present ArtifactsPresent, snap coherence.Snapshot, gates []Gate) []NextAction {
	actions := []NextAction{}
	seen := make(map[policy.ActionType]bool)
	add := func(t ledger.ArtifactType, rationale string) {
		for _, dep := range prerequisites[t] {
			if !usable(present, dep) {
				return
			}
		}
		action, priority, ok := policy.ActionProducing(t)
		if !ok || seen[action] {
			return
		}
		seen[action] = true
		actions = append(actions, NextAction{Action: action, Priority: priority, Rationale: rationale})
	}

	if snap.Status == coherence.StatusStale {
		add(ledger.TypeSignal, "coherence is stale; refresh signals first")
	}
	for _, t := range ledger.CoherenceTypes {
		if !present.Has(t) {
			add(t, fmt.Sprintf("no %s artifact yet", t))
		}
	}
	for _, f := range snap.Findings {
		switch {
		case f.Partial == coherence.PartialMissing:
			// covered above
		case f.Partial != "":
			add(f.Type, fmt.Sprintf("%s has %s", f.Type, f.Partial))
		case len(f.NewerUpstream) > 0:
			add(f.Type, fmt.Sprintf("%s was built from outdated upstream entries", f.Type))
		}
	}

	builderGated := false
	for _, g := range gates {
		if g.Module == ledger.ModuleBuilder {
			builderGated = true
		}
	}
	if len(actions) == 0 && snap.Status == coherence.StatusCoherent && !builderGated {
		actions = append(actions, NextAction{
			Action:    policy.ActionRunBuilder,
			Priority:  policy.PriorityMedium,
			Rationale: "every required artifact is present and coherent",
		})
	}

	sort.SliceStable(actions, func(i, j int) bool {
		return actions[i].Priority.Rank() < actions[j].Priority.Rank()
	})
	return actions
}

func historyItems(entries []ledger.Entry) []HistoryItem {
	items := make([]HistoryItem, len(entries))
	for i, e := range entries {
		items[i] = HistoryItem{
			ID:          e.ID,
			Module:      e.Module,
			Type:        e.Type,
			State:       e.State,
			ExecutionID: e.Lineage.ExecutionID,
			CreatedAt:   e.CreatedAt,
		}
	}
	return items
}
