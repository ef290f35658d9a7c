package visibility

import (
	"time"

	"github.com/roach88/ledgergate/internal/coherence"
	"github.com/roach88/ledgergate/internal/ledger"
	"github.com/roach88/ledgergate/internal/policy"
)

// History bounds.
const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
)

// Query asks for one robot's report. TenantID comes from configuration, not
// from the wire.
type Query struct {
	TenantID       string `json:"-"`
	RobotID        string `json:"robotId"`
	IncludeHistory bool   `json:"includeHistory,omitempty"`
	HistoryLimit   int    `json:"historyLimit,omitempty"`
}

// Status of a module's latest entry.
type Status string

const (
	StatusNeverRan  Status = "never_ran"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusUnknown   Status = "unknown"
)

// CoherenceView is the snapshot summary shown to operators.
type CoherenceView struct {
	Status     coherence.Status `json:"status"`
	Reason     string           `json:"reason"`
	SnapshotAt *time.Time       `json:"snapshotAt"`
}

// ArtifactsPresent flags which artifact types the robot has produced.
type ArtifactsPresent struct {
	Signal    bool `json:"signal"`
	Fusion    bool `json:"fusion"`
	Benchmark bool `json:"benchmark"`
	Idea      bool `json:"idea"`
	Copy      bool `json:"copy"`
	Playbook  bool `json:"playbook"`
}

// Has reports the flag for t.
func (p ArtifactsPresent) Has(t ledger.ArtifactType) bool {
	switch t {
	case ledger.TypeSignal:
		return p.Signal
	case ledger.TypeFusion:
		return p.Fusion
	case ledger.TypeBenchmark:
		return p.Benchmark
	case ledger.TypeIdea:
		return p.Idea
	case ledger.TypeCopy:
		return p.Copy
	case ledger.TypePlaybook:
		return p.Playbook
	}
	return false
}

func (p *ArtifactsPresent) set(t ledger.ArtifactType) {
	switch t {
	case ledger.TypeSignal:
		p.Signal = true
	case ledger.TypeFusion:
		p.Fusion = true
	case ledger.TypeBenchmark:
		p.Benchmark = true
	case ledger.TypeIdea:
		p.Idea = true
	case ledger.TypeCopy:
		p.Copy = true
	case ledger.TypePlaybook:
		p.Playbook = true
	}
}

// ModuleStatus is the latest execution status of one module.
type ModuleStatus struct {
	Module        ledger.Module `json:"module"`
	Status        Status        `json:"status"`
	LastReason    string        `json:"lastReason,omitempty"`
	LastEntryID   string        `json:"lastEntryId,omitempty"`
	LastUpdatedAt *time.Time    `json:"lastUpdatedAt,omitempty"`
}

// Gate is a failed or cancelled gate entry no later success has superseded.
type Gate struct {
	Module      ledger.Module       `json:"module"`
	Type        ledger.ArtifactType `json:"type"`
	State       ledger.State        `json:"state"`
	Reason      string              `json:"reason"`
	EntryID     string              `json:"entryId"`
	ExecutionID string              `json:"executionId,omitempty"`
	CreatedAt   time.Time           `json:"createdAt"`
}

// Readiness says whether the builder may run.
type Readiness struct {
	DryRunAllowed    bool                  `json:"dryRunAllowed"`
	MissingArtifacts []ledger.ArtifactType `json:"missingArtifacts"`
	CoherenceStatus  coherence.Status      `json:"coherenceStatus"`
}

// NextAction is one recommended operator action.
type NextAction struct {
	Action    policy.ActionType `json:"action"`
	Priority  policy.Priority   `json:"priority"`
	Rationale string            `json:"rationale"`
}

// HistoryItem is one raw ledger entry in the history slice.
type HistoryItem struct {
	ID          string              `json:"id"`
	Module      ledger.Module       `json:"module"`
	Type        ledger.ArtifactType `json:"type"`
	State       ledger.State        `json:"state"`
	ExecutionID string              `json:"executionId,omitempty"`
	CreatedAt   time.Time           `json:"createdAt"`
}

// Report is the read-only status board for one robot, closed under
// #VisibilityReport.
type Report struct {
	TenantID         string           `json:"tenantId"`
	RobotID          string           `json:"robotId"`
	Coherence        CoherenceView    `json:"coherence"`
	ArtifactsPresent ArtifactsPresent `json:"artifactsPresent"`
	Modules          []ModuleStatus   `json:"modules"`
	ActiveGates      []Gate           `json:"activeGates"`
	BuilderReadiness Readiness        `json:"builderReadiness"`
	NextActions      []NextAction     `json:"nextActions"`
	History          []HistoryItem    `json:"history,omitempty"`
}
