package policy

import (
	"time"

	"github.com/roach88/ledgergate/internal/coherence"
	"github.com/roach88/ledgergate/internal/ledger"
)

// Contract versions.
const (
	RequestContractVersion  = "policy.request.v1"
	DecisionContractVersion = "policy.decision.v1"
)

// ActionType is an action the policy can allow, block or defer.
type ActionType string

const (
	ActionRefreshSignals ActionType = "refresh_signals"
	ActionRunFusion      ActionType = "run_fusion"
	ActionRunMarketTwin  ActionType = "run_market_twin"
	ActionRunIdeator     ActionType = "run_ideator"
	ActionRunCopywriter  ActionType = "run_copywriter"
	ActionRunPlaybooks   ActionType = "run_playbooks"
	ActionRunBuilder     ActionType = "run_builder"
)

// Actions lists every action in pipeline order.
var Actions = []ActionType{
	ActionRefreshSignals, ActionRunFusion, ActionRunMarketTwin, ActionRunIdeator,
	ActionRunCopywriter, ActionRunPlaybooks, ActionRunBuilder,
}

// Valid reports whether a is a known action.
func (a ActionType) Valid() bool {
	for _, known := range Actions {
		if a == known {
			return true
		}
	}
	return false
}

// Outcome is the top-level decision.
type Outcome string

const (
	Allow Outcome = "ALLOW"
	Block Outcome = "BLOCK"
	Defer Outcome = "DEFER"
)

// RunMode is the recommended execution mode.
type RunMode string

const (
	RunModePlanned RunMode = "planned"
	RunModeDryRun  RunMode = "dry_run"
)

// Priority orders recommendations.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank returns 0 for high, 1 for medium, 2 for low.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	}
	return 2
}

// Severity of a reason.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// RecencyKey names one of the six tracked timestamps.
type RecencyKey string

const (
	KeySignals   RecencyKey = "signalsAt"
	KeyFusion    RecencyKey = "fusionAt"
	KeyBenchmark RecencyKey = "benchmarkAt"
	KeyIdea      RecencyKey = "ideaAt"
	KeyCopy      RecencyKey = "copyAt"
	KeyPlaybook  RecencyKey = "playbookAt"
)

// RecencyKeys lists the keys in canonical order.
var RecencyKeys = []RecencyKey{KeySignals, KeyFusion, KeyBenchmark, KeyIdea, KeyCopy, KeyPlaybook}

// RecencyStatus classifies one key against snapshotAt.
type RecencyStatus string

const (
	RecencyMissing RecencyStatus = "missing"
	RecencyStale   RecencyStatus = "stale"
	RecencyFresh   RecencyStatus = "fresh"
)

// LedgerRecency holds the last-updated time of each tracked artifact type.
// A nil field means the artifact has never been produced.
type LedgerRecency struct {
	SignalsAt   *time.Time `json:"signalsAt"`
	FusionAt    *time.Time `json:"fusionAt"`
	BenchmarkAt *time.Time `json:"benchmarkAt"`
	IdeaAt      *time.Time `json:"ideaAt"`
	CopyAt      *time.Time `json:"copyAt"`
	PlaybookAt  *time.Time `json:"playbookAt"`
}

// Get returns the timestamp for key.
func (r LedgerRecency) Get(key RecencyKey) *time.Time {
	switch key {
	case KeySignals:
		return r.SignalsAt
	case KeyFusion:
		return r.FusionAt
	case KeyBenchmark:
		return r.BenchmarkAt
	case KeyIdea:
		return r.IdeaAt
	case KeyCopy:
		return r.CopyAt
	case KeyPlaybook:
		return r.PlaybookAt
	}
	return nil
}

// Thresholds tune the decision rules.
type Thresholds struct {
	MinConfidence       float64 `json:"minConfidence"`
	MaxStalenessMinutes int     `json:"maxStalenessMinutes"`
	MinLineageCount     int     `json:"minLineageCount"`
}

// DefaultThresholds are used when configuration leaves them unset.
var DefaultThresholds = Thresholds{
	MinConfidence:       0.6,
	MaxStalenessMinutes: 1440,
	MinLineageCount:     1,
}

// Request is the policy input, validated against the closed #PolicyRequest
// contract when it crosses a boundary.
type Request struct {
	TenantID           string           `json:"tenantId"`
	RobotID            string           `json:"robotId"`
	ContractVersion    string           `json:"contractVersion"`
	EvaluatedAt        time.Time        `json:"evaluatedAt"`
	CoherenceStatus    coherence.Status `json:"coherenceStatus"`
	SnapshotAt         *time.Time       `json:"snapshotAt"`
	LedgerRecency      LedgerRecency    `json:"ledgerRecency"`
	RequestedAction    ActionType       `json:"requestedAction,omitempty"`
	RequestedObjective string           `json:"requestedObjective,omitempty"`
	Thresholds         Thresholds       `json:"thresholds"`
}

// Reason is one auditable rule outcome.
type Reason struct {
	RuleID   string         `json:"ruleId"`
	Message  string         `json:"message"`
	Severity Severity       `json:"severity"`
	Evidence map[string]any `json:"evidence"`
}

// Recommendation is a suggested next action.
type Recommendation struct {
	Action     ActionType `json:"action"`
	Priority   Priority   `json:"priority"`
	Reason     string     `json:"reason"`
	RecencyKey RecencyKey `json:"recencyKey,omitempty"`
}

// Decision is the policy output, closed under #PolicyDecision.
type Decision struct {
	OK                     bool             `json:"ok"`
	Decision               Outcome          `json:"decision"`
	AllowedActions         []ActionType     `json:"allowedActions"`
	BlockedActions         []ActionType     `json:"blockedActions"`
	DeferredActions        []ActionType     `json:"deferredActions"`
	Reasons                []Reason         `json:"reasons"`
	Confidence             float64          `json:"confidence"`
	ReadinessScore         float64          `json:"readinessScore"`
	MissingPrerequisites   []RecencyKey     `json:"missingPrerequisites"`
	RecommendedNextActions []Recommendation `json:"recommendedNextActions"`
	RecommendedRunMode     RunMode          `json:"recommendedRunMode"`
	PolicyContractVersion  string           `json:"policyContractVersion"`
	EvaluatedAt            time.Time        `json:"evaluatedAt"`
}

// RuleIDs returns the rule id of every reason, in order.
func (d Decision) RuleIDs() []string {
	ids := make([]string, len(d.Reasons))
	for i, r := range d.Reasons {
		ids[i] = r.RuleID
	}
	return ids
}

// refresh ties a recency key to the artifact type it tracks and the action
// that refreshes it.
type refresh struct {
	key      RecencyKey
	artifact ledger.ArtifactType
	action   ActionType
	priority Priority
}

// refreshTable is in canonical key order.
var refreshTable = []refresh{
	{KeySignals, ledger.TypeSignal, ActionRefreshSignals, PriorityHigh},
	{KeyFusion, ledger.TypeFusion, ActionRunFusion, PriorityHigh},
	{KeyBenchmark, ledger.TypeBenchmark, ActionRunMarketTwin, PriorityMedium},
	{KeyIdea, ledger.TypeIdea, ActionRunIdeator, PriorityMedium},
	{KeyCopy, ledger.TypeCopy, ActionRunCopywriter, PriorityLow},
	{KeyPlaybook, ledger.TypePlaybook, ActionRunPlaybooks, PriorityLow},
}

func refreshFor(key RecencyKey) (refresh, bool) {
	for _, r := range refreshTable {
		if r.key == key {
			return r, true
		}
	}
	return refresh{}, false
}

// RefreshAction returns the action that refreshes key.
func RefreshAction(key RecencyKey) (ActionType, Priority) {
	r, _ := refreshFor(key)
	return r.action, r.priority
}

// KeyFor returns the recency key tracking artifact type t.
func KeyFor(t ledger.ArtifactType) (RecencyKey, bool) {
	for _, r := range refreshTable {
		if r.artifact == t {
			return r.key, true
		}
	}
	return "", false
}

// ActionProducing returns the action whose output is artifact type t.
func ActionProducing(t ledger.ArtifactType) (ActionType, Priority, bool) {
	for _, r := range refreshTable {
		if r.artifact == t {
			return r.action, r.priority, true
		}
	}
	return "", "", false
}

// requirements maps each action to the recency keys it needs fresh.
var requirements = map[ActionType][]RecencyKey{
	ActionRefreshSignals: {},
	ActionRunFusion:      {KeySignals},
	ActionRunMarketTwin:  {KeySignals},
	ActionRunIdeator:     {KeySignals, KeyFusion},
	ActionRunCopywriter:  {KeyIdea},
	ActionRunPlaybooks:   {KeyIdea, KeyCopy, KeyBenchmark},
	ActionRunBuilder:     RecencyKeys,
}

// Requirements returns the recency keys action needs fresh.
func Requirements(action ActionType) []RecencyKey {
	return requirements[action]
}
