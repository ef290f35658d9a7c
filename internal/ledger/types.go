package ledger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"
)

// ArtifactType is the entry `type` column. The builder may produce
// additional free-form types; those are allow-listed by configuration.
type ArtifactType string

const (
	TypeSignal         ArtifactType = "signal"
	TypeFusion         ArtifactType = "fusion"
	TypeBenchmark      ArtifactType = "benchmark"
	TypeIdea           ArtifactType = "idea"
	TypeCopy           ArtifactType = "copy"
	TypePlaybook       ArtifactType = "playbook"
	TypeTask           ArtifactType = "task"
	TypeExecutionEvent ArtifactType = "execution_event"
	TypePolicyGate     ArtifactType = "policy_gate"
)

// CoherenceTypes are the six artifact types tracked by the coherence resolver,
// in pipeline order.
var CoherenceTypes = []ArtifactType{
	TypeSignal, TypeFusion, TypeBenchmark, TypeIdea, TypeCopy, TypePlaybook,
}

// UpstreamTypes are the source artifacts whose freshness derived artifacts depend on.
var UpstreamTypes = []ArtifactType{TypeSignal, TypeFusion}

// DerivedTypes are checked for partial/outdated lineage.
var DerivedTypes = []ArtifactType{TypeIdea, TypeCopy, TypePlaybook}

// IsCoherenceType reports whether t is one of CoherenceTypes.
func IsCoherenceType(t ArtifactType) bool {
	return slices.Contains(CoherenceTypes, t)
}

// Module names the logical producer of an entry.
type Module string

const (
	ModuleRobots      Module = "robots"
	ModuleCompetitors Module = "competitors"
	ModuleFusion      Module = "fusion"
	ModuleIdeator     Module = "ideator"
	ModuleCopywriter  Module = "copywriter"
	ModuleMarketTwin  Module = "market_twin"
	ModulePlaybooksV1 Module = "playbooks_v1"
	ModulePlaybooksV2 Module = "playbooks_v2"
	ModuleBuilder     Module = "builder"
)

// Modules lists every module in pipeline order.
var Modules = []Module{
	ModuleRobots, ModuleCompetitors, ModuleFusion, ModuleIdeator, ModuleCopywriter,
	ModuleMarketTwin, ModulePlaybooksV1, ModulePlaybooksV2, ModuleBuilder,
}

// State is free-form per entry type. The constants below are the values the
// core itself reads or writes.
type State string

const (
	StatePlanned   State = "planned"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
	StateDraft     State = "draft"
	StateApproved  State = "approved"
)

// Document is an arbitrary structured JSON object.
type Document map[string]any

// Lookup walks nested objects by key. Returns false if any step is missing
// or not an object.
func (d Document) Lookup(keys ...string) (any, bool) {
	var cur any = map[string]any(d)
	for _, k := range keys {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[k]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// String returns the string at the nested path, or "" if absent or not a string.
func (d Document) String(keys ...string) string {
	v, ok := d.Lookup(keys...)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Int returns the integer at the nested path. Accepts the numeric forms
// produced by Go literals and by DecodeJSON.
func (d Document) Int(keys ...string) (int64, bool) {
	v, ok := d.Lookup(keys...)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}

// DecodeJSON unmarshals data into v, keeping numbers as json.Number so large
// integers survive a storage round trip.
func DecodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Document:
		return m, true
	}
	return nil, false
}

// Lineage records which ledger entries an entry was derived from.
type Lineage struct {
	DependsOnLedgerIDs []string `json:"dependsOnLedgerIds"`
	ExecutionID        string   `json:"executionId,omitempty"`
	RobotID            string   `json:"robotId,omitempty"`
	PlaybookID         string   `json:"playbookId,omitempty"`
}

// Entry is one immutable ledger record.
type Entry struct {
	ID        string       `json:"id"`
	Seq       int64        `json:"seq"` // store-assigned, strictly increasing
	TenantID  string       `json:"tenantId"`
	RobotID   string       `json:"robotId,omitempty"`
	Module    Module       `json:"module"`
	Source    string       `json:"source"`
	Type      ArtifactType `json:"type"`
	State     State        `json:"state"`
	Payload   Document     `json:"payload"`
	Lineage   Lineage      `json:"lineage"`
	CreatedAt time.Time    `json:"createdAt"` // store-assigned, strictly increasing
}

// Validate checks the fields every producer must supply.
func (e *Entry) Validate() error {
	var errs []error
	if e.TenantID == "" {
		errs = append(errs, errors.New("tenantId cannot be empty"))
	}
	if e.Module == "" {
		errs = append(errs, errors.New("module cannot be empty"))
	}
	if e.Source == "" {
		errs = append(errs, errors.New("source cannot be empty"))
	}
	if e.Type == "" {
		errs = append(errs, errors.New("type cannot be empty"))
	}
	if e.State == "" {
		errs = append(errs, errors.New("state cannot be empty"))
	}
	for i, id := range e.Lineage.DependsOnLedgerIDs {
		if id == "" {
			errs = append(errs, fmt.Errorf("lineage.dependsOnLedgerIds[%d] is empty", i))
		}
	}
	return errors.Join(errs...)
}

// Newer reports whether e is strictly more recent than other, comparing
// CreatedAt, then Seq, then ID so that ties resolve the same way everywhere.
func (e Entry) Newer(other Entry) bool {
	if !e.CreatedAt.Equal(other.CreatedAt) {
		return e.CreatedAt.After(other.CreatedAt)
	}
	if e.Seq != other.Seq {
		return e.Seq > other.Seq
	}
	return e.ID > other.ID
}

// SortNewestFirst orders entries by descending recency in place.
func SortNewestFirst(entries []Entry) {
	slices.SortStableFunc(entries, func(a, b Entry) int {
		switch {
		case a.Newer(b):
			return -1
		case b.Newer(a):
			return 1
		}
		return 0
	})
}

// ErrNotFound is returned by backends and the journal when no entry matches.
var ErrNotFound = errors.New("ledger entry not found")

// Failure is a dead-letter record for an entry that could not be written.
type Failure struct {
	Entry
	ErrorMessage string    `json:"errorMessage"`
	FailedAt     time.Time `json:"failedAt"`
}

// Query selects entries from a backend. TenantID is required; empty filters
// match everything.
type Query struct {
	TenantID    string
	RobotID     string
	Types       []ArtifactType
	Modules     []Module
	States      []State
	ExecutionID string
	Limit       int
}

// Matches reports whether e satisfies every filter in q. Backends that cannot
// filter natively use this to post-filter.
func (q Query) Matches(e Entry) bool {
	if q.TenantID != "" && e.TenantID != q.TenantID {
		return false
	}
	if q.RobotID != "" && e.RobotID != q.RobotID {
		return false
	}
	if len(q.Types) > 0 && !slices.Contains(q.Types, e.Type) {
		return false
	}
	if len(q.Modules) > 0 && !slices.Contains(q.Modules, e.Module) {
		return false
	}
	if len(q.States) > 0 && !slices.Contains(q.States, e.State) {
		return false
	}
	if q.ExecutionID != "" && e.Lineage.ExecutionID != q.ExecutionID {
		return false
	}
	return true
}
