package harness

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/ledgergate/internal/ledger"
	"github.com/roach88/ledgergate/internal/store"
)

// Assertion validates the final ledger.
type Assertion struct {
	// Type specifies the assertion type:
	// - "entry_count": Count entries matching the filters
	// - "latest_entry": Check the newest matching entry's state and payload
	// - "failure_count": Count dead-letter records for the tenant
	Type string `yaml:"type"`

	// Filters (entry_count, latest_entry). Empty filters match everything.
	EntryType   string `yaml:"entryType,omitempty"`
	Module      string `yaml:"module,omitempty"`
	Robot       string `yaml:"robot,omitempty"`
	ExecutionID string `yaml:"executionId,omitempty"`

	// State filters entry_count and is the expected state for latest_entry.
	State string `yaml:"state,omitempty"`

	// Count is the expected number (entry_count, failure_count).
	Count *int `yaml:"count,omitempty"`

	// Payload is subset-matched against the latest entry (latest_entry).
	Payload map[string]any `yaml:"payload,omitempty"`
}

// Assertion type constants.
const (
	AssertEntryCount   = "entry_count"
	AssertLatestEntry  = "latest_entry"
	AssertFailureCount = "failure_count"
)

func validateAssertion(a Assertion) error {
	switch a.Type {
	case AssertEntryCount, AssertFailureCount:
		if a.Count == nil {
			return fmt.Errorf("%s requires count", a.Type)
		}
		if *a.Count < 0 {
			return fmt.Errorf("%s count must not be negative", a.Type)
		}
	case AssertLatestEntry:
		if a.EntryType == "" && a.Module == "" && a.ExecutionID == "" {
			return errors.New("latest_entry requires entryType, module or executionId")
		}
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}

// AssertionContext provides what assertions read.
type AssertionContext struct {
	Store    *store.Store
	Ctx      context.Context
	TenantID string
}

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string // Assertion type for categorization
	Expected string // Human-readable expected outcome
	Actual   string // Human-readable actual outcome
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	return fmt.Sprintf("assertion failed: %s: expected %s, got %s", e.Type, e.Expected, e.Actual)
}

// EvaluateAssertions runs every assertion and returns the failure messages.
func EvaluateAssertions(assertions []Assertion, actx *AssertionContext) []string {
	var failures []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertEntryCount:
			err = assertEntryCount(actx, a)
		case AssertLatestEntry:
			err = assertLatestEntry(actx, a)
		case AssertFailureCount:
			err = assertFailureCount(actx, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			failures = append(failures, fmt.Sprintf("assertion %d: %v", i, err))
		}
	}
	return failures
}

func (a Assertion) query(tenantID string) ledger.Query {
	q := ledger.Query{
		TenantID:    tenantID,
		RobotID:     a.Robot,
		ExecutionID: a.ExecutionID,
	}
	if a.EntryType != "" {
		q.Types = []ledger.ArtifactType{ledger.ArtifactType(a.EntryType)}
	}
	if a.Module != "" {
		q.Modules = []ledger.Module{ledger.Module(a.Module)}
	}
	return q
}

func assertEntryCount(actx *AssertionContext, a Assertion) error {
	q := a.query(actx.TenantID)
	if a.State != "" {
		q.States = []ledger.State{ledger.State(a.State)}
	}
	entries, err := actx.Store.ListEntries(actx.Ctx, q)
	if err != nil {
		return fmt.Errorf("entry_count: %w", err)
	}
	if len(entries) != *a.Count {
		return &AssertionError{
			Type:     AssertEntryCount,
			Expected: fmt.Sprintf("%d entries matching %s", *a.Count, a.describe()),
			Actual:   fmt.Sprintf("%d %v", len(entries), entryIDs(entries)),
		}
	}
	return nil
}

func assertLatestEntry(actx *AssertionContext, a Assertion) error {
	q := a.query(actx.TenantID)
	q.Limit = 1
	entries, err := actx.Store.ListEntries(actx.Ctx, q)
	if err != nil {
		return fmt.Errorf("latest_entry: %w", err)
	}
	if len(entries) == 0 {
		return &AssertionError{
			Type:     AssertLatestEntry,
			Expected: "an entry matching " + a.describe(),
			Actual:   "none",
		}
	}
	latest := entries[0]
	if a.State != "" && string(latest.State) != a.State {
		return &AssertionError{
			Type:     AssertLatestEntry,
			Expected: fmt.Sprintf("state %s", a.State),
			Actual:   fmt.Sprintf("state %s (entry %s)", latest.State, latest.ID),
		}
	}
	if mismatches := MatchSubset(a.Payload, latest.Payload); len(mismatches) > 0 {
		return &AssertionError{
			Type:     AssertLatestEntry,
			Expected: "payload to match",
			Actual:   strings.Join(mismatches, "; "),
		}
	}
	return nil
}

func assertFailureCount(actx *AssertionContext, a Assertion) error {
	failures, err := actx.Store.ListFailures(actx.Ctx, actx.TenantID, 0)
	if err != nil {
		return fmt.Errorf("failure_count: %w", err)
	}
	if len(failures) != *a.Count {
		return &AssertionError{
			Type:     AssertFailureCount,
			Expected: fmt.Sprintf("%d failures", *a.Count),
			Actual:   fmt.Sprintf("%d", len(failures)),
		}
	}
	return nil
}

func (a Assertion) describe() string {
	var parts []string
	if a.EntryType != "" {
		parts = append(parts, "type="+a.EntryType)
	}
	if a.Module != "" {
		parts = append(parts, "module="+a.Module)
	}
	if a.Robot != "" {
		parts = append(parts, "robot="+a.Robot)
	}
	if a.ExecutionID != "" {
		parts = append(parts, "execution="+a.ExecutionID)
	}
	if a.State != "" {
		parts = append(parts, "state="+a.State)
	}
	if len(parts) == 0 {
		return "any"
	}
	return strings.Join(parts, " ")
}

func entryIDs(entries []ledger.Entry) []string {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids
}

// MatchSubset compares expected against actual and returns one message per
// mismatch. Objects match when every expected key matches; lists must have
// the same length and match element by element; scalars compare by their
// printed form, so YAML 3 matches JSON 3 and YAML 0.5 matches JSON 0.5.
// An expected null matches a missing key or a JSON null.
func MatchSubset(expected map[string]any, actual map[string]any) []string {
	if len(expected) == 0 {
		return nil
	}
	return matchValue("", expected, actual)
}

func matchValue(path string, expected, actual any) []string {
	switch exp := expected.(type) {
	case nil:
		if actual != nil {
			return []string{fmt.Sprintf("%s: expected null, got %v", label(path), actual)}
		}
		return nil
	case map[string]any:
		act, ok := asObject(actual)
		if !ok {
			return []string{fmt.Sprintf("%s: expected object, got %v", label(path), actual)}
		}
		keys := make([]string, 0, len(exp))
		for k := range exp {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var out []string
		for _, k := range keys {
			child := join(path, k)
			v, present := act[k]
			if !present && exp[k] != nil {
				out = append(out, fmt.Sprintf("%s: missing", child))
				continue
			}
			out = append(out, matchValue(child, exp[k], v)...)
		}
		return out
	case []any:
		act, ok := actual.([]any)
		if !ok {
			return []string{fmt.Sprintf("%s: expected list, got %v", label(path), actual)}
		}
		if len(act) != len(exp) {
			return []string{fmt.Sprintf("%s: expected %d items, got %d %v", label(path), len(exp), len(act), act)}
		}
		var out []string
		for i := range exp {
			out = append(out, matchValue(fmt.Sprintf("%s[%d]", label(path), i), exp[i], act[i])...)
		}
		return out
	default:
		if actual == nil || fmt.Sprint(exp) != fmt.Sprint(actual) {
			return []string{fmt.Sprintf("%s: expected %v, got %v", label(path), exp, actual)}
		}
		return nil
	}
}

func asObject(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case ledger.Document:
		return m, true
	}
	return nil, false
}

func join(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

func label(path string) string {
	if path == "" {
		return "<root>"
	}
	return path
}
