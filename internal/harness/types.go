package harness

import (
	"github.com/roach88/ledgergate/internal/ledger"
)

// TraceEvent is one executed step as recorded in the trace.
type TraceEvent struct {
	Step int    `json:"step"`
	Kind string `json:"kind"`
	Name string `json:"name,omitempty"`

	// Summary is the small, stable projection of the output that golden
	// files compare.
	Summary map[string]any `json:"summary"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every expectation and assertion matched.
	Pass bool `json:"pass"`

	Trace []TraceEvent `json:"trace"`

	// Outputs holds each step's full output document, by step index.
	Outputs []ledger.Document `json:"outputs"`

	// Errors contains expectation and assertion failures.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:    true,
		Trace:   []TraceEvent{},
		Outputs: []ledger.Document{},
		Errors:  []string{},
	}
}

// AddError adds a failure message and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddStep records a step output and its trace summary.
func (r *Result) AddStep(step int, kind, name string, output ledger.Document, summary map[string]any) {
	r.Outputs = append(r.Outputs, output)
	r.Trace = append(r.Trace, TraceEvent{
		Step:    step,
		Kind:    kind,
		Name:    name,
		Summary: summary,
	})
}
