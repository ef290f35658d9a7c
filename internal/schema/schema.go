// Package schema validates boundary documents against the closed CUE
// contracts in contracts.cue.
//
// A cue.Context is not safe for concurrent use, so every Validator serializes
// its calls behind a mutex. The compiled contracts are built once per
// Validator; use Default for the shared process-wide instance.
package schema

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	cuejson "cuelang.org/go/encoding/json"
)

//go:embed contracts.cue
var contractsSource string

// Definition names a closed contract.
type Definition string

const (
	PolicyRequest    Definition = "#PolicyRequest"
	PolicyDecision   Definition = "#PolicyDecision"
	BuildRequest     Definition = "#BuildRequest"
	ExecutionEvent   Definition = "#ExecutionEvent"
	VisibilityQuery  Definition = "#VisibilityQuery"
	VisibilityReport Definition = "#VisibilityReport"
)

// Definitions lists every contract compiled by New.
var Definitions = []Definition{
	PolicyRequest, PolicyDecision, BuildRequest, ExecutionEvent, VisibilityQuery, VisibilityReport,
}

// Issue is one contract violation.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationError reports every violation found for one document.
type ValidationError struct {
	Definition Definition `json:"definition"`
	Issues     []Issue    `json:"issues"`
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		if issue.Path == "" {
			parts[i] = issue.Message
		} else {
			parts[i] = issue.Path + ": " + issue.Message
		}
	}
	return fmt.Sprintf("%s: %s", e.Definition, strings.Join(parts, "; "))
}

// Validator checks JSON documents against the contracts.
type Validator struct {
	mu   sync.Mutex
	ctx  *cue.Context
	defs map[Definition]cue.Value
}

// New compiles the embedded contracts.
func New() (*Validator, error) {
	ctx := cuecontext.New()
	root := ctx.CompileString(contractsSource, cue.Filename("contracts.cue"))
	if err := root.Err(); err != nil {
		return nil, fmt.Errorf("compile contracts: %w", err)
	}

	defs := make(map[Definition]cue.Value, len(Definitions))
	for _, d := range Definitions {
		v := root.LookupPath(cue.ParsePath(string(d)))
		if !v.Exists() {
			return nil, fmt.Errorf("compile contracts: %s not defined", d)
		}
		defs[d] = v
	}
	return &Validator{ctx: ctx, defs: defs}, nil
}

var (
	defaultOnce      sync.Once
	defaultValidator *Validator
	defaultErr       error
)

// Default returns the shared Validator, compiling it on first use.
func Default() (*Validator, error) {
	defaultOnce.Do(func() {
		defaultValidator, defaultErr = New()
	})
	return defaultValidator, defaultErr
}

// ValidateJSON checks raw JSON against def. Unknown fields, missing required
// fields and out-of-range values are all reported.
func (v *Validator) ValidateJSON(def Definition, data []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	schema, ok := v.defs[def]
	if !ok {
		return fmt.Errorf("unknown contract %s", def)
	}

	expr, err := cuejson.Extract(string(def), data)
	if err != nil {
		return &ValidationError{Definition: def, Issues: []Issue{{Message: "malformed JSON: " + err.Error()}}}
	}
	doc := v.ctx.BuildExpr(expr)
	if err := doc.Err(); err != nil {
		return &ValidationError{Definition: def, Issues: issues(err)}
	}

	if err := schema.Unify(doc).Validate(cue.Concrete(true)); err != nil {
		return &ValidationError{Definition: def, Issues: issues(err)}
	}
	return nil
}

// Validate encodes value as JSON and validates it against def.
func (v *Validator) Validate(def Definition, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode for %s: %w", def, err)
	}
	return v.ValidateJSON(def, data)
}

func issues(err error) []Issue {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return []Issue{{Message: err.Error()}}
	}
	out := make([]Issue, 0, len(errs))
	for _, e := range errs {
		format, args := e.Msg()
		out = append(out, Issue{
			Path:    strings.Join(e.Path(), "."),
			Message: fmt.Sprintf(format, args...),
		})
	}
	return out
}
