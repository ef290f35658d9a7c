package harness

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/ledgergate/internal/config"
	"github.com/roach88/ledgergate/internal/ledger"
	"github.com/roach88/ledgergate/internal/policy"
)

// DefaultTenant is used when a scenario's config names no tenant.
const DefaultTenant = "tenant-1"

// Scenario is a scripted ledger history plus the steps run against it.
// Every scenario runs against a fresh in-memory ledger with a manual clock
// and sequential ids, so its trace is identical on every run.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Robot is the default robot for seeds and steps.
	Robot string `yaml:"robot"`

	// Config overrides the default configuration. Only the tenant, policy
	// and builder sections are used.
	Config config.Config `yaml:"config,omitempty"`

	// Seed entries are appended in order before the first step.
	Seed []Seed `yaml:"seed,omitempty"`

	// Steps run in order after seeding.
	Steps []Step `yaml:"steps"`

	// Assertions check the final ledger.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Seed is one ledger entry to append.
type Seed struct {
	// ID is required; lineage refers to seeds by id.
	ID     string `yaml:"id"`
	Type   string `yaml:"type"`
	Robot  string `yaml:"robot,omitempty"`
	Module string `yaml:"module,omitempty"`
	State  string `yaml:"state,omitempty"`

	// At is the clock position in minutes after the scenario start. Nil
	// keeps the clock where it is.
	At *int `yaml:"at,omitempty"`

	DependsOn   []string       `yaml:"dependsOn,omitempty"`
	ExecutionID string         `yaml:"executionId,omitempty"`
	Payload     map[string]any `yaml:"payload,omitempty"`
}

// Step is one operation. Exactly one of the operation fields must be set.
type Step struct {
	Name string `yaml:"name,omitempty"`

	// Advance moves the clock forward by this many minutes first.
	Advance int `yaml:"advance,omitempty"`

	Append     *Seed           `yaml:"append,omitempty"`
	Coherence  *CoherenceStep  `yaml:"coherence,omitempty"`
	Evaluate   *EvaluateStep   `yaml:"evaluate,omitempty"`
	Build      *BuildStep      `yaml:"build,omitempty"`
	Visibility *VisibilityStep `yaml:"visibility,omitempty"`

	// Expect is subset-matched against the step output. Objects match when
	// every expected key matches; lists must have the same length.
	Expect map[string]any `yaml:"expect,omitempty"`
}

// CoherenceStep resolves a snapshot.
type CoherenceStep struct {
	Robot string `yaml:"robot,omitempty"`
}

// EvaluateStep asks the policy about an action against the current snapshot.
type EvaluateStep struct {
	Robot     string `yaml:"robot,omitempty"`
	Action    string `yaml:"action,omitempty"`
	Objective string `yaml:"objective,omitempty"`
}

// Agent behaviours for build steps.
const (
	AgentStatic      = "static"
	AgentUnavailable = "unavailable"
	AgentInvalid     = "invalid"
)

// BuildStep runs the builder.
type BuildStep struct {
	Robot                string         `yaml:"robot,omitempty"`
	Objective            string         `yaml:"objective"`
	ObjectivePayload     map[string]any `yaml:"objectivePayload,omitempty"`
	DryRun               bool           `yaml:"dryRun,omitempty"`
	Attempt              int            `yaml:"attempt,omitempty"`
	ExecutionID          string         `yaml:"executionId,omitempty"`
	OnPartial            string         `yaml:"onPartial,omitempty"`
	AllowedArtifactTypes []string       `yaml:"allowedArtifactTypes,omitempty"`
	MaxArtifacts         int            `yaml:"maxArtifacts,omitempty"`

	// Agent selects the generator behaviour: static (default), unavailable
	// or invalid.
	Agent string `yaml:"agent,omitempty"`
}

// VisibilityStep renders the status board.
type VisibilityStep struct {
	Robot          string `yaml:"robot,omitempty"`
	IncludeHistory bool   `yaml:"includeHistory,omitempty"`
	HistoryLimit   int    `yaml:"historyLimit,omitempty"`
}

// Step kinds, as they appear in traces.
const (
	KindAppend     = "append"
	KindCoherence  = "coherence"
	KindEvaluate   = "evaluate"
	KindBuild      = "build"
	KindVisibility = "visibility"
)

// Kind returns the step's operation kind, or "" when none or several are set.
func (s Step) Kind() string {
	kinds := []string{}
	if s.Append != nil {
		kinds = append(kinds, KindAppend)
	}
	if s.Coherence != nil {
		kinds = append(kinds, KindCoherence)
	}
	if s.Evaluate != nil {
		kinds = append(kinds, KindEvaluate)
	}
	if s.Build != nil {
		kinds = append(kinds, KindBuild)
	}
	if s.Visibility != nil {
		kinds = append(kinds, KindVisibility)
	}
	if len(kinds) != 1 {
		return ""
	}
	return kinds[0]
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML over the default configuration.
func ParseScenario(data []byte) (*Scenario, error) {
	scenario := Scenario{Config: config.Default()}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if scenario.Config.Tenant == "" {
		scenario.Config.Tenant = DefaultTenant
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	var errs []error
	if s.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if s.Description == "" {
		errs = append(errs, errors.New("description is required"))
	}
	if s.Robot == "" {
		errs = append(errs, errors.New("robot is required"))
	}
	if len(s.Steps) == 0 {
		errs = append(errs, errors.New("steps list is required and must be non-empty"))
	}
	if err := s.Config.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("config: %w", err))
	}

	seen := map[string]bool{}
	last := -1
	for i, seed := range s.Seed {
		if err := validateSeed(seed, seen); err != nil {
			errs = append(errs, fmt.Errorf("seed[%d]: %w", i, err))
		}
		if seed.At != nil {
			if *seed.At < last {
				errs = append(errs, fmt.Errorf("seed[%d]: at %d is before the previous seed", i, *seed.At))
			}
			last = *seed.At
		}
		seen[seed.ID] = true
	}

	for i, step := range s.Steps {
		if step.Kind() == "" {
			errs = append(errs, fmt.Errorf("step[%d]: exactly one of append, coherence, evaluate, build or visibility is required", i))
			continue
		}
		if step.Advance < 0 {
			errs = append(errs, fmt.Errorf("step[%d]: advance must not be negative", i))
		}
		switch {
		case step.Append != nil:
			// Re-appending an id is allowed; it exercises idempotent writes.
			if err := validateSeed(*step.Append, nil); err != nil {
				errs = append(errs, fmt.Errorf("step[%d]: %w", i, err))
			}
		case step.Evaluate != nil:
			if step.Evaluate.Action != "" && !policy.ActionType(step.Evaluate.Action).Valid() {
				errs = append(errs, fmt.Errorf("step[%d]: unknown action %q", i, step.Evaluate.Action))
			}
		case step.Build != nil:
			if step.Build.Objective == "" {
				errs = append(errs, fmt.Errorf("step[%d]: build objective is required", i))
			}
			switch step.Build.Agent {
			case "", AgentStatic, AgentUnavailable, AgentInvalid:
			default:
				errs = append(errs, fmt.Errorf("step[%d]: unknown agent %q", i, step.Build.Agent))
			}
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			errs = append(errs, fmt.Errorf("assertion[%d]: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

func validateSeed(seed Seed, seen map[string]bool) error {
	if seed.ID == "" {
		return errors.New("id is required")
	}
	if seen[seed.ID] {
		return fmt.Errorf("duplicate id %q", seed.ID)
	}
	if seed.Type == "" {
		return fmt.Errorf("%s: type is required", seed.ID)
	}
	if seed.At != nil && *seed.At < 0 {
		return fmt.Errorf("%s: at must not be negative", seed.ID)
	}
	for _, dep := range seed.DependsOn {
		// Forward and dangling references are allowed; they are how
		// scenarios describe unresolved lineage.
		if dep == "" {
			return fmt.Errorf("%s: empty dependsOn id", seed.ID)
		}
	}
	if ledger.ArtifactType(seed.Type) == ledger.TypeExecutionEvent && seed.ExecutionID == "" {
		return fmt.Errorf("%s: execution_event seeds need an executionId", seed.ID)
	}
	return nil
}
