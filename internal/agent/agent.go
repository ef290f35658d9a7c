// Package agent defines the generation agent boundary used by builder runs.
//
// The agent is an external collaborator: it turns a validated objective, an
// allow-list of artifact types and an authorized lineage set into artifact
// drafts. Its output is never trusted; the builder re-checks every draft.
package agent

import (
	"context"
	"errors"

	"github.com/roach88/ledgergate/internal/ledger"
)

// ErrUnavailable wraps transport failures and open-breaker rejections.
var ErrUnavailable = errors.New("generation agent unavailable")

// Objective is what the builder was asked to produce.
type Objective struct {
	Type    string          `json:"type"`
	Payload ledger.Document `json:"payload,omitempty"`
}

// Input is everything the agent may use.
type Input struct {
	TenantID          string                `json:"tenantId"`
	RobotID           string                `json:"robotId"`
	ExecutionID       string                `json:"executionId"`
	Attempt           int                   `json:"attempt"`
	Objective         Objective             `json:"objective"`
	AllowedTypes      []ledger.ArtifactType `json:"allowedTypes"`
	AuthorizedLineage []string              `json:"authorizedLineage"`
	MaxArtifacts      int                   `json:"maxArtifacts,omitempty"`
	DryRun            bool                  `json:"dryRun"`
	AgentVersion      string                `json:"agentVersion,omitempty"`
}

// Draft is one proposed artifact. An empty DependsOn means the draft derives
// from the whole authorized lineage set.
type Draft struct {
	Type      ledger.ArtifactType `json:"type"`
	Payload   ledger.Document     `json:"payload"`
	DependsOn []string            `json:"dependsOn"`
}

// Generator produces drafts.
type Generator interface {
	Generate(ctx context.Context, in Input) ([]Draft, error)
}

// Func adapts a function to Generator.
type Func func(ctx context.Context, in Input) ([]Draft, error)

// Generate calls f.
func (f Func) Generate(ctx context.Context, in Input) ([]Draft, error) {
	return f(ctx, in)
}
