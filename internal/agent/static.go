package agent

import (
	"context"
	"fmt"

	"github.com/roach88/ledgergate/internal/ledger"
)

// Static is a deterministic agent: one draft per allowed type, in allow-list
// order, capped at MaxArtifacts. The same input always yields the same
// drafts, which keeps replays of a builder run byte-identical.
type Static struct{}

// Generate implements Generator.
func (Static) Generate(ctx context.Context, in Input) ([]Draft, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	drafts := []Draft{}
	for _, t := range in.AllowedTypes {
		if in.MaxArtifacts > 0 && len(drafts) == in.MaxArtifacts {
			break
		}
		payload := ledger.Document{
			"title":     fmt.Sprintf("%s for %s", t, in.Objective.Type),
			"objective": in.Objective.Type,
			"robotId":   in.RobotID,
		}
		if len(in.Objective.Payload) > 0 {
			payload["input"] = map[string]any(in.Objective.Payload)
		}
		if in.AgentVersion != "" {
			payload["agentVersion"] = in.AgentVersion
		}
		drafts = append(drafts, Draft{Type: t, Payload: payload, DependsOn: []string{}})
	}
	return drafts, nil
}
