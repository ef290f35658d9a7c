package policy

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/ledgergate/internal/coherence"
	"github.com/roach88/ledgergate/internal/schema"
)

var (
	// ErrInvalidRequest wraps every DecodeRequest failure.
	ErrInvalidRequest = errors.New("invalid policy request")
	// ErrInvalidDecision wraps every Validate failure.
	ErrInvalidDecision = errors.New("invalid policy decision")
)

// DecodeRequest checks raw JSON against the closed #PolicyRequest contract
// and decodes it.
func DecodeRequest(data []byte) (Request, error) {
	v, err := schema.Default()
	if err != nil {
		return Request{}, err
	}
	if err := v.ValidateJSON(schema.PolicyRequest, data); err != nil {
		return Request{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return req, nil
}

// Validate is the post-condition check run on every decision before it is
// trusted: the JSON encoding must satisfy the closed #PolicyDecision contract
// and the decision must be consistent with the request.
func Validate(req Request, d Decision) error {
	v, err := schema.Default()
	if err != nil {
		return err
	}

	var errs []error
	if err := v.Validate(schema.PolicyDecision, d); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, invariants(req, d)...)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidDecision, errors.Join(errs...))
	}
	return nil
}

func invariants(req Request, d Decision) []error {
	var errs []error
	violation := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch d.Decision {
	case Allow:
		if len(d.AllowedActions) == 0 {
			violation("ALLOW requires at least one allowed action")
		}
	case Block:
		if len(d.BlockedActions) == 0 {
			violation("BLOCK requires at least one blocked action")
		}
	case Defer:
		if len(d.RecommendedNextActions) == 0 {
			violation("DEFER requires at least one recommended next action")
		}
	default:
		violation("unknown decision %q", d.Decision)
	}

	if d.OK != (d.Decision == Allow) {
		violation("ok=%t does not match decision %s", d.OK, d.Decision)
	}
	if len(d.Reasons) == 0 {
		violation("reasons must not be empty")
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		violation("confidence %v outside [0,1]", d.Confidence)
	}
	if d.ReadinessScore < 0 || d.ReadinessScore > 1 {
		violation("readinessScore %v outside [0,1]", d.ReadinessScore)
	}

	if req.CoherenceStatus == coherence.StatusStale {
		if d.Decision != Block {
			violation("stale coherence must BLOCK, got %s", d.Decision)
		}
		if d.RecommendedRunMode != RunModeDryRun {
			violation("stale coherence must recommend dry_run, got %s", d.RecommendedRunMode)
		}
	}

	if action := req.RequestedAction; action != "" {
		lists := 0
		for _, list := range [][]ActionType{d.AllowedActions, d.BlockedActions, d.DeferredActions} {
			if containsAction(list, action) {
				lists++
			}
		}
		if lists > 1 {
			violation("requested action %s appears in %d action lists", action, lists)
		}
		var want []ActionType
		switch d.Decision {
		case Allow:
			want = d.AllowedActions
		case Block:
			want = d.BlockedActions
		case Defer:
			want = d.DeferredActions
		}
		if want != nil && !containsAction(want, action) {
			violation("requested action %s missing from the %s list", action, d.Decision)
		}
	}
	return errs
}

func containsAction(list []ActionType, action ActionType) bool {
	for _, a := range list {
		if a == action {
			return true
		}
	}
	return false
}
