package policy

import (
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/ledgergate/internal/coherence"
)

// Rule ids carried in Decision.Reasons.
const (
	RuleStale               = "coherence.stale"
	RulePartialSufficient   = "coherence.partial.sufficient_coverage"
	RulePartialInsufficient = "coherence.partial.insufficient_coverage"
	RuleNoAction            = "coherence.coherent.no_action"
	RuleRequirementsUnmet   = "action.requirements_unmet"
	RuleRequirementsMet     = "action.requirements_met"
	RuleUnknownCoherence    = "coherence.unknown"
)

const (
	staleConfidence           = 0.95
	coherentAllowedConfidence = 0.9
)

// Evaluate decides a request. It is deterministic and has no side effects;
// EvaluatedAt is echoed from the request.
func Evaluate(req Request) Decision {
	recency := BuildRecency(req.LedgerRecency, req.SnapshotAt, req.Thresholds.MaxStalenessMinutes)
	coverage := recency.Coverage()
	notFresh := recency.NotFresh()

	d := Decision{
		AllowedActions:         []ActionType{},
		BlockedActions:         []ActionType{},
		DeferredActions:        []ActionType{},
		Reasons:                []Reason{},
		MissingPrerequisites:   []RecencyKey{},
		RecommendedNextActions: []Recommendation{},
		PolicyContractVersion:  DecisionContractVersion,
		EvaluatedAt:            req.EvaluatedAt,
	}

	switch req.CoherenceStatus {
	case coherence.StatusStale:
		evaluateStale(req, &d, notFresh)
	case coherence.StatusPartial:
		evaluatePartial(req, &d, coverage, notFresh)
	case coherence.StatusCoherent:
		if req.RequestedAction == "" {
			evaluateNoAction(req, &d, coverage, notFresh)
		} else {
			evaluateAction(req, &d, recency, coverage, notFresh)
		}
	default:
		// Unknown status is treated as stale.
		evaluateStale(req, &d, notFresh)
		d.Reasons[0].RuleID = RuleUnknownCoherence
		d.Reasons[0].Message = fmt.Sprintf("unknown coherence status %q", req.CoherenceStatus)
	}

	d.OK = d.Decision == Allow
	return d
}

func evaluateStale(req Request, d *Decision, notFresh []RecencyKey) {
	d.Decision = Block
	if req.RequestedAction != "" {
		d.BlockedActions = []ActionType{req.RequestedAction}
	} else {
		d.BlockedActions = append(d.BlockedActions, Actions...)
	}
	d.Confidence = staleConfidence
	d.ReadinessScore = 0
	d.RecommendedRunMode = RunModeDryRun
	d.MissingPrerequisites = notFresh
	d.Reasons = append(d.Reasons, Reason{
		RuleID:   RuleStale,
		Message:  "derived artifacts were built from outdated upstream entries; refresh signals first",
		Severity: SeverityCritical,
		Evidence: map[string]any{
			"coherenceStatus": string(req.CoherenceStatus),
			"blockedActions":  d.BlockedActions,
		},
	})
	d.RecommendedNextActions = []Recommendation{{
		Action:     ActionRefreshSignals,
		Priority:   PriorityHigh,
		Reason:     "refresh signals first",
		RecencyKey: KeySignals,
	}}
}

func evaluatePartial(req Request, d *Decision, coverage float64, notFresh []RecencyKey) {
	action := req.RequestedAction
	if action == "" {
		action = ActionRunBuilder
	}
	d.Confidence = coverage
	d.ReadinessScore = coverage
	d.RecommendedRunMode = RunModeDryRun
	d.MissingPrerequisites = notFresh
	d.RecommendedNextActions = recommend(notFresh, req)

	evidence := map[string]any{
		"coverage":             coverage,
		"minConfidence":        req.Thresholds.MinConfidence,
		"missingPrerequisites": notFresh,
	}
	if coverage >= req.Thresholds.MinConfidence {
		d.Decision = Allow
		d.AllowedActions = []ActionType{action}
		d.Reasons = append(d.Reasons, Reason{
			RuleID:   RulePartialSufficient,
			Message:  fmt.Sprintf("coherence is partial; coverage %.2f meets %.2f, %s allowed as a dry run", coverage, req.Thresholds.MinConfidence, action),
			Severity: SeverityWarning,
			Evidence: evidence,
		})
		return
	}
	d.Decision = Defer
	d.DeferredActions = []ActionType{action}
	d.Reasons = append(d.Reasons, Reason{
		RuleID:   RulePartialInsufficient,
		Message:  fmt.Sprintf("coherence is partial; coverage %.2f is below %.2f, %s deferred", coverage, req.Thresholds.MinConfidence, action),
		Severity: SeverityWarning,
		Evidence: evidence,
	})
}

func evaluateNoAction(req Request, d *Decision, coverage float64, notFresh []RecencyKey) {
	d.Decision = Defer
	d.Confidence = coverage
	d.ReadinessScore = coverage
	d.MissingPrerequisites = notFresh
	d.RecommendedRunMode = RunModeDryRun
	if len(notFresh) == 0 {
		d.RecommendedRunMode = RunModePlanned
		d.RecommendedNextActions = []Recommendation{{
			Action:   ActionRunBuilder,
			Priority: PriorityMedium,
			Reason:   "all prerequisites are fresh; the builder can run",
		}}
	} else {
		d.RecommendedNextActions = recommend(notFresh, req)
	}
	d.Reasons = append(d.Reasons, Reason{
		RuleID:   RuleNoAction,
		Message:  "coherence is coherent and no action was requested",
		Severity: SeverityInfo,
		Evidence: map[string]any{
			"coverage":             coverage,
			"missingPrerequisites": notFresh,
		},
	})
}

func evaluateAction(req Request, d *Decision, recency Recency, coverage float64, notFresh []RecencyKey) {
	action := req.RequestedAction
	required := Requirements(action)
	var unmet []RecencyKey
	if len(required) > 0 {
		unmet = recency.NotFresh(required...)
	}
	d.ReadinessScore = coverage

	if len(unmet) > 0 {
		d.Decision = Defer
		d.DeferredActions = []ActionType{action}
		d.Confidence = coverage
		d.MissingPrerequisites = unmet
		d.RecommendedRunMode = RunModeDryRun
		d.RecommendedNextActions = recommend(unmet, req)
		d.Reasons = append(d.Reasons, Reason{
			RuleID:   RuleRequirementsUnmet,
			Message:  fmt.Sprintf("%s requires fresh %s", action, joinKeys(unmet)),
			Severity: SeverityWarning,
			Evidence: map[string]any{
				"requiredKeys": required,
				"unmetKeys":    unmet,
			},
		})
		return
	}

	d.Decision = Allow
	d.AllowedActions = []ActionType{action}
	d.Confidence = coherentAllowedConfidence
	d.RecommendedRunMode = RunModePlanned
	d.RecommendedNextActions = recommend(notFresh, req)
	d.Reasons = append(d.Reasons, Reason{
		RuleID:   RuleRequirementsMet,
		Message:  fmt.Sprintf("coherence is coherent and every prerequisite of %s is fresh", action),
		Severity: SeverityInfo,
		Evidence: map[string]any{
			"requiredKeys": required,
		},
	})
}

// recommend maps non-fresh keys to the actions refreshing them, deduplicated
// by action and ordered high, medium, low (stable within a tier).
func recommend(keys []RecencyKey, req Request) []Recommendation {
	recs := []Recommendation{}
	seen := make(map[ActionType]bool)
	for _, key := range keys {
		r, ok := refreshFor(key)
		if !ok || seen[r.action] {
			continue
		}
		seen[r.action] = true
		recs = append(recs, Recommendation{
			Action:     r.action,
			Priority:   r.priority,
			Reason:     recommendationReason(key, req),
			RecencyKey: key,
		})
	}
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].Priority.Rank() < recs[j].Priority.Rank()
	})
	return recs
}

func recommendationReason(key RecencyKey, req Request) string {
	if req.LedgerRecency.Get(key) == nil {
		return fmt.Sprintf("%s is missing", key)
	}
	return fmt.Sprintf("%s is older than %d minutes", key, req.Thresholds.MaxStalenessMinutes)
}

func joinKeys(keys []RecencyKey) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = string(k)
	}
	return strings.Join(parts, ", ")
}
