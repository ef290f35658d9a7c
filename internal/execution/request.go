package execution

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/ledgergate/internal/agent"
	"github.com/roach88/ledgergate/internal/coherence"
	"github.com/roach88/ledgergate/internal/ledger"
	"github.com/roach88/ledgergate/internal/policy"
	"github.com/roach88/ledgergate/internal/schema"
)

// OnPartial is what a run does when coherence is partial.
type OnPartial string

const (
	OnPartialBlock     OnPartial = "block"
	OnPartialDraftOnly OnPartial = "draft_only"
)

// Constraints narrow what the agent may produce.
type Constraints struct {
	AllowedArtifactTypes []ledger.ArtifactType `json:"allowedArtifactTypes,omitempty"`
	MaxArtifacts         int                   `json:"maxArtifacts,omitempty"`
}

// CoherencePolicy configures partial-coherence handling.
type CoherencePolicy struct {
	OnPartial OnPartial `json:"on_partial,omitempty"`
}

// Request asks for one builder run attempt.
type Request struct {
	TenantID        string           `json:"tenantId,omitempty"`
	RobotID         string           `json:"robotId"`
	Objective       agent.Objective  `json:"objective"`
	Constraints     *Constraints     `json:"constraints,omitempty"`
	CoherencePolicy *CoherencePolicy `json:"coherencePolicy,omitempty"`
	DryRun          bool             `json:"dryRun,omitempty"`
	WorkflowVersion string           `json:"workflowVersion,omitempty"`
	AgentVersion    string           `json:"agentVersion,omitempty"`
	Attempt         int              `json:"attempt,omitempty"`
	ExecutionID     string           `json:"executionId,omitempty"`
}

// DecodeRequest checks raw JSON against the closed #BuildRequest contract
// and decodes it.
func DecodeRequest(data []byte) (Request, error) {
	v, err := schema.Default()
	if err != nil {
		return Request{}, err
	}
	if err := v.ValidateJSON(schema.BuildRequest, data); err != nil {
		return Request{}, &Error{Code: ErrCodeValidation, Message: err.Error(), Err: err}
	}
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, &Error{Code: ErrCodeValidation, Message: err.Error(), Err: err}
	}
	return req, nil
}

// OnPartialPolicy returns the partial-coherence policy, defaulting to block.
func (r Request) OnPartialPolicy() OnPartial {
	if r.CoherencePolicy == nil || r.CoherencePolicy.OnPartial == "" {
		return OnPartialBlock
	}
	return r.CoherencePolicy.OnPartial
}

// requestRecord is the normalized request stored on every event. It holds
// everything that decides the outcome and nothing that varies per call.
type requestRecord struct {
	RobotID              string                `json:"robotId"`
	Objective            agent.Objective       `json:"objective"`
	AllowedArtifactTypes []ledger.ArtifactType `json:"allowedArtifactTypes"`
	MaxArtifacts         int                   `json:"maxArtifacts"`
	OnPartial            OnPartial             `json:"on_partial"`
	DryRun               bool                  `json:"dryRun"`
	WorkflowVersion      string                `json:"workflowVersion,omitempty"`
	AgentVersion         string                `json:"agentVersion,omitempty"`
}

// ArtifactRef names an artifact written by a run.
type ArtifactRef struct {
	ID   string              `json:"id"`
	Type ledger.ArtifactType `json:"type"`
}

// CoherenceSummary is the snapshot as seen by a run.
type CoherenceSummary struct {
	Status     coherence.Status `json:"status"`
	Reason     string           `json:"reason"`
	SnapshotAt *time.Time       `json:"snapshotAt"`
}

// PolicySummary records the decision a run acted on.
type PolicySummary struct {
	Decision   policy.Outcome `json:"decision"`
	Confidence float64        `json:"confidence"`
	RuleIDs    []string       `json:"ruleIds"`
}

// EventError is the error recorded on a failed event.
type EventError struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
}

// Event is the payload of an execution_event entry, closed under
// #ExecutionEvent.
type Event struct {
	ExecutionID       string           `json:"executionId"`
	Attempt           int              `json:"attempt"`
	State             ledger.State     `json:"state"`
	Request           requestRecord    `json:"request"`
	Coherence         CoherenceSummary `json:"coherence"`
	Policy            *PolicySummary   `json:"policy,omitempty"`
	AuthorizedLineage []string         `json:"authorizedLineage"`
	Artifacts         []ArtifactRef    `json:"artifacts"`
	Error             *EventError      `json:"error,omitempty"`
	CancelReason      string           `json:"cancelReason,omitempty"`
	DryRun            bool             `json:"dryRun"`
	ServiceVersion    string           `json:"serviceVersion"`
}

// document converts the event to the ledger payload form.
func (e Event) document() (ledger.Document, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	var doc ledger.Document
	if err := ledger.DecodeJSON(data, &doc); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return doc, nil
}

// eventFromDocument reads a stored execution_event payload.
func eventFromDocument(doc ledger.Document) (Event, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return Event{}, fmt.Errorf("encode stored event: %w", err)
	}
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("decode stored event: %w", err)
	}
	return e, nil
}

// Result is a run that ended without an error. Cancelled runs awaiting
// review are results too, with OK false.
type Result struct {
	OK           bool             `json:"ok"`
	ExecutionID  string           `json:"executionId"`
	Attempt      int              `json:"attempt"`
	State        ledger.State     `json:"state"`
	EventID      string           `json:"eventId"`
	Coherence    CoherenceSummary `json:"coherence"`
	Policy       *PolicySummary   `json:"policy,omitempty"`
	Artifacts    []ArtifactRef    `json:"artifacts"`
	CancelReason string           `json:"cancelReason,omitempty"`
	Idempotent   bool             `json:"idempotent,omitempty"`
}

// outcome turns a written or replayed event into the Run return values.
func outcome(eventID string, e Event, idempotent bool) (*Result, error) {
	if e.Error != nil {
		err := &Error{
			Code:        e.Error.Code,
			Message:     e.Error.Message,
			ExecutionID: e.ExecutionID,
			Retryable:   e.Error.Retryable,
			Details:     map[string]string{"eventId": eventID},
		}
		if idempotent {
			err.Details["idempotent"] = "true"
		}
		return nil, err
	}
	if e.State == ledger.StateCancelled && e.CancelReason == CancelPolicyDeferred {
		err := newError(ErrCodePolicyDeferred, e.ExecutionID, "policy deferred the run")
		err.Details = map[string]string{"eventId": eventID}
		if idempotent {
			err.Details["idempotent"] = "true"
		}
		return nil, err
	}
	artifacts := e.Artifacts
	if artifacts == nil {
		artifacts = []ArtifactRef{}
	}
	return &Result{
		OK:           e.State == ledger.StateSucceeded || e.State == ledger.StatePlanned,
		ExecutionID:  e.ExecutionID,
		Attempt:      e.Attempt,
		State:        e.State,
		EventID:      eventID,
		Coherence:    e.Coherence,
		Policy:       e.Policy,
		Artifacts:    artifacts,
		CancelReason: e.CancelReason,
		Idempotent:   idempotent,
	}, nil
}
