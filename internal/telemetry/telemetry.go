// Package telemetry holds the OpenTelemetry instruments shared by the ledger,
// policy, agent and builder components.
//
// All recording methods are safe on a nil *Metrics, so components can take an
// optional instrument set without nil checks at every call site.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// MeterName is the instrumentation scope name.
const MeterName = "github.com/roach88/ledgergate"

// Instrument names.
const (
	PolicyDecisions     = "ledgergate.policy.decisions"
	BuilderRuns         = "ledgergate.builder.runs"
	AppendFailures      = "ledgergate.ledger.append_failures"
	DeadLetters         = "ledgergate.ledger.dead_letters"
	BreakerStateChanges = "ledgergate.agent.breaker_state_changes"
)

// Metrics is the set of counters recorded by ledgergate.
type Metrics struct {
	policyDecisions     metric.Int64Counter
	builderRuns         metric.Int64Counter
	appendFailures      metric.Int64Counter
	deadLetters         metric.Int64Counter
	breakerStateChanges metric.Int64Counter
}

// New creates the instruments on the given provider. A nil provider records
// nothing.
func New(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		provider = noop.NewMeterProvider()
	}
	meter := provider.Meter(MeterName)

	var m Metrics
	var err error
	if m.policyDecisions, err = meter.Int64Counter(PolicyDecisions,
		metric.WithDescription("Policy decisions by outcome.")); err != nil {
		return nil, fmt.Errorf("create %s: %w", PolicyDecisions, err)
	}
	if m.builderRuns, err = meter.Int64Counter(BuilderRuns,
		metric.WithDescription("Builder runs by terminal state and error code.")); err != nil {
		return nil, fmt.Errorf("create %s: %w", BuilderRuns, err)
	}
	if m.appendFailures, err = meter.Int64Counter(AppendFailures,
		metric.WithDescription("Ledger appends rejected by the backend.")); err != nil {
		return nil, fmt.Errorf("create %s: %w", AppendFailures, err)
	}
	if m.deadLetters, err = meter.Int64Counter(DeadLetters,
		metric.WithDescription("Dead-letter writes by result.")); err != nil {
		return nil, fmt.Errorf("create %s: %w", DeadLetters, err)
	}
	if m.breakerStateChanges, err = meter.Int64Counter(BreakerStateChanges,
		metric.WithDescription("Generation agent circuit breaker transitions.")); err != nil {
		return nil, fmt.Errorf("create %s: %w", BreakerStateChanges, err)
	}
	return &m, nil
}

// PolicyDecision counts one evaluated decision ("ALLOW", "BLOCK", "DEFER").
func (m *Metrics) PolicyDecision(ctx context.Context, decision string) {
	if m == nil {
		return
	}
	m.policyDecisions.Add(ctx, 1, metric.WithAttributes(attribute.String("decision", decision)))
}

// BuilderRun counts one builder run outcome. code is empty on success.
func (m *Metrics) BuilderRun(ctx context.Context, state, code string) {
	if m == nil {
		return
	}
	m.builderRuns.Add(ctx, 1, metric.WithAttributes(
		attribute.String("state", state),
		attribute.String("code", code),
	))
}

// AppendFailure counts one rejected ledger write.
func (m *Metrics) AppendFailure(ctx context.Context, entryType string) {
	if m == nil {
		return
	}
	m.appendFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("type", entryType)))
}

// DeadLetter counts one dead-letter write attempt.
func (m *Metrics) DeadLetter(ctx context.Context, ok bool) {
	if m == nil {
		return
	}
	result := "written"
	if !ok {
		result = "dropped"
	}
	m.deadLetters.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// BreakerStateChange counts one circuit breaker transition.
func (m *Metrics) BreakerStateChange(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	m.breakerStateChanges.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}
