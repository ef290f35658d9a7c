package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// collect returns the int64 sum points recorded for name.
func collect(t *testing.T, reader *sdkmetric.ManualReader, name string) []metricdata.DataPoint[int64] {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "metric %s is %T", name, m.Data)
			return sum.DataPoints
		}
	}
	return nil
}

func valueFor(points []metricdata.DataPoint[int64], key, value string) int64 {
	for _, dp := range points {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value
		}
	}
	return 0
}

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := New(provider)
	require.NoError(t, err)
	return m, reader
}

func TestPolicyDecisions(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.PolicyDecision(ctx, "ALLOW")
	m.PolicyDecision(ctx, "BLOCK")
	m.PolicyDecision(ctx, "BLOCK")

	points := collect(t, reader, PolicyDecisions)
	assert.Equal(t, int64(1), valueFor(points, "decision", "ALLOW"))
	assert.Equal(t, int64(2), valueFor(points, "decision", "BLOCK"))
	assert.Equal(t, int64(0), valueFor(points, "decision", "DEFER"))
}

func TestBuilderRunsAndLedger(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.BuilderRun(ctx, "failed", "COHERENCE_BLOCKED")
	m.AppendFailure(ctx, "idea")
	m.DeadLetter(ctx, false)
	m.BreakerStateChange(ctx, "closed", "open")

	assert.Equal(t, int64(1), valueFor(collect(t, reader, BuilderRuns), "code", "COHERENCE_BLOCKED"))
	assert.Equal(t, int64(1), valueFor(collect(t, reader, AppendFailures), "type", "idea"))
	assert.Equal(t, int64(1), valueFor(collect(t, reader, DeadLetters), "result", "dropped"))
	assert.Equal(t, int64(1), valueFor(collect(t, reader, BreakerStateChanges), "to", "open"))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	assert.NotPanics(t, func() {
		m.PolicyDecision(ctx, "ALLOW")
		m.BuilderRun(ctx, "succeeded", "")
		m.AppendFailure(ctx, "signal")
		m.DeadLetter(ctx, true)
		m.BreakerStateChange(ctx, "open", "half-open")
	})
}

func TestNewWithNilProvider(t *testing.T) {
	m, err := New(nil)
	require.NoError(t, err)
	assert.NotPanics(t, func() { m.PolicyDecision(context.Background(), "DEFER") })
}
