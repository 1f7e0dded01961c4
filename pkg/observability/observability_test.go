package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestDefaultConfigIsDisabled(t *testing.T) {
	c := DefaultConfig()
	require.False(t, c.Enabled)
	require.Equal(t, "relgate", c.ServiceName)
	require.Equal(t, 1.0, c.SampleRate)
}

func TestDisabledProviderIsSafe(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, DefaultConfig())
	require.NoError(t, err)

	ctx, done := p.TrackStage(ctx, "collect", RunAttributes("run-1", "v1.4.0")...)
	require.NotNil(t, ctx)
	done(errors.New("boom"))

	p.RecordDecision(ctx, "BLOCK", 12)
	p.RecordGate(ctx, "A", "PASS")
	p.RecordMissing(ctx, "unit", 2)
	p.RecordNonDeterministic(ctx, "regression")
	AddSpanEvent(ctx, "noop")
	require.NoError(t, p.Shutdown(ctx))
}

func TestNilProviderIsSafe(t *testing.T) {
	var p *Provider
	_, done := p.TrackStage(context.Background(), "score")
	done(nil)
	p.RecordDecision(context.Background(), "PROMOTE", 0)
}

func harness(t *testing.T) (*Provider, *tracetest.SpanRecorder, *sdkmetric.ManualReader) {
	t.Helper()
	spans := tracetest.NewSpanRecorder()
	reader := sdkmetric.NewManualReader()
	p, err := NewWithProviders(
		sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans)),
		sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
	)
	require.NoError(t, err)
	return p, spans, reader
}

func sumOf(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestTrackStageRecordsSpanAndMetrics(t *testing.T) {
	p, spans, reader := harness(t)
	ctx := context.Background()

	_, done := p.TrackStage(ctx, "liveness")
	done(nil)
	_, done = p.TrackStage(ctx, "gates", attribute.Int("relgate.gates", 4))
	done(errors.New("bad matrix"))

	ended := spans.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, "relgate.liveness", ended[0].Name())
	assert.Equal(t, codes.Error, ended[1].Status().Code)
	assert.Equal(t, "bad matrix", ended[1].Status().Description)

	assert.Equal(t, int64(2), sumOf(t, reader, "relgate.stage.runs"))
	assert.Equal(t, int64(1), sumOf(t, reader, "relgate.stage.errors"))
	assert.Equal(t, int64(0), sumOf(t, reader, "relgate.stage.active"))
}

func TestDomainCounters(t *testing.T) {
	p, _, reader := harness(t)
	ctx := context.Background()

	p.RecordDecision(ctx, "BLOCK", 10)
	p.RecordDecision(ctx, "PROMOTE", 0)
	p.RecordGate(ctx, "B", "WARN")
	p.RecordMissing(ctx, "memory", 3)
	p.RecordMissing(ctx, "memory", 0)

	assert.Equal(t, int64(2), sumOf(t, reader, "relgate.decisions"))
	assert.Equal(t, int64(1), sumOf(t, reader, "relgate.gate.outcomes"))
	assert.Equal(t, int64(3), sumOf(t, reader, "relgate.evidence.missing"))
}
