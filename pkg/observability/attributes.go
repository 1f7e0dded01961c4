package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys used on relgate spans and metrics.
var (
	AttrRunID      = attribute.Key("relgate.run.id")
	AttrCandidate  = attribute.Key("relgate.candidate")
	AttrStage      = attribute.Key("relgate.stage")
	AttrVerdict    = attribute.Key("relgate.verdict")
	AttrExitCode   = attribute.Key("relgate.exit_code")
	AttrGateClass  = attribute.Key("relgate.gate.class")
	AttrGateStatus = attribute.Key("relgate.gate.status")
	AttrSource     = attribute.Key("relgate.evidence.source")
	AttrCheck      = attribute.Key("relgate.determinism.check")
)

// RunAttributes identifies a promotion run.
func RunAttributes(runID, candidate string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrRunID.String(runID),
		AttrCandidate.String(candidate),
	}
}

// AddSpanEvent adds an event to the span in ctx.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}
