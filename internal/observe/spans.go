package observe

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for sepiped spans (spec.md §5: tick/phase tracing).
var (
	AttrTaskID   = attribute.Key("sepiped.task.id")
	AttrRepoPath = attribute.Key("sepiped.repo.path")
	AttrPhase    = attribute.Key("sepiped.phase")
	AttrStatus   = attribute.Key("sepiped.task.status")
	AttrSeedMode = attribute.Key("sepiped.seed.mode")
)

// StartSpan starts an internal span with common attributes, the scheduler
// tick and the seed engine's own work.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call: the agent sandbox
// invocation or a code-host API request.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// StartServerSpan starts a span for an inbound request against
// internal/dashboard.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}
