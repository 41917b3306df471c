package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for task-queue spans.
var (
	AttrTaskID     = attribute.Key("taskq.task.id")
	AttrAgentID    = attribute.Key("taskq.agent.id")
	AttrRunID      = attribute.Key("taskq.run.id")
	AttrStatusFrom = attribute.Key("taskq.status.from")
	AttrStatusTo   = attribute.Key("taskq.status.to")
	AttrTickStep   = attribute.Key("taskq.scheduler.step")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (Gateway RPC call).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}
