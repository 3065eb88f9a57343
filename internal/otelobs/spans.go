package otelobs

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for async-chat spans.
var (
	AttrTaskID         = attribute.Key("async_chat.task.id")
	AttrBatchID        = attribute.Key("async_chat.batch.id")
	AttrConversationID = attribute.Key("async_chat.conversation.id")
	AttrFamily         = attribute.Key("async_chat.family.id")
	AttrModel          = attribute.Key("async_chat.model")
	AttrNodeURL        = attribute.Key("async_chat.node.url")
	AttrSlot           = attribute.Key("async_chat.slot")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (dispatcher's HTTP adapter).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (backend HTTP, Redis).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
