package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// StartDatabaseSpan starts a client span for a database operation
func StartDatabaseSpan(ctx context.Context, tracer trace.Tracer, operation, table string) (context.Context, trace.Span) {
	return tracer.Start(ctx, fmt.Sprintf("db.%s %s", operation, table),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.operation", operation),
			attribute.String("db.sql.table", table),
			attribute.String("db.system", "postgresql"),
		),
	)
}

// StartMessagingSpan starts a span for sending to or receiving from a queue
func StartMessagingSpan(ctx context.Context, tracer trace.Tracer, system, operation, destination string) (context.Context, trace.Span) {
	kind := trace.SpanKindProducer
	if operation == "receive" {
		kind = trace.SpanKindConsumer
	}
	return tracer.Start(ctx, fmt.Sprintf("%s %s %s", system, operation, destination),
		trace.WithSpanKind(kind),
		trace.WithAttributes(
			attribute.String("messaging.system", system),
			attribute.String("messaging.operation", operation),
			attribute.String("messaging.destination.name", destination),
		),
	)
}
