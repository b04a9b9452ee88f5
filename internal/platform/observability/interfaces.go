package observability

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// Tracer starts spans. trace.Tracer satisfies it; tests pass a noop tracer.
type Tracer interface {
	Start(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span)
}
