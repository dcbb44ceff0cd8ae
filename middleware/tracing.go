package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dentamind/dispatch/request"
)

// tracerName is the instrumentation scope name for dispatch tracing.
const tracerName = "github.com/dentamind/dispatch"

// Tracing returns middleware that wraps task execution in an OpenTelemetry
// span. If no TracerProvider is configured globally, the default noop
// tracer is used and this middleware becomes a pass-through with zero
// overhead.
//
// Span attributes include: dispatch.request.id, dispatch.category,
// dispatch.priority, dispatch.scope.feature, dispatch.scope.actor.
// On error, the span status is set to codes.Error with the error message.
func Tracing() Middleware {
	tracer := otel.Tracer(tracerName)
	return TracingWithTracer(tracer)
}

// TracingWithTracer returns tracing middleware using the provided tracer.
// This variant allows injecting a specific TracerProvider for testing or
// when multiple providers are in use.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, r *request.Request, next Handler) (*request.Result, error) {
		ctx, span := tracer.Start(ctx, "dispatch.request.execute",
			trace.WithAttributes(
				attribute.String("dispatch.request.id", r.ID.String()),
				attribute.String("dispatch.category", r.Category.String()),
				attribute.Int("dispatch.priority", r.Priority),
				attribute.String("dispatch.scope.feature", r.Scope.Feature),
				attribute.String("dispatch.scope.actor", r.Scope.Actor),
			),
			trace.WithSpanKind(trace.SpanKindClient),
		)
		defer span.End()

		res, err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
			if res != nil {
				span.SetAttributes(attribute.Int("dispatch.tokens", res.Tokens))
			}
		}

		return res, err
	}
}
