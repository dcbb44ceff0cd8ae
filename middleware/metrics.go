package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/dentamind/dispatch/request"
)

// meterName is the instrumentation scope name for dispatch metrics.
const meterName = "github.com/dentamind/dispatch"

// Metrics returns middleware that records per-request execution metrics
// using the global OTel MeterProvider. If no MeterProvider is configured,
// noop instruments are used and this middleware becomes a pass-through.
//
// Instruments:
//   - dispatch.request.duration (Float64Histogram): execution time in
//     seconds, with attributes: category, status ("ok" or "error")
//   - dispatch.request.executions (Int64Counter): total executions,
//     with attributes: category, status
//   - dispatch.request.tokens (Int64Counter): backend tokens consumed,
//     with attribute: category
func Metrics() Middleware {
	meter := otel.Meter(meterName)
	return MetricsWithMeter(meter)
}

// MetricsWithMeter returns metrics middleware using the provided meter.
// This variant allows injecting a specific MeterProvider for testing.
func MetricsWithMeter(meter metric.Meter) Middleware {
	// Create instruments once at middleware construction time.
	// OTel instruments are safe for concurrent use. On error, the API
	// returns noop instruments so the middleware degrades gracefully.
	duration, dErr := meter.Float64Histogram(
		"dispatch.request.duration",
		metric.WithDescription("Duration of request execution in seconds"),
		metric.WithUnit("s"),
	)
	_ = dErr // noop fallback guaranteed by OTel API contract

	executions, eErr := meter.Int64Counter(
		"dispatch.request.executions",
		metric.WithDescription("Total number of request executions"),
		metric.WithUnit("{execution}"),
	)
	_ = eErr // noop fallback guaranteed by OTel API contract

	tokens, tErr := meter.Int64Counter(
		"dispatch.request.tokens",
		metric.WithDescription("Backend tokens consumed by completed requests"),
		metric.WithUnit("{token}"),
	)
	_ = tErr // noop fallback guaranteed by OTel API contract

	return func(ctx context.Context, r *request.Request, next Handler) (*request.Result, error) {
		start := time.Now()
		res, err := next(ctx)
		elapsed := time.Since(start).Seconds()

		status := "ok"
		if err != nil {
			status = "error"
		}

		attrs := metric.WithAttributes(
			attribute.String("category", r.Category.String()),
			attribute.String("status", status),
		)

		duration.Record(ctx, elapsed, attrs)
		executions.Add(ctx, 1, attrs)
		if res != nil && res.Tokens > 0 {
			tokens.Add(ctx, int64(res.Tokens),
				metric.WithAttributes(attribute.String("category", r.Category.String())))
		}

		return res, err
	}
}
