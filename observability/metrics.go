// Package observability provides the OpenTelemetry integration: a metrics
// extension recording lifecycle counters and a tracer-provider bootstrap
// for development use.
package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/dentamind/dispatch/credential"
	"github.com/dentamind/dispatch/request"
)

const meterName = "github.com/dentamind/dispatch/observability"

// MetricsExtension records lifecycle counters: queued, admitted, settled
// by outcome, rejections, queue wait time, and per-credential selections.
type MetricsExtension struct {
	queued      metric.Int64Counter
	admitted    metric.Int64Counter
	settled     metric.Int64Counter
	rejected    metric.Int64Counter
	selections  metric.Int64Counter
	queueWait   metric.Float64Histogram
	settleDelay metric.Float64Histogram
}

// NewMetricsExtension builds the extension against the global meter
// provider.
func NewMetricsExtension() (*MetricsExtension, error) {
	return NewMetricsExtensionWithMeter(otel.GetMeterProvider().Meter(meterName))
}

// NewMetricsExtensionWithMeter builds the extension against an explicit
// meter, used by tests with a manual reader.
func NewMetricsExtensionWithMeter(m metric.Meter) (*MetricsExtension, error) {
	e := &MetricsExtension{}
	var err error

	if e.queued, err = m.Int64Counter("dispatch.lifecycle.queued",
		metric.WithDescription("Requests that entered a waiting list")); err != nil {
		return nil, err
	}
	if e.admitted, err = m.Int64Counter("dispatch.lifecycle.admitted",
		metric.WithDescription("Requests granted a concurrency slot")); err != nil {
		return nil, err
	}
	if e.settled, err = m.Int64Counter("dispatch.lifecycle.settled",
		metric.WithDescription("Requests settled, by outcome")); err != nil {
		return nil, err
	}
	if e.rejected, err = m.Int64Counter("dispatch.lifecycle.rejected",
		metric.WithDescription("Submissions refused before queuing")); err != nil {
		return nil, err
	}
	if e.selections, err = m.Int64Counter("dispatch.credential.selections",
		metric.WithDescription("Credential bindings, by credential name")); err != nil {
		return nil, err
	}
	if e.queueWait, err = m.Float64Histogram("dispatch.queue.wait",
		metric.WithDescription("Time from submission to admission"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if e.settleDelay, err = m.Float64Histogram("dispatch.settle.delay",
		metric.WithDescription("Time from submission to settlement"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return e, nil
}

// Name implements ext.Extension.
func (e *MetricsExtension) Name() string { return "otel-metrics" }

func catAttr(r *request.Request) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("category", r.Category.String()))
}

func (e *MetricsExtension) outcome(ctx context.Context, r *request.Request, outcome string) {
	e.settled.Add(ctx, 1, metric.WithAttributes(
		attribute.String("category", r.Category.String()),
		attribute.String("outcome", outcome),
	))
	e.settleDelay.Record(ctx, time.Since(r.SubmittedAt).Seconds(), catAttr(r))
}

// OnRequestQueued implements ext.RequestQueued.
func (e *MetricsExtension) OnRequestQueued(ctx context.Context, r *request.Request) error {
	e.queued.Add(ctx, 1, catAttr(r))
	return nil
}

// OnRequestAdmitted implements ext.RequestAdmitted.
func (e *MetricsExtension) OnRequestAdmitted(ctx context.Context, r *request.Request) error {
	e.admitted.Add(ctx, 1, catAttr(r))
	e.queueWait.Record(ctx, time.Since(r.SubmittedAt).Seconds(), catAttr(r))
	return nil
}

// OnRequestRejected implements ext.RequestRejected.
func (e *MetricsExtension) OnRequestRejected(ctx context.Context, r *request.Request, err error) error {
	e.rejected.Add(ctx, 1, catAttr(r))
	return nil
}

// OnCredentialSelected implements ext.CredentialSelected.
func (e *MetricsExtension) OnCredentialSelected(ctx context.Context, r *request.Request, c *credential.Credential) error {
	e.selections.Add(ctx, 1, metric.WithAttributes(
		attribute.String("category", r.Category.String()),
		attribute.String("credential", c.Name),
	))
	return nil
}

// OnRequestCompleted implements ext.RequestCompleted.
func (e *MetricsExtension) OnRequestCompleted(ctx context.Context, r *request.Request, res *request.Result, elapsed time.Duration) error {
	e.outcome(ctx, r, "completed")
	return nil
}

// OnRequestFailed implements ext.RequestFailed.
func (e *MetricsExtension) OnRequestFailed(ctx context.Context, r *request.Request, err error) error {
	e.outcome(ctx, r, "failed")
	return nil
}

// OnRequestTimedOut implements ext.RequestTimedOut.
func (e *MetricsExtension) OnRequestTimedOut(ctx context.Context, r *request.Request) error {
	e.outcome(ctx, r, "timed_out")
	return nil
}

// OnRequestCancelled implements ext.RequestCancelled.
func (e *MetricsExtension) OnRequestCancelled(ctx context.Context, r *request.Request) error {
	e.outcome(ctx, r, "cancelled")
	return nil
}
