// Package observability exports job lifecycle metrics through OpenTelemetry.
//
// A Collector consumes a dispatcher event subscription and records:
//   - jobs.events (Int64Counter): every lifecycle event,
//     with attributes: kind, queue
//   - jobs.executions (Int64Counter): finished attempts,
//     with attributes: queue, job_type, status ("ok", "retry" or "error")
//   - jobs.duration (Float64Histogram): processing time in seconds of
//     terminal outcomes, with attributes: queue, job_type, status
//   - jobs.broker.dropped (Int64ObservableCounter): events dropped by the
//     broker because a subscriber was full
package observability

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/jdziat/priority-jobs/pkg/core"
	"github.com/jdziat/priority-jobs/pkg/dispatcher"
)

// meterName is the instrumentation scope name for job metrics.
const meterName = "github.com/jdziat/priority-jobs"

// Collector turns lifecycle events into metric observations.
type Collector struct {
	meter      metric.Meter
	events     metric.Int64Counter
	executions metric.Int64Counter
	duration   metric.Float64Histogram
}

// NewCollector creates a Collector using the global OTel MeterProvider.
// If no MeterProvider is configured, noop instruments are used.
func NewCollector() (*Collector, error) {
	return NewCollectorWithMeter(otel.Meter(meterName))
}

// NewCollectorWithMeter creates a Collector using the provided meter.
func NewCollectorWithMeter(meter metric.Meter) (*Collector, error) {
	events, evErr := meter.Int64Counter(
		"jobs.events",
		metric.WithDescription("Total number of job lifecycle events"),
		metric.WithUnit("{event}"),
	)
	executions, exErr := meter.Int64Counter(
		"jobs.executions",
		metric.WithDescription("Total number of finished job attempts"),
		metric.WithUnit("{execution}"),
	)
	duration, dErr := meter.Float64Histogram(
		"jobs.duration",
		metric.WithDescription("Processing time of finished jobs in seconds"),
		metric.WithUnit("s"),
	)
	if err := errors.Join(evErr, exErr, dErr); err != nil {
		return nil, err
	}

	return &Collector{
		meter:      meter,
		events:     events,
		executions: executions,
		duration:   duration,
	}, nil
}

// ObserveBroker registers an observable counter reporting b's dropped events.
func (c *Collector) ObserveBroker(b *dispatcher.Broker) error {
	dropped, err := c.meter.Int64ObservableCounter(
		"jobs.broker.dropped",
		metric.WithDescription("Events dropped because a subscriber buffer was full"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return err
	}
	_, err = c.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(dropped, b.Stats().Dropped)
		return nil
	}, dropped)
	return err
}

// Run records events from sub until ctx is done or the subscription is closed.
func (c *Collector) Run(ctx context.Context, sub *dispatcher.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-sub.C():
			if !ok {
				return nil
			}
			c.Record(ctx, e)
		}
	}
}

// Record observes a single event.
func (c *Collector) Record(ctx context.Context, e core.Event) {
	c.events.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(e.Kind())),
		attribute.String("queue", e.QueueName()),
	))

	switch ev := e.(type) {
	case *core.JobCompleted:
		attrs := jobAttrs(ev.Job, "ok")
		c.executions.Add(ctx, 1, attrs)
		c.duration.Record(ctx, ev.Duration.Seconds(), attrs)
	case *core.JobFailed:
		attrs := jobAttrs(ev.Job, "error")
		c.executions.Add(ctx, 1, attrs)
		c.duration.Record(ctx, ev.Duration.Seconds(), attrs)
	case *core.JobRetried:
		// Manual retries reset a job; they are not attempts.
		if !ev.Manual {
			c.executions.Add(ctx, 1, jobAttrs(ev.Job, "retry"))
		}
	}
}

func jobAttrs(j *core.Job, status string) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("queue", j.Queue),
		attribute.String("job_type", j.Type),
		attribute.String("status", status),
	)
}
