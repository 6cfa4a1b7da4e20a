package worker

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/roach88/lifeflow/internal/worker"

// counters are the per-worker delivery counters. With no meter provider
// installed the global provider is a no-op.
type counters struct {
	attrs     metric.MeasurementOption
	processed metric.Int64Counter
	retried   metric.Int64Counter
	dead      metric.Int64Counter
}

func newCounters(worker string) *counters {
	meter := otel.Meter(meterName)
	return &counters{
		attrs:     metric.WithAttributes(attribute.String("worker", worker)),
		processed: counter(meter, "lifeflow.worker.processed", "Items handled successfully."),
		retried:   counter(meter, "lifeflow.worker.retried", "Items scheduled for another attempt."),
		dead:      counter(meter, "lifeflow.worker.dead", "Items dead-lettered."),
	}
}

func counter(meter metric.Meter, name, desc string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		return noop.Int64Counter{}
	}
	return c
}

func (c *counters) success(ctx context.Context) { c.processed.Add(ctx, 1, c.attrs) }
func (c *counters) retry(ctx context.Context)   { c.retried.Add(ctx, 1, c.attrs) }
func (c *counters) deadLetter(ctx context.Context) {
	c.dead.Add(ctx, 1, c.attrs)
}
