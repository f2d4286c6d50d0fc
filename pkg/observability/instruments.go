package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// metricNamespace prefixes every instrument name.
const metricNamespace = "taintmap."

// instruments creates the instruments of one metric set under the taintmap
// namespace. Creation errors are kept, first one wins, so a constructor
// checks once after declaring everything.
type instruments struct {
	meter metric.Meter
	err   error
}

func newInstruments(mt metric.Meter) *instruments {
	return &instruments{meter: mt}
}

func (in *instruments) counter(name, desc, unit string) metric.Int64Counter {
	c, err := in.meter.Int64Counter(metricNamespace+name, metric.WithDescription(desc), metric.WithUnit(unit))
	in.check(name, err)

	return c
}

func (in *instruments) upDownCounter(name, desc, unit string) metric.Int64UpDownCounter {
	c, err := in.meter.Int64UpDownCounter(metricNamespace+name, metric.WithDescription(desc), metric.WithUnit(unit))
	in.check(name, err)

	return c
}

func (in *instruments) histogram(name, desc, unit string, bounds []float64) metric.Float64Histogram {
	h, err := in.meter.Float64Histogram(metricNamespace+name,
		metric.WithDescription(desc),
		metric.WithUnit(unit),
		metric.WithExplicitBucketBoundaries(bounds...),
	)
	in.check(name, err)

	return h
}

// gauge registers an observable gauge that reports value at every collection.
func (in *instruments) gauge(name, desc, unit string, value func() int64) {
	_, err := in.meter.Int64ObservableGauge(metricNamespace+name,
		metric.WithDescription(desc),
		metric.WithUnit(unit),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			obs.Observe(value())

			return nil
		}),
	)
	in.check(name, err)
}

func (in *instruments) check(name string, err error) {
	if err != nil && in.err == nil {
		in.err = fmt.Errorf("create %s%s: %w", metricNamespace, name, err)
	}
}
