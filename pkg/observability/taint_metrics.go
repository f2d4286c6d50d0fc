package observability

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	metricTaintContexts       = "iast.contexts.total"
	metricTaintActiveContexts = "iast.contexts.active"
	metricTaintSources        = "iast.sources.total"
	metricTaintMapEntries     = "iast.map.entries"
	metricTaintMapFlat        = "iast.map.flat.total"
	metricTaintMapPurged      = "iast.map.purged.total"
	metricTaintMapReplaced    = "iast.map.replaced.total"
)

// Span and log attribute keys of the IAST layer.
const (
	AttrTaintEnabled     = "iast.enabled"
	AttrTaintOrigin      = "iast.source.origin"
	AttrTaintSourceName  = "iast.source.name"
	AttrTaintSourceValue = "iast.source.value"
	AttrTaintSources     = "iast.sources"
	AttrTaintMapEntries  = "iast.map.entries"
	AttrTaintMapFlat     = "iast.map.flat"
	AttrTaintPropagated  = "iast.propagated"
)

// entriesBucketBoundaries spans an idle request up to a map past the default
// flat mode threshold.
var entriesBucketBoundaries = []float64{0, 1, 4, 16, 64, 256, 1024, 4096, 8192, 16384}

// TaintMapStats is the state of one request map when its context is released.
type TaintMapStats struct {
	Entries  int
	Purged   int64
	Replaced int64
	Flat     bool
}

// TaintMetrics holds the OTel instruments of the IAST request lifecycle.
type TaintMetrics struct {
	contexts   metric.Int64Counter
	sources    metric.Int64Counter
	entries    metric.Float64Histogram
	flat       metric.Int64Counter
	purged     metric.Int64Counter
	replaced   metric.Int64Counter
	activeLive atomic.Int64
}

// NewTaintMetrics creates the IAST instruments from the given meter.
func NewTaintMetrics(mt metric.Meter) (*TaintMetrics, error) {
	in := newInstruments(mt)

	tm := &TaintMetrics{
		contexts: in.counter(metricTaintContexts, "Total number of IAST request contexts", "{context}"),
		sources:  in.counter(metricTaintSources, "Total number of tainted request sources", "{source}"),
		entries: in.histogram(metricTaintMapEntries, "Tainted map entries at context release", "{entry}",
			entriesBucketBoundaries),
		flat:     in.counter(metricTaintMapFlat, "Request maps that switched to flat mode", "{map}"),
		purged:   in.counter(metricTaintMapPurged, "Entries purged after their value was collected", "{entry}"),
		replaced: in.counter(metricTaintMapReplaced, "Entries replaced or dropped by collisions", "{entry}"),
	}

	in.gauge(metricTaintActiveContexts, "IAST request contexts currently open", "{context}", tm.activeLive.Load)

	if in.err != nil {
		return nil, in.err
	}

	return tm, nil
}

// ContextOpened records a new request context.
func (tm *TaintMetrics) ContextOpened(ctx context.Context, enabled bool) {
	if tm == nil {
		return
	}

	tm.activeLive.Add(1)
	tm.contexts.Add(ctx, 1, metric.WithAttributes(attribute.Bool(AttrTaintEnabled, enabled)))
}

// SourceTainted records one tainted request source.
func (tm *TaintMetrics) SourceTainted(ctx context.Context, origin string) {
	if tm == nil {
		return
	}

	tm.sources.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrTaintOrigin, origin)))
}

// ContextReleased records the final state of a request map.
func (tm *TaintMetrics) ContextReleased(ctx context.Context, stats TaintMapStats) {
	if tm == nil {
		return
	}

	tm.activeLive.Add(-1)
	tm.entries.Record(ctx, float64(stats.Entries))

	if stats.Flat {
		tm.flat.Add(ctx, 1)
	}

	if stats.Purged > 0 {
		tm.purged.Add(ctx, stats.Purged)
	}

	if stats.Replaced > 0 {
		tm.replaced.Add(ctx, stats.Replaced)
	}
}
