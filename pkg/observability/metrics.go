package observability

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const (
	metricRequestsTotal    = "http.requests.total"
	metricRequestDuration  = "http.request.duration.seconds"
	metricErrorsTotal      = "http.errors.total"
	metricInflightRequests = "http.inflight.requests"

	attrStatusClass = "http.response.status_class"

	// routeUnmatched labels requests no route pattern claimed, so raw paths
	// never become label values.
	routeUnmatched = "unmatched"
)

// durationBucketBoundaries covers 100µs to 10s of request handling. Taint
// tracking adds microseconds per input, so the low end is dense.
var durationBucketBoundaries = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 10}

// Request describes one served request for the RED metrics.
type Request struct {
	// Route is the matched mux pattern; empty when no route matched.
	Route  string
	Method string
	Status int

	// IAST reports whether the request ran with taint tracking enabled.
	IAST     bool
	Duration time.Duration
}

// REDMetrics holds the rate, error and duration instruments of the HTTP
// server, labelled by route and by whether the request was taint tracked.
type REDMetrics struct {
	requests metric.Int64Counter
	duration metric.Float64Histogram
	errors   metric.Int64Counter
	inflight metric.Int64UpDownCounter
}

// NewREDMetrics creates the HTTP instruments from the given meter.
func NewREDMetrics(mt metric.Meter) (*REDMetrics, error) {
	in := newInstruments(mt)

	rm := &REDMetrics{
		requests: in.counter(metricRequestsTotal, "Served HTTP requests", "{request}"),
		duration: in.histogram(metricRequestDuration, "HTTP request duration in seconds", "s", durationBucketBoundaries),
		errors:   in.counter(metricErrorsTotal, "HTTP requests answered with a server error", "{error}"),
		inflight: in.upDownCounter(metricInflightRequests, "HTTP requests being served", "{request}"),
	}

	if in.err != nil {
		return nil, in.err
	}

	return rm, nil
}

// RecordRequest records a completed request.
func (rm *REDMetrics) RecordRequest(ctx context.Context, req Request) {
	route := req.Route
	if route == "" {
		route = routeUnmatched
	}

	attrs := metric.WithAttributes(
		semconv.HTTPRoute(route),
		semconv.HTTPRequestMethodKey.String(req.Method),
		attribute.String(attrStatusClass, statusClass(req.Status)),
		attribute.Bool(AttrTaintEnabled, req.IAST),
	)

	rm.requests.Add(ctx, 1, attrs)
	rm.duration.Record(ctx, req.Duration.Seconds(), attrs)

	if req.Status >= httpStatusServerError {
		rm.errors.Add(ctx, 1, metric.WithAttributes(semconv.HTTPRoute(route)))
	}
}

// TrackInflight increments the in-flight counter for method and returns the
// function that decrements it.
func (rm *REDMetrics) TrackInflight(ctx context.Context, method string) func() {
	attrs := metric.WithAttributes(semconv.HTTPRequestMethodKey.String(method))
	rm.inflight.Add(ctx, 1, attrs)

	return func() {
		rm.inflight.Add(ctx, -1, attrs)
	}
}

// statusClass folds a status code into "2xx", "4xx" and so on.
func statusClass(code int) string {
	return strconv.Itoa(code/100) + "xx"
}
