package iast

import (
	"context"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/Sumatoshi-tech/taintmap/pkg/observability"
	"github.com/Sumatoshi-tech/taintmap/pkg/taint"
)

type middlewareOptions struct {
	metrics *observability.TaintMetrics
	tracer  trace.Tracer
	logger  *slog.Logger
}

// MiddlewareOption configures Middleware.
type MiddlewareOption func(*middlewareOptions)

// WithMetrics records context and source metrics into tm.
func WithMetrics(tm *observability.TaintMetrics) MiddlewareOption {
	return func(o *middlewareOptions) {
		o.metrics = tm
	}
}

// WithTracerProvider emits one span per tainted input group from tp.
func WithTracerProvider(tp trace.TracerProvider) MiddlewareOption {
	return func(o *middlewareOptions) {
		o.tracer = tp.Tracer(observability.SourceTracerName)
	}
}

// WithLogger logs request parsing failures at debug level.
func WithLogger(logger *slog.Logger) MiddlewareOption {
	return func(o *middlewareOptions) {
		o.logger = logger
	}
}

// Middleware opens a Context per request, taints the request inputs as
// sources, serves next with the context attached and releases it afterwards.
//
// Tainted inputs are the form parameter names and values (query string and
// url-encoded body, parsed once into r.Form so handlers read the very same
// strings), header names and values, and the path.
func Middleware(p Provider, next http.Handler, opts ...MiddlewareOption) http.Handler {
	o := middlewareOptions{
		tracer: nooptrace.NewTracerProvider().Tracer(observability.SourceTracerName),
		logger: slog.New(slog.DiscardHandler),
	}

	for _, opt := range opts {
		opt(&o)
	}

	return http.HandlerFunc(func(rw http.ResponseWriter, hr *http.Request) {
		ctx := hr.Context()
		ic := p.NewContext()

		o.metrics.ContextOpened(ctx, ic.Enabled())
		observability.MarkIAST(ctx, ic.Enabled())

		defer func() {
			stats := ic.Release()
			o.metrics.ContextReleased(ctx, observability.TaintMapStats{
				Entries:  stats.Entries,
				Purged:   stats.Counters.Purged,
				Replaced: stats.Counters.Replaced + stats.Counters.Evicted,
				Flat:     stats.Flat,
			})
		}()

		if ic.Enabled() {
			o.taintRequest(ctx, ic.Objects(), hr)
		}

		next.ServeHTTP(rw, hr.WithContext(WithContext(ctx, ic)))
	})
}

func (o *middlewareOptions) taintRequest(ctx context.Context, objects *taint.TaintedObjects, hr *http.Request) {
	if err := hr.ParseForm(); err != nil {
		o.logger.DebugContext(ctx, "parse request form", slog.String("error", err.Error()))
	}

	o.taintGroup(ctx, "form", func() int {
		return o.taintValues(ctx, objects, hr.Form, taint.OriginParameter)
	})

	o.taintGroup(ctx, "header", func() int {
		return o.taintValues(ctx, objects, hr.Header, taint.OriginHeader)
	})

	o.taintGroup(ctx, "path", func() int {
		if objects.TaintInputString(hr.URL.Path, taint.Source{Origin: taint.OriginPath}) == nil {
			return 0
		}

		o.metrics.SourceTainted(ctx, taint.OriginPath.String())

		return 1
	})
}

// taintGroup runs taint inside a span named after the input group.
func (o *middlewareOptions) taintGroup(ctx context.Context, group string, taintFn func() int) {
	_, span := o.tracer.Start(ctx, "taint "+group)
	defer span.End()

	span.SetAttributes(attribute.Int(observability.AttrTaintSources, taintFn()))
}

// taintValues taints every name and value of a url.Values or http.Header.
// Values carry their name in the source; names are their own value.
func (o *middlewareOptions) taintValues(
	ctx context.Context, objects *taint.TaintedObjects, values map[string][]string, origin taint.Origin,
) int {
	tainted := 0
	nameOrigin := origin.Named()

	for name, vals := range values {
		if objects.TaintInputString(name, taint.Source{Origin: nameOrigin, Name: name, Value: name}) != nil {
			tainted++

			o.metrics.SourceTainted(ctx, nameOrigin.String())
		}

		for _, v := range vals {
			if objects.TaintInputString(v, taint.Source{Origin: origin, Name: name, Value: v}) != nil {
				tainted++

				o.metrics.SourceTainted(ctx, origin.String())
			}
		}
	}

	return tainted
}
