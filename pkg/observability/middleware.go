package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// httpStatusServerError is the threshold for HTTP server errors.
const httpStatusServerError = 500

// statusWriter wraps [http.ResponseWriter] to capture the status code.
type statusWriter struct {
	http.ResponseWriter

	statusCode int
	written    bool
}

// WriteHeader captures the status code before delegating to the wrapped writer.
func (sw *statusWriter) WriteHeader(code int) {
	if !sw.written {
		sw.statusCode = code
		sw.written = true
	}

	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(buf []byte) (int, error) {
	if !sw.written {
		sw.statusCode = http.StatusOK
		sw.written = true
	}

	n, err := sw.ResponseWriter.Write(buf)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}

	return n, nil
}

type requestInfoKey struct{}

// requestInfo collects what inner handlers learn about a request that the
// RED metrics label it with.
type requestInfo struct {
	iast bool
}

// MarkIAST records whether the request behind ctx runs with taint tracking.
// The request span gets the attribute right away and the RED metrics label
// the request with it once served. Outside HTTPMiddleware only the span, if
// any, is annotated.
func MarkIAST(ctx context.Context, enabled bool) {
	if info, ok := ctx.Value(requestInfoKey{}).(*requestInfo); ok {
		info.iast = enabled
	}

	trace.SpanFromContext(ctx).SetAttributes(attribute.Bool(AttrTaintEnabled, enabled))
}

// HTTPMiddleware returns an [http.Handler] that creates a span per request
// and, when red is not nil, records RED metrics for it. The span is renamed
// to the matched route pattern once the mux has routed the request; until
// then it is named "METHOD /path".
func HTTPMiddleware(tracer trace.Tracer, red *REDMetrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, hr *http.Request) {
		// Extract W3C traceparent/tracestate/baggage from incoming headers.
		parentCtx := otel.GetTextMapPropagator().Extract(hr.Context(), propagation.HeaderCarrier(hr.Header))

		ctx, span := tracer.Start(parentCtx, hr.Method+" "+hr.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(hr.Method),
				attribute.String("http.target", hr.URL.Path),
			),
		)
		defer span.End()

		var done func()
		if red != nil {
			done = red.TrackInflight(ctx, hr.Method)
		}

		info := &requestInfo{}
		start := time.Now()
		sw := &statusWriter{ResponseWriter: rw}
		routed := hr.WithContext(context.WithValue(ctx, requestInfoKey{}, info))
		next.ServeHTTP(sw, routed)

		if routed.Pattern != "" {
			span.SetName(routed.Pattern)
			span.SetAttributes(semconv.HTTPRoute(routed.Pattern))
		}

		if sw.statusCode == 0 {
			sw.statusCode = http.StatusOK
		}

		span.SetAttributes(semconv.HTTPResponseStatusCode(sw.statusCode))

		if sw.statusCode >= httpStatusServerError {
			span.SetStatus(codes.Error, http.StatusText(sw.statusCode))
		}

		if red != nil {
			done()
			red.RecordRequest(ctx, Request{
				Route:    routed.Pattern,
				Method:   hr.Method,
				Status:   sw.statusCode,
				IAST:     info.iast,
				Duration: time.Since(start),
			})
		}
	})
}
