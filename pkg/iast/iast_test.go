package iast_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/Sumatoshi-tech/taintmap/pkg/config"
	"github.com/Sumatoshi-tech/taintmap/pkg/iast"
	"github.com/Sumatoshi-tech/taintmap/pkg/observability"
	"github.com/Sumatoshi-tech/taintmap/pkg/taint"
)

const testCapacity = 64

// heapString returns a copy of s that lives on the heap, like request data
// read from a connection. Literals live in read-only data and are never
// tracked.
func heapString(s string) string {
	return strings.Clone(s)
}

func testProvider() iast.Provider {
	return iast.Enabled(taint.WithCapacity(testCapacity), taint.WithFlatModeThreshold(testCapacity/2))
}

func TestNewProvider(t *testing.T) {
	t.Parallel()

	cfg := config.Default().IAST

	enabled := iast.NewProvider(cfg, nil)
	assert.True(t, enabled.Enabled())

	ic := enabled.NewContext()
	assert.True(t, ic.Enabled())
	ic.Release()

	cfg.Enabled = false
	disabled := iast.NewProvider(cfg, nil)
	assert.False(t, disabled.Enabled())
	assert.False(t, disabled.NewContext().Enabled())
}

func TestContext_TaintAndRelease(t *testing.T) {
	t.Parallel()

	ic := testProvider().NewContext()
	value := heapString("select * from users")

	ic.Objects().TaintInputString(value, taint.Source{Origin: taint.OriginQuery, Name: "sql"})

	require.True(t, ic.IsTainted(value))

	source, ok := ic.Source(value)
	require.True(t, ok)
	assert.Equal(t, taint.OriginQuery, source.Origin)

	stats := ic.Release()
	assert.Equal(t, 1, stats.Entries)
	assert.False(t, stats.Flat)
	assert.Equal(t, int64(1), stats.Counters.Puts)
	assert.Equal(t, stats.Counters.Gets, stats.Counters.Hits)

	assert.False(t, ic.Enabled(), "a released context never reaches the recycled map")
	assert.False(t, ic.IsTainted(value))
	assert.Equal(t, iast.Stats{}, ic.Release(), "only the first release counts")
}

func TestContext_Propagate(t *testing.T) {
	t.Parallel()

	ic := testProvider().NewContext()
	defer ic.Release()

	input := heapString("admin")
	ic.Objects().TaintInputString(input, taint.Source{Origin: taint.OriginParameter, Name: "user"})

	query := "select * from users where name = " + input
	require.True(t, ic.Propagate(context.Background(), query, input))

	source, ok := ic.Source(query)
	require.True(t, ok)
	assert.Equal(t, "user", source.Name)

	untainted := heapString("guest")
	assert.False(t, ic.Propagate(context.Background(), "hello "+untainted, untainted))

	ic.Release()
	assert.False(t, ic.Propagate(context.Background(), query, input), "released contexts propagate nothing")
}

func TestContext_RecycledMapStartsEmpty(t *testing.T) {
	t.Parallel()

	p := iast.Enabled(taint.WithCapacity(4), taint.WithFlatModeThreshold(1))

	first := p.NewContext()
	values := []string{heapString("first value"), heapString("second value"), heapString("third value")}

	for _, v := range values {
		first.Objects().TaintInputString(v, taint.Source{Origin: taint.OriginBody})
	}

	firstStats := first.Release()
	assert.LessOrEqual(t, firstStats.Entries, 3)
	assert.True(t, firstStats.Flat)

	second := p.NewContext()
	defer second.Release()

	for _, v := range values {
		assert.False(t, second.IsTainted(v))
	}

	assert.Zero(t, second.Objects().Count())
	assert.False(t, second.Objects().Map().IsFlat())

	secondStats := second.Release()
	assert.Zero(t, secondStats.Counters.Replaced, "counters are per request")
}

func TestDisabledProvider(t *testing.T) {
	t.Parallel()

	ic := iast.Disabled().NewContext()
	value := heapString("payload")

	assert.Nil(t, ic.Objects().TaintInputString(value, taint.Source{Origin: taint.OriginBody}))
	assert.False(t, ic.IsTainted(value))
	assert.Equal(t, iast.Stats{}, ic.Release())
}

func TestContextPropagation(t *testing.T) {
	t.Parallel()

	_, ok := iast.FromContext(context.Background())
	assert.False(t, ok)

	ic := testProvider().NewContext()
	defer ic.Release()

	got, ok := iast.FromContext(iast.WithContext(context.Background(), ic))
	require.True(t, ok)
	assert.Same(t, ic, got)
}

func TestMiddleware_TaintsRequestInputs(t *testing.T) {
	t.Parallel()

	var (
		captured *iast.Context
		checked  bool
	)

	handler := http.HandlerFunc(func(rw http.ResponseWriter, hr *http.Request) {
		ic, ok := iast.FromContext(hr.Context())
		require.True(t, ok)

		captured = ic

		query := hr.FormValue("q")
		require.Equal(t, "hello world", query)
		assert.True(t, ic.IsTainted(query))

		source, ok := ic.Source(query)
		require.True(t, ok)
		assert.Equal(t, taint.OriginParameter, source.Origin)
		assert.Equal(t, "q", source.Name)
		assert.Equal(t, "hello world", source.Value)

		header := hr.Header.Get("X-Request-Note")
		assert.True(t, ic.IsTainted(header))

		source, ok = ic.Source(header)
		require.True(t, ok)
		assert.Equal(t, taint.OriginHeader, source.Origin)

		assert.True(t, ic.IsTainted(hr.URL.Path))
		assert.False(t, ic.IsTainted(heapString(query)), "equal content is not the same value")

		checked = true

		rw.WriteHeader(http.StatusNoContent)
	})

	mw := iast.Middleware(testProvider(), handler)

	req := httptest.NewRequest(http.MethodGet, heapString("/echo?q=hello+world&page=2"), http.NoBody)
	req.Header.Set("X-Request-Note", heapString("from the test suite"))

	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)

	require.True(t, checked)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.False(t, captured.Enabled(), "context is released after the handler returns")
}

func TestMiddleware_Disabled(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(_ http.ResponseWriter, hr *http.Request) {
		ic, ok := iast.FromContext(hr.Context())
		require.True(t, ok)

		assert.False(t, ic.Enabled())
		assert.False(t, ic.IsTainted(hr.FormValue("q")))
	})

	mw := iast.Middleware(iast.Disabled(), handler)
	mw.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, heapString("/echo?q=hi+there"), http.NoBody))
}

func TestMiddleware_RecordsMetricsAndSpans(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	tm, err := observability.NewTaintMetrics(mp.Meter("test"))
	require.NoError(t, err)

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))

	t.Cleanup(func() { require.NoError(t, tp.Shutdown(context.Background())) })

	handler := http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusOK)
	})

	mw := iast.Middleware(testProvider(), handler, iast.WithMetrics(tm), iast.WithTracerProvider(tp))
	mw.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, heapString("/echo?q=some+value"), http.NoBody))

	spans := exporter.GetSpans()
	require.Len(t, spans, 3)

	names := make([]string, 0, len(spans))
	for _, s := range spans {
		names = append(names, s.Name)
	}

	assert.ElementsMatch(t, []string{"taint form", "taint header", "taint path"}, names)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	found := map[string]bool{}

	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			found[m.Name] = true
		}
	}

	assert.True(t, found["taintmap.iast.contexts.total"])
	assert.True(t, found["taintmap.iast.sources.total"])
	assert.True(t, found["taintmap.iast.map.entries"])
}
