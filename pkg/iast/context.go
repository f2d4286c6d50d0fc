package iast

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Sumatoshi-tech/taintmap/pkg/observability"
	"github.com/Sumatoshi-tech/taintmap/pkg/taint"
)

// Stats is the state of a request map at release.
type Stats struct {
	Entries  int
	Flat     bool
	Counters taint.Counters
}

// Context is the taint state of one request.
type Context struct {
	objects  atomic.Pointer[taint.TaintedObjects]
	recycle  func(taint.TaintedMap)
	released atomic.Bool

	// base holds the counters of a recycled map when the request started.
	base taint.Counters
}

func newContext(objects *taint.TaintedObjects, recycle func(taint.TaintedMap)) *Context {
	c := &Context{recycle: recycle, base: counters(objects.Map())}
	c.objects.Store(objects)

	return c
}

func counters(m taint.TaintedMap) taint.Counters {
	if cp, ok := m.(taint.CountersProvider); ok {
		return cp.Counters()
	}

	return taint.Counters{}
}

// Objects returns the tracked objects. After Release it returns the disabled
// view, so late callers can never reach a recycled map.
func (c *Context) Objects() *taint.TaintedObjects {
	return c.objects.Load()
}

// Enabled reports whether the context tracks anything.
func (c *Context) Enabled() bool {
	return c.Objects().Enabled()
}

// IsTainted reports whether s is a tracked request value.
func (c *Context) IsTainted(s string) bool {
	return c.Objects().IsTainted(taint.StringKey(s))
}

// Source returns the source of s, if s is tracked.
func (c *Context) Source(s string) (taint.Source, bool) {
	return c.Objects().Source(taint.StringKey(s))
}

// Propagate taints to with the ranges of from when from is tracked, and
// reports whether it did. Each call runs in a span that the filtering tracer
// provider drops unless verbose tracing is on.
func (c *Context) Propagate(ctx context.Context, to, from string) bool {
	_, span := otel.Tracer(observability.TracerName).Start(ctx, observability.SpanTaintPropagate)
	defer span.End()

	propagated := c.Objects().TaintIfTainted(taint.StringKey(to), taint.StringKey(from))
	span.SetAttributes(attribute.Bool(observability.AttrTaintPropagated, propagated))

	return propagated
}

// Release drops every association of the request and hands the map back for
// reuse. Only the first call has an effect; it returns the map state as it
// was just before the release.
func (c *Context) Release() Stats {
	if !c.released.CompareAndSwap(false, true) {
		return Stats{}
	}

	objects := c.objects.Swap(disabledObjects)
	if !objects.Enabled() {
		return Stats{}
	}

	m := objects.Map()
	total := counters(m)
	stats := Stats{
		Entries:  m.Count(),
		Flat:     m.IsFlat(),
		Counters: total.Sub(c.base),
	}

	if c.recycle != nil {
		c.recycle(m)
	} else {
		objects.Release()
	}

	return stats
}

type contextKey struct{}

// WithContext returns a copy of ctx carrying c.
func WithContext(ctx context.Context, c *Context) context.Context {
	return context.WithValue(ctx, contextKey{}, c)
}

// FromContext returns the request context carried by ctx.
func FromContext(ctx context.Context) (*Context, bool) {
	c, ok := ctx.Value(contextKey{}).(*Context)

	return c, ok && c != nil
}
