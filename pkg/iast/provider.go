// Package iast owns the lifecycle of per-request taint tracking: a Provider
// hands out a Context for every request, and Middleware taints the request
// inputs before the handler runs and releases the context afterwards.
package iast

import (
	"log/slog"
	"sync"

	"github.com/Sumatoshi-tech/taintmap/pkg/config"
	"github.com/Sumatoshi-tech/taintmap/pkg/taint"
)

// Provider creates request contexts. The implementation is chosen once, when
// the configuration is loaded; callers never branch on enablement themselves.
type Provider interface {
	// NewContext returns a fresh context. The caller must Release it.
	NewContext() *Context

	// Enabled reports whether contexts track anything.
	Enabled() bool
}

// NewProvider returns the provider selected by cfg. A nil logger disables the
// debug statistics wrapper.
func NewProvider(cfg config.IASTConfig, logger *slog.Logger) Provider {
	if !cfg.Enabled {
		return Disabled()
	}

	opts := []taint.Option{
		taint.WithCapacity(cfg.Map.Capacity),
		taint.WithFlatModeThreshold(cfg.Map.FlatModeThreshold),
		taint.WithPurgeBatch(cfg.Map.PurgeBatch),
	}

	if cfg.Map.PurgeInline {
		opts = append(opts, taint.WithInlinePurge())
	}

	if cfg.Debug && logger != nil {
		opts = append(opts, taint.WithDebug(logger.With(slog.String("component", "taint")), cfg.DebugStatisticsInterval))
	}

	return Enabled(opts...)
}

// enabledProvider recycles request maps through a pool. A released map is
// cleared before it goes back, so a context never sees another request's
// entries.
type enabledProvider struct {
	pool sync.Pool
}

// Enabled returns a provider whose contexts track taint in maps built with opts.
func Enabled(opts ...taint.Option) Provider {
	p := &enabledProvider{}
	p.pool.New = func() any { return taint.Build(opts...) }

	return p
}

func (p *enabledProvider) NewContext() *Context {
	m, _ := p.pool.Get().(taint.TaintedMap)

	return newContext(taint.NewTaintedObjects(m), p.recycle)
}

func (p *enabledProvider) recycle(m taint.TaintedMap) {
	m.Clear()
	p.pool.Put(m)
}

func (p *enabledProvider) Enabled() bool { return true }

type disabledProvider struct{}

// disabledObjects is shared by every disabled context: it wraps the no-op map
// and holds no state.
var disabledObjects = taint.NewTaintedObjects(taint.NoOp())

// Disabled returns the provider whose contexts wrap the no-op map.
func Disabled() Provider { return disabledProvider{} }

func (disabledProvider) NewContext() *Context { return newContext(disabledObjects, nil) }

func (disabledProvider) Enabled() bool { return false }
