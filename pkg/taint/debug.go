package taint

import (
	"context"
	"iter"
	"log/slog"
	"sync/atomic"
)

// Debug wraps a map and periodically logs the shape of its table.
type Debug struct {
	delegate StatisticsProvider
	logger   *slog.Logger
	interval uint64
	puts     atomic.Uint64
}

var _ StatisticsProvider = (*Debug)(nil)

// NewDebug wraps delegate. Every interval puts, if logger has debug level
// enabled, the table statistics are computed and logged. A nil logger
// discards the reports.
func NewDebug(delegate StatisticsProvider, logger *slog.Logger, interval uint64) *Debug {
	if interval == 0 {
		interval = DefaultStatisticsInterval
	}

	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Debug{delegate: delegate, logger: logger, interval: interval}
}

// Put delegates and reports statistics on interval boundaries.
func (d *Debug) Put(entry *TaintedObject) {
	d.delegate.Put(entry)

	if d.puts.Add(1)%d.interval == 0 && d.logger.Enabled(context.Background(), slog.LevelDebug) {
		d.logStatistics()
	}
}

func (d *Debug) logStatistics() {
	stats := d.delegate.Statistics()

	d.logger.Debug("tainted map statistics",
		slog.Int("capacity", stats.Capacity),
		slog.Int("count", stats.Entries),
		slog.Float64("stale_pct", stats.StalePercent()),
		slog.Bool("flat", d.delegate.IsFlat()),
		slog.Group("chains",
			slog.Float64("avg", stats.Average),
			slog.Int("p50", stats.P50),
			slog.Int("p75", stats.P75),
			slog.Int("p90", stats.P90),
			slog.Int("p99", stats.P99),
			slog.Int("max", stats.Max),
		),
	)
}

// Puts returns the number of puts seen by the wrapper.
func (d *Debug) Puts() uint64 { return d.puts.Load() }

// Get delegates.
func (d *Debug) Get(key Key) *TaintedObject { return d.delegate.Get(key) }

// Purge delegates.
func (d *Debug) Purge() int { return d.delegate.Purge() }

// IsFlat delegates.
func (d *Debug) IsFlat() bool { return d.delegate.IsFlat() }

// Count delegates.
func (d *Debug) Count() int { return d.delegate.Count() }

// Clear delegates.
func (d *Debug) Clear() { d.delegate.Clear() }

// ReferenceQueue delegates.
func (d *Debug) ReferenceQueue() *ReferenceQueue { return d.delegate.ReferenceQueue() }

// All delegates.
func (d *Debug) All() iter.Seq[*TaintedObject] { return d.delegate.All() }

// Statistics delegates.
func (d *Debug) Statistics() Statistics { return d.delegate.Statistics() }

// Counters returns the delegate counters, or zero counters when it has none.
func (d *Debug) Counters() Counters {
	if cp, ok := d.delegate.(CountersProvider); ok {
		return cp.Counters()
	}

	return Counters{}
}
