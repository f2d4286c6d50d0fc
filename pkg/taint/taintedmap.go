// Package taint tracks which live objects carry untrusted data and which spans
// of them are tainted.
//
// The central type is TaintedMap: a fixed-capacity, identity-keyed hash table
// whose entries weakly reference the tracked allocations. It is built for the
// request hot path:
//
//  1. Keys are compared by identity (address), never by content.
//  2. Entries disappear once their allocation is garbage collected.
//  3. No operation panics or blocks, even under concurrent modification.
//  4. Puts MAY be lost under concurrent modification or capacity pressure.
//
// The table never grows. While the number of entries stays under the flat
// mode threshold, colliding entries are chained. Past the threshold the map
// switches to flat mode for good (until Clear): each bucket keeps a single
// entry and a colliding put replaces it. Losing an older association is the
// price of a hard memory bound that no request pattern can break.
package taint

import (
	"iter"
	"log/slog"
	"math/bits"
	"sync/atomic"
)

// Defaults for a per-request map.
const (
	// DefaultCapacity is the number of buckets. It MUST be a power of two.
	DefaultCapacity = 1 << 14

	// DefaultFlatModeThreshold is the number of entries after which the map
	// switches to flat mode.
	DefaultFlatModeThreshold = 1 << 13

	// DefaultPurgeBatch caps how many collected entries one Put may purge.
	DefaultPurgeBatch = 1 << 6

	// DefaultStatisticsInterval is how many puts the debug map lets pass
	// between two statistics reports.
	DefaultStatisticsInterval = 1 << 17
)

// maxCapacity keeps the bucket array allocatable.
const maxCapacity = 1 << 30

// TaintedMap is the contract shared by every map variant.
type TaintedMap interface {
	// Get returns the entry tracking the allocation behind key, or nil.
	Get(key Key) *TaintedObject

	// Put registers entry, replacing any entry for the same allocation.
	// Nil entries are ignored.
	Put(entry *TaintedObject)

	// Purge removes entries whose allocation has been collected and returns
	// how many were removed.
	Purge() int

	// IsFlat reports whether the map has switched to flat mode.
	IsFlat() bool

	// Count returns the estimated number of entries.
	Count() int

	// Clear drops every entry.
	Clear()

	// ReferenceQueue returns the queue entries for this map must be built
	// with. Variants that purge inline return nil.
	ReferenceQueue() *ReferenceQueue

	// All yields every entry currently linked in the table, stale or not.
	All() iter.Seq[*TaintedObject]
}

// Counters holds the lifetime event counts of a map. Every field is read
// from its own atomic, so a snapshot taken under load is not a single instant.
type Counters struct {
	Puts     int64 `json:"puts" yaml:"puts"`
	Gets     int64 `json:"gets" yaml:"gets"`
	Hits     int64 `json:"hits" yaml:"hits"`
	Purged   int64 `json:"purged" yaml:"purged"`
	Replaced int64 `json:"replaced" yaml:"replaced"`
	Evicted  int64 `json:"evicted" yaml:"evicted"`
}

// HitRate returns the share of gets that found a live entry (0.0 to 1.0).
func (c Counters) HitRate() float64 {
	if c.Gets == 0 {
		return 0
	}

	return float64(c.Hits) / float64(c.Gets)
}

// Sub returns the events counted since base was taken.
func (c Counters) Sub(base Counters) Counters {
	return Counters{
		Puts:     c.Puts - base.Puts,
		Gets:     c.Gets - base.Gets,
		Hits:     c.Hits - base.Hits,
		Purged:   c.Purged - base.Purged,
		Replaced: c.Replaced - base.Replaced,
		Evicted:  c.Evicted - base.Evicted,
	}
}

// CountersProvider is implemented by maps that count their operations.
type CountersProvider interface {
	Counters() Counters
}

// counters is the set of atomics behind Counters, embedded by each variant.
type counters struct {
	puts     atomic.Int64
	gets     atomic.Int64
	hits     atomic.Int64
	purged   atomic.Int64
	replaced atomic.Int64
	evicted  atomic.Int64
}

// countGet records one lookup and returns found unchanged.
func (c *counters) countGet(found *TaintedObject) *TaintedObject {
	c.gets.Add(1)

	if found != nil {
		c.hits.Add(1)
	}

	return found
}

// Counters returns a snapshot of the lifetime counts.
func (c *counters) Counters() Counters {
	return Counters{
		Puts:     c.puts.Load(),
		Gets:     c.gets.Load(),
		Hits:     c.hits.Load(),
		Purged:   c.purged.Load(),
		Replaced: c.replaced.Load(),
		Evicted:  c.evicted.Load(),
	}
}

// StatisticsProvider is implemented by maps whose table can be inspected.
type StatisticsProvider interface {
	TaintedMap
	Statistics() Statistics
}

type options struct {
	capacity           int
	flatModeThreshold  int
	purgeBatch         int
	inline             bool
	logger             *slog.Logger
	statisticsInterval uint64
}

// Option configures a map.
type Option func(*options)

// WithCapacity sets the number of buckets, rounded up to a power of two.
func WithCapacity(n int) Option {
	return func(o *options) {
		o.capacity = n
	}
}

// WithFlatModeThreshold sets the entry count after which the map goes flat.
// It is clamped below the capacity so the chained phase can never exceed it.
func WithFlatModeThreshold(n int) Option {
	return func(o *options) {
		o.flatModeThreshold = n
	}
}

// WithPurgeBatch caps the number of collected entries purged per call.
func WithPurgeBatch(n int) Option {
	return func(o *options) {
		o.purgeBatch = n
	}
}

// WithInlinePurge selects the variant that unlinks collected entries while
// walking chains instead of draining a reference queue.
func WithInlinePurge() Option {
	return func(o *options) {
		o.inline = true
	}
}

// WithDebug wraps the map so it reports table statistics to logger every
// interval puts. A zero interval uses DefaultStatisticsInterval.
func WithDebug(logger *slog.Logger, interval uint64) Option {
	return func(o *options) {
		o.logger = logger
		o.statisticsInterval = interval
	}
}

func buildOptions(opts []Option) options {
	o := options{
		capacity:          DefaultCapacity,
		flatModeThreshold: DefaultFlatModeThreshold,
		purgeBatch:        DefaultPurgeBatch,
	}

	for _, opt := range opts {
		opt(&o)
	}

	o.capacity = roundCapacity(o.capacity)
	o.flatModeThreshold = min(max(o.flatModeThreshold, 0), o.capacity-1)

	if o.purgeBatch <= 0 {
		o.purgeBatch = DefaultPurgeBatch
	}

	if o.statisticsInterval == 0 {
		o.statisticsInterval = DefaultStatisticsInterval
	}

	return o
}

// roundCapacity returns the smallest power of two >= n within [1, maxCapacity].
func roundCapacity(n int) int {
	if n <= 1 {
		return 1
	}

	if n >= maxCapacity {
		return maxCapacity
	}

	return 1 << bits.Len(uint(n-1))
}

// Build creates the map variant selected by opts: the purge-queue map by
// default, the inline-purge map with WithInlinePurge, wrapped in a debug map
// when WithDebug is given.
func Build(opts ...Option) TaintedMap {
	o := buildOptions(opts)

	var m StatisticsProvider
	if o.inline {
		m = newInlineMap(o)
	} else {
		m = newMap(o)
	}

	if o.logger != nil {
		return NewDebug(m, o.logger, o.statisticsInterval)
	}

	return m
}
