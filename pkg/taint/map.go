package taint

import (
	"iter"
	"sync"
	"sync/atomic"
)

// Map is the production TaintedMap. Collected entries are reported through a
// ReferenceQueue and purged at the start of the next Put.
type Map struct {
	table

	flatModeThreshold int64
	purgeBatch        int

	// size is an estimate: it only counts inserts and removals this map saw,
	// and concurrent races may skew it. Capacity decisions tolerate that.
	size  atomic.Int64
	flat  atomic.Bool
	queue atomic.Pointer[ReferenceQueue]

	// purging admits a single drainer; others skip rather than wait.
	purging sync.Mutex

	counters
}

var (
	_ StatisticsProvider = (*Map)(nil)
	_ CountersProvider   = (*Map)(nil)
)

// NewMap creates a purge-queue map.
func NewMap(opts ...Option) *Map {
	return newMap(buildOptions(opts))
}

func newMap(o options) *Map {
	m := &Map{
		flatModeThreshold: int64(o.flatModeThreshold),
		purgeBatch:        o.purgeBatch,
	}
	m.init(o.capacity)
	m.queue.Store(NewReferenceQueue())

	return m
}

// Get returns the entry tracking the allocation behind key, or nil.
// It never locks and never unlinks stale entries.
func (m *Map) Get(key Key) *TaintedObject {
	if key.IsZero() {
		return nil
	}

	return m.countGet(m.lookup(key))
}

// Put registers entry. Collected entries are purged first so their slots are
// reclaimed before the new entry is placed.
func (m *Map) Put(entry *TaintedObject) {
	if entry == nil {
		return
	}

	m.puts.Add(1)

	if !m.queue.Load().Empty() {
		m.Purge()
	}

	if m.flat.Load() {
		m.flatPut(entry)

		return
	}

	m.tailPut(entry)
}

// tailPut appends entry to its chain, or replaces the entry tracking the same
// allocation in place.
func (m *Map) tailPut(entry *TaintedObject) {
	idx := m.index(entry.hash)
	st := m.lock(idx)
	added := m.appendLocked(idx, entry)
	st.Unlock()

	if !added {
		return
	}

	if m.size.Add(1) > m.flatModeThreshold && m.flat.CompareAndSwap(false, true) {
		m.flatten()
	}
}

func (m *Map) appendLocked(idx uint64, entry *TaintedObject) bool {
	bucket := &m.buckets[idx]

	var prev *TaintedObject

	for cur := bucket.Load(); cur != nil; prev, cur = cur, cur.next.Load() {
		if cur == entry {
			return false
		}

		if !cur.sameObject(entry) {
			continue
		}

		entry.next.Store(cur.next.Load())

		if prev == nil {
			bucket.Store(entry)
		} else {
			prev.next.Store(entry)
		}

		cur.release()
		m.replaced.Add(1)

		return false
	}

	entry.next.Store(nil)

	if prev == nil {
		bucket.Store(entry)
	} else {
		prev.next.Store(entry)
	}

	return true
}

// flatPut makes entry the only occupant of its bucket. Whatever was chained
// there loses tracking.
func (m *Map) flatPut(entry *TaintedObject) {
	idx := m.index(entry.hash)

	st := m.lock(idx)
	old := m.buckets[idx].Load()

	if old == entry {
		st.Unlock()

		return
	}

	entry.next.Store(nil)
	m.buckets[idx].Store(entry)
	st.Unlock()

	dropped := int64(0)

	for cur := old; cur != nil; cur = cur.next.Load() {
		cur.release()

		dropped++
	}

	m.replaced.Add(dropped)
	m.size.Add(1 - dropped)
}

// flatten runs once, when the map turns flat: every bucket keeps its newest
// entry only, so the flat phase starts within one entry per bucket.
func (m *Map) flatten() {
	dropped := int64(0)

	m.forEachStripe(func(idx uint64) {
		head := m.buckets[idx].Load()
		if head == nil || head.next.Load() == nil {
			return
		}

		newest := head

		for next := head.next.Load(); next != nil; next = next.next.Load() {
			newest.release()

			dropped++
			newest = next
		}

		m.buckets[idx].Store(newest)
	})

	m.replaced.Add(dropped)
	m.size.Add(-dropped)
}

// Purge drains up to the purge batch of collected entries and unlinks them.
// Only one purge runs at a time; concurrent calls return 0 immediately.
func (m *Map) Purge() int {
	if !m.purging.TryLock() {
		return 0
	}
	defer m.purging.Unlock()

	queue := m.queue.Load()
	removed := 0

	for range m.purgeBatch {
		entry := queue.Poll()
		if entry == nil {
			break
		}

		idx := m.index(entry.hash)
		st := m.lock(idx)

		if m.unlinkLocked(idx, entry) {
			removed++
		}

		st.Unlock()
	}

	if removed > 0 {
		m.size.Add(-int64(removed))
		m.purged.Add(int64(removed))
	}

	return removed
}

// IsFlat reports whether the map has switched to flat mode.
func (m *Map) IsFlat() bool { return m.flat.Load() }

// Count returns the estimated number of entries.
func (m *Map) Count() int {
	return int(max(m.size.Load(), 0))
}

// Clear drops every entry and leaves chained mode active again. Entries built
// against the previous reference queue are never purged from the new one.
func (m *Map) Clear() {
	m.queue.Store(NewReferenceQueue())
	m.drop()
	m.size.Store(0)
	m.flat.Store(false)
}

// ReferenceQueue returns the queue new entries must be registered with.
func (m *Map) ReferenceQueue() *ReferenceQueue { return m.queue.Load() }

// All yields every linked entry.
func (m *Map) All() iter.Seq[*TaintedObject] { return m.all() }

// Statistics walks the table and summarises its chains.
func (m *Map) Statistics() Statistics { return m.statistics() }
