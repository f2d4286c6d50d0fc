package taint

import (
	"iter"
	"sync/atomic"
)

// evictionProbes bounds how many buckets a full InlineMap inspects to find a
// victim before it gives up on an insert.
const evictionProbes = 8

// InlineMap is a TaintedMap without a reference queue. Collected entries are
// unlinked whenever a Get or Put walks past them.
//
// It never switches to flat mode. Instead, once the entry count reaches the
// capacity, each insert that adds an entry first evicts the oldest entry of
// its target bucket (or of one of the next few buckets) so the table stays
// bounded. Replacing the entry of an already tracked allocation evicts nothing.
type InlineMap struct {
	table

	size atomic.Int64

	counters
}

var (
	_ StatisticsProvider = (*InlineMap)(nil)
	_ CountersProvider   = (*InlineMap)(nil)
)

// NewInlineMap creates an inline-purge map.
func NewInlineMap(opts ...Option) *InlineMap {
	return newInlineMap(buildOptions(opts))
}

func newInlineMap(o options) *InlineMap {
	m := &InlineMap{}
	m.init(o.capacity)

	return m
}

// Get returns the live entry for key, unlinking stale entries it walks past.
// Unlinks use CAS so Get never takes a lock; a lost CAS leaves the stale entry
// for the next walk.
func (m *InlineMap) Get(key Key) *TaintedObject {
	if key.IsZero() {
		return nil
	}

	return m.countGet(m.walk(key))
}

func (m *InlineMap) walk(key Key) *TaintedObject {
	bucket := &m.buckets[m.index(key.hash)]

	var prev *TaintedObject

	cur := bucket.Load()
	for cur != nil {
		next := cur.next.Load()

		if !cur.Alive() {
			if m.casUnlink(bucket, prev, cur, next) {
				cur = next

				continue
			}
		} else if cur.matches(key) {
			return cur
		}

		prev, cur = cur, next
	}

	return nil
}

func (m *InlineMap) casUnlink(bucket *atomic.Pointer[TaintedObject], prev, cur, next *TaintedObject) bool {
	var ok bool
	if prev == nil {
		ok = bucket.CompareAndSwap(cur, next)
	} else {
		ok = prev.next.CompareAndSwap(cur, next)
	}

	if ok {
		m.size.Add(-1)
		m.purged.Add(1)
	}

	return ok
}

// Put appends entry to its chain, replacing the entry for the same allocation
// and dropping collected entries on the way.
func (m *InlineMap) Put(entry *TaintedObject) {
	if entry == nil {
		return
	}

	m.puts.Add(1)

	idx := m.index(entry.hash)
	st := m.lock(idx)

	if m.size.Load() >= int64(len(m.buckets)) && !m.trackedLocked(idx, entry) {
		st.Unlock()

		if !m.makeRoom(idx) {
			entry.release()

			return
		}

		st = m.lock(idx)
	}

	added := m.putLocked(idx, entry)
	st.Unlock()

	if added {
		m.size.Add(1)
	}
}

// trackedLocked reports whether bucket idx already links entry or an entry
// for the same allocation, so a put would replace rather than add.
// The caller holds the stripe.
func (m *InlineMap) trackedLocked(idx uint64, entry *TaintedObject) bool {
	for cur := m.buckets[idx].Load(); cur != nil; cur = cur.next.Load() {
		if cur == entry || cur.sameObject(entry) {
			return true
		}
	}

	return false
}

func (m *InlineMap) putLocked(idx uint64, entry *TaintedObject) bool {
	bucket := &m.buckets[idx]

	var prev *TaintedObject

	cur := bucket.Load()
	for cur != nil {
		next := cur.next.Load()

		switch {
		case cur == entry:
			return false
		case !cur.Alive():
			linkAfter(bucket, prev, next)
			m.size.Add(-1)
			m.purged.Add(1)

			cur = next

			continue
		case cur.sameObject(entry):
			entry.next.Store(next)
			linkAfter(bucket, prev, entry)
			cur.release()
			m.replaced.Add(1)

			return false
		}

		prev, cur = cur, next
	}

	entry.next.Store(nil)
	linkAfter(bucket, prev, entry)

	return true
}

// linkAfter points prev (or the bucket head when prev is nil) at entry.
func linkAfter(bucket *atomic.Pointer[TaintedObject], prev, entry *TaintedObject) {
	if prev == nil {
		bucket.Store(entry)
	} else {
		prev.next.Store(entry)
	}
}

// makeRoom evicts the head (oldest entry) of the first non-empty bucket among
// idx and the following evictionProbes-1 buckets.
func (m *InlineMap) makeRoom(idx uint64) bool {
	for probe := range uint64(evictionProbes) {
		victimIdx := m.index(idx + probe)

		st := m.lock(victimIdx)
		head := m.buckets[victimIdx].Load()

		if head != nil {
			m.buckets[victimIdx].Store(head.next.Load())
			st.Unlock()

			head.release()
			m.size.Add(-1)
			m.evicted.Add(1)

			return true
		}

		st.Unlock()
	}

	return false
}

// Purge walks the whole table and unlinks every collected entry.
// Unlike Map.Purge it is O(capacity), so callers use it sparingly.
func (m *InlineMap) Purge() int {
	removed := 0

	m.forEachStripe(func(idx uint64) {
		bucket := &m.buckets[idx]

		var prev *TaintedObject

		cur := bucket.Load()
		for cur != nil {
			next := cur.next.Load()

			if !cur.Alive() {
				linkAfter(bucket, prev, next)

				removed++
			} else {
				prev = cur
			}

			cur = next
		}
	})

	if removed > 0 {
		m.size.Add(-int64(removed))
		m.purged.Add(int64(removed))
	}

	return removed
}

// IsFlat is always false: the inline map bounds itself by eviction.
func (m *InlineMap) IsFlat() bool { return false }

// Count returns the estimated number of entries.
func (m *InlineMap) Count() int {
	return int(max(m.size.Load(), 0))
}

// Clear drops every entry.
func (m *InlineMap) Clear() {
	m.drop()
	m.size.Store(0)
}

// ReferenceQueue returns nil: entries for this map need no queue.
func (m *InlineMap) ReferenceQueue() *ReferenceQueue { return nil }

// All yields every linked entry.
func (m *InlineMap) All() iter.Seq[*TaintedObject] { return m.all() }

// Statistics walks the table and summarises its chains.
func (m *InlineMap) Statistics() Statistics { return m.statistics() }
