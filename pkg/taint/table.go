package taint

import (
	"iter"
	"slices"
	"sync"
	"sync/atomic"
)

// lockStripes is the number of writer locks shared by the buckets. Bucket i
// is guarded by stripe i & (lockStripes-1).
const lockStripes = 64

// cacheLinePad keeps neighbouring stripe locks off the same cache line.
const cacheLinePad = 56

type stripe struct {
	sync.Mutex

	_ [cacheLinePad]byte
}

// table is the fixed bucket array shared by the map variants. Readers only
// do atomic loads; writers hold the stripe lock of the bucket they modify.
type table struct {
	buckets []atomic.Pointer[TaintedObject]
	mask    uint64
	stripes [lockStripes]stripe
}

func (t *table) init(capacity int) {
	t.buckets = make([]atomic.Pointer[TaintedObject], capacity)
	t.mask = uint64(capacity - 1)
}

func (t *table) index(hash uint64) uint64 { return hash & t.mask }

func (t *table) lock(idx uint64) *stripe {
	s := &t.stripes[idx&(lockStripes-1)]
	s.Lock()

	return s
}

// Capacity returns the number of buckets.
func (t *table) Capacity() int { return len(t.buckets) }

// lookup walks the bucket of key and returns the first live match.
func (t *table) lookup(key Key) *TaintedObject {
	for cur := t.buckets[t.index(key.hash)].Load(); cur != nil; cur = cur.next.Load() {
		if cur.matches(key) {
			return cur
		}
	}

	return nil
}

// unlinkLocked removes entry from bucket idx. The caller holds the stripe.
func (t *table) unlinkLocked(idx uint64, entry *TaintedObject) bool {
	bucket := &t.buckets[idx]

	var prev *TaintedObject

	for cur := bucket.Load(); cur != nil; prev, cur = cur, cur.next.Load() {
		if cur != entry {
			continue
		}

		if prev == nil {
			bucket.Store(cur.next.Load())
		} else {
			prev.next.Store(cur.next.Load())
		}

		return true
	}

	return false
}

// forEachStripe locks each stripe once and calls fn for every bucket it guards.
func (t *table) forEachStripe(fn func(idx uint64)) {
	for s := range uint64(lockStripes) {
		st := &t.stripes[s]
		st.Lock()

		for idx := s; idx < uint64(len(t.buckets)); idx += lockStripes {
			fn(idx)
		}

		st.Unlock()
	}
}

// drop empties every bucket and stops the cleanups of the dropped entries,
// returning how many entries were linked.
func (t *table) drop() int {
	dropped := 0

	t.forEachStripe(func(idx uint64) {
		for cur := t.buckets[idx].Swap(nil); cur != nil; cur = cur.next.Load() {
			cur.release()

			dropped++
		}
	})

	return dropped
}

func (t *table) all() iter.Seq[*TaintedObject] {
	return func(yield func(*TaintedObject) bool) {
		for i := range t.buckets {
			for cur := t.buckets[i].Load(); cur != nil; cur = cur.next.Load() {
				if !yield(cur) {
					return
				}
			}
		}
	}
}

// Statistics describes the shape of a table at one point in time.
type Statistics struct {
	Capacity int     `json:"capacity" yaml:"capacity"`
	Entries  int     `json:"entries" yaml:"entries"`
	Stale    int     `json:"stale" yaml:"stale"`
	Average  float64 `json:"chain_avg" yaml:"chain_avg"`
	P50      int     `json:"chain_p50" yaml:"chain_p50"`
	P75      int     `json:"chain_p75" yaml:"chain_p75"`
	P90      int     `json:"chain_p90" yaml:"chain_p90"`
	P99      int     `json:"chain_p99" yaml:"chain_p99"`
	Max      int     `json:"chain_max" yaml:"chain_max"`

	// Chains maps a chain length to the number of buckets with that length.
	Chains map[int]int `json:"chains" yaml:"chains"`
}

// StalePercent returns the share of linked entries whose allocation is gone.
func (s Statistics) StalePercent() float64 {
	if s.Entries == 0 {
		return 0
	}

	return float64(s.Stale) * 100 / float64(s.Entries)
}

// statistics walks the whole table. It is O(capacity + entries) and meant for
// debugging, never for the hot path.
func (t *table) statistics() Statistics {
	chains := make([]int, len(t.buckets))
	stats := Statistics{Capacity: len(t.buckets), Chains: make(map[int]int)}

	for i := range t.buckets {
		length := 0

		for cur := t.buckets[i].Load(); cur != nil; cur = cur.next.Load() {
			length++

			if !cur.Alive() {
				stats.Stale++
			}
		}

		chains[i] = length
		stats.Entries += length
		stats.Chains[length]++
	}

	slices.Sort(chains)

	stats.Average = float64(stats.Entries) / float64(len(chains))
	stats.P50 = percentile(chains, 50)
	stats.P75 = percentile(chains, 75)
	stats.P90 = percentile(chains, 90)
	stats.P99 = percentile(chains, 99)
	stats.Max = chains[len(chains)-1]

	return stats
}

// percentile returns the nearest-rank percentile of sorted values.
func percentile(sorted []int, pct int) int {
	if len(sorted) == 0 {
		return 0
	}

	idx := (len(sorted)*pct + 99) / 100
	idx = min(max(idx-1, 0), len(sorted)-1)

	return sorted[idx]
}
