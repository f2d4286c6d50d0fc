package taint

import (
	"runtime"
	"sync/atomic"
	"unsafe"
	"weak"
)

// TaintedObject binds a tracked allocation to its taint ranges.
//
// The allocation is only weakly referenced: the entry never keeps it alive.
// Entries double as hash table nodes (next) and as reference queue nodes
// (queued), so the map allocates nothing besides the entries themselves.
type TaintedObject struct {
	ref    weak.Pointer[byte]
	addr   uintptr
	hash   uint64
	ranges []Range

	next   atomic.Pointer[TaintedObject]
	queued atomic.Pointer[TaintedObject]

	queue   *ReferenceQueue
	cleanup runtime.Cleanup
}

// NewTaintedObject creates an entry for the allocation behind key. When queue
// is not nil, the entry is pushed onto it once the allocation is collected.
//
// It returns nil for the zero key and for addresses the runtime cannot track
// (read-only data such as string literals).
func NewTaintedObject(key Key, ranges []Range, queue *ReferenceQueue) *TaintedObject {
	if key.IsZero() {
		return nil
	}

	entry := &TaintedObject{
		addr:   uintptr(key.ptr),
		hash:   key.hash,
		ranges: ranges,
		queue:  queue,
	}

	if !entry.track((*byte)(key.ptr)) {
		return nil
	}

	return entry
}

// track registers the collection cleanup and the weak handle. AddCleanup
// panics for pointers outside any Go allocation, which also guards weak.Make
// (it throws on those instead of panicking).
func (e *TaintedObject) track(p *byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	e.cleanup = runtime.AddCleanup(p, enqueueCollected, e)
	e.ref = weak.Make(p)

	return true
}

// enqueueCollected runs on the runtime cleanup goroutine.
func enqueueCollected(e *TaintedObject) {
	if e.queue != nil {
		e.queue.push(e)
	}
}

// Get returns a pointer to the start of the tracked allocation, or nil once it
// has been collected. Holding the result keeps the allocation alive.
func (e *TaintedObject) Get() unsafe.Pointer {
	if e == nil {
		return nil
	}

	return unsafe.Pointer(e.ref.Value())
}

// Alive reports whether the tracked allocation has not been collected yet.
func (e *TaintedObject) Alive() bool {
	return e != nil && e.ref.Value() != nil
}

// Ranges returns the taint ranges. It is nil-safe, so m.Get(k).Ranges() yields
// nil for untracked keys.
func (e *TaintedObject) Ranges() []Range {
	if e == nil {
		return nil
	}

	return e.ranges
}

// Hash returns the identity hash the entry was bucketed with.
func (e *TaintedObject) Hash() uint64 { return e.hash }

// Next returns the following entry in the same bucket.
func (e *TaintedObject) Next() *TaintedObject { return e.next.Load() }

// matches compares identity: the same bucket hash, the same address, and an
// allocation that is still alive. Weak handles are cleared before memory is
// reused, so a live match can never be a recycled address.
func (e *TaintedObject) matches(key Key) bool {
	return e.hash == key.hash && e.addr == uintptr(key.ptr) && e.ref.Value() != nil
}

// sameObject reports whether two entries track the same live allocation.
func (e *TaintedObject) sameObject(other *TaintedObject) bool {
	return e.hash == other.hash && e.addr == other.addr && e.ref.Value() != nil
}

// release detaches the collection cleanup of an entry that left the table
// before its allocation died, so the runtime drops it right away.
func (e *TaintedObject) release() {
	e.cleanup.Stop()
}
