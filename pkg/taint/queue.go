package taint

import "sync/atomic"

// ReferenceQueue collects entries whose tracked allocation has been garbage
// collected. The runtime cleanup goroutine pushes, the owning map polls.
//
// It is a lock-free LIFO stack linked through TaintedObject.queued. An entry
// is pushed at most once, so popping is free of ABA hazards.
type ReferenceQueue struct {
	head atomic.Pointer[TaintedObject]
	size atomic.Int64
}

// NewReferenceQueue creates an empty queue.
func NewReferenceQueue() *ReferenceQueue {
	return &ReferenceQueue{}
}

func (q *ReferenceQueue) push(e *TaintedObject) {
	for {
		head := q.head.Load()
		e.queued.Store(head)

		if q.head.CompareAndSwap(head, e) {
			q.size.Add(1)

			return
		}
	}
}

// Poll removes and returns a collected entry, or nil if the queue is empty.
func (q *ReferenceQueue) Poll() *TaintedObject {
	if q == nil {
		return nil
	}

	for {
		head := q.head.Load()
		if head == nil {
			return nil
		}

		if q.head.CompareAndSwap(head, head.queued.Load()) {
			head.queued.Store(nil)
			q.size.Add(-1)

			return head
		}
	}
}

// Empty reports whether nothing is waiting to be purged. It is a single
// atomic load, cheap enough for every Put.
func (q *ReferenceQueue) Empty() bool {
	return q == nil || q.head.Load() == nil
}

// Len returns the approximate number of queued entries.
func (q *ReferenceQueue) Len() int {
	if q == nil {
		return 0
	}

	return int(q.size.Load())
}
