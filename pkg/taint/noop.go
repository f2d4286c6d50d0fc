package taint

import "iter"

// noOp satisfies TaintedMap without storing anything. It is a zero-sized
// value, so handing one out costs nothing.
type noOp struct{}

// NoOp returns the map used when IAST is disabled. Every method returns
// immediately and nothing passed to it is retained.
func NoOp() TaintedMap { return noOp{} }

func (noOp) Get(Key) *TaintedObject          { return nil }
func (noOp) Put(*TaintedObject)              {}
func (noOp) Purge() int                      { return 0 }
func (noOp) IsFlat() bool                    { return false }
func (noOp) Count() int                      { return 0 }
func (noOp) Clear()                          {}
func (noOp) ReferenceQueue() *ReferenceQueue { return nil }

func (noOp) All() iter.Seq[*TaintedObject] {
	return func(func(*TaintedObject) bool) {}
}
