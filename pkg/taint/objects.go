package taint

// TaintedObjects is the instrumentation-facing view of a TaintedMap: it builds
// entries against the map's reference queue and resolves sources between
// tracked values. All methods accept zero keys and nil values as no-ops.
type TaintedObjects struct {
	m        TaintedMap
	disabled bool
}

// NewTaintedObjects wraps m. A NoOp map short-circuits every call before any
// entry is allocated.
func NewTaintedObjects(m TaintedMap) *TaintedObjects {
	_, disabled := m.(noOp)

	return &TaintedObjects{m: m, disabled: disabled}
}

// Map returns the wrapped map.
func (t *TaintedObjects) Map() TaintedMap { return t.m }

// Enabled reports whether calls reach a real map.
func (t *TaintedObjects) Enabled() bool { return !t.disabled }

// Taint associates ranges with the allocation behind key, replacing previous
// ranges. It returns the stored entry, or nil when nothing was stored.
func (t *TaintedObjects) Taint(key Key, ranges []Range) *TaintedObject {
	if t.disabled || len(ranges) == 0 {
		return nil
	}

	entry := NewTaintedObject(key, ranges, t.m.ReferenceQueue())
	if entry == nil {
		return nil
	}

	t.m.Put(entry)

	return entry
}

// TaintInputString taints all of s as coming from source.
func (t *TaintedObjects) TaintInputString(s string, source Source) *TaintedObject {
	if t.disabled {
		return nil
	}

	return t.Taint(StringKey(s), ForString(s, detach(source), NotMarked))
}

// TaintInputBytes taints all of b as coming from source.
func (t *TaintedObjects) TaintInputBytes(b []byte, source Source) *TaintedObject {
	if t.disabled || len(b) == 0 {
		return nil
	}

	return t.Taint(BytesKey(b), []Range{{Start: 0, Length: len(b), Source: detach(source)}})
}

// TaintInputObject taints a non-textual value: only its presence matters.
func (t *TaintedObjects) TaintInputObject(key Key, source Source) *TaintedObject {
	if t.disabled {
		return nil
	}

	return t.Taint(key, ForObject(detach(source), NotMarked))
}

// TaintIfTainted taints to with the ranges of from, if from is tainted.
// It reports whether to was tainted.
func (t *TaintedObjects) TaintIfTainted(to, from Key) bool {
	if t.disabled || to.IsZero() {
		return false
	}

	ranges := t.m.Get(from).Ranges()
	if len(ranges) == 0 {
		return false
	}

	return t.Taint(to, ranges) != nil
}

// TaintIfAnyTainted taints to as a whole object with the highest-priority
// source of the first tainted input.
func (t *TaintedObjects) TaintIfAnyTainted(to Key, inputs ...Key) bool {
	if t.disabled || to.IsZero() {
		return false
	}

	for _, in := range inputs {
		if source, ok := t.Source(in); ok {
			return t.Taint(to, ForObject(source, NotMarked)) != nil
		}
	}

	return false
}

// Source returns the highest-priority source of the value behind key.
func (t *TaintedObjects) Source(key Key) (Source, bool) {
	if t.disabled {
		return Source{}, false
	}

	r, ok := HighestPriority(t.m.Get(key).Ranges())

	return r.Source, ok
}

// IsTainted reports whether the value behind key is tracked.
func (t *TaintedObjects) IsTainted(key Key) bool {
	return !t.disabled && t.m.Get(key) != nil
}

// Get returns the entry for key, or nil.
func (t *TaintedObjects) Get(key Key) *TaintedObject {
	if t.disabled {
		return nil
	}

	return t.m.Get(key)
}

// Count returns the estimated number of tracked values.
func (t *TaintedObjects) Count() int { return t.m.Count() }

// Release drops every association. Owners call it when their scope ends.
func (t *TaintedObjects) Release() { t.m.Clear() }

// detach copies the source strings so the entry never pins request memory
// through its ranges.
func detach(source Source) Source {
	return NewSource(source.Origin, source.Name, source.Value)
}
