package taint

import "unsafe"

// Splitmix64 finalizer constants (Vigna, 2014).
const (
	mixShift1 = 30
	mixMul1   = 0xbf58476d1ce4e5b9
	mixShift2 = 27
	mixMul2   = 0x94d049bb133111eb
	mixShift3 = 31
)

// Key identifies a tracked allocation by address.
//
// Two keys are the same object when they were built from the same address,
// regardless of the contents behind it. The zero Key is the "null" key: Get
// returns nil for it and entries built from it are never stored.
//
// A Key holds a strong pointer, so it must stay transient: build it at the
// call site and let it go once the map call returns.
type Key struct {
	ptr  unsafe.Pointer
	hash uint64
}

// KeyOf returns the key for the object p points to.
// Nil pointers and pointers to zero-sized values yield the zero Key, since
// every zero-sized allocation shares a single address.
func KeyOf[T any](p *T) Key {
	if p == nil || unsafe.Sizeof(*p) == 0 {
		return Key{}
	}

	return keyFor(unsafe.Pointer(p))
}

// StringKey returns the key for the backing array of s.
// Substrings that share a prefix address with s share its key.
func StringKey(s string) Key {
	if s == "" {
		return Key{}
	}

	return keyFor(unsafe.Pointer(unsafe.StringData(s)))
}

// BytesKey returns the key for the backing array of b.
func BytesKey(b []byte) Key {
	if cap(b) == 0 {
		return Key{}
	}

	return keyFor(unsafe.Pointer(unsafe.SliceData(b)))
}

func keyFor(p unsafe.Pointer) Key {
	return Key{ptr: p, hash: identityHash(uintptr(p))}
}

// IsZero reports whether k is the null key.
func (k Key) IsZero() bool { return k.ptr == nil }

// Hash returns the identity hash of the key. It is stable for the lifetime of
// the tracked allocation.
func (k Key) Hash() uint64 { return k.hash }

// identityHash mixes an address with the splitmix64 finalizer. Heap addresses
// are aligned, so the low bits alone would pile everything into a few buckets.
func identityHash(addr uintptr) uint64 {
	v := uint64(addr)
	v ^= v >> mixShift1
	v *= mixMul1
	v ^= v >> mixShift2
	v *= mixMul2
	v ^= v >> mixShift3

	return v
}
