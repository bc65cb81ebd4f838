// Package refbuf implements the reference-counted buffer pool: a slab
// of bytes with an atomic refcount (RefBuffer) and a (buffer, [start,
// end)) view sharing that count (RefSlice). Generalized from the
// teacher's server/engine/pool.go bufPool/sessionPool sync.Pool idiom,
// which hands out one anonymous []byte per fd with no sharing; here a
// buffer can be sliced and handed to multiple consumers (parser
// pushback, a pending response write, ...) without copying, and is only
// reusable once every outstanding reference has released it.
package refbuf

import "sync/atomic"

// RefBuffer is a contiguous byte slab with an atomic refcount,
// initialised at 1 by NewBuffer/Pool.Acquire. It is never freed by the
// pool — only recycled once its count returns to zero (spec invariant
// I3).
type RefBuffer struct {
	bytes    []byte
	refcount atomic.Int32
}

// NewBuffer allocates a fresh slab of the given capacity with refcount 1.
func NewBuffer(capacity int) *RefBuffer {
	b := &RefBuffer{bytes: make([]byte, capacity)}
	b.refcount.Store(1)
	return b
}

// Bytes returns the full backing slice (capacity, not length of any
// particular view).
func (b *RefBuffer) Bytes() []byte { return b.bytes }

// Cap reports the slab's capacity.
func (b *RefBuffer) Cap() int { return len(b.bytes) }

// RefCount reports the current reference count (for tests/diagnostics).
func (b *RefBuffer) RefCount() int32 { return b.refcount.Load() }

// Ref returns a RefSlice over [off, off+len) and bumps the refcount.
func (b *RefBuffer) Ref(off, length int) RefSlice {
	b.refcount.Add(1)
	return RefSlice{buf: b, start: off, end: off + length}
}

// tryAcquire attempts the pool's 0->1 CAS reuse transition.
func (b *RefBuffer) tryAcquire() bool {
	return b.refcount.CompareAndSwap(0, 1)
}

// release drops one reference, returning true if the count reached
// zero (the buffer became eligible for reuse).
func (b *RefBuffer) release() bool {
	return b.refcount.Add(-1) == 0
}

// Release drops the one implicit reference a fresh Acquire/NewBuffer
// carries (as opposed to a RefSlice's reference, dropped via
// RefSlice.Unref).
func (b *RefBuffer) Release() {
	b.release()
}

// RefSlice is a view into a RefBuffer sharing its refcount. The zero
// value is not valid; obtain one from RefBuffer.Ref or RefSlice.Slice.
type RefSlice struct {
	buf        *RefBuffer
	start, end int
}

// Bytes returns the byte range this slice denotes.
func (s RefSlice) Bytes() []byte {
	return s.buf.bytes[s.start:s.end]
}

// Len reports the slice length.
func (s RefSlice) Len() int { return s.end - s.start }

// Slice clones this view over a sub-range [a,b) (relative to this
// slice's own start), bumping the buffer's refcount once more.
func (s RefSlice) Slice(a, b int) RefSlice {
	return s.buf.Ref(s.start+a, b-a)
}

// Unref releases this slice's reference. Once all references (the
// buffer's own plus every RefSlice) have been released the buffer
// becomes eligible for reuse by a Pool; Unref never frees the backing
// array itself — only Session/Pool destruction does that.
func (s RefSlice) Unref() {
	s.buf.release()
}
