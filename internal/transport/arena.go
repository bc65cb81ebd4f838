package transport

// arena is a bump allocator scoped to one Transaction: every byte slice
// a Request/Response needs beyond what the parser already copied is
// carved out of one growing backing array instead of many small heap
// allocations, released in one shot when the transaction ends (spec
// §4.6: "a default-populated Response... and an arena allocator").
type arena struct {
	buf []byte
}

func newArena(hint int) *arena {
	return &arena{buf: make([]byte, 0, hint)}
}

// alloc copies b into the arena and returns the arena-owned view.
func (a *arena) alloc(b []byte) []byte {
	start := len(a.buf)
	a.buf = append(a.buf, b...)
	return a.buf[start:len(a.buf):len(a.buf)]
}

// reset discards every allocation, keeping the backing array for reuse.
func (a *arena) reset() {
	a.buf = a.buf[:0]
}
