package refbuf

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRefBufferSliceLifecycle(t *testing.T) {
	b := NewBuffer(16)
	copy(b.Bytes(), []byte("hello world!!!!!"))

	s1 := b.Ref(0, 5)
	require.EqualValues(t, 2, b.RefCount())
	require.Equal(t, "hello", string(s1.Bytes()))

	s2 := s1.Slice(0, 3)
	require.EqualValues(t, 3, b.RefCount())
	require.Equal(t, "hel", string(s2.Bytes()))

	s1.Unref()
	require.EqualValues(t, 2, b.RefCount())
	s2.Unref()
	require.EqualValues(t, 1, b.RefCount())
}

func TestRefBufferConcurrentRefUnref(t *testing.T) {
	b := NewBuffer(64)
	var wg sync.WaitGroup

	const n = 200
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := b.Ref(0, 1)
			s.Unref()
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, b.RefCount())
}

func TestPoolReusesReleasedSlab(t *testing.T) {
	p := NewPool()

	b1 := p.Acquire(128)
	require.Equal(t, 1, p.Len())

	s := b1.Ref(0, 10)
	s.Unref()
	require.EqualValues(t, 1, b1.RefCount())

	// b1's own initial reference is still held (we never released it),
	// so the pool must allocate a fresh slab instead of reusing it.
	b2 := p.Acquire(128)
	require.Equal(t, 2, p.Len())
	require.NotSame(t, b1, b2)

	// Release b1's own reference; now it is eligible for CAS reuse.
	b1.release()
	b3 := p.Acquire(64)
	require.Same(t, b1, b3)
	require.Equal(t, 2, p.Len())
}

func TestPoolDestroy(t *testing.T) {
	p := NewPool()
	p.Acquire(32)
	p.Acquire(32)
	require.Equal(t, 2, p.Len())
	p.Destroy()
	require.Equal(t, 0, p.Len())
}
