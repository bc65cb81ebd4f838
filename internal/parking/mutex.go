package parking

import (
	"runtime"
	"sync/atomic"
	"unsafe"
)

const (
	mxLocked = 1 << 0
	mxParked = 1 << 1
)

// Mutex is a barging lock: its fast path is a single CAS, its slow path
// spins briefly then parks. On unlock, a barging thread racing in on
// the fast path may steal the lock ahead of a just-woken waiter; that's
// intentional (it trades fairness for throughput) and mirrors the
// two-bit locked/parked protocol the spec describes.
type Mutex struct {
	word atomic.Uint32
}

// Lock acquires the mutex, barging past any parked waiters if it wins
// the race.
func (m *Mutex) Lock() {
	if m.word.CompareAndSwap(0, mxLocked) {
		return
	}
	m.lockSlow()
}

func (m *Mutex) lockSlow() {
	for i := 0; i < 40; i++ {
		v := m.word.Load()
		if v&mxLocked == 0 && m.word.CompareAndSwap(v, v|mxLocked) {
			return
		}
		runtime.Gosched()
	}

	for {
		v := m.word.Load()
		if v&mxLocked == 0 {
			if m.word.CompareAndSwap(v, v|mxLocked) {
				return
			}
			continue
		}
		if v&mxParked == 0 {
			if !m.word.CompareAndSwap(v, v|mxParked) {
				continue
			}
		}
		ParkConditionally(
			m.addr(),
			func() bool { return m.word.Load() == mxLocked|mxParked },
			nil,
			0,
		)
	}
}

// TryLock attempts to acquire the mutex without blocking.
func (m *Mutex) TryLock() bool {
	return m.word.CompareAndSwap(0, mxLocked)
}

// Unlock releases the mutex. The fast path is a CAS from locked-only to
// free; the slow path (someone may be parked) wakes one waiter and
// reinstalls the parked bit iff the bucket reports more waiters remain,
// exactly the conditional-reinstall the spec's word-lock unlock path
// requires.
func (m *Mutex) Unlock() {
	if m.word.CompareAndSwap(mxLocked, 0) {
		return
	}
	// Someone is (or was about to be) parked. Leave the locked bit set
	// until the bucket lock inside UnparkOne has decided the outcome —
	// clearing it any earlier would let a barging thread grab the lock
	// and then have its ownership erased by this callback's own write.
	UnparkOne(m.addr(), func(r UnparkResult) {
		if r.MayHaveMore {
			m.word.Store(mxParked)
		} else {
			m.word.Store(0)
		}
	})
}

func (m *Mutex) addr() Address {
	return unsafe.Pointer(&m.word)
}
