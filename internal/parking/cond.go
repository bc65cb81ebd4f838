package parking

import (
	"time"
	"unsafe"
)

// Cond is a condition variable parked through the same global lot as
// Mutex and WordLock. Wait releases lock in the beforeSleep hook (so
// the unlock-then-park transition is observed atomically by a
// concurrent Signal/Broadcast) and reacquires it before returning.
type Cond struct {
	seq uint32
}

// Wait blocks until Signal or Broadcast wakes it, or timeout elapses
// (timeout<=0 means wait forever). lock must be held on entry and is
// held again on return.
func (c *Cond) Wait(lock *Mutex, timeout time.Duration) {
	ParkConditionally(
		c.addr(),
		func() bool { return true },
		func() { lock.Unlock() },
		timeout,
	)
	lock.Lock()
}

// Signal wakes one waiter, if any.
func (c *Cond) Signal() {
	UnparkOne(c.addr(), nil)
}

// Broadcast wakes every waiter.
func (c *Cond) Broadcast() {
	UnparkAll(c.addr())
}

func (c *Cond) addr() Address {
	return unsafe.Pointer(&c.seq)
}
