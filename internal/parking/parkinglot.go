// Package parking implements a parking-lot style wait/notify facility:
// a process-wide hash of wait queues keyed by an arbitrary address, plus
// the higher-level primitives built on top of it (barging Mutex, Cond).
//
// Go has no portable futex word reachable without cgo, so each parked
// goroutine waits on its own single-slot channel instead of a kernel
// futex; the channel plays exactly the role a futex word plays for OS
// threads (one goroutine blocks on it, another goroutine fires it
// exactly once to wake that specific waiter).
package parking

import (
	"sync"
	"sync/atomic"
	"time"
	"unsafe"
)

// Address is the key a thread parks/unparks on. Callers typically pass
// the address of some other piece of their own state (a lock word, a
// condition variable, a stream's generation counter).
type Address = unsafe.Pointer

// node is one parked waiter, linked through the bucket's list.
type node struct {
	addr       Address
	wake       chan struct{}
	shouldPark atomic.Bool
	prev, next *node
}

// bucket guards one slice of the address space. Its lock is the
// spec's word-lock (§4.1) — the one bucket-guarding primitive that
// cannot itself be built out of ParkConditionally/UnparkOne, since
// those need to resolve and lock a bucket to do their work.
type bucket struct {
	mu   WordLock
	head *node
	tail *node
}

func (b *bucket) pushBack(n *node) {
	n.prev, n.next = b.tail, nil
	if b.tail != nil {
		b.tail.next = n
	} else {
		b.head = n
	}
	b.tail = n
}

func (b *bucket) remove(n *node) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		b.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		b.tail = n.prev
	}
	n.prev, n.next = nil, nil
}

// lot is the process-wide parking lot. Bucket count starts small and is
// doubled by maybeGrow (called at the top of ParkConditionally) when
// load reaches one third of capacity; growth moves every parked node
// into the new array and keeps no reference to the old one.
type lot struct {
	mu      sync.RWMutex
	buckets []*bucket
	parked  atomic.Int64
}

var globalLot = newLot(16)

func newLot(n int) *lot {
	l := &lot{buckets: make([]*bucket, n)}
	for i := range l.buckets {
		l.buckets[i] = &bucket{}
	}
	return l
}

func (l *lot) bucketFor(addr Address) *bucket {
	l.mu.RLock()
	defer l.mu.RUnlock()
	h := uintptr(addr)
	h = h ^ (h >> 17)
	return l.buckets[h%uintptr(len(l.buckets))]
}

// maybeGrow doubles the bucket count once parked load exceeds a third
// of capacity. Growth rehashes every currently-parked node into the new
// array under both locks held; parkConditionally and unparkOne always
// resolve buckets through bucketFor, so once grow returns no caller can
// still be looking at the old array.
func (l *lot) maybeGrow() {
	if l.parked.Load()*3 < int64(len(l.buckets)) {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.parked.Load()*3 < int64(len(l.buckets)) {
		return
	}
	old := l.buckets
	grown := make([]*bucket, len(old)*2)
	for i := range grown {
		grown[i] = &bucket{}
	}
	for _, b := range old {
		b.mu.Lock()
		for n := b.head; n != nil; {
			next := n.next
			n.prev, n.next = nil, nil
			h := uintptr(n.addr)
			h = h ^ (h >> 17)
			nb := grown[h%uintptr(len(grown))]
			nb.pushBack(n)
			n = next
		}
		b.mu.Unlock()
	}
	l.buckets = grown
}

// UnparkResult describes what unparkOne observed.
type UnparkResult struct {
	DidUnpark   bool
	MayHaveMore bool
}

// ParkConditionally enqueues the calling goroutine as a waiter on addr,
// runs validate while still holding the bucket lock (a false return
// cancels parking before anything blocks), runs beforeSleep after
// releasing the bucket lock but before actually waiting (the caller's
// chance to drop an outer lock), then blocks until unparked or timeout
// elapses. Returns true if it was woken by UnparkOne/UnparkAll, false on
// validate-false or timeout.
func ParkConditionally(addr Address, validate func() bool, beforeSleep func(), timeout time.Duration) bool {
	globalLot.maybeGrow()
	b := globalLot.bucketFor(addr)

	b.mu.Lock()
	if !validate() {
		b.mu.Unlock()
		return false
	}
	n := &node{addr: addr, wake: make(chan struct{}, 1)}
	n.shouldPark.Store(true)
	b.pushBack(n)
	globalLot.parked.Add(1)
	b.mu.Unlock()

	if beforeSleep != nil {
		beforeSleep()
	}

	var timer *time.Timer
	var after <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		after = timer.C
		defer timer.Stop()
	}

	select {
	case <-n.wake:
		globalLot.parked.Add(-1)
		return true
	case <-after:
		b.mu.Lock()
		if n.shouldPark.Load() {
			n.shouldPark.Store(false)
			b.remove(n)
			b.mu.Unlock()
			globalLot.parked.Add(-1)
			return false
		}
		b.mu.Unlock()
		// Already unparked concurrently with the timeout firing; consume
		// the wake so the caller's invariants (woken == true) hold.
		<-n.wake
		globalLot.parked.Add(-1)
		return true
	}
}

// UnparkOne wakes the first waiter parked on addr, if any, and invokes
// cb with the outcome while still holding the bucket lock (matching the
// spec's "passes UnparkResult to cb" contract, used by callers that
// need to atomically decide whether to re-arm a "parked" bit).
func UnparkOne(addr Address, cb func(UnparkResult)) {
	b := globalLot.bucketFor(addr)
	b.mu.Lock()
	var target *node
	for n := b.head; n != nil; n = n.next {
		if n.addr == addr {
			target = n
			break
		}
	}
	if target == nil {
		if cb != nil {
			cb(UnparkResult{})
		}
		b.mu.Unlock()
		return
	}
	target.shouldPark.Store(false)
	b.remove(target)
	more := false
	for n := b.head; n != nil; n = n.next {
		if n.addr == addr {
			more = true
			break
		}
	}
	if cb != nil {
		cb(UnparkResult{DidUnpark: true, MayHaveMore: more})
	}
	b.mu.Unlock()
	target.wake <- struct{}{}
}

// UnparkAll wakes every waiter parked on addr.
func UnparkAll(addr Address) {
	b := globalLot.bucketFor(addr)
	b.mu.Lock()
	var woken []*node
	for n := b.head; n != nil; {
		next := n.next
		if n.addr == addr {
			n.shouldPark.Store(false)
			b.remove(n)
			woken = append(woken, n)
		}
		n = next
	}
	b.mu.Unlock()
	for _, n := range woken {
		n.wake <- struct{}{}
	}
}
