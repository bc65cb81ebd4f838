package parking

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMutexExclusion(t *testing.T) {
	var mu Mutex
	var counter int
	var wg sync.WaitGroup

	const goroutines = 32
	const increments = 500

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < increments; j++ {
				mu.Lock()
				counter++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	require.Equal(t, goroutines*increments, counter)
}

func TestMutexTryLock(t *testing.T) {
	var mu Mutex
	require.True(t, mu.TryLock())
	require.False(t, mu.TryLock())
	mu.Unlock()
	require.True(t, mu.TryLock())
	mu.Unlock()
}

func TestCondSignal(t *testing.T) {
	var mu Mutex
	var cond Cond
	ready := false

	done := make(chan struct{})
	go func() {
		mu.Lock()
		for !ready {
			cond.Wait(&mu, time.Second)
		}
		mu.Unlock()
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	mu.Lock()
	ready = true
	mu.Unlock()
	cond.Signal()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("condition wait never woke up")
	}
}

func TestCondBroadcast(t *testing.T) {
	var mu Mutex
	var cond Cond
	ready := false
	var wg sync.WaitGroup

	const waiters = 8
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mu.Lock()
			for !ready {
				cond.Wait(&mu, time.Second)
			}
			mu.Unlock()
		}()
	}

	time.Sleep(10 * time.Millisecond)
	mu.Lock()
	ready = true
	mu.Unlock()
	cond.Broadcast()

	waitDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitDone)
	}()

	select {
	case <-waitDone:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast did not wake every waiter")
	}
}

func TestWordLockMutualExclusion(t *testing.T) {
	var wl WordLock
	var counter int
	var wg sync.WaitGroup

	const goroutines = 16
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				wl.Lock()
				counter++
				wl.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, goroutines*200, counter)
}
