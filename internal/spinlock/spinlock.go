// Package spinlock implements a busy-waiting mutual exclusion lock for short,
// bounded critical sections such as free list and queue pointer updates.
package spinlock

import (
	"errors"
	"runtime"
	"sync/atomic"
)

// spinsBeforeYield is the number of failed acquisition attempts before the
// spinning goroutine yields its processor.
const spinsBeforeYield = 64

var ErrUnlockOfUnlocked = errors.New("spinlock: unlock of unlocked spinlock")

// Spinlock is a mutual exclusion lock that busy-waits instead of parking the
// goroutine. The zero value is an unlocked Spinlock.
//
// A Spinlock must not be copied after first use and must never be held across
// I/O or payload copies.
type Spinlock struct {
	state atomic.Uint32
}

// Lock acquires the lock, spinning until it is available.
func (s *Spinlock) Lock() {
	for spins := 0; !s.TryLock(); spins++ {
		if spins >= spinsBeforeYield {
			runtime.Gosched()
			spins = 0
		}
	}
}

// TryLock tries to acquire the lock and reports whether it succeeded.
func (s *Spinlock) TryLock() bool {
	// Test before test-and-set to keep the cache line shared while contended.
	return s.state.Load() == 0 && s.state.CompareAndSwap(0, 1)
}

// Unlock releases the lock.
// It panics if the lock is not held.
func (s *Spinlock) Unlock() {
	if !s.state.CompareAndSwap(1, 0) {
		panic(ErrUnlockOfUnlocked)
	}
}

// Do runs fn with the lock held. The lock is released on every exit path
// from fn, including a panic.
func (s *Spinlock) Do(fn func()) {
	s.Lock()
	defer s.Unlock()
	fn()
}
