// Package outbox holds the outbound byte buffer a session shares with its
// capture callback, and the spin lock that guards it.
package outbox

import (
	"runtime"
	"sync/atomic"
)

const (
	// yieldEvery is how many failed acquire attempts Lock makes before
	// handing the processor to another goroutine.
	yieldEvery = 100
	// checkEvery is how often LockUnless evaluates its abort predicate.
	checkEvery = 100
)

// SpinLock is a busy-wait mutual exclusion lock with cooperative abort.
// Critical sections guarded by it must be short: an append or a swap.
// The zero value is unlocked.
type SpinLock struct {
	held atomic.Bool
}

// TryLock acquires the lock if it is free.
func (l *SpinLock) TryLock() bool {
	return l.held.CompareAndSwap(false, true)
}

// Lock spins until the lock is acquired.
func (l *SpinLock) Lock() {
	for n := 1; !l.TryLock(); n++ {
		if n%yieldEvery == 0 {
			runtime.Gosched()
		}
	}
}

// LockUnless spins until the lock is acquired or abort reports true. It
// returns whether the lock is held. abort may be nil.
func (l *SpinLock) LockUnless(abort func() bool) bool {
	if abort == nil {
		l.Lock()
		return true
	}
	for n := 1; !l.TryLock(); n++ {
		if n%checkEvery == 0 {
			if abort() {
				return false
			}
			runtime.Gosched()
		}
	}
	return true
}

// Unlock releases the lock. Unlocking a free lock panics.
func (l *SpinLock) Unlock() {
	if !l.held.CompareAndSwap(true, false) {
		panic("outbox: unlock of unlocked SpinLock")
	}
}
