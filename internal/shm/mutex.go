package shm

import (
	"errors"
	"sync/atomic"
	"time"
)

// ErrAbandoned is returned when a peer holding a shared mutex exited without
// releasing it. The spec's Windows original detects this via the OS's
// "abandoned" wait result on a named mutex; on Linux there is no such
// primitive for a plain futex, so Mutex approximates it by polling the
// recorded owner PID's liveness whenever a lock attempt stalls.
var ErrAbandoned = errors.New("shm: remote process abandoned mutex")

const (
	mutexUnlocked   uint32 = 0
	mutexLocked     uint32 = 1
	mutexContended  uint32 = 2
)

// abandonPollInterval bounds how long Lock waits before checking whether the
// current owner is still alive.
var abandonPollInterval = 100 * time.Millisecond

// Mutex is a three-state futex mutex (the classic "Futexes Are Tricky"
// design) embedded directly in the shared segment, standing in for the
// spec's OS-level named mutex: on Linux the futex word itself is the
// cross-process primitive, so there is no separate handle to create or
// inherit.
type Mutex struct {
	state *uint32
	owner *uint32
}

// NewMutex wraps the given state/owner words, which must live in the shared
// segment and be zero-initialized by whichever process creates the segment.
func NewMutex(state, owner *uint32) *Mutex {
	return &Mutex{state: state, owner: owner}
}

// Lock acquires the mutex, tagging it with selfPID. If the lock appears held
// and alive reports the current owner as dead, Lock steals the lock and
// returns ErrAbandoned so the caller can decide whether to trust the data
// it protects.
func (m *Mutex) Lock(selfPID uint32, alive func(pid uint32) bool) error {
	if atomic.CompareAndSwapUint32(m.state, mutexUnlocked, mutexLocked) {
		atomic.StoreUint32(m.owner, selfPID)
		return nil
	}

	c := atomic.SwapUint32(m.state, mutexContended)
	for c != mutexUnlocked {
		err := futexWaitTimeout(m.state, mutexContended, abandonPollInterval)
		if err != nil && !errors.Is(err, ErrFutexTimeout) {
			return err
		}
		if errors.Is(err, ErrFutexTimeout) || err == nil {
			ownerPID := atomic.LoadUint32(m.owner)
			if ownerPID != 0 && alive != nil && !alive(ownerPID) {
				// Steal the abandoned lock.
				atomic.StoreUint32(m.state, mutexLocked)
				atomic.StoreUint32(m.owner, selfPID)
				return ErrAbandoned
			}
		}
		c = atomic.SwapUint32(m.state, mutexContended)
	}
	atomic.StoreUint32(m.owner, selfPID)
	return nil
}

// Unlock releases the mutex, waking one waiter if any were contending.
func (m *Mutex) Unlock() {
	atomic.StoreUint32(m.owner, 0)
	if atomic.SwapUint32(m.state, mutexUnlocked) == mutexContended {
		futexWake(m.state, 1)
	}
}
