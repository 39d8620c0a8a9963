//go:build !linux

package shm

import (
	"errors"
	"time"
)

// ErrUnsupported is returned by the futex primitives on platforms other
// than Linux, where this package's shared-memory transport is not wired up.
var ErrUnsupported = errors.New("shm: futex operations not supported on this platform")

// ErrFutexTimeout is returned by futexWaitTimeout when the wait times out.
var ErrFutexTimeout = errors.New("shm: futex wait timed out")

func futexWait(addr *uint32, val uint32) error { return ErrUnsupported }

func futexWaitTimeout(addr *uint32, val uint32, timeout time.Duration) error {
	return ErrUnsupported
}

func futexWake(addr *uint32, n int) (int, error) { return 0, ErrUnsupported }
