package shm

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"
)

// ErrQueueOverflow is returned by Write when the payload does not fit in the
// remaining queue capacity.
var ErrQueueOverflow = errors.New("shm: queue overflow")

// ErrQueueClosed is returned from a blocked Read when the peer has marked
// the segment closed.
var ErrQueueClosed = errors.New("shm: queue closed")

// Queue is a mutex-guarded single-producer/single-consumer byte queue with
// drain-all-at-once read semantics: unlike a byte-stream ring, ReadAll always
// consumes everything buffered in one call, matching the reference queue's
// read_pos bookkeeping, which only ever tracks one pending message's worth of
// wraparound rather than a continuous stream offset.
type Queue struct {
	hdr    *QueueHeader
	base   unsafe.Pointer // start of the data buffer (hdr + bufferOff)
	mu     *Mutex
	closed *uint32
}

// NewQueue wraps a QueueHeader already positioned inside the mapped segment.
// segBase is the start of the whole mapping; closed is the segment-level
// closed flag shared by both queues so a blocked reader can be woken on
// shutdown.
func NewQueue(segBase unsafe.Pointer, hdrOff uint32, closed *uint32) *Queue {
	hdr := (*QueueHeader)(ptrAt(segBase, hdrOff))
	return &Queue{
		hdr:    hdr,
		base:   ptrAt(segBase, hdrOff+hdr.BufferOff()),
		mu:     NewMutex(&hdr.mutexState, &hdr.mutexOwnerPID),
		closed: closed,
	}
}

func (q *Queue) bytes(off, n uint32) []byte {
	return unsafe.Slice((*byte)(ptrAt(q.base, off)), n)
}

// Write copies buf into the queue, wrapping as needed, and wakes a blocked
// reader. The caller's process identity is used for mutex-abandonment
// bookkeeping only; alive may be nil to skip abandonment detection.
func (q *Queue) Write(selfPID uint32, alive func(uint32) bool, buf []byte) error {
	if err := q.mu.Lock(selfPID, alive); err != nil && !errors.Is(err, ErrAbandoned) {
		return err
	}
	defer q.mu.Unlock()

	capacity := q.hdr.Capacity()
	usage := atomic.LoadUint32(&q.hdr.bufferUsage)
	size := uint32(len(buf))
	if size > capacity-usage {
		return fmt.Errorf("%w: need %d have %d", ErrQueueOverflow, size, capacity-usage)
	}

	writePos := atomic.LoadUint32(&q.hdr.writePos)
	if size <= capacity-writePos {
		copy(q.bytes(writePos, size), buf)
		atomic.StoreUint32(&q.hdr.writePos, writePos+size)
	} else {
		writeFirst := capacity - writePos
		copy(q.bytes(writePos, writeFirst), buf[:writeFirst])
		copy(q.bytes(0, size-writeFirst), buf[writeFirst:])
		atomic.StoreUint32(&q.hdr.writePos, size-writeFirst)
	}
	atomic.AddUint32(&q.hdr.bufferUsage, size)

	atomic.AddUint32(&q.hdr.dataSeq, 1)
	futexWake(&q.hdr.dataSeq, 1)
	return nil
}

// ReadAll blocks until the queue is non-empty, then drains it entirely into
// a freshly allocated slice. It returns ErrQueueClosed if woken by shutdown
// with nothing buffered.
func (q *Queue) ReadAll(ctx context.Context, selfPID uint32, alive func(uint32) bool) ([]byte, error) {
	for {
		if atomic.LoadUint32(q.closed) != 0 && atomic.LoadUint32(&q.hdr.bufferUsage) == 0 {
			return nil, ErrQueueClosed
		}

		seq := atomic.LoadUint32(&q.hdr.dataSeq)
		if atomic.LoadUint32(&q.hdr.bufferUsage) > 0 {
			return q.drain(selfPID, alive)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if err := futexWaitTimeout(&q.hdr.dataSeq, seq, 200*time.Millisecond); err != nil &&
			!errors.Is(err, ErrFutexTimeout) {
			return nil, err
		}
	}
}

func (q *Queue) drain(selfPID uint32, alive func(uint32) bool) ([]byte, error) {
	if err := q.mu.Lock(selfPID, alive); err != nil && !errors.Is(err, ErrAbandoned) {
		return nil, err
	}
	defer q.mu.Unlock()

	capacity := q.hdr.Capacity()
	usage := atomic.LoadUint32(&q.hdr.bufferUsage)
	if usage == 0 {
		return nil, nil
	}
	readPos := atomic.LoadUint32(&q.hdr.readPos)

	buf := make([]byte, usage)
	if usage <= capacity-readPos {
		copy(buf, q.bytes(readPos, usage))
		atomic.StoreUint32(&q.hdr.readPos, readPos+usage)
	} else {
		readFirst := capacity - readPos
		copy(buf[:readFirst], q.bytes(readPos, readFirst))
		copy(buf[readFirst:], q.bytes(0, usage-readFirst))
		atomic.StoreUint32(&q.hdr.readPos, usage-readFirst)
	}
	atomic.StoreUint32(&q.hdr.bufferUsage, 0)
	return buf, nil
}
