package shm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/google/uuid"
)

// Segment is one mapped shared-memory region holding the segment header, the
// two duplex command queues, and the heap arena, all addressed by offsets
// relative to Mem's base so the layout is valid regardless of where each
// process happens to map it.
type Segment struct {
	File *os.File
	Mem  []byte
	Path string

	Hdr          *SegmentHeader
	MasterQueue  *Queue
	SlaveQueue   *Queue
	Heap         *Heap

	owner bool // true if this process created the file and should remove it on Close
}

func (s *Segment) base() unsafe.Pointer { return unsafe.Pointer(&s.Mem[0]) }

// Layout describes the sizing chosen for a new segment.
type Layout struct {
	QueueCapacity uint32
	HeapCapacity  uint32
}

// DefaultLayout mirrors the reference implementation's defaults.
func DefaultLayout() Layout {
	return Layout{
		QueueCapacity: DefaultQueueCapacity,
		HeapCapacity:  DefaultSegmentSize - SegmentHeaderSize - 2*(QueueHeaderSize+DefaultQueueCapacity) - HeapHeaderSize,
	}
}

func (l Layout) totalSize() uint32 {
	return SegmentHeaderSize +
		2*(QueueHeaderSize+l.QueueCapacity) +
		HeapHeaderSize + l.HeapCapacity
}

// CreateSegment creates and maps a new segment file, named uniquely under
// /dev/shm (falling back to os.TempDir when /dev/shm is unavailable), and
// formats its header, queues, and heap arena. The caller becomes "master"
// for the purposes of SetMasterPID/SetMasterReady.
func CreateSegment(l Layout) (*Segment, error) {
	path := generateSegmentPath(uuid.NewString())
	totalSize := l.totalSize()

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("shm: create segment file %s: %w", path, err)
	}
	cleanup := func() {
		file.Close()
		os.Remove(path)
	}
	if err := file.Truncate(int64(totalSize)); err != nil {
		cleanup()
		return nil, fmt.Errorf("shm: resize segment file: %w", err)
	}

	mem, err := mmapFile(file, int(totalSize))
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("shm: mmap segment: %w", err)
	}

	var masterQueueOff uint32 = SegmentHeaderSize
	slaveQueueOff := masterQueueOff + QueueHeaderSize + l.QueueCapacity
	heapOff := slaveQueueOff + QueueHeaderSize + l.QueueCapacity

	seg := &Segment{File: file, Mem: mem, Path: path, owner: true}
	seg.Hdr = (*SegmentHeader)(seg.base())
	copy(seg.Hdr.magic[:], segmentMagic)
	atomic.StoreUint32(&seg.Hdr.size, totalSize)
	atomic.StoreUint32(&seg.Hdr.version, SegmentVersion)
	atomic.StoreUint32(&seg.Hdr.masterQueueOff, masterQueueOff)
	atomic.StoreUint32(&seg.Hdr.slaveQueueOff, slaveQueueOff)
	atomic.StoreUint32(&seg.Hdr.heapOff, heapOff)
	seg.Hdr.SetMasterPID(uint32(os.Getpid()))

	formatQueue(seg.base(), masterQueueOff, l.QueueCapacity)
	formatQueue(seg.base(), slaveQueueOff, l.QueueCapacity)
	formatHeap(seg.base(), heapOff, l.HeapCapacity)

	seg.MasterQueue = NewQueue(seg.base(), masterQueueOff, &seg.Hdr.closed)
	seg.SlaveQueue = NewQueue(seg.base(), slaveQueueOff, &seg.Hdr.closed)
	seg.Heap = NewHeap(seg.base(), heapOff)
	seg.Heap.InitArena()

	seg.Hdr.SetMasterReady(true)
	return seg, nil
}

// OpenSegment maps an existing segment file created by CreateSegment. The
// caller becomes "slave" for the purposes of SetSlavePID/SetSlaveReady.
func OpenSegment(path string) (*Segment, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("shm: open segment file %s: %w", path, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("shm: stat segment file: %w", err)
	}
	if info.Size() < int64(SegmentHeaderSize) {
		file.Close()
		return nil, fmt.Errorf("shm: segment file too small: %d bytes", info.Size())
	}

	mem, err := mmapFile(file, int(info.Size()))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("shm: mmap segment: %w", err)
	}

	hdr := (*SegmentHeader)(unsafe.Pointer(&mem[0]))
	if err := ValidateHeader(hdr, len(mem)); err != nil {
		munmapImpl(mem)
		file.Close()
		return nil, err
	}

	seg := &Segment{File: file, Mem: mem, Path: path, Hdr: hdr}
	seg.MasterQueue = NewQueue(seg.base(), hdr.MasterQueueOff(), &hdr.closed)
	seg.SlaveQueue = NewQueue(seg.base(), hdr.SlaveQueueOff(), &hdr.closed)
	seg.Heap = NewHeap(seg.base(), hdr.HeapOff())

	seg.Hdr.SetSlavePID(uint32(os.Getpid()))
	seg.Hdr.SetSlaveReady(true)
	return seg, nil
}

// OpenSegmentFromFD maps a segment over an already-open file descriptor,
// inherited from the master via exec.Cmd.ExtraFiles rather than looked up
// by path. size is the mapping length the master passed on the slave's
// command line, standing in for the Windows original's inherited handle
// plus explicit size argument.
func OpenSegmentFromFD(fd uintptr, size int) (*Segment, error) {
	file := os.NewFile(fd, "shm-inherited")
	if file == nil {
		return nil, fmt.Errorf("shm: fd %d is not valid", fd)
	}

	mem, err := mmapFile(file, size)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("shm: mmap inherited segment: %w", err)
	}

	hdr := (*SegmentHeader)(unsafe.Pointer(&mem[0]))
	if err := ValidateHeader(hdr, len(mem)); err != nil {
		munmapImpl(mem)
		file.Close()
		return nil, err
	}

	seg := &Segment{File: file, Mem: mem, Hdr: hdr}
	seg.MasterQueue = NewQueue(seg.base(), hdr.MasterQueueOff(), &hdr.closed)
	seg.SlaveQueue = NewQueue(seg.base(), hdr.SlaveQueueOff(), &hdr.closed)
	seg.Heap = NewHeap(seg.base(), hdr.HeapOff())

	seg.Hdr.SetSlavePID(uint32(os.Getpid()))
	seg.Hdr.SetSlaveReady(true)
	return seg, nil
}

func formatQueue(segBase unsafe.Pointer, hdrOff, capacity uint32) {
	hdr := (*QueueHeader)(ptrAt(segBase, hdrOff))
	copy(hdr.magic[:], queueMagic)
	atomic.StoreUint32(&hdr.size, QueueHeaderSize+capacity)
	atomic.StoreUint32(&hdr.bufferOff, QueueHeaderSize)
}

func formatHeap(segBase unsafe.Pointer, hdrOff, capacity uint32) {
	hdr := (*HeapHeader)(ptrAt(segBase, hdrOff))
	copy(hdr.magic[:], heapMagic)
	atomic.StoreUint32(&hdr.size, HeapHeaderSize+capacity)
	atomic.StoreUint32(&hdr.bufferOff, HeapHeaderSize)
	atomic.StoreUint32(&hdr.lastFreeOff, NullOffset)
}

// WaitForSlave blocks until the slave process has mapped the segment and
// marked itself ready, or ctx is cancelled.
func (s *Segment) WaitForSlave(ctx context.Context) error {
	return pollReady(ctx, &s.Hdr.slaveReady)
}

// WaitForMaster blocks until the master process has finished formatting the
// segment and marked itself ready, or ctx is cancelled.
func (s *Segment) WaitForMaster(ctx context.Context) error {
	return pollReady(ctx, &s.Hdr.masterReady)
}

func pollReady(ctx context.Context, flag *uint32) error {
	if atomic.LoadUint32(flag) != 0 {
		return nil
	}
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if atomic.LoadUint32(flag) != 0 {
				return nil
			}
		}
	}
}

// Close marks the segment closed, wakes any blocked readers, unmaps the
// memory, and (for the creating process only) removes the backing file.
func (s *Segment) Close() error {
	if s.Hdr != nil {
		s.Hdr.SetClosed(true)
		futexWake(&s.MasterQueue.hdr.dataSeq, 1)
		futexWake(&s.SlaveQueue.hdr.dataSeq, 1)
	}
	var err error
	if len(s.Mem) > 0 {
		err = munmapImpl(s.Mem)
	}
	if cerr := s.File.Close(); err == nil {
		err = cerr
	}
	if s.owner {
		os.Remove(s.Path)
	}
	return err
}

func generateSegmentPath(name string) string {
	shmPath := filepath.Join("/dev/shm", "avswipc_"+name)
	if info, statErr := os.Stat("/dev/shm"); statErr == nil && info.IsDir() {
		return shmPath
	}
	return filepath.Join(os.TempDir(), "avswipc_"+name)
}
