package shm

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// NullOffset is the sentinel offset meaning "no pointer". All cross-process
// pointers inside the segment are 32-bit offsets relative to a documented
// base, never raw addresses, because the segment maps at different virtual
// addresses in each process.
const NullOffset uint32 = 0xFFFFFFFF

// SegmentVersion is the protocol version validated on attach.
const SegmentVersion uint32 = 1

const (
	segmentMagic = "avsw"
	queueMagic   = "cmdq"
	heapMagic    = "heap"
	nodeMagic    = "memz"
)

// Sizes of the fixed on-disk structures. Keep these in sync with the field
// layouts below; segment_test.go pins them against unsafe.Sizeof.
const (
	SegmentHeaderSize = 64
	QueueHeaderSize   = 64
	HeapHeaderSize    = 64
	HeapNodeSize      = 16
)

// DefaultSegmentSize is the total mapping size used when the caller does not
// override it, matching the 256 MiB default of the reference implementation.
const DefaultSegmentSize = 256 * 1024 * 1024

// DefaultQueueCapacity is the per-direction ring capacity used by default.
const DefaultQueueCapacity = 1 << 20 // 1 MiB

// SegmentHeader sits at offset 0 of the mapping and points at the two queues
// and the heap, all co-located in the same region. MasterQueueOff names the
// queue the master writes and the slave reads; SlaveQueueOff is the reverse.
//
//	0x00 magic[4] "avsw"
//	0x04 size
//	0x08 version
//	0x0C masterQueueOff
//	0x10 slaveQueueOff
//	0x14 heapOff
//	0x18 masterPID
//	0x1C slavePID
//	0x20 masterReady
//	0x24 slaveReady
//	0x28 closed
//	0x2C-0x3F reserved
type SegmentHeader struct {
	magic          [4]byte
	size           uint32
	version        uint32
	masterQueueOff uint32
	slaveQueueOff  uint32
	heapOff        uint32
	masterPID      uint32
	slavePID       uint32
	masterReady    uint32
	slaveReady     uint32
	closed         uint32
	_              [20]byte
}

func (h *SegmentHeader) Size() uint64           { return uint64(atomic.LoadUint32(&h.size)) }
func (h *SegmentHeader) Version() uint32        { return atomic.LoadUint32(&h.version) }
func (h *SegmentHeader) MasterQueueOff() uint32 { return atomic.LoadUint32(&h.masterQueueOff) }
func (h *SegmentHeader) SlaveQueueOff() uint32  { return atomic.LoadUint32(&h.slaveQueueOff) }
func (h *SegmentHeader) HeapOff() uint32        { return atomic.LoadUint32(&h.heapOff) }
func (h *SegmentHeader) MasterPID() uint32      { return atomic.LoadUint32(&h.masterPID) }
func (h *SegmentHeader) SlavePID() uint32       { return atomic.LoadUint32(&h.slavePID) }
func (h *SegmentHeader) MasterReady() bool      { return atomic.LoadUint32(&h.masterReady) != 0 }
func (h *SegmentHeader) SlaveReady() bool       { return atomic.LoadUint32(&h.slaveReady) != 0 }
func (h *SegmentHeader) Closed() bool           { return atomic.LoadUint32(&h.closed) != 0 }

func (h *SegmentHeader) SetClosed(v bool)      { atomic.StoreUint32(&h.closed, boolU32(v)) }
func (h *SegmentHeader) SetMasterReady(v bool) { atomic.StoreUint32(&h.masterReady, boolU32(v)) }
func (h *SegmentHeader) SetSlaveReady(v bool)  { atomic.StoreUint32(&h.slaveReady, boolU32(v)) }
func (h *SegmentHeader) SetMasterPID(pid uint32) { atomic.StoreUint32(&h.masterPID, pid) }
func (h *SegmentHeader) SetSlavePID(pid uint32)  { atomic.StoreUint32(&h.slavePID, pid) }

func boolU32(v bool) uint32 {
	if v {
		return 1
	}
	return 0
}

// ValidateHeader checks the magic, version, and in-bounds offsets required
// before either process trusts the rest of the segment.
func ValidateHeader(h *SegmentHeader, mappedSize int) error {
	if string(h.magic[:]) != segmentMagic {
		return fmt.Errorf("shm: bad segment magic %q", h.magic[:])
	}
	if h.Version() != SegmentVersion {
		return fmt.Errorf("shm: version mismatch: got %d want %d", h.Version(), SegmentVersion)
	}
	if uint64(mappedSize) != h.Size() {
		return fmt.Errorf("shm: size mismatch: mapped %d header %d", mappedSize, h.Size())
	}
	for _, off := range []uint32{h.MasterQueueOff(), h.SlaveQueueOff(), h.HeapOff()} {
		if uint64(off) >= h.Size() {
			return fmt.Errorf("shm: offset %d out of bounds (size %d)", off, h.Size())
		}
	}
	return nil
}

// QueueHeader precedes the ring buffer's data area.
//
//	0x00 magic[4] "cmdq"
//	0x04 size           total struct size (header + buffer)
//	0x08 bufferOff       offset of the byte buffer from this header
//	0x0C bufferUsage
//	0x10 readPos
//	0x14 writePos
//	0x18 eventHandle     wire-compat placeholder, unused on this platform
//	0x1C mutexHandle     wire-compat placeholder, unused on this platform
//	0x20 mutexState      embedded futex mutex word (see mutex.go)
//	0x24 mutexOwnerPID
//	0x28 dataSeq         futex wait/wake sequence for "data available"
//	0x2C-0x3F reserved
type QueueHeader struct {
	magic         [4]byte
	size          uint32
	bufferOff     uint32
	bufferUsage   uint32
	readPos       uint32
	writePos      uint32
	eventHandle   uint32
	mutexHandle   uint32
	mutexState    uint32
	mutexOwnerPID uint32
	dataSeq       uint32
	_             [20]byte
}

func (q *QueueHeader) Capacity() uint32   { return atomic.LoadUint32(&q.size) - atomic.LoadUint32(&q.bufferOff) }
func (q *QueueHeader) BufferOff() uint32  { return atomic.LoadUint32(&q.bufferOff) }
func (q *QueueHeader) Usage() uint32      { return atomic.LoadUint32(&q.bufferUsage) }
func (q *QueueHeader) ReadPos() uint32    { return atomic.LoadUint32(&q.readPos) }
func (q *QueueHeader) WritePos() uint32   { return atomic.LoadUint32(&q.writePos) }

// HeapHeader precedes the node arena.
//
//	0x00 magic[4] "heap"
//	0x04 size         total struct size (header + arena)
//	0x08 bufferOff    offset of the arena from this header
//	0x0C bufferUsage
//	0x10 lastFreeOff
//	0x14 mutexHandle  wire-compat placeholder
//	0x18 mutexState   embedded futex mutex word
//	0x1C mutexOwnerPID
//	0x20-0x3F reserved
type HeapHeader struct {
	magic         [4]byte
	size          uint32
	bufferOff     uint32
	bufferUsage   uint32
	lastFreeOff   uint32
	mutexHandle   uint32
	mutexState    uint32
	mutexOwnerPID uint32
	_             [32]byte
}

func (h *HeapHeader) Capacity() uint32    { return atomic.LoadUint32(&h.size) - atomic.LoadUint32(&h.bufferOff) }
func (h *HeapHeader) BufferOff() uint32   { return atomic.LoadUint32(&h.bufferOff) }
func (h *HeapHeader) Usage() uint32       { return atomic.LoadUint32(&h.bufferUsage) }
func (h *HeapHeader) LastFreeOff() uint32 { return atomic.LoadUint32(&h.lastFreeOff) }

// HeapNode is the 16-byte-aligned header immediately preceding each
// allocation's payload. The arena is a doubly-linked list of these that
// spans the whole arena exactly: the first node starts at offset 0 and the
// last has nextOff == NullOffset.
//
//	0x00 magic[4] "memz"
//	0x04 prevOff
//	0x08 nextOff
//	0x0C flags
type HeapNode struct {
	magic   [4]byte
	prevOff uint32
	nextOff uint32
	flags   uint32
}

const heapFlagAllocated uint32 = 1

func (n *HeapNode) hasMagic() bool        { return string(n.magic[:]) == nodeMagic }
func (n *HeapNode) setMagic()             { copy(n.magic[:], nodeMagic) }
func (n *HeapNode) clearMagic()           { n.magic = [4]byte{} }
func (n *HeapNode) PrevOff() uint32       { return atomic.LoadUint32(&n.prevOff) }
func (n *HeapNode) NextOff() uint32       { return atomic.LoadUint32(&n.nextOff) }
func (n *HeapNode) SetPrevOff(v uint32)   { atomic.StoreUint32(&n.prevOff, v) }
func (n *HeapNode) SetNextOff(v uint32)   { atomic.StoreUint32(&n.nextOff, v) }
func (n *HeapNode) Allocated() bool       { return atomic.LoadUint32(&n.flags)&heapFlagAllocated != 0 }
func (n *HeapNode) setAllocated(v bool) {
	for {
		old := atomic.LoadUint32(&n.flags)
		var next uint32
		if v {
			next = old | heapFlagAllocated
		} else {
			next = old &^ heapFlagAllocated
		}
		if atomic.CompareAndSwapUint32(&n.flags, old, next) {
			return
		}
	}
}

func ptrAt(base unsafe.Pointer, off uint32) unsafe.Pointer {
	return unsafe.Pointer(uintptr(base) + uintptr(off))
}
