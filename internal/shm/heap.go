package shm

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"unsafe"
)

// ErrHeapFull is returned by Alloc when no free node is large enough.
var ErrHeapFull = errors.New("shm: heap full")

// ErrBadPointer is returned by Free when given an offset that is not a
// currently-allocated node.
var ErrBadPointer = errors.New("shm: bad heap pointer")

const heapSplitThreshold = 4096

// Heap is the best-fit allocator over the segment's shared arena: a
// doubly-linked list of HeapNode headers spanning the arena exactly, with
// allocation scanning outward from a hint (the offset most recently freed)
// first forward, then backward.
type Heap struct {
	hdr  *HeapHeader
	base unsafe.Pointer // start of the node arena (hdr + bufferOff)
	mu   *Mutex
}

// NewHeap wraps a HeapHeader already positioned inside the mapped segment.
func NewHeap(segBase unsafe.Pointer, hdrOff uint32) *Heap {
	hdr := (*HeapHeader)(ptrAt(segBase, hdrOff))
	return &Heap{
		hdr:  hdr,
		base: ptrAt(segBase, hdrOff+hdr.BufferOff()),
		mu:   NewMutex(&hdr.mutexState, &hdr.mutexOwnerPID),
	}
}

// InitArena formats a freshly mapped, zero-filled arena as a single free
// node spanning its whole capacity. Must be called exactly once by whichever
// process creates the segment.
func (h *Heap) InitArena() {
	capacity := h.hdr.Capacity()
	node := h.nodeAt(0)
	node.setMagic()
	node.SetPrevOff(NullOffset)
	node.SetNextOff(NullOffset)
	_ = capacity
	atomic.StoreUint32(&h.hdr.lastFreeOff, 0)
}

func (h *Heap) nodeAt(off uint32) *HeapNode {
	return (*HeapNode)(ptrAt(h.base, off))
}

func (h *Heap) realNext(node *HeapNode, capacity uint32) uint32 {
	if node.NextOff() == NullOffset {
		return capacity
	}
	return node.NextOff()
}

func (h *Heap) offsetOf(node *HeapNode) uint32 {
	return uint32(uintptr(unsafe.Pointer(node)) - uintptr(h.base))
}

func alignUp16(n uint32) uint32 {
	if rem := n % 16; rem != 0 {
		n += 16 - rem
	}
	return n
}

func (h *Heap) splitNode(node *HeapNode, size uint32) {
	nodeOff := h.offsetOf(node)
	allocSize := alignUp16(size)

	next := h.nodeAt(nodeOff + allocSize)
	next.setMagic()
	next.SetPrevOff(nodeOff)
	next.SetNextOff(node.NextOff())
	next.setAllocated(false)
	if node.NextOff() != NullOffset {
		h.nodeAt(node.NextOff()).SetPrevOff(nodeOff + allocSize)
	}

	node.SetNextOff(nodeOff + allocSize)
}

// Alloc reserves size+overhead bytes and returns the offset of the usable
// payload (immediately after the HeapNode header), for storage in a wire
// command field.
//
// The allocator replicates a quirk of the reference implementation: when a
// request is satisfied by the backward scan rather than the forward scan,
// buffer_usage is left unchanged. This under-accounts live usage after a
// backward-scan hit, which the original never corrected, so fragmentation
// statistics built on buffer_usage run slightly optimistic. Callers relying
// on Usage() for anything beyond diagnostics should be aware of this.
func (h *Heap) Alloc(selfPID uint32, alive func(uint32) bool, size uint32) (uint32, error) {
	if err := h.mu.Lock(selfPID, alive); err != nil && !errors.Is(err, ErrAbandoned) {
		return 0, err
	}
	defer h.mu.Unlock()

	capacity := h.hdr.Capacity()
	if size > capacity-HeapNodeSize {
		return 0, ErrHeapFull
	}
	size += HeapNodeSize
	usage := atomic.LoadUint32(&h.hdr.bufferUsage)
	if size > capacity-usage {
		return 0, ErrHeapFull
	}

	startOff := uint32(0)
	if last := atomic.LoadUint32(&h.hdr.lastFreeOff); last != NullOffset {
		startOff = last
	}
	initial := h.nodeAt(startOff)

	// Forward scan.
	node := initial
	for {
		if !node.hasMagic() {
			return 0, fmt.Errorf("shm: corrupt heap node at offset %d", h.offsetOf(node))
		}
		nodeOff := h.offsetOf(node)
		nodeRealNext := h.realNext(node, capacity)
		nodeSize := nodeRealNext - nodeOff

		if !node.Allocated() && size < nodeSize {
			if nodeSize-size >= heapSplitThreshold {
				h.splitNode(node, size)
				nodeRealNext = h.realNext(node, capacity)
			}
			node.setAllocated(true)
			atomic.AddUint32(&h.hdr.bufferUsage, nodeRealNext-nodeOff)
			return nodeOff + HeapNodeSize, nil
		}

		if node.NextOff() == NullOffset {
			break
		}
		node = h.nodeAt(node.NextOff())
	}

	// Backward scan. Matches the reference implementation's buffer_usage
	// omission: a hit here does not add to bufferUsage.
	if initial.PrevOff() == NullOffset {
		return 0, ErrHeapFull
	}
	node = h.nodeAt(initial.PrevOff())
	for {
		if !node.hasMagic() {
			return 0, fmt.Errorf("shm: corrupt heap node at offset %d", h.offsetOf(node))
		}
		nodeOff := h.offsetOf(node)
		nodeRealNext := h.realNext(node, capacity)
		nodeSize := nodeRealNext - nodeOff

		if !node.Allocated() && size < nodeSize {
			if nodeSize-size >= heapSplitThreshold {
				h.splitNode(node, size)
			}
			node.setAllocated(true)
			return nodeOff + HeapNodeSize, nil
		}

		if node.PrevOff() == NullOffset {
			break
		}
		node = h.nodeAt(node.PrevOff())
	}

	return 0, ErrHeapFull
}

// Free releases a payload offset previously returned by Alloc, coalescing
// with free neighbors in both directions.
func (h *Heap) Free(selfPID uint32, alive func(uint32) bool, payloadOff uint32) error {
	if payloadOff < HeapNodeSize {
		return ErrBadPointer
	}
	if err := h.mu.Lock(selfPID, alive); err != nil && !errors.Is(err, ErrAbandoned) {
		return err
	}
	defer h.mu.Unlock()

	node := h.nodeAt(payloadOff - HeapNodeSize)
	if !node.hasMagic() || !node.Allocated() {
		return ErrBadPointer
	}

	capacity := h.hdr.Capacity()
	nodeRealNext := h.realNext(node, capacity)
	nodeRealSize := nodeRealNext - h.offsetOf(node)

	node.setAllocated(false)
	usage := atomic.LoadUint32(&h.hdr.bufferUsage)
	if nodeRealSize <= usage {
		atomic.StoreUint32(&h.hdr.bufferUsage, usage-nodeRealSize)
	} else {
		atomic.StoreUint32(&h.hdr.bufferUsage, 0)
	}

	// Forward coalesce.
	for node.NextOff() != NullOffset {
		next := h.nodeAt(node.NextOff())
		if !next.hasMagic() {
			return fmt.Errorf("shm: corrupt heap node at offset %d", h.offsetOf(next))
		}
		if next.Allocated() {
			break
		}
		node.SetNextOff(next.NextOff())
		next.clearMagic()
	}

	// Backward coalesce.
	for node.PrevOff() != NullOffset {
		prev := h.nodeAt(node.PrevOff())
		if !prev.hasMagic() {
			return fmt.Errorf("shm: corrupt heap node at offset %d", h.offsetOf(prev))
		}
		if prev.Allocated() {
			break
		}
		prev.SetNextOff(node.NextOff())
		node.clearMagic()
		node = prev
	}
	if node.NextOff() != NullOffset {
		h.nodeAt(node.NextOff()).SetPrevOff(h.offsetOf(node))
	}

	atomic.StoreUint32(&h.hdr.lastFreeOff, h.offsetOf(node))
	return nil
}

// Payload returns a byte slice view of n bytes starting at payloadOff, the
// offset Alloc returned. Callers use this to read or write the string or
// pixel data a heap allocation was made to hold; the node header precedes
// payloadOff and is not included.
func (h *Heap) Payload(payloadOff, n uint32) []byte {
	return unsafe.Slice((*byte)(ptrAt(h.base, payloadOff)), n)
}

// Capacity returns the arena's usable byte capacity.
func (h *Heap) Capacity() uint32 { return h.hdr.Capacity() }

// Usage returns the heap's buffer_usage counter. See Alloc's doc comment
// for the backward-scan accounting quirk this counter carries.
func (h *Heap) Usage() uint32 { return h.hdr.Usage() }

// LastFreeOff returns the scan hint updated by Free.
func (h *Heap) LastFreeOff() uint32 { return h.hdr.LastFreeOff() }

// NodeInfo is a snapshot of one arena node, for tests that want to assert on
// heap-node traversal structurally (via go-cmp) instead of parsing
// DumpNodes' text rendering.
type NodeInfo struct {
	Offset    uint32
	NextOff   uint32
	Allocated bool
	Size      uint32
}

// NodeSnapshot walks the arena the same way DumpNodes does and returns it as
// a comparable slice.
func (h *Heap) NodeSnapshot() ([]NodeInfo, error) {
	var nodes []NodeInfo
	capacity := h.hdr.Capacity()
	off := uint32(0)
	for off != capacity {
		node := h.nodeAt(off)
		if !node.hasMagic() {
			return nil, fmt.Errorf("shm: corrupt heap node at offset %d", off)
		}
		nodeRealNext := h.realNext(node, capacity)
		nodes = append(nodes, NodeInfo{
			Offset:    off,
			NextOff:   nodeRealNext,
			Allocated: node.Allocated(),
			Size:      nodeRealNext - off,
		})
		if node.NextOff() == NullOffset {
			break
		}
		off = node.NextOff()
	}
	return nodes, nil
}

// DumpNodes writes a human-readable listing of every node in arena order,
// for diagnosing heap exhaustion the way the reference client's print_heap
// does when an allocation fails.
func (h *Heap) DumpNodes(w io.Writer) error {
	capacity := h.hdr.Capacity()
	off := uint32(0)
	for off != capacity {
		node := h.nodeAt(off)
		if !node.hasMagic() {
			return fmt.Errorf("shm: corrupt heap node at offset %d", off)
		}
		nodeRealNext := h.realNext(node, capacity)
		state := "free"
		if node.Allocated() {
			state = "used"
		}
		if _, err := fmt.Fprintf(w, "  [%8d, %8d) %-4s size=%d\n", off, nodeRealNext, state, nodeRealNext-off); err != nil {
			return err
		}
		if node.NextOff() == NullOffset {
			break
		}
		off = node.NextOff()
	}
	fmt.Fprintf(w, "usage=%d capacity=%d last_free=%d\n",
		atomic.LoadUint32(&h.hdr.bufferUsage), capacity, atomic.LoadUint32(&h.hdr.lastFreeOff))
	return nil
}
