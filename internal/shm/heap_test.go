package shm

import (
	"bytes"
	"testing"
	"unsafe"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func newTestHeap(t *testing.T, capacity uint32) *Heap {
	t.Helper()
	total := HeapHeaderSize + capacity
	mem := make([]byte, total)
	base := unsafe.Pointer(&mem[0])
	formatHeap(base, 0, capacity)
	h := NewHeap(base, 0)
	h.InitArena()
	return h
}

func TestHeapAllocFreeRoundTrip(t *testing.T) {
	h := newTestHeap(t, 64*1024)

	off1, err := h.Alloc(1, nil, 128)
	require.NoError(t, err)

	off2, err := h.Alloc(1, nil, 256)
	require.NoError(t, err)
	require.NotEqual(t, off1, off2)

	require.NoError(t, h.Free(1, nil, off1))
	require.NoError(t, h.Free(1, nil, off2))

	var buf bytes.Buffer
	require.NoError(t, h.DumpNodes(&buf))
	require.Contains(t, buf.String(), "free")
}

func TestHeapFreeRejectsBadPointer(t *testing.T) {
	h := newTestHeap(t, 64*1024)
	require.ErrorIs(t, h.Free(1, nil, 4), ErrBadPointer)
}

func TestHeapFullReturnsErrHeapFull(t *testing.T) {
	h := newTestHeap(t, 1024)
	_, err := h.Alloc(1, nil, 2048)
	require.ErrorIs(t, err, ErrHeapFull)
}

func TestHeapCoalescesAdjacentFreeNodes(t *testing.T) {
	h := newTestHeap(t, 64*1024)

	a, err := h.Alloc(1, nil, 100)
	require.NoError(t, err)
	b, err := h.Alloc(1, nil, 100)
	require.NoError(t, err)
	c, err := h.Alloc(1, nil, 100)
	require.NoError(t, err)

	require.NoError(t, h.Free(1, nil, a))
	require.NoError(t, h.Free(1, nil, c))
	require.NoError(t, h.Free(1, nil, b))

	// Everything should have merged back into a single free node spanning
	// the whole arena, not three adjacent free nodes left unmerged.
	got, err := h.NodeSnapshot()
	require.NoError(t, err)
	want := []NodeInfo{{Offset: 0, NextOff: 64 * 1024, Allocated: false, Size: 64 * 1024}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("node layout after full coalesce (-want +got):\n%s", diff)
	}

	_, err = h.Alloc(1, nil, 60*1024)
	require.NoError(t, err)
}

// TestHeapBackwardScanUsageQuirk pins a quirk of the reference allocator: a
// request satisfied by the backward scan does not add to bufferUsage, unlike
// an identical request satisfied by the forward scan. This is deliberately
// preserved rather than fixed.
//
// The arena is shaped by hand into three physical nodes, in offset order:
//
//	N0 (~50000 bytes)  N1 (~100 bytes, barrier)  N2 (~9800 bytes, last, next=NULL)
//
// N0 and N2 are freed, in that order, so the allocator's hint (lastFreeOff)
// ends on N2. A request too big for N2 but well within N0 then forces a
// forward scan that dead-ends at N2 (it is the last node, no next) and
// falls through to the backward scan, which walks N2 -> N1 (allocated,
// skipped) -> N0 (free, fits).
func TestHeapBackwardScanUsageQuirk(t *testing.T) {
	h := newTestHeap(t, 60000)

	n0, err := h.Alloc(1, nil, 50000)
	require.NoError(t, err)
	n1, err := h.Alloc(1, nil, 100)
	require.NoError(t, err)
	// Consume the remainder of the arena without leaving enough slack to
	// trigger a split, so this allocation becomes the last physical node.
	n2, err := h.Alloc(1, nil, 5800)
	require.NoError(t, err)

	require.NoError(t, h.Free(1, nil, n0))
	require.NoError(t, h.Free(1, nil, n2))
	_ = n1

	usageBefore := h.hdr.Usage()
	_, err = h.Alloc(1, nil, 40000) // fits only N0, reached via the backward scan
	require.NoError(t, err)
	require.Equal(t, usageBefore, h.hdr.Usage(), "backward-scan hit must not change bufferUsage")

	// Contrast with an ordinary forward-scan hit, which does account.
	h2 := newTestHeap(t, 64*1024)
	_, err = h2.Alloc(1, nil, 100)
	require.NoError(t, err)
	require.Greater(t, h2.hdr.Usage(), uint32(0), "sanity: forward alloc records usage")
}
