//go:build linux

package ipc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/avsw/shmipc/internal/shm"
)

func newTestSegmentPair(t *testing.T) *shm.Segment {
	t.Helper()
	seg, err := shm.CreateSegment(shm.Layout{QueueCapacity: 64 * 1024, HeapCapacity: 64 * 1024})
	require.NoError(t, err)
	t.Cleanup(func() { seg.Close() })
	return seg
}

func TestClientSendSyncRoundTrip(t *testing.T) {
	seg := newTestSegmentPair(t)
	master := NewClient(seg, RoleMaster, nil)

	var slave *Client
	var gotName string
	slave = NewClient(seg, RoleSlave, func(cmd Command) {
		if cmd == nil {
			return
		}
		gsv, ok := cmd.(*CommandGetScriptVar)
		require.True(t, ok)
		gotName = gsv.Name
		ack := NewCommandAck()
		ack.SetResponseID(cmd.TransactionID())
		_, err := slave.SendAsync(ack)
		require.NoError(t, err)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	master.Start(ctx)
	slave.Start(ctx)
	defer master.Stop()
	defer slave.Stop()

	resp, err := master.SendSync(ctx, NewCommandGetScriptVar("clip_width"))
	require.NoError(t, err)
	require.Equal(t, KindAck, resp.Kind())
	require.Equal(t, "clip_width", gotName)
}

func TestClientSendSyncReturnsIPCErrorOnRemoteErr(t *testing.T) {
	seg := newTestSegmentPair(t)
	master := NewClient(seg, RoleMaster, nil)

	var slave *Client
	slave = NewClient(seg, RoleSlave, func(cmd Command) {
		if cmd == nil {
			return
		}
		errCmd := NewCommandErr()
		errCmd.SetResponseID(cmd.TransactionID())
		_, err := slave.SendAsync(errCmd)
		require.NoError(t, err)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	master.Start(ctx)
	slave.Start(ctx)
	defer master.Stop()
	defer slave.Stop()

	_, err := master.SendSync(ctx, NewCommandGetScriptVar("nope"))
	require.Error(t, err)
	var ipcErr *IPCError
	require.ErrorAs(t, err, &ipcErr)
	require.Equal(t, "GET_SCRIPT_VAR", ipcErr.Op)
}

func TestClientSendSyncTimesOutOnContextCancel(t *testing.T) {
	seg := newTestSegmentPair(t)
	master := NewClient(seg, RoleMaster, nil)

	ctx, cancel := context.WithCancel(context.Background())
	master.Start(ctx)
	defer master.Stop()

	callCtx, callCancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer callCancel()

	_, err := master.SendSync(callCtx, NewCommandGetScriptVar("never_answered"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	cancel()
}

func TestClientAllocateDeallocateRoundTrip(t *testing.T) {
	seg := newTestSegmentPair(t)
	master := NewClient(seg, RoleMaster, nil)

	off, err := master.Allocate(128)
	require.NoError(t, err)
	require.NotEqual(t, shm.NullOffset, off)
	require.NoError(t, master.Deallocate(off))
}

func TestSendAsyncDeallocatesOnQueueOverflow(t *testing.T) {
	// The script text itself lives on the heap; what must not fit is the
	// 24-byte EVAL_SCRIPT frame (20-byte envelope plus a 4-byte offset).
	seg, err := shm.CreateSegment(shm.Layout{QueueCapacity: 16, HeapCapacity: 64 * 1024})
	require.NoError(t, err)
	t.Cleanup(func() { seg.Close() })
	master := NewClient(seg, RoleMaster, nil)

	off, err := master.WriteString("this script text does not fit in the tiny queue above")
	require.NoError(t, err)

	_, err = master.SendAsync(NewCommandEvalScript(off))
	require.ErrorIs(t, err, shm.ErrQueueOverflow)

	// The failed send must have freed the heap string rather than leaking
	// it: a fresh allocation of the same size should land at the same
	// offset, since nothing else was ever allocated on this heap.
	off2, err := master.Allocate(uint32(len("this script text does not fit in the tiny queue above") + 1))
	require.NoError(t, err)
	require.Equal(t, off, off2)
}

func TestClientAllocateReturnsIPCHeapFullWithDump(t *testing.T) {
	seg := newTestSegmentPair(t)
	master := NewClient(seg, RoleMaster, nil)

	_, err := master.Allocate(1 << 30)
	require.Error(t, err)
	var full *IPCHeapFull
	require.ErrorAs(t, err, &full)
	require.NotEmpty(t, full.Dump)
}

func TestClientHandlesRemoteExit(t *testing.T) {
	seg := newTestSegmentPair(t)

	unsolicited := make(chan Command, 1)
	master := NewClient(seg, RoleMaster, func(cmd Command) {
		unsolicited <- cmd
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	master.Start(ctx)
	defer master.Stop()

	seg.Hdr.SetClosed(true)

	select {
	case cmd := <-unsolicited:
		require.Nil(t, cmd)
	case <-time.After(2 * time.Second):
		t.Fatal("onUnsolicited(nil) was never delivered on remote exit")
	}
}
