//go:build linux

package ipc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/avsw/shmipc/internal/shm"
)

func newLinkedClients(t *testing.T) (master, slave *Client, seg *shm.Segment) {
	t.Helper()
	seg, err := shm.CreateSegment(shm.Layout{QueueCapacity: 64 * 1024, HeapCapacity: 64 * 1024})
	require.NoError(t, err)
	t.Cleanup(func() { seg.Close() })

	master = NewClient(seg, RoleMaster, nil)
	slave = NewClient(seg, RoleSlave, nil)
	return master, slave, seg
}

func echoFrame(req VideoFrameRequest) (VideoFrame, error) {
	return VideoFrame{Request: req, HeapOffset: shm.NullOffset}, nil
}

// TestRunloopGetFrameRoundTrip drives a real master Client issuing
// GetFrame against a slave Client whose Run loop services it and answers
// with SET_FRAME, end to end through an in-memory segment.
func TestRunloopGetFrameRoundTrip(t *testing.T) {
	master, slave, _ := newLinkedClients(t)

	slaveRL := NewRunloop(slave, echoFrame)
	masterRL := NewRunloop(master, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	master.Start(ctx)
	slave.Start(ctx)
	defer master.Stop()
	defer slave.Stop()

	go slaveRL.Run(ctx)

	frame, err := masterRL.GetFrame(ctx, VideoFrameRequest{ClipID: 1, FrameNumber: 5})
	require.NoError(t, err)
	require.Equal(t, int32(5), frame.Request.FrameNumber)
}

// TestRunloopServicesReentrantRequestWhileWaiting has the slave issue a
// GET_FRAME through its own GetFrame while the master's Run loop services
// it: the slave stays in GetFrame's wait loop until the master's SET_FRAME
// reply arrives. The master is in Run here, not inside a GetFrame of its
// own.
func TestRunloopServicesReentrantRequestWhileWaiting(t *testing.T) {
	master, slave, _ := newLinkedClients(t)

	masterRL := NewRunloop(master, echoFrame)
	slaveRL := NewRunloop(slave, echoFrame)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	master.Start(ctx)
	slave.Start(ctx)
	defer master.Stop()
	defer slave.Stop()

	go masterRL.Run(ctx)

	reentrantDone := make(chan struct{})
	go func() {
		defer close(reentrantDone)
		_, err := slaveRL.GetFrame(ctx, VideoFrameRequest{ClipID: 9, FrameNumber: 1})
		require.NoError(t, err)
	}()

	select {
	case <-reentrantDone:
	case <-time.After(2 * time.Second):
		t.Fatal("reentrant GetFrame never completed")
	}
}

// TestRunloopRejectsNonGetFrameReentrantCommand pins the
// reject_commands/get_frame_runloop rule that only a reentrant GET_FRAME
// is ever serviceable while waiting: anything else queued for the runloop
// is answered with CommandErr instead.
func TestRunloopRejectsNonGetFrameReentrantCommand(t *testing.T) {
	master, slave, _ := newLinkedClients(t)
	masterRL := NewRunloop(master, echoFrame)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	master.Start(ctx)
	slave.Start(ctx)
	defer master.Stop()
	defer slave.Stop()

	go masterRL.Run(ctx)

	resp, err := slave.SendSync(ctx, NewCommandGetScriptVar("anything"))
	require.Error(t, err)
	_, isIPCErr := err.(*IPCError)
	require.True(t, isIPCErr)
	require.Equal(t, KindErr, resp.Kind())
}

// TestRunloopGetFrameStaleRequestSuperseded pins the counter comparison
// behind the stale-request rejection: once a second call has bumped the
// active-request counter, waitForReply still hands back the first call's
// reply, and the counter no longer matches the first call's value, which
// is the condition under which GetFrame returns ErrStaleRequest. It does
// not call GetFrame itself. It drives Runloop.waitForReply directly so the
// race is deterministic rather than depending on goroutine scheduling over a real round trip
// (TestRunloopGetFrameRoundTrip already covers that path).
func TestRunloopGetFrameStaleRequestSuperseded(t *testing.T) {
	master, _, _ := newLinkedClients(t)
	rl := NewRunloop(master, nil)

	firstRequest := rl.activeRequest.Add(1)
	replyCh := make(chan Command, 1)
	replyCh <- NewCommandSetFrame(VideoFrame{Request: VideoFrameRequest{FrameNumber: 1}})

	// A second call starts and completes before the first call's reply is
	// consumed, superseding it.
	rl.activeRequest.Add(1)

	resp, err := rl.waitForReply(context.Background(), replyCh)
	require.NoError(t, err)
	require.NotEqual(t, rl.activeRequest.Load(), firstRequest)

	stale := rl.activeRequest.Load() != firstRequest
	require.True(t, stale)
	_ = resp
}
