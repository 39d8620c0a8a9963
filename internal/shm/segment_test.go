//go:build unix

package shm

import (
	"context"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestStructSizesMatchWireConstants(t *testing.T) {
	require.EqualValues(t, SegmentHeaderSize, unsafe.Sizeof(SegmentHeader{}))
	require.EqualValues(t, QueueHeaderSize, unsafe.Sizeof(QueueHeader{}))
	require.EqualValues(t, HeapHeaderSize, unsafe.Sizeof(HeapHeader{}))
	require.EqualValues(t, HeapNodeSize, unsafe.Sizeof(HeapNode{}))
}

func TestCreateAndOpenSegmentRoundTrip(t *testing.T) {
	layout := Layout{QueueCapacity: 4096, HeapCapacity: 1 << 16}

	master, err := CreateSegment(layout)
	require.NoError(t, err)
	defer master.Close()

	require.True(t, master.Hdr.MasterReady())
	require.False(t, master.Hdr.SlaveReady())

	slave, err := OpenSegment(master.Path)
	require.NoError(t, err)
	defer slave.Close()

	require.True(t, slave.Hdr.SlaveReady())
	require.Equal(t, master.Hdr.MasterPID(), slave.Hdr.MasterPID())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, master.WaitForSlave(ctx))
	require.NoError(t, slave.WaitForMaster(ctx))

	require.NoError(t, master.MasterQueue.Write(master.Hdr.MasterPID(), nil, []byte("ping")))
	got, err := slave.MasterQueue.ReadAll(ctx, slave.Hdr.SlavePID(), nil)
	require.NoError(t, err)
	require.Equal(t, []byte("ping"), got)
}

func TestWaitForSlaveTimesOutWithoutSlave(t *testing.T) {
	layout := Layout{QueueCapacity: 4096, HeapCapacity: 1 << 16}
	master, err := CreateSegment(layout)
	require.NoError(t, err)
	defer master.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = master.WaitForSlave(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
