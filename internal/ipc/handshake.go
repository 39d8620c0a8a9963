package ipc

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"github.com/avsw/shmipc/internal/shm"
)

// slaveFD is the file descriptor number the slave always finds its
// inherited segment on. exec.Cmd.ExtraFiles appends after stdin/stdout/
// stderr (fds 0-2), so the first (and only) extra file always lands on 3;
// there is never a need to search for it.
const slaveFD = 3

// Handshake is the result of spawning a slave process over a freshly
// created segment.
type Handshake struct {
	Segment *shm.Segment
	Cmd     *exec.Cmd
}

// SpawnSlave creates a new segment, launches slaveBinary with it inherited
// as an extra file descriptor, and waits for the slave to map it and mark
// itself ready. It mirrors the reference master's CreateProcess call
// passing a handle value on the command line, substituting fd inheritance
// (the POSIX equivalent the reference's Windows handle-duplication
// approach has no use for here) for named-handle lookup.
//
// extraArgs is appended after the three positional arguments SpawnSlave
// always passes: the master's PID, the inherited fd number, and the
// segment's mapped size in bytes. ParseSlaveArgs on the slave side expects
// exactly that prefix.
func SpawnSlave(ctx context.Context, l shm.Layout, slaveBinary string, extraArgs ...string) (*Handshake, error) {
	seg, err := shm.CreateSegment(l)
	if err != nil {
		return nil, fmt.Errorf("ipc: create segment: %w", err)
	}

	args := append([]string{
		strconv.Itoa(os.Getpid()),
		strconv.Itoa(slaveFD),
		strconv.FormatUint(uint64(len(seg.Mem)), 10),
	}, extraArgs...)

	cmd := exec.CommandContext(ctx, slaveBinary, args...)
	cmd.ExtraFiles = []*os.File{seg.File}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		seg.Close()
		return nil, fmt.Errorf("ipc: start slave %s: %w", slaveBinary, err)
	}

	if err := seg.WaitForSlave(ctx); err != nil {
		cmd.Process.Kill()
		seg.Close()
		return nil, fmt.Errorf("ipc: wait for slave ready: %w", err)
	}

	return &Handshake{Segment: seg, Cmd: cmd}, nil
}

// SlaveArgs is the parsed form of the three positional arguments SpawnSlave
// always passes to the slave process.
type SlaveArgs struct {
	MasterPID int
	FD        uintptr
	Size      int
}

// ParseSlaveArgs parses os.Args[1:4] (or any equivalent slice) into
// SlaveArgs, returning the remaining elements as trailing application
// arguments.
func ParseSlaveArgs(args []string) (SlaveArgs, []string, error) {
	if len(args) < 3 {
		return SlaveArgs{}, nil, fmt.Errorf("ipc: expected at least 3 slave args, got %d", len(args))
	}
	pid, err := strconv.Atoi(args[0])
	if err != nil {
		return SlaveArgs{}, nil, fmt.Errorf("ipc: bad master pid %q: %w", args[0], err)
	}
	fd, err := strconv.ParseUint(args[1], 10, 32)
	if err != nil {
		return SlaveArgs{}, nil, fmt.Errorf("ipc: bad fd %q: %w", args[1], err)
	}
	size, err := strconv.Atoi(args[2])
	if err != nil {
		return SlaveArgs{}, nil, fmt.Errorf("ipc: bad size %q: %w", args[2], err)
	}
	return SlaveArgs{MasterPID: pid, FD: uintptr(fd), Size: size}, args[3:], nil
}

// OpenInheritedSegment maps the segment described by a already-parsed
// SlaveArgs and marks this process ready.
func OpenInheritedSegment(a SlaveArgs) (*shm.Segment, error) {
	return shm.OpenSegmentFromFD(a.FD, a.Size)
}
