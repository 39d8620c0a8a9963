package ipc

import "errors"

// IPCError is a general protocol-level failure, mirroring the reference
// client's IPCError exception.
type IPCError struct {
	Op  string
	Err error
}

func (e *IPCError) Error() string { return "ipc: " + e.Op + ": " + e.Err.Error() }
func (e *IPCError) Unwrap() error { return e.Err }

// IPCHeapFull reports that an allocation failed against the shared heap,
// carrying a diagnostic dump of the heap's node list the way the reference
// client's print_heap does on IPCHeapFull.
type IPCHeapFull struct {
	Requested uint32
	Dump      string
}

func (e *IPCHeapFull) Error() string { return "ipc: heap full" }

// ErrQueueFull is not returned by Client: a command that does not fit in
// the outbound queue fails with shm.ErrQueueOverflow.
var ErrQueueFull = errors.New("ipc: command queue full")

// ErrRemoteExit indicates the peer process has exited. Calls pending when
// the receive loop sees the exit fail with this error; calls made after
// that fail with ErrClosed.
var ErrRemoteExit = errors.New("ipc: remote process exited")

// ErrBadFrame indicates a malformed command envelope was read off the
// wire: a bad magic, an out-of-range size, or a truncated payload.
var ErrBadFrame = errors.New("ipc: malformed command frame")

// ErrProtocol indicates a well-formed message that cannot be used, such as
// an unexpected reply kind to GET_FRAME or a heap string offset that is out
// of range or unterminated. The codec carries no VideoInfo, so no color
// family is ever checked against it.
var ErrProtocol = errors.New("ipc: unsupported protocol request")

// ErrClosed indicates the client no longer accepts requests, because Stop
// was called or the receive loop saw the peer exit.
var ErrClosed = errors.New("ipc: client closed")

// ErrStaleRequest is returned by Runloop.GetFrame when its reply arrives
// after a later call has already superseded it as the active request,
// mirroring the reference AVSProxy's counter-mismatch rejection in
// getframe_callback.
var ErrStaleRequest = errors.New("ipc: stale frame request superseded")
