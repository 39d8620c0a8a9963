package ipc

import (
	"math"

	"github.com/avsw/shmipc/internal/shm"
)

// InvalidTransaction marks a Command that has not been assigned a
// transaction (outgoing, unsent) or response (incoming, unsolicited) id.
const InvalidTransaction uint32 = math.MaxUint32

// CommandKind is the closed set of command types exchanged between the
// master and slave. The numeric values are part of the wire protocol.
type CommandKind int32

const (
	KindAck CommandKind = iota
	KindErr
	KindSetLogFile
	KindLoadAvisynth
	KindNewScriptEnv
	KindGetScriptVar
	KindSetScriptVar
	KindEvalScript
	KindGetFrame
	KindSetFrame
)

func (k CommandKind) String() string {
	switch k {
	case KindAck:
		return "ACK"
	case KindErr:
		return "ERR"
	case KindSetLogFile:
		return "SET_LOG_FILE"
	case KindLoadAvisynth:
		return "LOAD_AVISYNTH"
	case KindNewScriptEnv:
		return "NEW_SCRIPT_ENV"
	case KindGetScriptVar:
		return "GET_SCRIPT_VAR"
	case KindSetScriptVar:
		return "SET_SCRIPT_VAR"
	case KindEvalScript:
		return "EVAL_SCRIPT"
	case KindGetFrame:
		return "GET_FRAME"
	case KindSetFrame:
		return "SET_FRAME"
	default:
		return "UNKNOWN"
	}
}

// Command is implemented by every command type. TransactionID identifies
// this message; ResponseID, when not InvalidTransaction, names the
// transaction this message answers, letting a client's pending table route
// it back to the caller that sent the original request.
type Command interface {
	Kind() CommandKind
	TransactionID() uint32
	SetTransactionID(uint32)
	ResponseID() uint32
	SetResponseID(uint32)
}

type base struct {
	transactionID uint32
	responseID    uint32
}

func newBase() base {
	return base{transactionID: InvalidTransaction, responseID: InvalidTransaction}
}

func (b *base) TransactionID() uint32     { return b.transactionID }
func (b *base) SetTransactionID(id uint32) { b.transactionID = id }
func (b *base) ResponseID() uint32        { return b.responseID }
func (b *base) SetResponseID(id uint32)   { b.responseID = id }

// CommandAck acknowledges a request with no other payload.
type CommandAck struct{ base }

func NewCommandAck() *CommandAck { return &CommandAck{newBase()} }
func (*CommandAck) Kind() CommandKind { return KindAck }

// CommandErr signals that the peer rejected or failed a request. It carries
// no payload of its own, only response_id, matching the reference
// ipc_commands.h's CommandErr (a zero-argument Command_Args0). It is also
// used by the reentrant runloop to reject inbound commands it does not
// service and a reply whose active-request counter no longer matches (see
// runloop.go).
type CommandErr struct {
	base
}

func NewCommandErr() *CommandErr { return &CommandErr{newBase()} }
func (*CommandErr) Kind() CommandKind { return KindErr }

// CommandSetLogFile asks the peer to redirect its diagnostic log.
type CommandSetLogFile struct {
	base
	Path string
}

func NewCommandSetLogFile(path string) *CommandSetLogFile {
	return &CommandSetLogFile{newBase(), path}
}
func (*CommandSetLogFile) Kind() CommandKind { return KindSetLogFile }

// CommandLoadAvisynth asks the slave to load the scripting runtime from
// the given path before any script environment commands are accepted.
type CommandLoadAvisynth struct {
	base
	Path string
}

func NewCommandLoadAvisynth(path string) *CommandLoadAvisynth {
	return &CommandLoadAvisynth{newBase(), path}
}
func (*CommandLoadAvisynth) Kind() CommandKind { return KindLoadAvisynth }

// CommandNewScriptEnv resets the slave's script-environment state: all
// existing script variables and clip registrations are discarded.
type CommandNewScriptEnv struct{ base }

func NewCommandNewScriptEnv() *CommandNewScriptEnv { return &CommandNewScriptEnv{newBase()} }
func (*CommandNewScriptEnv) Kind() CommandKind { return KindNewScriptEnv }

// CommandGetScriptVar requests the current value of a named script
// variable.
type CommandGetScriptVar struct {
	base
	Name string
}

func NewCommandGetScriptVar(name string) *CommandGetScriptVar {
	return &CommandGetScriptVar{newBase(), name}
}
func (*CommandGetScriptVar) Kind() CommandKind { return KindGetScriptVar }

// CommandSetScriptVar assigns a named script variable. If Value.Kind is
// KindString, the command owns the heap string until
// DeallocateHeapResources or RelinquishHeapResources is called.
type CommandSetScriptVar struct {
	base
	Name  string
	Value Value
}

func NewCommandSetScriptVar(name string, value Value) *CommandSetScriptVar {
	return &CommandSetScriptVar{newBase(), name, value}
}
func (*CommandSetScriptVar) Kind() CommandKind { return KindSetScriptVar }

// RelinquishHeapResources clears the command's ownership of its heap
// string without freeing it, for when a caller has transferred ownership
// elsewhere (for example, into a script variable table that will free it
// on NEW_SCRIPT_ENV).
func (c *CommandSetScriptVar) RelinquishHeapResources() {
	if c.Value.Kind == KindString {
		c.Value.StringOff = shm.NullOffset
	}
}

// DeallocateHeapResources frees the command's owned heap string, if any,
// and clears its ownership of it. Mirrors
// CommandSetScriptVar::deallocate_heap_resources, called when the command
// is dropped before being sent rather than handed off to a peer.
func (c *CommandSetScriptVar) DeallocateHeapResources(client *Client) error {
	if c.Value.Kind != KindString || c.Value.StringOff == shm.NullOffset {
		return nil
	}
	off := c.Value.StringOff
	c.Value.StringOff = shm.NullOffset
	return client.Deallocate(off)
}

// CommandEvalScript evaluates a script fragment. Arg is the heap offset of
// the NUL-terminated script text; the command owns it until relinquished
// or deallocated.
type CommandEvalScript struct {
	base
	Arg uint32 // heap offset of the script text
}

func NewCommandEvalScript(heapOffset uint32) *CommandEvalScript {
	return &CommandEvalScript{newBase(), heapOffset}
}
func (*CommandEvalScript) Kind() CommandKind { return KindEvalScript }

// RelinquishHeapResources clears the command's ownership of its heap
// argument without freeing it.
func (c *CommandEvalScript) RelinquishHeapResources() { c.Arg = shm.NullOffset }

// DeallocateHeapResources frees the command's heap argument and clears its
// ownership of it. Mirrors CommandEvalScript::deallocate_heap_resources.
func (c *CommandEvalScript) DeallocateHeapResources(client *Client) error {
	if c.Arg == shm.NullOffset {
		return nil
	}
	off := c.Arg
	c.Arg = shm.NullOffset
	return client.Deallocate(off)
}

// CommandGetFrame requests a decoded frame of a registered clip.
type CommandGetFrame struct {
	base
	Request VideoFrameRequest
}

func NewCommandGetFrame(req VideoFrameRequest) *CommandGetFrame {
	return &CommandGetFrame{newBase(), req}
}
func (*CommandGetFrame) Kind() CommandKind { return KindGetFrame }

// CommandSetFrame carries a decoded frame back in response to
// CommandGetFrame. The command owns the frame's heap allocation until
// relinquished or deallocated.
type CommandSetFrame struct {
	base
	Frame VideoFrame
}

func NewCommandSetFrame(frame VideoFrame) *CommandSetFrame {
	return &CommandSetFrame{newBase(), frame}
}
func (*CommandSetFrame) Kind() CommandKind { return KindSetFrame }

// RelinquishHeapResources clears the command's ownership of its frame's
// heap allocation without freeing it.
func (c *CommandSetFrame) RelinquishHeapResources() { c.Frame.HeapOffset = shm.NullOffset }

// DeallocateHeapResources frees the command's frame heap allocation and
// clears its ownership of it. Mirrors
// CommandSetFrame::deallocate_heap_resources.
func (c *CommandSetFrame) DeallocateHeapResources(client *Client) error {
	if c.Frame.HeapOffset == shm.NullOffset {
		return nil
	}
	off := c.Frame.HeapOffset
	c.Frame.HeapOffset = shm.NullOffset
	return client.Deallocate(off)
}

// heapOwner is implemented by commands that can own a heap allocation
// (CommandSetScriptVar's string value, CommandEvalScript's argument,
// CommandSetFrame's frame buffer). SendAsync/SendSync/sendAwaitingReply use
// it to free a dropped command's allocation exactly once on a send failure.
type heapOwner interface {
	DeallocateHeapResources(client *Client) error
}
