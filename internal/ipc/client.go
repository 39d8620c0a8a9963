package ipc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/avsw/shmipc/internal/shm"
)

// Role identifies which side of the segment this Client drives: the master
// writes the master-to-slave queue and reads the slave-to-master one, and
// vice versa for the slave.
type Role int

const (
	RoleMaster Role = iota
	RoleSlave
)

// Client is the transport layer above a shm.Segment: transaction-id
// assignment, a pending table routing responses back to blocked callers,
// and a receive loop dispatching anything unsolicited to a caller-supplied
// callback, mirroring the reference IPCClient's recv_thread_func.
type Client struct {
	seg     *shm.Segment
	role    Role
	sendQ   *shm.Queue
	recvQ   *shm.Queue
	selfPID uint32

	onUnsolicited func(Command) // called with nil once the peer has exited

	mu      sync.Mutex
	pending map[uint32]chan Command

	nextTxnID uint32

	g      *errgroup.Group
	cancel context.CancelFunc
	closed atomic.Bool
}

// NewClient wraps seg for the given role. onUnsolicited receives every
// command that is not a response to an outstanding SendSync/pending
// request — including a nil Command once the receive loop observes the
// peer has gone away.
func NewClient(seg *shm.Segment, role Role, onUnsolicited func(Command)) *Client {
	c := &Client{
		seg:           seg,
		role:          role,
		onUnsolicited: onUnsolicited,
		pending:       make(map[uint32]chan Command),
	}
	switch role {
	case RoleMaster:
		c.sendQ, c.recvQ = seg.MasterQueue, seg.SlaveQueue
		c.selfPID = seg.Hdr.MasterPID()
	case RoleSlave:
		c.sendQ, c.recvQ = seg.SlaveQueue, seg.MasterQueue
		c.selfPID = seg.Hdr.SlavePID()
	}
	return c
}

// alive approximates the reference implementation's abandoned-mutex
// detection: it is passed to shm's Queue/Heap operations so a wedged lock
// left by a dead peer is stolen rather than waited on forever.
func (c *Client) alive(pid uint32) bool {
	return processAlive(pid)
}

func processAlive(pid uint32) bool {
	if pid == 0 {
		return false
	}
	_, err := os.Stat(fmt.Sprintf("/proc/%d", pid))
	return err == nil
}

// Start launches the receive loop. It returns immediately; call Stop to
// shut it down and collect its error.
func (c *Client) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	c.g = g
	g.Go(func() error { return c.recvLoop(gctx) })
}

// Stop cancels the receive loop and waits for it to return. Sends made
// after Stop fail with ErrClosed.
func (c *Client) Stop() error {
	c.closed.Store(true)
	if c.cancel != nil {
		c.cancel()
	}
	if c.g == nil {
		return nil
	}
	err := c.g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Client) allocTxnID() uint32 {
	for {
		id := atomic.AddUint32(&c.nextTxnID, 1)
		if id != InvalidTransaction {
			return id
		}
	}
}

// SendAsync encodes cmd and writes it to the outbound queue without
// waiting for a reply. cmd's transaction id is left at InvalidTransaction:
// mirroring the reference IPCClient::send_async, a transaction id is only
// ever assigned when a reply is expected (SendSync, sendAwaitingReply), so
// a fire-and-forget send such as an ACK, an ERR, or a pushed SET_FRAME
// reply does not solicit an ACK of its own from the peer.
func (c *Client) SendAsync(cmd Command) (uint32, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}
	buf, err := Encode(cmd)
	if err != nil {
		c.deallocateDropped(cmd)
		return 0, err
	}
	if err := c.sendQ.Write(c.selfPID, c.alive, buf); err != nil {
		c.deallocateDropped(cmd)
		return 0, err
	}
	return cmd.TransactionID(), nil
}

// deallocateDropped frees cmd's owned heap allocation, if it has one, after
// a failed send: the command will never reach the peer to free it there,
// so ownership reverts to the sender. Mirrors the reference client's
// deallocate_heap_resources call on a send failure in send_async/send_sync.
func (c *Client) deallocateDropped(cmd Command) {
	owner, ok := cmd.(heapOwner)
	if !ok {
		return
	}
	if err := owner.DeallocateHeapResources(c); err != nil {
		logf("ipc: failed to deallocate dropped command's heap resources: %v", err)
	}
}

// SendSync sends cmd and blocks until a reply arrives, ctx is cancelled,
// or the peer exits.
func (c *Client) SendSync(ctx context.Context, cmd Command) (Command, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	id := c.allocTxnID()
	cmd.SetTransactionID(id)

	ch := make(chan Command, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	buf, err := Encode(cmd)
	if err != nil {
		c.forgetPending(id)
		c.deallocateDropped(cmd)
		return nil, err
	}
	if err := c.sendQ.Write(c.selfPID, c.alive, buf); err != nil {
		c.forgetPending(id)
		c.deallocateDropped(cmd)
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok || resp == nil {
			return nil, ErrRemoteExit
		}
		if _, isErr := resp.(*CommandErr); isErr {
			return resp, &IPCError{Op: cmd.Kind().String(), Err: errors.New("peer rejected the request")}
		}
		return resp, nil
	case <-ctx.Done():
		c.forgetPending(id)
		return nil, ctx.Err()
	}
}

// sendAwaitingReply registers a pending entry and writes cmd, returning
// the channel its reply will arrive on without blocking for it. Used by
// Runloop.GetFrame, which must keep servicing inbound commands while its
// own request is outstanding.
func (c *Client) sendAwaitingReply(cmd Command) (<-chan Command, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	id := c.allocTxnID()
	cmd.SetTransactionID(id)

	ch := make(chan Command, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	buf, err := Encode(cmd)
	if err != nil {
		c.forgetPending(id)
		c.deallocateDropped(cmd)
		return nil, err
	}
	if err := c.sendQ.Write(c.selfPID, c.alive, buf); err != nil {
		c.forgetPending(id)
		c.deallocateDropped(cmd)
		return nil, err
	}
	return ch, nil
}

// SetUnsolicitedHandler replaces the callback installed by NewClient. A
// Runloop calls this to route unsolicited commands into its own queue.
func (c *Client) SetUnsolicitedHandler(h func(Command)) {
	c.onUnsolicited = h
}

func (c *Client) forgetPending(id uint32) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Allocate reserves size bytes on the shared heap, returning the payload
// offset for use in a command field such as CommandEvalScript.Arg.
func (c *Client) Allocate(size uint32) (uint32, error) {
	off, err := c.seg.Heap.Alloc(c.selfPID, c.alive, size)
	if err != nil {
		if errors.Is(err, shm.ErrHeapFull) {
			var dump bytes.Buffer
			c.seg.Heap.DumpNodes(&dump)
			return 0, &IPCHeapFull{Requested: size, Dump: dump.String()}
		}
		return 0, err
	}
	return off, nil
}

// Deallocate releases a heap offset previously returned by Allocate.
func (c *Client) Deallocate(off uint32) error {
	if off == shm.NullOffset {
		return nil
	}
	return c.seg.Heap.Free(c.selfPID, c.alive, off)
}

// WriteString allocates a NUL-terminated heap buffer holding s and returns
// its offset, for CommandEvalScript.Arg or Value.StringOff.
func (c *Client) WriteString(s string) (uint32, error) {
	off, err := c.Allocate(uint32(len(s) + 1))
	if err != nil {
		return 0, err
	}
	buf := c.seg.Heap.Payload(off, uint32(len(s)+1))
	copy(buf, s)
	buf[len(s)] = 0
	return off, nil
}

// ReadString reads a NUL-terminated heap buffer previously written by
// WriteString (or by the peer's serialize_internal-equivalent encoding).
func (c *Client) ReadString(off uint32) (string, error) {
	if off == shm.NullOffset {
		return "", nil
	}
	capacity := c.seg.Heap.Capacity()
	if off >= capacity {
		return "", fmt.Errorf("%w: heap string offset %d out of range", ErrProtocol, off)
	}
	buf := c.seg.Heap.Payload(off, capacity-off)
	n := bytes.IndexByte(buf, 0)
	if n < 0 {
		return "", fmt.Errorf("%w: unterminated heap string at offset %d", ErrProtocol, off)
	}
	return string(buf[:n]), nil
}

func (c *Client) recvLoop(ctx context.Context) error {
	for {
		buf, err := c.recvQ.ReadAll(ctx, c.selfPID, c.alive)
		if err != nil {
			if errors.Is(err, shm.ErrQueueClosed) {
				c.handleRemoteExit()
				return ErrRemoteExit
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if buf == nil {
			continue
		}
		cmds, err := DecodeAll(buf)
		if err != nil {
			logf("ipc: dropping malformed frame: %v", err)
			continue
		}
		for _, cmd := range cmds {
			c.dispatch(cmd)
		}
	}
}

func (c *Client) dispatch(cmd Command) {
	if rid := cmd.ResponseID(); rid != InvalidTransaction {
		c.mu.Lock()
		ch, ok := c.pending[rid]
		if ok {
			delete(c.pending, rid)
		}
		c.mu.Unlock()
		if ok {
			ch <- cmd
			return
		}
	}
	if c.onUnsolicited != nil {
		c.onUnsolicited(cmd)
	}
}

func (c *Client) handleRemoteExit() {
	c.closed.Store(true)
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[uint32]chan Command)
	c.mu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
	if c.onUnsolicited != nil {
		c.onUnsolicited(nil)
	}
}
