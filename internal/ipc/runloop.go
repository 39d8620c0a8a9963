package ipc

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
)

// FrameService decodes the requested frame of a registered clip. It is the
// Go analog of AVSProxy::service_remote_getframe: returning an error (clip
// not found, decode failure) causes the runloop to reply with CommandErr
// instead of CommandSetFrame.
type FrameService func(req VideoFrameRequest) (VideoFrame, error)

// Runloop is the reentrant command pump sitting above a Client, grounded on
// AVSProxy::get_frame_runloop: a single-threaded script environment can
// only answer one frame request at a time, so a request the peer sends
// while this goroutine is itself blocked waiting on its own GET_FRAME
// reply must be serviced from right here rather than inline on the
// Client's receive goroutine.
type Runloop struct {
	client  *Client
	service FrameService

	queue      chan Command
	remoteExit chan struct{}
	closeOnce  func()

	activeRequest atomic.Uint64
}

// NewRunloop creates a Runloop driving client. It replaces client's
// unsolicited-command handler, so call this before client.Start.
func NewRunloop(client *Client, service FrameService) *Runloop {
	r := &Runloop{
		client:     client,
		service:    service,
		queue:      make(chan Command, 64),
		remoteExit: make(chan struct{}),
	}
	var closed bool
	r.closeOnce = func() {
		if !closed {
			closed = true
			close(r.remoteExit)
		}
	}
	client.SetUnsolicitedHandler(r.enqueue)
	return r
}

func (r *Runloop) enqueue(cmd Command) {
	if cmd == nil {
		r.closeOnce()
		return
	}
	select {
	case r.queue <- cmd:
	default:
		logf("ipc: runloop queue full, dropping reentrant %s", cmd.Kind())
	}
}

func (r *Runloop) sendAck(responseID uint32) {
	if responseID == InvalidTransaction {
		return
	}
	ack := NewCommandAck()
	ack.SetResponseID(responseID)
	if _, err := r.client.SendAsync(ack); err != nil {
		logf("ipc: failed to send ack: %v", err)
	}
}

func (r *Runloop) sendErr(responseID uint32) {
	if responseID == InvalidTransaction {
		return
	}
	e := NewCommandErr()
	e.SetResponseID(responseID)
	if _, err := r.client.SendAsync(e); err != nil {
		logf("ipc: failed to send err: %v", err)
	}
}

// drainReject rejects every command currently queued with CommandErr
// without servicing any of them, mirroring reject_commands: leftovers from
// a previous, already-resolved frame request are not worth answering.
func (r *Runloop) drainReject() {
	for {
		select {
		case cmd := <-r.queue:
			r.sendErr(cmd.TransactionID())
		default:
			return
		}
	}
}

// Run drains and services inbound commands until ctx is cancelled or the
// peer exits. A master or slave calls this from its idle loop when it is
// not itself blocked inside GetFrame. Any non-GET_FRAME command is
// rejected with CommandErr, matching get_frame_runloop's own loop: only a
// reentrant GET_FRAME can be serviced by this pump.
func (r *Runloop) Run(ctx context.Context) error {
	for {
		select {
		case cmd := <-r.queue:
			r.serviceOrReject(cmd)
		case <-r.remoteExit:
			return ErrRemoteExit
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// GetFrame issues a GET_FRAME request and waits for its SET_FRAME reply,
// servicing any reentrant GET_FRAME the peer sends in the meantime rather
// than starving it behind our own wait, and rejecting anything else with
// CommandErr. If a later GetFrame call supersedes this one before its
// reply arrives, GetFrame returns ErrStaleRequest and tells the peer so —
// AVSProxy's m_active_request counter-mismatch rejection, since the
// underlying script environment can only honor one outstanding frame
// request at a time.
func (r *Runloop) GetFrame(ctx context.Context, req VideoFrameRequest) (*VideoFrame, error) {
	select {
	case <-r.remoteExit:
		return nil, ErrRemoteExit
	default:
	}
	r.drainReject()

	myRequest := r.activeRequest.Add(1)
	replyCh, err := r.client.sendAwaitingReply(NewCommandGetFrame(req))
	if err != nil {
		return nil, err
	}

	resp, err := r.waitForReply(ctx, replyCh)
	if err != nil {
		return nil, err
	}

	r.drainReject()

	if stale := r.activeRequest.Load() != myRequest; stale {
		r.sendErr(resp.TransactionID())
		return nil, ErrStaleRequest
	}
	r.sendAck(resp.TransactionID())
	return frameFromReply(resp)
}

// waitForReply blocks until replyCh produces our own response, servicing
// any reentrant GET_FRAME the peer sends in the meantime. Split out from
// GetFrame so a test can drive the counter-mismatch race deterministically
// without a real round trip.
func (r *Runloop) waitForReply(ctx context.Context, replyCh <-chan Command) (Command, error) {
	for {
		select {
		case got, ok := <-replyCh:
			if !ok || got == nil {
				return nil, ErrRemoteExit
			}
			return got, nil
		case cmd := <-r.queue:
			r.serviceOrReject(cmd)
		case <-r.remoteExit:
			return nil, ErrRemoteExit
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func frameFromReply(resp Command) (*VideoFrame, error) {
	if _, ok := resp.(*CommandErr); ok {
		return nil, &IPCError{Op: "GET_FRAME", Err: errors.New("peer rejected the request")}
	}
	setFrame, ok := resp.(*CommandSetFrame)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected reply kind %s to GET_FRAME", ErrProtocol, resp.Kind())
	}
	frame := setFrame.Frame
	return &frame, nil
}

// serviceOrReject answers a reentrant GET_FRAME via FrameService, or
// rejects any other command kind with CommandErr — only GET_FRAME is ever
// serviceable reentrantly, matching get_frame_runloop's own drain loop.
func (r *Runloop) serviceOrReject(cmd Command) {
	get, ok := cmd.(*CommandGetFrame)
	if !ok {
		r.sendErr(cmd.TransactionID())
		return
	}
	if r.service == nil {
		r.sendErr(get.TransactionID())
		return
	}
	frame, err := r.service(get.Request)
	if err != nil {
		r.sendErr(get.TransactionID())
		return
	}
	reply := NewCommandSetFrame(frame)
	reply.SetResponseID(get.TransactionID())
	if _, err := r.client.SendAsync(reply); err != nil {
		logf("ipc: failed to send reply to reentrant GET_FRAME: %v", err)
	}
}
