// Package ipc implements the command protocol and transport client that
// run on top of package shm's segment, queues, and heap: the fixed-size
// command envelope, the closed set of command kinds exchanged between the
// master and slave processes, and the reentrant runloop a GET_FRAME caller
// uses to keep servicing inbound requests from its peer while its own
// request is still outstanding.
package ipc
