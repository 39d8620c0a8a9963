// Package shm implements the shared-memory substrate that bridges a 64-bit
// master process and a 32-bit slave process: the segment layout, the
// duplex ring-buffer queues, and the best-fit heap allocator used to pass
// variable-sized payloads by offset.
//
// Everything above this package (command codec, transaction dispatch,
// reentrant runloop) lives in package ipc. This package never knows about
// commands; it only knows about bytes, offsets, and the futex-backed
// primitives that make them safe to share across a process boundary.
package shm
