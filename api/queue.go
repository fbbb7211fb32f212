// File: api/queue.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Backend queue capability contract. Every transport variant (kernel
// sockets, netstack streams, memory FIFOs, shared-memory channels)
// implements Queue; the dispatcher only ever talks to this interface.

package api

import (
	"net"
	"os"
	"time"
)

// Queue is one live queue object owned by exactly one backend variant.
//
// Accept, Connect, Push and Pop only register the operation under qt and
// return immediately. Poll advances the queue and reports the outcome:
// ErrWouldBlock while the operation is still in flight, the result on
// completion. A completed or dropped token is forgotten by the queue.
type Queue interface {
	QD() QD
	Type() QueueType

	Socket(domain, typ, protocol int) error
	GetSockName() (net.Addr, error)
	Bind(addr net.Addr) error
	Listen(backlog int) error
	Accept(qt QToken) error
	Connect(qt QToken, addr net.Addr) error
	Close() error

	Push(qt QToken, sga SGArray) error
	Pop(qt QToken) error
	Poll(qt QToken) (QueueResult, error)
	Drop(qt QToken) error

	// Valid reports whether the queue can still accept operations.
	Valid() bool
}

// Allocator hands out descriptors from the dispatcher's virtual space.
type Allocator interface {
	NewQD() QD
}

// Constructor creates a queue object for one QueueType.
type Constructor func(alloc Allocator) (Queue, error)

// FileOpener is implemented by queues that can wrap a plain file.
type FileOpener interface {
	Open(path string, flags int, perm os.FileMode) error
}

// Idler is implemented by queues that can sleep until their transport is
// ready instead of being spun on by wait helpers.
type Idler interface {
	Idle(timeout time.Duration) error
}

// Pinner keeps caller memory stable while a transport references it.
type Pinner interface {
	Pin(buf []byte)
	Unpin(buf []byte)
}

// ChannelAddr names a shared-memory channel.
type ChannelAddr struct {
	Name string
}

// Network implements net.Addr.
func (a ChannelAddr) Network() string { return "shm" }

// String implements net.Addr.
func (a ChannelAddr) String() string { return a.Name }
