// File: api/types.go
// Author: momentics <momentics@gmail.com>
//
// Shared API-level type declarations: descriptors, tokens, queue types,
// opcodes and poll results.

package api

import (
	"fmt"
	"net"
)

// QD is a queue descriptor. It is unique while the queue is live.
type QD int32

// InvalidQD marks a queue that has no descriptor yet (e.g. a posix queue
// before socket or open).
const InvalidQD QD = -1

// VirtualQDBase is the first descriptor handed out by the dispatcher
// allocator. Native fds used as descriptors stay below it in practice.
const VirtualQDBase QD = 1 << 20

// QueueType selects the registered backend constructor.
type QueueType int

const (
	MemoryQueue QueueType = iota
	NetworkQueue
	SharedQueue
)

func (t QueueType) String() string {
	switch t {
	case MemoryQueue:
		return "memory"
	case NetworkQueue:
		return "network"
	case SharedQueue:
		return "shared"
	default:
		return fmt.Sprintf("queue-type(%d)", int(t))
	}
}

// QToken identifies one outstanding asynchronous operation. The high 32
// bits carry the descriptor the operation was issued against.
type QToken uint64

// NewQToken packs qd and a sequence number into a token.
func NewQToken(qd QD, seq uint32) QToken {
	return QToken(uint64(uint32(qd))<<32 | uint64(seq))
}

// QD returns the descriptor the token was issued for.
func (qt QToken) QD() QD {
	return QD(int32(uint32(qt >> 32)))
}

// Seq returns the per-dispatcher sequence part of the token.
func (qt QToken) Seq() uint32 {
	return uint32(qt)
}

func (qt QToken) String() string {
	return fmt.Sprintf("qt(%d:%d)", qt.QD(), qt.Seq())
}

// Opcode names the asynchronous operation behind a token.
type Opcode int

const (
	OpInvalid Opcode = iota
	OpPush
	OpPop
	OpAccept
	OpConnect
)

func (o Opcode) String() string {
	switch o {
	case OpPush:
		return "push"
	case OpPop:
		return "pop"
	case OpAccept:
		return "accept"
	case OpConnect:
		return "connect"
	default:
		return "invalid"
	}
}

// Socket domain and type constants understood by every backend. Values
// match Linux so the posix backend passes them through unchanged.
const (
	AFUnix  = 1
	AFInet  = 2
	AFInet6 = 10
	AFVsock = 40

	SockStream = 1
	SockDgram  = 2
)

// QueueResult is the outcome of a completed operation.
type QueueResult struct {
	Op  Opcode
	QD  QD
	QT  QToken
	SGA SGArray // pop payload

	// Bytes is the payload byte count moved by a push or pop.
	Bytes int

	// EOF is set on a pop that observed end-of-stream (peer closed).
	EOF bool

	// NewQD and Accepted describe the connection produced by an accept.
	// The dispatcher registers Accepted before returning the result.
	NewQD    QD
	Accepted Queue
	Addr     net.Addr
}
