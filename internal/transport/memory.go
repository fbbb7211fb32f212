// File: internal/transport/memory.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// In-process loopback queue: pushes append whole messages to a FIFO and
// pops take them back out in order.

package transport

import (
	"net"
	"sync"

	"github.com/eapache/queue"
	"github.com/momentics/hioload-ioq/api"
)

type memoryQueue struct {
	mu     sync.Mutex
	qd     api.QD
	items  *queue.Queue
	ops    *opTable
	closed bool
}

// NewMemoryQueue is the MemoryQueue constructor.
func NewMemoryQueue(alloc api.Allocator) (api.Queue, error) {
	qd := alloc.NewQD()
	return &memoryQueue{qd: qd, items: queue.New(), ops: newOpTable(qd)}, nil
}

func (q *memoryQueue) QD() api.QD          { return q.qd }
func (q *memoryQueue) Type() api.QueueType { return api.MemoryQueue }

func (q *memoryQueue) Socket(int, int, int) error         { return api.ErrNotSupported }
func (q *memoryQueue) GetSockName() (net.Addr, error)     { return nil, api.ErrNotSupported }
func (q *memoryQueue) Bind(net.Addr) error                { return api.ErrNotSupported }
func (q *memoryQueue) Listen(int) error                   { return api.ErrNotSupported }
func (q *memoryQueue) Accept(api.QToken) error            { return api.ErrNotSupported }
func (q *memoryQueue) Connect(api.QToken, net.Addr) error { return api.ErrNotSupported }

func (q *memoryQueue) Push(qt api.QToken, sga api.SGArray) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return api.ErrQueueClosed
	}
	op, err := q.ops.add(qt, api.OpPush)
	if err != nil {
		return err
	}
	op.sga = sga
	q.ops.advance(api.OpPush, q.stepPush)
	return nil
}

func (q *memoryQueue) Pop(qt api.QToken) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return api.ErrQueueClosed
	}
	if _, err := q.ops.add(qt, api.OpPop); err != nil {
		return err
	}
	q.ops.advance(api.OpPop, q.stepPop)
	return nil
}

func (q *memoryQueue) Poll(qt api.QToken) (api.QueueResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ops.advance(api.OpPush, q.stepPush)
	q.ops.advance(api.OpPop, q.stepPop)
	return q.ops.take(qt)
}

func (q *memoryQueue) Drop(qt api.QToken) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, err := q.ops.drop(qt)
	return err
}

func (q *memoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return api.ErrQueueClosed
	}
	q.closed = true
	q.ops.failAll(api.ErrQueueClosed)
	for q.items.Length() > 0 {
		q.items.Remove().(api.SGArray).Release()
	}
	return nil
}

func (q *memoryQueue) Valid() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.closed
}

// Pending returns the number of messages waiting to be popped.
func (q *memoryQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Length()
}

func (q *memoryQueue) stepPush(op *operation) error {
	q.items.Add(op.sga)
	op.res.Bytes = op.sga.Len()
	return nil
}

func (q *memoryQueue) stepPop(op *operation) error {
	if q.items.Length() == 0 {
		return api.ErrWouldBlock
	}
	sga := q.items.Remove().(api.SGArray)
	op.res.SGA = sga
	op.res.Bytes = sga.Len()
	return nil
}
