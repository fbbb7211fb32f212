// Package fake
// Author: momentics <momentics@gmail.com>
//
// Fake queue backend for testing the dispatcher and callers built on it.
// Operations never complete on their own; tests script every outcome.

package fake

import (
	"net"
	"sync"
	"time"

	"github.com/momentics/hioload-ioq/api"
)

// Queue is a scripted implementation of api.Queue.
type Queue struct {
	mu       sync.Mutex
	qd       api.QD
	typ      api.QueueType
	addr     net.Addr
	pending  map[api.QToken]api.Opcode
	done     map[api.QToken]completion
	pushed   []api.SGArray
	closed   bool
	opError  error
	closeErr error
	idles    int
	sockets  int
}

type completion struct {
	res api.QueueResult
	err error
}

// NewQueue creates a fake queue with the given descriptor.
func NewQueue(qd api.QD, typ api.QueueType) *Queue {
	return &Queue{
		qd:      qd,
		typ:     typ,
		pending: make(map[api.QToken]api.Opcode),
		done:    make(map[api.QToken]completion),
	}
}

func (q *Queue) QD() api.QD          { return q.qd }
func (q *Queue) Type() api.QueueType { return q.typ }

// Socket counts the call and returns the configured error.
func (q *Queue) Socket(int, int, int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sockets++
	return q.opError
}

// Sockets returns how many times Socket was called.
func (q *Queue) Sockets() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sockets
}

// GetSockName returns the address recorded by Bind.
func (q *Queue) GetSockName() (net.Addr, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.addr == nil {
		return nil, api.ErrInvalidArgument.WithContext("qd", q.qd)
	}
	return q.addr, nil
}

// Bind records addr.
func (q *Queue) Bind(addr net.Addr) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.opError != nil {
		return q.opError
	}
	q.addr = addr
	return nil
}

// Listen implements api.Queue.Listen.
func (q *Queue) Listen(int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.opError
}

func (q *Queue) Accept(qt api.QToken) error             { return q.issue(qt, api.OpAccept) }
func (q *Queue) Connect(qt api.QToken, _ net.Addr) error { return q.issue(qt, api.OpConnect) }
func (q *Queue) Pop(qt api.QToken) error                 { return q.issue(qt, api.OpPop) }

// Push records sga and registers qt.
func (q *Queue) Push(qt api.QToken, sga api.SGArray) error {
	if err := q.issue(qt, api.OpPush); err != nil {
		return err
	}
	q.mu.Lock()
	q.pushed = append(q.pushed, sga)
	q.mu.Unlock()
	return nil
}

func (q *Queue) issue(qt api.QToken, op api.Opcode) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return api.ErrQueueClosed
	}
	if q.opError != nil {
		return q.opError
	}
	if _, ok := q.pending[qt]; ok {
		return api.ErrAlreadyExists.WithContext("qt", qt)
	}
	q.pending[qt] = op
	return nil
}

// Poll returns a scripted completion or api.ErrWouldBlock.
func (q *Queue) Poll(qt api.QToken) (api.QueueResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if c, ok := q.done[qt]; ok {
		delete(q.done, qt)
		return c.res, c.err
	}
	if _, ok := q.pending[qt]; ok {
		return api.QueueResult{}, api.ErrWouldBlock
	}
	return api.QueueResult{}, api.ErrNotFound.WithContext("qt", qt)
}

// Drop forgets qt.
func (q *Queue) Drop(qt api.QToken) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, pending := q.pending[qt]
	_, done := q.done[qt]
	if !pending && !done {
		return api.ErrNotFound.WithContext("qt", qt)
	}
	delete(q.pending, qt)
	delete(q.done, qt)
	return nil
}

// Close implements api.Queue.Close.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closeErr != nil {
		return q.closeErr
	}
	if q.closed {
		return api.ErrQueueClosed
	}
	q.closed = true
	return nil
}

// Valid reports whether Close has not been called.
func (q *Queue) Valid() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.closed
}

// Idle counts calls and returns immediately.
func (q *Queue) Idle(time.Duration) error {
	q.mu.Lock()
	q.idles++
	q.mu.Unlock()
	return nil
}

// Idles returns how often a waiter parked on the queue.
func (q *Queue) Idles() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.idles
}

// Complete finishes the outstanding operation qt with res and err. The
// bookkeeping fields of res are filled in from the token.
func (q *Queue) Complete(qt api.QToken, res api.QueueResult, err error) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	op, ok := q.pending[qt]
	if !ok {
		return false
	}
	delete(q.pending, qt)
	res.Op, res.QD, res.QT = op, q.qd, qt
	q.done[qt] = completion{res: res, err: err}
	return true
}

// CompleteAccept finishes an accept token with child as the new queue.
func (q *Queue) CompleteAccept(qt api.QToken, child api.Queue) bool {
	return q.Complete(qt, api.QueueResult{NewQD: child.QD(), Accepted: child}, nil)
}

// Outstanding returns the tokens issued for op that are not completed.
func (q *Queue) Outstanding(op api.Opcode) []api.QToken {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []api.QToken
	for qt, o := range q.pending {
		if o == op {
			out = append(out, qt)
		}
	}
	return out
}

// Pushed returns every SGA handed to Push.
func (q *Queue) Pushed() []api.SGArray {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]api.SGArray(nil), q.pushed...)
}

// SetOpError makes every later call that can fail return err.
func (q *Queue) SetOpError(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.opError = err
}

// SetCloseError configures the queue to return an error on Close.
func (q *Queue) SetCloseError(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closeErr = err
}
