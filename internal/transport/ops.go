// File: internal/transport/ops.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Token bookkeeping shared by every backend: one record per outstanding
// token and one FIFO per opcode so operations on a descriptor complete in
// issuance order.

package transport

import (
	"net"

	"github.com/eapache/queue"
	"github.com/momentics/hioload-ioq/api"
)

// operation is one outstanding asynchronous request.
type operation struct {
	qt   api.QToken
	op   api.Opcode
	sga  api.SGArray
	addr net.Addr

	done    bool
	dropped bool
	res     api.QueueResult
	err     error

	// state carries backend specific progress (e.g. a connect in flight).
	state any
	// partial marks an operation with bytes already on the wire. It runs
	// to completion even after its token is dropped.
	partial bool
	// abort releases what an unfinished operation holds.
	abort func()
}

func (op *operation) release() {
	if op.abort != nil {
		op.abort()
		op.abort = nil
	}
}

// discard frees a completed result nobody will take.
func (op *operation) discard() {
	if op.res.Accepted != nil {
		_ = op.res.Accepted.Close()
		op.res.Accepted = nil
	}
	if op.op == api.OpPop {
		op.res.SGA.Release()
	}
}

// stepFunc tries to complete op. It returns api.ErrWouldBlock when no
// progress is possible yet; any other return value completes op.
type stepFunc func(op *operation) error

// opTable is not synchronised; owners guard it with their own mutex.
type opTable struct {
	qd    api.QD
	ops   map[api.QToken]*operation
	fifos map[api.Opcode]*queue.Queue
}

func newOpTable(qd api.QD) *opTable {
	return &opTable{
		qd:    qd,
		ops:   make(map[api.QToken]*operation),
		fifos: make(map[api.Opcode]*queue.Queue),
	}
}

// add registers a new operation for qt.
func (t *opTable) add(qt api.QToken, code api.Opcode) (*operation, error) {
	if _, ok := t.ops[qt]; ok {
		return nil, api.ErrAlreadyExists.WithContext("qt", qt)
	}
	op := &operation{qt: qt, op: code}
	op.res = api.QueueResult{Op: code, QD: t.qd, QT: qt, NewQD: api.InvalidQD}
	t.ops[qt] = op
	f, ok := t.fifos[code]
	if !ok {
		f = queue.New()
		t.fifos[code] = f
	}
	f.Add(op)
	return op, nil
}

// lookup returns the operation for qt.
func (t *opTable) lookup(qt api.QToken) (*operation, error) {
	op, ok := t.ops[qt]
	if !ok {
		return nil, api.ErrNotFound.WithContext("qt", qt)
	}
	return op, nil
}

// advance runs step over the FIFO for code from its head until one
// operation would block.
func (t *opTable) advance(code api.Opcode, step stepFunc) {
	f, ok := t.fifos[code]
	if !ok {
		return
	}
	for f.Length() > 0 {
		op := f.Peek().(*operation)
		if op.done || (op.dropped && !op.partial) {
			f.Remove()
			continue
		}
		err := step(op)
		if api.IsWouldBlock(err) {
			return
		}
		op.done = true
		op.err = err
		op.release()
		f.Remove()
		if op.dropped {
			op.discard()
		}
	}
}

// take returns the outcome of qt and forgets it once complete.
func (t *opTable) take(qt api.QToken) (api.QueueResult, error) {
	op, err := t.lookup(qt)
	if err != nil {
		return api.QueueResult{}, err
	}
	if !op.done {
		return api.QueueResult{}, api.ErrWouldBlock
	}
	delete(t.ops, qt)
	return op.res, op.err
}

// drop forgets qt without resolving it. A result that already completed
// is freed: an accepted queue is closed and a popped message released.
func (t *opTable) drop(qt api.QToken) (*operation, error) {
	op, err := t.lookup(qt)
	if err != nil {
		return nil, err
	}
	op.dropped = true
	delete(t.ops, qt)
	switch {
	case op.done:
		op.discard()
	case !op.partial:
		op.release()
	}
	return op, nil
}

// failAll completes every outstanding operation with err.
func (t *opTable) failAll(err error) {
	for _, f := range t.fifos {
		for f.Length() > 0 {
			op := f.Remove().(*operation)
			if !op.done {
				op.release()
			}
			if !op.done && !op.dropped {
				op.done = true
				op.err = err
			}
		}
	}
}

// pending returns the number of unresolved operations.
func (t *opTable) pending() int {
	n := 0
	for _, op := range t.ops {
		if !op.done {
			n++
		}
	}
	return n
}

// queued returns the number of operations of one opcode still waiting in
// issuance order, including dropped ones finishing a partial write.
func (t *opTable) queued(code api.Opcode) int {
	f, ok := t.fifos[code]
	if !ok {
		return 0
	}
	return f.Length()
}

// pendingOf returns the number of unresolved operations of one opcode.
func (t *opTable) pendingOf(code api.Opcode) int {
	n := 0
	for _, op := range t.ops {
		if op.op == code && !op.done {
			n++
		}
	}
	return n
}
