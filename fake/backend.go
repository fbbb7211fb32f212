// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package fake

import (
	"sync"

	"github.com/momentics/hioload-ioq/api"
)

// Backend hands out fake queues through an api.Constructor and keeps
// every queue it created so tests can script completions.
type Backend struct {
	mu     sync.Mutex
	typ    api.QueueType
	queues []*Queue
	fixed  []api.QD
	err    error
}

// NewBackend creates a backend producing queues of type typ.
func NewBackend(typ api.QueueType) *Backend {
	return &Backend{typ: typ}
}

// Constructor returns the api.Constructor to register with a dispatcher.
func (b *Backend) Constructor() api.Constructor {
	return func(alloc api.Allocator) (api.Queue, error) {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.err != nil {
			return nil, b.err
		}
		var qd api.QD
		if len(b.fixed) > 0 {
			qd, b.fixed = b.fixed[0], b.fixed[1:]
		} else {
			qd = alloc.NewQD()
		}
		q := NewQueue(qd, b.typ)
		b.queues = append(b.queues, q)
		return q, nil
	}
}

// UseQD makes the next constructed queues take the given descriptors
// instead of allocating, in order.
func (b *Backend) UseQD(qds ...api.QD) {
	b.mu.Lock()
	b.fixed = append(b.fixed, qds...)
	b.mu.Unlock()
}

// SetError makes the constructor fail with err.
func (b *Backend) SetError(err error) {
	b.mu.Lock()
	b.err = err
	b.mu.Unlock()
}

// Queues returns every queue constructed so far.
func (b *Backend) Queues() []*Queue {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Queue(nil), b.queues...)
}

// Last returns the most recently constructed queue.
func (b *Backend) Last() *Queue {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queues) == 0 {
		return nil
	}
	return b.queues[len(b.queues)-1]
}
