// File: internal/shm/ring.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Single-producer single-consumer byte ring over a shared segment.
// Indices are monotonic; position = index & mask. The producer publishes
// data with a release store of tail, the consumer frees space with a
// release store of head.

package shm

import (
	"errors"
	"io"

	"code.hybscloud.com/atomix"
	"github.com/momentics/hioload-ioq/api"
)

// ErrRingClosed is returned by Write after the producer side closed.
var ErrRingClosed = errors.New("shm: ring closed")

// Ring is a lock-free SPSC byte ring. Exactly one goroutine may write and
// one may read at a time.
type Ring struct {
	_      [64]byte
	head   atomix.Uint64 // consumer
	_      [56]byte
	tail   atomix.Uint64 // producer
	_      [56]byte
	closed atomix.Bool

	data []byte
	mask uint64
}

// NewRing builds a ring over mem. len(mem) must be a power of two.
func NewRing(mem []byte) (*Ring, error) {
	n := len(mem)
	if n < 2 || n&(n-1) != 0 {
		return nil, api.ErrInvalidArgument.WithContext("ring_size", n)
	}
	return &Ring{data: mem, mask: uint64(n - 1)}, nil
}

// Cap returns the ring capacity in bytes.
func (r *Ring) Cap() int {
	return len(r.data)
}

// Buffered returns the number of readable bytes.
func (r *Ring) Buffered() int {
	return int(r.tail.LoadAcquire() - r.head.LoadAcquire())
}

// Free returns the number of writable bytes.
func (r *Ring) Free() int {
	return len(r.data) - r.Buffered()
}

// Write copies as much of p as fits. It returns api.ErrWouldBlock when the
// ring is full.
func (r *Ring) Write(p []byte) (int, error) {
	if r.closed.Load() {
		return 0, ErrRingClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	tail := r.tail.LoadRelaxed()
	free := uint64(len(r.data)) - (tail - r.head.LoadAcquire())
	if free == 0 {
		return 0, api.ErrWouldBlock
	}
	n := uint64(len(p))
	if n > free {
		n = free
	}
	pos := tail & r.mask
	first := copy(r.data[pos:], p[:n])
	copy(r.data, p[first:n])
	r.tail.StoreRelease(tail + n)
	return int(n), nil
}

// Read copies buffered bytes into p. An empty ring yields api.ErrWouldBlock
// while open and io.EOF once the producer closed.
func (r *Ring) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	head := r.head.LoadRelaxed()
	avail := r.tail.LoadAcquire() - head
	if avail == 0 {
		if r.closed.Load() {
			// re-check: data may have landed before the close flag
			if r.tail.LoadAcquire() == head {
				return 0, io.EOF
			}
			avail = r.tail.LoadAcquire() - head
		} else {
			return 0, api.ErrWouldBlock
		}
	}
	n := uint64(len(p))
	if n > avail {
		n = avail
	}
	pos := head & r.mask
	first := copy(p[:n], r.data[pos:])
	copy(p[first:n], r.data)
	r.head.StoreRelease(head + n)
	return int(n), nil
}

// Close marks the producer side finished. Buffered bytes stay readable.
func (r *Ring) Close() {
	r.closed.Store(true)
}

// Closed reports whether the producer side closed.
func (r *Ring) Closed() bool {
	return r.closed.Load()
}
