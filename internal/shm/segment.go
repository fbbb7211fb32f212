// File: internal/shm/segment.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Shared memory segment carrying the two rings of one channel.

package shm

import (
	"sync"

	"github.com/momentics/hioload-ioq/api"
)

// Segment is a mapped region split into two rings, one per direction.
type Segment struct {
	mem   []byte
	once  sync.Once
	refs  int32
	mu    sync.Mutex
	unmap func([]byte) error

	AtoB *Ring
	BtoA *Ring
}

// NewSegment maps 2*ringSize bytes and builds both rings. ringSize must be
// a power of two.
func NewSegment(ringSize int) (*Segment, error) {
	if ringSize < 2 || ringSize&(ringSize-1) != 0 {
		return nil, api.ErrInvalidArgument.WithContext("ring_size", ringSize)
	}
	mem, unmap, err := mapShared(2 * ringSize)
	if err != nil {
		return nil, api.Errorf(api.ErrCodeIO, err, "shm: map segment")
	}
	a, _ := NewRing(mem[:ringSize:ringSize])
	b, _ := NewRing(mem[ringSize:])
	return &Segment{mem: mem, unmap: unmap, refs: 2, AtoB: a, BtoA: b}, nil
}

// Size returns the mapped size in bytes.
func (s *Segment) Size() int {
	return len(s.mem)
}

// Release drops one endpoint's reference; the mapping goes away with the
// last one.
func (s *Segment) Release() error {
	s.mu.Lock()
	s.refs--
	last := s.refs == 0
	s.mu.Unlock()
	if !last {
		return nil
	}
	var err error
	s.once.Do(func() {
		err = s.unmap(s.mem)
		s.mem = nil
	})
	return err
}

// Endpoint is one side of a channel: it writes tx and reads rx.
type Endpoint struct {
	seg *Segment
	Tx  *Ring
	Rx  *Ring
}

// Pair returns the two endpoints of the segment.
func (s *Segment) Pair() (a, b *Endpoint) {
	return &Endpoint{seg: s, Tx: s.AtoB, Rx: s.BtoA}, &Endpoint{seg: s, Tx: s.BtoA, Rx: s.AtoB}
}

// Close ends this side's writes and releases its segment reference.
func (e *Endpoint) Close() error {
	e.Tx.Close()
	return e.seg.Release()
}
