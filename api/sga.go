// Package api
// Author: momentics <momentics@gmail.com>
//
// Scatter-gather message model. An SGArray references memory; it never
// owns caller memory, but may own a decoder buffer returned by pop.

package api

import "sync"

// Segment is one contiguous buffer of a message.
type Segment struct {
	Buf []byte
}

// Len returns the segment length in bytes.
func (s Segment) Len() int {
	return len(s.Buf)
}

// SGArray is an ordered list of segments forming one logical message.
type SGArray struct {
	Segs []Segment

	release *releaser
}

type releaser struct {
	once sync.Once
	fn   func()
}

// NewSGArray builds an SGArray over caller-owned buffers.
func NewSGArray(bufs ...[]byte) SGArray {
	segs := make([]Segment, len(bufs))
	for i, b := range bufs {
		segs[i] = Segment{Buf: b}
	}
	return SGArray{Segs: segs}
}

// WithRelease attaches fn as the owner's release hook. Release runs it
// at most once across all copies of the returned array.
func (s SGArray) WithRelease(fn func()) SGArray {
	if fn != nil {
		s.release = &releaser{fn: fn}
	}
	return s
}

// NumBufs returns the number of segments.
func (s SGArray) NumBufs() int {
	return len(s.Segs)
}

// Len returns the total payload length across all segments.
func (s SGArray) Len() int {
	n := 0
	for _, seg := range s.Segs {
		n += len(seg.Buf)
	}
	return n
}

// Bytes returns the concatenated payload. It always copies.
func (s SGArray) Bytes() []byte {
	out := make([]byte, 0, s.Len())
	for _, seg := range s.Segs {
		out = append(out, seg.Buf...)
	}
	return out
}

// Release hands backend-allocated memory back to its allocator. Segments
// must not be used afterwards. Safe to call on caller-built arrays.
func (s SGArray) Release() {
	if s.release != nil {
		s.release.once.Do(s.release.fn)
	}
}
