// File: protocol/pending_read.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Resumable frame decoder for non-blocking byte streams. One PendingRead
// belongs to one descriptor and carries the partial frame across pops.

package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/momentics/hioload-ioq/api"
	"github.com/momentics/hioload-ioq/pool"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "protocol")

// PendingRead accumulates one frame from a non-blocking reader.
//
// The reader contract: n > 0 delivers bytes, api.ErrWouldBlock means no
// data right now, (0, nil) or io.EOF means the peer closed. Reads never
// ask for more than the rest of the current chunk (header, then frame
// body), so bytes of the next frame stay in the transport.
//
// Not safe for concurrent use; pops on one descriptor must not interleave.
type PendingRead struct {
	buf   []byte
	count int
	err   error

	// MaxFrameSize bounds totalLen. Zero means DefaultMaxFrameSize.
	MaxFrameSize uint64
}

// NewPendingRead returns an empty decoder state.
func NewPendingRead(maxFrameSize uint64) *PendingRead {
	return &PendingRead{MaxFrameSize: maxFrameSize}
}

// Buffered returns the number of bytes held for the frame in progress.
func (p *PendingRead) Buffered() int {
	return p.count
}

// Err returns the corruption error that poisoned this state, if any.
func (p *PendingRead) Err() error {
	return p.err
}

// Reset drops any partial frame. A poisoned state stays poisoned.
func (p *PendingRead) Reset() {
	if p.buf != nil {
		pool.PutFrameBuffer(p.buf)
	}
	p.buf = nil
	p.count = 0
}

// Pop advances the frame in progress using r.
//
// It returns the decoded message and its payload byte count once a whole
// frame is buffered; the SGA aliases a buffer owned by the caller from
// then on (release it with SGArray.Release). It returns api.ErrWouldBlock
// when r runs dry mid-frame, io.EOF when the peer closed, and an
// api.ErrCodeCorrupt error, forever after, once the stream desynchronises.
func (p *PendingRead) Pop(r io.Reader) (api.SGArray, int, error) {
	if p.err != nil {
		return api.SGArray{}, 0, p.err
	}
	if p.buf == nil {
		p.buf = pool.GetFrameBuffer(HeaderSize)
		p.count = 0
	}

	if p.count < HeaderSize {
		if err := p.fill(r, HeaderSize); err != nil {
			return api.SGArray{}, 0, err
		}
	}

	if magic := binary.NativeEndian.Uint64(p.buf); magic != Magic {
		return api.SGArray{}, 0, p.poison("bad magic", fmt.Sprintf("%#x", magic))
	}
	totalLen := binary.NativeEndian.Uint64(p.buf[WordSize:])
	if totalLen < WordSize || totalLen > p.maxFrameSize() {
		return api.SGArray{}, 0, p.poison("bad totalLen", totalLen)
	}

	frameLen := HeaderSize + int(totalLen)
	if p.count < frameLen {
		p.buf = pool.GrowFrameBuffer(p.buf, p.count, frameLen)
		if err := p.fill(r, frameLen); err != nil {
			return api.SGArray{}, 0, err
		}
	}

	frame := p.buf[:frameLen]
	sga, total, err := ParseFrame(frame)
	if err != nil {
		p.err = err
		p.Reset()
		return api.SGArray{}, 0, err
	}
	p.buf = nil
	p.count = 0
	return sga.WithRelease(func() { pool.PutFrameBuffer(frame) }), total, nil
}

func (p *PendingRead) fill(r io.Reader, want int) error {
	for p.count < want {
		n, err := r.Read(p.buf[p.count:want])
		if n < 0 || n > want-p.count {
			return api.NewError(api.ErrCodeInternal, "reader returned invalid count").
				WithContext("n", n)
		}
		p.count += n
		switch {
		case err == nil && n == 0:
			return p.eof()
		case err == nil:
			continue
		case p.count == want && (errors.Is(err, io.EOF) || api.IsWouldBlock(err)):
			// chunk complete; the condition resurfaces on the next read
			return nil
		case api.IsWouldBlock(err):
			return api.ErrWouldBlock
		case errors.Is(err, io.EOF):
			return p.eof()
		default:
			return err
		}
	}
	return nil
}

func (p *PendingRead) eof() error {
	if p.count > 0 {
		log.WithField("dropped", p.count).Warn("peer closed mid-frame")
	}
	p.Reset()
	return io.EOF
}

func (p *PendingRead) poison(reason string, v any) error {
	p.err = corrupt(reason, v)
	log.WithFields(logrus.Fields{"reason": reason, "value": v}).Error("frame stream desynchronised")
	p.Reset()
	return p.err
}

func (p *PendingRead) maxFrameSize() uint64 {
	if p.MaxFrameSize == 0 {
		return DefaultMaxFrameSize
	}
	return p.MaxFrameSize
}
