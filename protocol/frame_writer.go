// File: protocol/frame_writer.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Resumable frame encoder for non-blocking writers.

package protocol

import (
	"encoding/binary"
	"io"

	"github.com/momentics/hioload-ioq/api"
	"github.com/momentics/hioload-ioq/pool"
)

// FrameWriter writes one frame over as many calls as the writer needs.
// The frame is a sequence of pieces: the fixed header, then a length word
// and a buffer for each segment. The buffer being written stays pinned
// until it is fully accepted by the writer.
type FrameWriter struct {
	sga api.SGArray
	p   api.Pinner

	hdr    [HeaderSize + WordSize]byte
	lenHdr [WordSize]byte

	piece   int
	off     int
	written int
	guard   *pool.PinGuard
}

// NewFrameWriter prepares the frame for sga. Nothing is written until
// Advance is called.
func NewFrameWriter(sga api.SGArray, p api.Pinner) *FrameWriter {
	fw := &FrameWriter{sga: sga, p: p}
	binary.NativeEndian.PutUint64(fw.hdr[0:], Magic)
	binary.NativeEndian.PutUint64(fw.hdr[WordSize:], TotalLen(sga))
	binary.NativeEndian.PutUint64(fw.hdr[HeaderSize:], uint64(len(sga.Segs)))
	return fw
}

// Advance writes as much of the frame as w accepts. It returns nil once
// the frame is complete and api.ErrWouldBlock when w reported would-block
// or a short write. Any other error ends the frame and releases its pin.
func (fw *FrameWriter) Advance(w io.Writer) error {
	pieces := 1 + 2*len(fw.sga.Segs)
	for fw.piece < pieces {
		buf, payload := fw.current()
		if fw.off < len(buf) {
			if payload && fw.guard == nil {
				fw.guard = pool.Pin(fw.p, buf)
			}
			n, err := w.Write(buf[fw.off:])
			if n > 0 {
				fw.off += n
			}
			if err != nil {
				if api.IsWouldBlock(err) {
					return api.ErrWouldBlock
				}
				fw.Release()
				return api.Errorf(api.ErrCodeIO, err, "could not write frame").
					WithContext("segment", (fw.piece-1)/2)
			}
			if fw.off < len(buf) {
				return api.ErrWouldBlock
			}
		}
		if payload {
			fw.guard.Release()
			fw.guard = nil
			fw.written += len(buf)
		}
		fw.piece++
		fw.off = 0
	}
	return nil
}

func (fw *FrameWriter) current() ([]byte, bool) {
	if fw.piece == 0 {
		return fw.hdr[:], false
	}
	seg := fw.sga.Segs[(fw.piece-1)/2].Buf
	if fw.piece%2 == 1 {
		binary.NativeEndian.PutUint64(fw.lenHdr[:], uint64(len(seg)))
		return fw.lenHdr[:], false
	}
	return seg, true
}

// Started reports whether any byte of the frame has been written.
func (fw *FrameWriter) Started() bool {
	return fw.piece > 0 || fw.off > 0
}

// Written returns the payload bytes fully written so far.
func (fw *FrameWriter) Written() int {
	return fw.written
}

// Release drops the pin on a partly written buffer. The frame cannot be
// resumed afterwards.
func (fw *FrameWriter) Release() {
	fw.guard.Release()
	fw.guard = nil
}
