// File: protocol/frame_codec.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Frame encoding and bounds-checked frame parsing.

package protocol

import (
	"encoding/binary"
	"io"

	"github.com/momentics/hioload-ioq/api"
	"github.com/momentics/hioload-ioq/pool"
)

// TotalLen returns the totalLen header value for sga.
func TotalLen(sga api.SGArray) uint64 {
	n := uint64(WordSize)
	for _, seg := range sga.Segs {
		n += WordSize + uint64(len(seg.Buf))
	}
	return n
}

// FrameLen returns the full on-wire size of sga.
func FrameLen(sga api.SGArray) int {
	return HeaderSize + int(TotalLen(sga))
}

// AppendFrame appends the encoded frame for sga to dst and returns the
// extended slice.
func AppendFrame(dst []byte, sga api.SGArray) []byte {
	dst = binary.NativeEndian.AppendUint64(dst, Magic)
	dst = binary.NativeEndian.AppendUint64(dst, TotalLen(sga))
	dst = binary.NativeEndian.AppendUint64(dst, uint64(len(sga.Segs)))
	for _, seg := range sga.Segs {
		dst = binary.NativeEndian.AppendUint64(dst, uint64(len(seg.Buf)))
		dst = append(dst, seg.Buf...)
	}
	return dst
}

// WriteFrame writes one frame for sga to w and returns the payload bytes
// written. Each buffer is pinned with p only for the duration of its own
// write. A short or failed write at any step is a hard failure.
func WriteFrame(w io.Writer, sga api.SGArray, p api.Pinner) (int, error) {
	var hdr [HeaderSize + WordSize]byte
	binary.NativeEndian.PutUint64(hdr[0:], Magic)
	binary.NativeEndian.PutUint64(hdr[WordSize:], TotalLen(sga))
	binary.NativeEndian.PutUint64(hdr[HeaderSize:], uint64(len(sga.Segs)))
	if err := writeFull(w, hdr[:]); err != nil {
		return 0, api.Errorf(api.ErrCodeIO, err, "could not write frame header")
	}

	total := 0
	for i, seg := range sga.Segs {
		var lenHdr [WordSize]byte
		binary.NativeEndian.PutUint64(lenHdr[:], uint64(len(seg.Buf)))
		if err := writeFull(w, lenHdr[:]); err != nil {
			return total, api.Errorf(api.ErrCodeIO, err, "could not write sga entry len").
				WithContext("segment", i)
		}
		if err := writeSegment(w, seg.Buf, p); err != nil {
			return total, api.Errorf(api.ErrCodeIO, err, "could not write sga buf").
				WithContext("segment", i)
		}
		total += len(seg.Buf)
	}
	return total, nil
}

// writeSegment holds the pin on buf across its write only.
func writeSegment(w io.Writer, buf []byte, p api.Pinner) error {
	guard := pool.Pin(p, buf)
	defer guard.Release()
	return writeFull(w, buf)
}

func writeFull(w io.Writer, b []byte) error {
	if len(b) == 0 {
		return nil
	}
	n, err := w.Write(b)
	if err != nil {
		return err
	}
	if n < len(b) {
		return io.ErrShortWrite
	}
	return nil
}

// ParseFrame splits a complete frame into segments that alias frame.
// It returns the payload byte count.
func ParseFrame(frame []byte) (api.SGArray, int, error) {
	if len(frame) < HeaderSize+WordSize {
		return api.SGArray{}, 0, corrupt("frame too short", len(frame))
	}
	if m := binary.NativeEndian.Uint64(frame); m != Magic {
		return api.SGArray{}, 0, corrupt("bad magic", m)
	}
	if tl := binary.NativeEndian.Uint64(frame[WordSize:]); tl != uint64(len(frame)-HeaderSize) {
		return api.SGArray{}, 0, corrupt("totalLen mismatch", tl)
	}

	off := HeaderSize
	numBufs := binary.NativeEndian.Uint64(frame[off:])
	off += WordSize
	if numBufs > uint64(len(frame)-off)/WordSize {
		return api.SGArray{}, 0, corrupt("num_bufs exceeds frame", numBufs)
	}

	segs := make([]api.Segment, numBufs)
	total := 0
	for i := range segs {
		if len(frame)-off < WordSize {
			return api.SGArray{}, 0, corrupt("truncated entry len", i)
		}
		l := binary.NativeEndian.Uint64(frame[off:])
		off += WordSize
		if l > uint64(len(frame)-off) {
			return api.SGArray{}, 0, corrupt("entry overruns frame", l)
		}
		end := off + int(l)
		segs[i] = api.Segment{Buf: frame[off:end:end]}
		off = end
		total += int(l)
	}
	if off != len(frame) {
		return api.SGArray{}, 0, corrupt("trailing bytes", len(frame)-off)
	}
	return api.SGArray{Segs: segs}, total, nil
}

func corrupt(reason string, v any) error {
	return api.ErrCorruptStream.WithContext("reason", reason).WithContext("value", v)
}
