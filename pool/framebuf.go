// File: pool/framebuf.go
// Author: momentics <momentics@gmail.com>
//
// Size-classed frame buffer allocation backed by mcache.

package pool

import (
	"github.com/bytedance/gopkg/lang/dirtmake"
	"github.com/bytedance/gopkg/lang/mcache"
)

// GetFrameBuffer returns a buffer of length n from the size-classed cache.
// Contents are not zeroed.
func GetFrameBuffer(n int) []byte {
	return mcache.Malloc(n)
}

// GrowFrameBuffer returns a buffer of length n holding buf[:keep]. The old
// buffer is returned to the cache when a new one has to be taken.
func GrowFrameBuffer(buf []byte, keep, n int) []byte {
	if n <= cap(buf) {
		return buf[:n]
	}
	nbuf := mcache.Malloc(n)
	copy(nbuf, buf[:keep])
	PutFrameBuffer(buf)
	return nbuf
}

// PutFrameBuffer returns buf to the cache. Buffers that did not come from
// GetFrameBuffer are tolerated by mcache as long as cap is a power of two;
// others are left to the GC.
func PutFrameBuffer(buf []byte) {
	if cap(buf) == 0 || cap(buf)&(cap(buf)-1) != 0 {
		return
	}
	mcache.Free(buf)
}

// ScratchBuffer returns an uninitialised buffer of length n for one-shot
// encoding. It is not pooled.
func ScratchBuffer(n int) []byte {
	return dirtmake.Bytes(n, n)
}
