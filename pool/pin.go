// File: pool/pin.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Scoped pin/unpin guards for caller-owned buffers referenced by an
// in-flight transport write.

package pool

import (
	"runtime"
	"sync"
	"unsafe"

	"code.hybscloud.com/atomix"
	"github.com/momentics/hioload-ioq/api"
)

// PinGuard ties one pin to one use of a buffer. Release unpins exactly
// once no matter how many times it is called.
type PinGuard struct {
	p        api.Pinner
	buf      []byte
	released bool
}

// Pin pins buf with p and returns the guard owning that pin.
// A nil pinner yields a guard that does nothing.
func Pin(p api.Pinner, buf []byte) *PinGuard {
	if p == nil {
		p = NopPinner{}
	}
	p.Pin(buf)
	return &PinGuard{p: p, buf: buf}
}

// Release unpins the buffer if it is still pinned.
func (g *PinGuard) Release() {
	if g == nil || g.released {
		return
	}
	g.released = true
	g.p.Unpin(g.buf)
}

// NopPinner is used when memory never moves (the Go heap) and nothing
// needs tracking.
type NopPinner struct{}

func (NopPinner) Pin([]byte)   {}
func (NopPinner) Unpin([]byte) {}

// RuntimePinner pins the backing array with runtime.Pinner so the buffer
// may be handed to code outside the Go heap's view.
type RuntimePinner struct {
	mu      sync.Mutex
	pinners map[uintptr]*pinEntry
}

type pinEntry struct {
	pinner runtime.Pinner
	refs   int
}

// NewRuntimePinner creates an empty RuntimePinner.
func NewRuntimePinner() *RuntimePinner {
	return &RuntimePinner{pinners: make(map[uintptr]*pinEntry)}
}

func (rp *RuntimePinner) Pin(buf []byte) {
	if len(buf) == 0 {
		return
	}
	key := bufKey(buf)
	rp.mu.Lock()
	defer rp.mu.Unlock()
	e, ok := rp.pinners[key]
	if !ok {
		e = &pinEntry{}
		e.pinner.Pin(unsafe.SliceData(buf))
		rp.pinners[key] = e
	}
	e.refs++
}

func (rp *RuntimePinner) Unpin(buf []byte) {
	if len(buf) == 0 {
		return
	}
	key := bufKey(buf)
	rp.mu.Lock()
	defer rp.mu.Unlock()
	e, ok := rp.pinners[key]
	if !ok {
		return
	}
	e.refs--
	if e.refs == 0 {
		e.pinner.Unpin()
		delete(rp.pinners, key)
	}
}

// Pinned returns the number of distinct buffers currently pinned.
func (rp *RuntimePinner) Pinned() int {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	return len(rp.pinners)
}

// CountingPinner records pin traffic. It is used by tests and exported
// through debug probes.
type CountingPinner struct {
	pins   atomix.Int64
	unpins atomix.Int64

	mu          sync.Mutex
	outstanding map[uintptr]int
}

// NewCountingPinner creates a CountingPinner.
func NewCountingPinner() *CountingPinner {
	return &CountingPinner{outstanding: make(map[uintptr]int)}
}

func (cp *CountingPinner) Pin(buf []byte) {
	cp.pins.Add(1)
	key := bufKey(buf)
	cp.mu.Lock()
	cp.outstanding[key]++
	cp.mu.Unlock()
}

func (cp *CountingPinner) Unpin(buf []byte) {
	cp.unpins.Add(1)
	key := bufKey(buf)
	cp.mu.Lock()
	if cp.outstanding[key] <= 1 {
		delete(cp.outstanding, key)
	} else {
		cp.outstanding[key]--
	}
	cp.mu.Unlock()
}

// Pins returns the total number of Pin calls.
func (cp *CountingPinner) Pins() int64 { return cp.pins.Load() }

// Unpins returns the total number of Unpin calls.
func (cp *CountingPinner) Unpins() int64 { return cp.unpins.Load() }

// Outstanding returns how many buffers are pinned right now.
func (cp *CountingPinner) Outstanding() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.outstanding)
}

// IsPinned reports whether buf currently holds at least one pin.
func (cp *CountingPinner) IsPinned(buf []byte) bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.outstanding[bufKey(buf)] > 0
}

// bufKey identifies a buffer by its first byte. Empty buffers share key 0.
func bufKey(buf []byte) uintptr {
	if cap(buf) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
}
