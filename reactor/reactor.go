// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral readiness reactor used to sleep until a descriptor can
// make progress instead of spinning on poll.

package reactor

import "time"

// FDEventType is a readiness interest or result mask.
type FDEventType uint32

const (
	EventRead FDEventType = 1 << iota
	EventWrite
	EventError
)

// Event reports readiness of one descriptor.
type Event struct {
	Fd     int
	Events FDEventType
}

// Reactor is a level-triggered readiness multiplexer. Readiness that is
// not consumed by a read or write is reported again by the next Wait.
type Reactor interface {
	Register(fd int, events FDEventType) error
	Modify(fd int, events FDEventType) error
	Unregister(fd int) error

	// Wait blocks up to timeout (negative means forever) and fills events.
	// An interrupted wait returns 0 events and no error.
	Wait(events []Event, timeout time.Duration) (int, error)

	Close() error
}

func timeoutMillis(d time.Duration) int {
	if d < 0 {
		return -1
	}
	ms := int(d / time.Millisecond)
	if ms == 0 && d > 0 {
		ms = 1
	}
	return ms
}
