// Package transport
// Author: momentics <momentics@gmail.com>
//
// Backend queue variants behind the api.Queue contract and the options
// they share. Each backend hands out a Constructor that the dispatcher
// registers for one QueueType.

package transport

import (
	"time"

	"github.com/momentics/hioload-ioq/api"
	"github.com/momentics/hioload-ioq/pool"
	"github.com/momentics/hioload-ioq/protocol"
)

// Options carries the tunables every backend shares.
type Options struct {
	// MaxFrameSize bounds the totalLen a decoder accepts.
	MaxFrameSize uint64
	// WriteTimeout bounds a netstack helper write on a congested conn.
	WriteTimeout time.Duration
	// RingSize is the per-direction ring size of shared channels.
	RingSize int
	// HelperPoolSize caps the goroutines the netstack backend runs.
	HelperPoolSize int
	// Pinner protects caller buffers while they are written.
	Pinner api.Pinner
}

// DefaultOptions returns the options used when a field is left zero.
func DefaultOptions() Options {
	return Options{
		MaxFrameSize:   protocol.DefaultMaxFrameSize,
		WriteTimeout:   5 * time.Second,
		RingSize:       1 << 20,
		HelperPoolSize: 1024,
		Pinner:         pool.NopPinner{},
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxFrameSize == 0 {
		o.MaxFrameSize = d.MaxFrameSize
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = d.WriteTimeout
	}
	if o.RingSize == 0 {
		o.RingSize = d.RingSize
	}
	if o.HelperPoolSize <= 0 {
		o.HelperPoolSize = d.HelperPoolSize
	}
	if o.Pinner == nil {
		o.Pinner = d.Pinner
	}
	return o
}
