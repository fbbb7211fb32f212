//go:build !linux
// +build !linux

// File: internal/transport/posix_other.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The posix backend is Linux only; other platforms use netstack.

package transport

import (
	"time"

	"github.com/momentics/hioload-ioq/api"
)

// PosixBackend is unavailable on this platform.
type PosixBackend struct{}

// NewPosixBackend always fails off Linux.
func NewPosixBackend(Options) (*PosixBackend, error) {
	return nil, api.ErrNotSupported.WithContext("backend", "posix")
}

// Constructor returns a constructor that always fails.
func (b *PosixBackend) Constructor() api.Constructor {
	return func(api.Allocator) (api.Queue, error) {
		return nil, api.ErrNotSupported.WithContext("backend", "posix")
	}
}

func (b *PosixBackend) IsFile(int) bool { return false }

func (b *PosixBackend) Close() error { return nil }

func (b *PosixBackend) Idle(time.Duration) error { return api.ErrNotSupported }
