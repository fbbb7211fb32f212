// File: internal/transport/dpdk_driver.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Poll-mode packet driver hook for the netstack backend. No DPDK binding
// is linked into this module, so opening a driver always fails and the
// caller falls back to the Go network stack.

package transport

import (
	"github.com/momentics/hioload-ioq/api"
)

// PacketDriver is a poll-mode NIC driver that a user-space stack runs on.
type PacketDriver interface {
	Name() string
	Close() error
}

// OpenDPDKDriver opens the DPDK port for the netstack backend.
func OpenDPDKDriver(port int) (PacketDriver, error) {
	return nil, api.ErrNotSupported.
		WithContext("driver", "dpdk").
		WithContext("port", port)
}
