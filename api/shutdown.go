// File: api/shutdown.go
// Package api defines unified graceful shutdown contract.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

// GracefulShutdown is implemented by components that own backends and
// descriptors and must release them in order.
type GracefulShutdown interface {
	// Shutdown closes every live queue and backend. It is safe to call
	// more than once.
	Shutdown() error
}
