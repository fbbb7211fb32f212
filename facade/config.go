// File: facade/config.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package facade

import (
	"time"

	"github.com/momentics/hioload-ioq/internal/transport"
	"github.com/momentics/hioload-ioq/protocol"
)

// Network backend names accepted by Config.NetworkBackend.
const (
	BackendPosix    = "posix"
	BackendNetstack = "netstack"
)

// Config holds parameters immutable per run. Only LogLevel can change
// later, through the Control interface.
type Config struct {
	NetworkBackend string        // "posix" or "netstack"
	UseDPDK        bool          // Attach the DPDK packet driver to netstack
	DPDKPort       int           // DPDK port id when UseDPDK is set
	MaxFrameSize   uint64        // Largest totalLen a decoder accepts
	WriteTimeout   time.Duration // Bound on a congested netstack write
	SharedRingSize int           // Per-direction ring bytes of shared channels
	HelperPoolSize int           // Netstack helper goroutine cap
	QDShards       int           // Descriptor table shards
	PinBuffers     bool          // Pin caller buffers with runtime.Pinner during writes
	LoopCPU        int           // CPU for PinLoop; -1 leaves the loop unpinned
	EnableMemory   bool          // Register the in-process memory backend
	EnableShared   bool          // Register the shared-memory backend
	LogLevel       string        // logrus level name
	EnableMetrics  bool          // Publish dispatcher counters
	EnableDebug    bool          // Register debug probes
}

// DefaultConfig returns default configuration values.
func DefaultConfig() *Config {
	return &Config{
		NetworkBackend: BackendPosix,
		UseDPDK:        false,
		MaxFrameSize:   protocol.DefaultMaxFrameSize,
		WriteTimeout:   5 * time.Second,
		SharedRingSize: 1 << 20,
		HelperPoolSize: 1024,
		QDShards:       16,
		PinBuffers:     false,
		LoopCPU:        -1,
		EnableMemory:   true,
		EnableShared:   true,
		LogLevel:       "info",
		EnableMetrics:  true,
		EnableDebug:    true,
	}
}

func (c *Config) options() transport.Options {
	return transport.Options{
		MaxFrameSize:   c.MaxFrameSize,
		WriteTimeout:   c.WriteTimeout,
		RingSize:       c.SharedRingSize,
		HelperPoolSize: c.HelperPoolSize,
	}
}

// snapshot is the view of c mirrored into the config store.
func (c *Config) snapshot() map[string]any {
	return map[string]any{
		"network_backend":  c.NetworkBackend,
		"use_dpdk":         c.UseDPDK,
		"max_frame_size":   c.MaxFrameSize,
		"write_timeout":    c.WriteTimeout.String(),
		"shared_ring_size": c.SharedRingSize,
		"helper_pool_size": c.HelperPoolSize,
		"qd_shards":        c.QDShards,
		"pin_buffers":      c.PinBuffers,
		"loop_cpu":         c.LoopCPU,
		"log_level":        c.LogLevel,
		"metrics.enabled":  c.EnableMetrics,
		"debug.enabled":    c.EnableDebug,
	}
}
