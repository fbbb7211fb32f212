// File: facade/ioqueue.go
// Unified facade layer for hioload-ioq.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// IOQueue builds the backends selected by Config, registers them with one
// dispatcher and wires control, metrics and debug probes around it.
// Callers use the dispatcher for every queue operation and Shutdown to
// release descriptors and backends in order.

package facade

import (
	"sync"

	"github.com/momentics/hioload-ioq/adapters"
	"github.com/momentics/hioload-ioq/affinity"
	"github.com/momentics/hioload-ioq/api"
	"github.com/momentics/hioload-ioq/control"
	"github.com/momentics/hioload-ioq/dispatch"
	"github.com/momentics/hioload-ioq/internal/transport"
	"github.com/momentics/hioload-ioq/pool"
	"github.com/sirupsen/logrus"
)

// IOQueue is the main facade type.
type IOQueue struct {
	dispatcher *dispatch.Dispatcher
	control    *adapters.ControlAdapter

	posix    *transport.PosixBackend
	netstack *transport.NetstackBackend
	shared   *transport.SharedBackend
	network  string

	config *Config
	log    *logrus.Entry
	mu     sync.Mutex
	closed bool
}

// Ensure compliance with api.GracefulShutdown.
var _ api.GracefulShutdown = (*IOQueue)(nil)

// New constructs an IOQueue with the given configuration. A posix backend
// that cannot start (non-linux builds) falls back to netstack, and a DPDK
// driver that fails to open leaves netstack on the kernel stack.
func New(cfg *Config) (*IOQueue, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := applyLogLevel(cfg.LogLevel); err != nil {
		return nil, err
	}
	h := &IOQueue{
		config:  cfg,
		control: adapters.NewControlAdapter(),
		log:     logrus.WithField("component", "facade"),
	}

	metrics := control.NewMetricsRegistry()
	if cfg.EnableMetrics {
		metrics = h.control.Metrics()
	}
	h.dispatcher = dispatch.New(
		dispatch.WithMetrics(metrics),
		dispatch.WithShards(cfg.QDShards),
	)

	opts := cfg.options()
	if cfg.PinBuffers {
		pinner := pool.NewRuntimePinner()
		opts.Pinner = pinner
		h.control.RegisterDebugProbe("pool.pinned", func() any { return pinner.Pinned() })
	}

	if err := h.initNetwork(opts); err != nil {
		h.closeBackends()
		return nil, err
	}
	if cfg.EnableMemory {
		if err := h.dispatcher.RegisterBackend(api.MemoryQueue, transport.NewMemoryQueue); err != nil {
			h.closeBackends()
			return nil, err
		}
	}
	if cfg.EnableShared {
		h.shared = transport.NewSharedBackend(opts)
		if err := h.dispatcher.RegisterBackend(api.SharedQueue, h.shared.Constructor()); err != nil {
			h.closeBackends()
			return nil, err
		}
	}

	if cfg.EnableDebug {
		h.dispatcher.RegisterProbes(h.control.Debug())
		h.control.RegisterDebugProbe("transport.features", func() any { return transport.DetectFeatures() })
		if h.shared != nil {
			h.control.RegisterDebugProbe("shared.channels", func() any { return h.shared.Channels() })
		}
	}

	// Expose configuration for observability; log_level is reloadable.
	h.control.OnReload(h.onReload)
	snap := cfg.snapshot()
	snap["network_backend"] = h.network
	h.control.SetConfig(snap)

	h.log.WithFields(logrus.Fields{"network": h.network, "dpdk": cfg.UseDPDK}).Info("io queue ready")
	return h, nil
}

func (h *IOQueue) initNetwork(opts transport.Options) error {
	backend := h.config.NetworkBackend
	if backend == "" {
		backend = transport.RuntimeBackendSelector()
	}
	switch backend {
	case BackendPosix:
		pb, err := transport.NewPosixBackend(opts)
		if err == nil {
			h.posix, h.network = pb, BackendPosix
			if err := h.dispatcher.RegisterBackend(api.NetworkQueue, pb.Constructor()); err != nil {
				return err
			}
			h.dispatcher.RegisterIdler(api.NetworkQueue, pb)
			return nil
		}
		if api.CodeOf(err) != api.ErrCodeNotSupported {
			return err
		}
		h.log.WithError(err).Warn("posix backend unavailable, falling back to netstack")
		fallthrough
	case BackendNetstack:
		var driver transport.PacketDriver
		if h.config.UseDPDK {
			d, err := transport.OpenDPDKDriver(h.config.DPDKPort)
			if err != nil {
				h.log.WithError(err).Warn("DPDK init failed, falling back to kernel stack")
			} else {
				driver = d
			}
		}
		h.netstack = transport.NewNetstackBackend(opts, driver)
		h.network = BackendNetstack
		return h.dispatcher.RegisterBackend(api.NetworkQueue, h.netstack.Constructor())
	default:
		return api.ErrInvalidArgument.WithContext("network_backend", backend)
	}
}

func (h *IOQueue) onReload(cfg map[string]any) {
	level, ok := cfg["log_level"].(string)
	if !ok {
		return
	}
	if err := applyLogLevel(level); err != nil {
		h.log.WithError(err).Warn("ignoring log level")
	}
}

func applyLogLevel(name string) error {
	if name == "" {
		return nil
	}
	level, err := logrus.ParseLevel(name)
	if err != nil {
		return api.Errorf(api.ErrCodeInvalidArgument, err, "log level")
	}
	logrus.SetLevel(level)
	return nil
}

// Dispatcher returns the queue registry every operation goes through.
func (h *IOQueue) Dispatcher() *dispatch.Dispatcher {
	return h.dispatcher
}

// GetControl returns the Control interface for dynamic config and metrics.
func (h *IOQueue) GetControl() api.Control {
	return h.control
}

// GetDebug returns the debug probe set.
func (h *IOQueue) GetDebug() api.Debug {
	return h.control.Debug()
}

// NetworkBackend reports which network backend serves NetworkQueue.
func (h *IOQueue) NetworkBackend() string {
	return h.network
}

// PinLoop binds the calling goroutine's thread to Config.LoopCPU. Call
// it at the top of the goroutine that runs the poll loop and UnpinLoop
// from the same goroutine when done. With LoopCPU < 0 it does nothing.
func (h *IOQueue) PinLoop() error {
	if h.config.LoopCPU < 0 {
		return nil
	}
	if err := affinity.SetAffinity(h.config.LoopCPU); err != nil {
		return err
	}
	h.log.WithField("cpu", h.config.LoopCPU).Debug("poll loop pinned")
	return nil
}

// UnpinLoop undoes PinLoop.
func (h *IOQueue) UnpinLoop() error {
	if h.config.LoopCPU < 0 {
		return nil
	}
	return affinity.Release()
}

// Shutdown closes every live descriptor, then the backends. Later calls
// are no-ops.
func (h *IOQueue) Shutdown() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	dp := h.control.Debug()
	dp.UnregisterPrefix("dispatch.")
	dp.UnregisterPrefix("shared.")
	h.dispatcher.CloseAll()
	return h.closeBackends()
}

func (h *IOQueue) closeBackends() error {
	var first error
	if h.posix != nil {
		if err := h.posix.Close(); err != nil && first == nil {
			first = err
		}
	}
	if h.netstack != nil {
		if err := h.netstack.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
