// File: control/debug.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Named state probes sampled on demand. The io queue publishes its
// descriptor table (dispatch.*), host features (transport.features), open
// shared channels (shared.channels), pinned buffers (pool.pinned) and host
// limits (platform.*). Probes owned by a component are removed when the
// component shuts down, so a dump never reaches into a closed backend.

package control

import (
	"fmt"
	"slices"
	"strings"
	"sync"
)

// DebugProbes is a registry of probe functions keyed by dotted name.
type DebugProbes struct {
	mu     sync.RWMutex
	probes map[string]func() any
}

// NewDebugProbes creates an empty registry.
func NewDebugProbes() *DebugProbes {
	return &DebugProbes{probes: make(map[string]func() any)}
}

// RegisterProbe sets the probe for name, replacing any earlier one. A nil
// fn removes it.
func (dp *DebugProbes) RegisterProbe(name string, fn func() any) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if fn == nil {
		delete(dp.probes, name)
		return
	}
	dp.probes[name] = fn
}

// UnregisterProbe removes the probe for name.
func (dp *DebugProbes) UnregisterProbe(name string) {
	dp.RegisterProbe(name, nil)
}

// UnregisterPrefix removes every probe whose name starts with prefix.
func (dp *DebugProbes) UnregisterPrefix(prefix string) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	for name := range dp.probes {
		if strings.HasPrefix(name, prefix) {
			delete(dp.probes, name)
		}
	}
}

// Names returns the registered probe names in order.
func (dp *DebugProbes) Names() []string {
	dp.mu.RLock()
	names := make([]string, 0, len(dp.probes))
	for name := range dp.probes {
		names = append(names, name)
	}
	dp.mu.RUnlock()
	slices.Sort(names)
	return names
}

// DumpState samples every probe. Probes run outside the registry lock and
// may themselves register or remove probes.
func (dp *DebugProbes) DumpState() map[string]any {
	dp.mu.RLock()
	fns := make(map[string]func() any, len(dp.probes))
	for name, fn := range dp.probes {
		fns[name] = fn
	}
	dp.mu.RUnlock()

	out := make(map[string]any, len(fns))
	for name, fn := range fns {
		out[name] = sample(fn)
	}
	return out
}

// sample runs fn, reporting a panic as the probe's value.
func sample(fn func() any) (v any) {
	defer func() {
		if r := recover(); r != nil {
			v = fmt.Sprintf("panic: %v", r)
		}
	}()
	return fn()
}
