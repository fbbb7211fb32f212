// Package control
// Author: momentics <momentics@gmail.com>
//
// Runtime metrics, configuration control, and debug introspection for the
// I/O queue runtime.
//
// Provides concurrent-safe state handling primitives including:
//   - Snapshot config reads, merged updates and reload listeners
//   - Lock-free counters for the dispatcher hot path
//   - Debug probe registration and state export
package control
