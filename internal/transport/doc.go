// File: internal/transport/doc.go
// Package transport
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Backend variants of the I/O queue: kernel sockets and files (posix),
// Go network streams and vsock (netstack), in-process FIFOs (memory) and
// shared-memory channels (shared). Every variant tracks outstanding tokens
// in per-opcode FIFOs and only makes progress when polled. The posix
// variant is split by build tags (linux/other).

package transport
