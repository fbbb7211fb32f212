// Package protocol
// Author: momentics <momentics@gmail.com>
//
// Length-prefixed framing of scatter-gather messages onto byte streams.
//
// Frame layout, all integers 8 bytes in native byte order:
//
//	magic | totalLen | num_bufs | (len | data) * num_bufs
//
// totalLen counts everything after itself. The format is not cross-endian
// safe.
//
// Includes:
//   - WriteFrame: encoder with per-buffer pin guards
//   - PendingRead: resumable decoder for non-blocking descriptors
//   - ParseFrame: bounds-checked zero-copy segment parser
package protocol
