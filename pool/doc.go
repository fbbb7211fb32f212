// Package pool
// Author: momentics <momentics@gmail.com>
//
// Memory layer for hioload-ioq: pin guards that keep caller buffers in
// place while a transport writes them, and mcache-backed frame buffers
// the decoder hands to popped messages without copying.
// See pin.go and framebuf.go for implementation details.
package pool
