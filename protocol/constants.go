// Package protocol
// Author: momentics <momentics@gmail.com>
//
// Wire framing constants.

package protocol

const (
	// Magic opens every frame.
	Magic uint64 = 0x10102010

	// WordSize is the width of every integer field on the wire.
	WordSize = 8

	// HeaderSize covers magic and totalLen.
	HeaderSize = 2 * WordSize

	// DefaultMaxFrameSize bounds totalLen; larger values are treated as
	// stream corruption.
	DefaultMaxFrameSize = 64 << 20
)
