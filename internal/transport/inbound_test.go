package transport

import (
	"bytes"
	"io"
	"testing"

	"github.com/momentics/hioload-ioq/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInboundReclaimsConsumedPrefix(t *testing.T) {
	var in inbound
	var sent, got bytes.Buffer
	chunk := func(i int) []byte {
		return bytes.Repeat([]byte{byte(i)}, 10)
	}

	in.append(chunk(0))
	sent.Write(chunk(0))
	in.append(chunk(1))
	sent.Write(chunk(1))
	buf := make([]byte, 10)
	for i := 2; i < 10_000; i++ {
		in.append(chunk(i))
		sent.Write(chunk(i))
		n, err := in.Read(buf)
		require.NoError(t, err)
		got.Write(buf[:n])
	}
	// the reader never catches up, yet the buffer stays small
	assert.Equal(t, 20, in.buffered())
	assert.LessOrEqual(t, cap(in.data), 256)

	for in.buffered() > 0 {
		n, err := in.Read(buf)
		require.NoError(t, err)
		got.Write(buf[:n])
	}
	assert.Equal(t, sent.Bytes(), got.Bytes())

	_, err := in.Read(buf)
	assert.True(t, api.IsWouldBlock(err))
	in.err = io.EOF
	_, err = in.Read(buf)
	assert.Equal(t, io.EOF, err)
}
