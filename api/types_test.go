package api_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/momentics/hioload-ioq/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQTokenPacksDescriptor(t *testing.T) {
	for _, qd := range []api.QD{0, 7, api.VirtualQDBase, api.VirtualQDBase + 12345, api.InvalidQD} {
		qt := api.NewQToken(qd, 42)
		assert.Equal(t, qd, qt.QD())
		assert.Equal(t, uint32(42), qt.Seq())
	}
	assert.NotEqual(t, api.NewQToken(3, 1), api.NewQToken(4, 1))
	assert.Equal(t, "qt(3:9)", api.NewQToken(3, 9).String())
}

func TestEnumStrings(t *testing.T) {
	assert.Equal(t, "memory", api.MemoryQueue.String())
	assert.Equal(t, "network", api.NetworkQueue.String())
	assert.Equal(t, "shared", api.SharedQueue.String())
	assert.Equal(t, "queue-type(9)", api.QueueType(9).String())
	assert.Equal(t, "accept", api.OpAccept.String())
	assert.Equal(t, "invalid", api.OpInvalid.String())
}

func TestErrorMatchesByCode(t *testing.T) {
	err := api.ErrNotFound.WithContext("qd", 5)
	assert.True(t, errors.Is(err, api.ErrNotFound))
	assert.False(t, errors.Is(err, api.ErrInvalidArgument))
	assert.Nil(t, api.ErrNotFound.Context, "sentinel must not be mutated")
	assert.Contains(t, err.Error(), "qd")

	cause := errors.New("connection reset")
	wrapped := fmt.Errorf("pop: %w", api.Errorf(api.ErrCodeIO, cause, "read failed"))
	assert.ErrorIs(t, wrapped, cause)
	assert.Equal(t, api.ErrCodeIO, api.CodeOf(wrapped))
	assert.Equal(t, api.ErrCodeIO, api.CodeOf(cause))
	assert.Equal(t, api.ErrCodeOK, api.CodeOf(nil))
}

func TestWouldBlockIsNotAFailureCode(t *testing.T) {
	assert.True(t, api.IsWouldBlock(api.ErrWouldBlock))
	assert.True(t, api.IsWouldBlock(fmt.Errorf("poll: %w", api.ErrWouldBlock)))
	assert.False(t, api.IsWouldBlock(api.ErrQueueClosed))
}

func TestSGArray(t *testing.T) {
	sga := api.NewSGArray([]byte("ab"), nil, []byte("cde"))
	assert.Equal(t, 3, sga.NumBufs())
	assert.Equal(t, 5, sga.Len())
	assert.Equal(t, []byte("abcde"), sga.Bytes())
	assert.Zero(t, sga.Segs[1].Len())
	sga.Release() // caller memory: no-op

	released := 0
	owned := api.NewSGArray(make([]byte, 4)).WithRelease(func() { released++ })
	cp := owned
	owned.Release()
	cp.Release()
	require.Equal(t, 1, released)
}
