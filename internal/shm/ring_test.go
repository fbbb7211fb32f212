package shm_test

import (
	"bytes"
	"io"
	"sync"
	"testing"

	"code.hybscloud.com/iox"
	"github.com/momentics/hioload-ioq/api"
	"github.com/momentics/hioload-ioq/internal/shm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingWrapAround(t *testing.T) {
	r, err := shm.NewRing(make([]byte, 8))
	require.NoError(t, err)

	n, err := r.Write([]byte("abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	out := make([]byte, 4)
	n, err = r.Read(out)
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(out[:n]))

	// tail wraps past the end of the data area
	n, err = r.Write([]byte("ghijkl"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Zero(t, r.Free())

	_, err = r.Write([]byte("x"))
	assert.ErrorIs(t, err, api.ErrWouldBlock)

	out = make([]byte, 16)
	n, err = r.Read(out)
	require.NoError(t, err)
	assert.Equal(t, "efghijkl", string(out[:n]))

	_, err = r.Read(out)
	assert.ErrorIs(t, err, api.ErrWouldBlock)
}

func TestRingRejectsBadSize(t *testing.T) {
	_, err := shm.NewRing(make([]byte, 12))
	assert.ErrorIs(t, err, api.ErrInvalidArgument)
}

func TestRingCloseDrainsThenEOF(t *testing.T) {
	r, err := shm.NewRing(make([]byte, 16))
	require.NoError(t, err)
	_, err = r.Write([]byte("tail"))
	require.NoError(t, err)
	r.Close()

	_, err = r.Write([]byte("late"))
	assert.ErrorIs(t, err, shm.ErrRingClosed)

	out := make([]byte, 8)
	n, err := r.Read(out)
	require.NoError(t, err)
	assert.Equal(t, "tail", string(out[:n]))
	_, err = r.Read(out)
	assert.ErrorIs(t, err, io.EOF)
}

func TestRingConcurrentTransfer(t *testing.T) {
	r, err := shm.NewRing(make([]byte, 64))
	require.NoError(t, err)

	payload := bytes.Repeat([]byte("0123456789abcdef"), 4096)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		backoff := iox.Backoff{}
		rest := payload
		for len(rest) > 0 {
			n, err := r.Write(rest)
			if api.IsWouldBlock(err) {
				backoff.Wait()
				continue
			}
			if !assert.NoError(t, err) {
				return
			}
			backoff.Reset()
			rest = rest[n:]
		}
		r.Close()
	}()

	var got bytes.Buffer
	buf := make([]byte, 37)
	backoff := iox.Backoff{}
	for {
		n, err := r.Read(buf)
		if api.IsWouldBlock(err) {
			backoff.Wait()
			continue
		}
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		backoff.Reset()
		got.Write(buf[:n])
	}
	wg.Wait()
	assert.Equal(t, payload, got.Bytes())
}

func TestSegmentPair(t *testing.T) {
	seg, err := shm.NewSegment(32)
	require.NoError(t, err)
	assert.Equal(t, 64, seg.Size())
	a, b := seg.Pair()

	_, err = a.Tx.Write([]byte("ping"))
	require.NoError(t, err)
	out := make([]byte, 4)
	_, err = b.Rx.Read(out)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(out))

	require.NoError(t, a.Close())
	_, err = b.Rx.Read(out)
	assert.ErrorIs(t, err, io.EOF)
	require.NoError(t, b.Close())
}
