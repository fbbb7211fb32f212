package transport_test

import (
	"errors"
	"testing"
	"time"

	"github.com/momentics/hioload-ioq/api"
	"github.com/momentics/hioload-ioq/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seqAlloc hands out virtual descriptors the way the dispatcher does.
type seqAlloc struct {
	next api.QD
}

func (a *seqAlloc) NewQD() api.QD {
	a.next++
	return api.VirtualQDBase + a.next
}

type tokens struct {
	seq uint32
}

func (tk *tokens) next(q api.Queue) api.QToken {
	tk.seq++
	return api.NewQToken(q.QD(), tk.seq)
}

// await polls qt until it completes or the deadline passes.
func await(t *testing.T, q api.Queue, qt api.QToken) (api.QueueResult, error) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		res, err := q.Poll(qt)
		if !api.IsWouldBlock(err) {
			return res, err
		}
		if idler, ok := q.(api.Idler); ok {
			require.NoError(t, idler.Idle(10*time.Millisecond))
		} else {
			time.Sleep(time.Millisecond)
		}
	}
	t.Fatalf("token %v did not complete", qt)
	return api.QueueResult{}, nil
}

func TestDefaultOptions(t *testing.T) {
	o := transport.DefaultOptions()
	assert.NotZero(t, o.MaxFrameSize)
	assert.NotZero(t, o.RingSize)
	assert.Equal(t, 0, o.RingSize&(o.RingSize-1))
	assert.NotNil(t, o.Pinner)
}

func TestDPDKDriverFallsBack(t *testing.T) {
	d, err := transport.OpenDPDKDriver(0)
	assert.Nil(t, d)
	assert.True(t, errors.Is(err, api.ErrNotSupported))
}

func TestMemoryQueueFIFO(t *testing.T) {
	alloc := &seqAlloc{}
	q, err := transport.NewMemoryQueue(alloc)
	require.NoError(t, err)
	assert.Equal(t, api.VirtualQDBase+1, q.QD())
	assert.Equal(t, api.MemoryQueue, q.Type())
	tk := &tokens{}

	pop1, pop2 := tk.next(q), tk.next(q)
	require.NoError(t, q.Pop(pop1))
	require.NoError(t, q.Pop(pop2))
	_, err = q.Poll(pop1)
	require.ErrorIs(t, err, api.ErrWouldBlock)

	for _, msg := range []string{"one", "two"} {
		qt := tk.next(q)
		require.NoError(t, q.Push(qt, api.NewSGArray([]byte(msg))))
		res, err := q.Poll(qt)
		require.NoError(t, err)
		assert.Equal(t, len(msg), res.Bytes)
		assert.Equal(t, api.OpPush, res.Op)
	}

	// pops complete in issuance order even when polled out of order
	res2, err := q.Poll(pop2)
	require.NoError(t, err)
	assert.Equal(t, "two", string(res2.SGA.Bytes()))
	res1, err := q.Poll(pop1)
	require.NoError(t, err)
	assert.Equal(t, "one", string(res1.SGA.Bytes()))

	_, err = q.Poll(pop1)
	assert.True(t, errors.Is(err, api.ErrNotFound))
}

func TestMemoryQueueUnsupportedAndClose(t *testing.T) {
	q, err := transport.NewMemoryQueue(&seqAlloc{})
	require.NoError(t, err)
	tk := &tokens{}

	assert.True(t, errors.Is(q.Socket(api.AFInet, api.SockStream, 0), api.ErrNotSupported))
	assert.True(t, errors.Is(q.Listen(1), api.ErrNotSupported))
	assert.True(t, errors.Is(q.Accept(tk.next(q)), api.ErrNotSupported))

	dropped, kept := tk.next(q), tk.next(q)
	require.NoError(t, q.Pop(dropped))
	require.NoError(t, q.Pop(kept))
	require.NoError(t, q.Drop(dropped))
	assert.True(t, errors.Is(q.Drop(dropped), api.ErrNotFound))

	push := tk.next(q)
	require.NoError(t, q.Push(push, api.NewSGArray([]byte("x"))))
	res, err := q.Poll(kept)
	require.NoError(t, err)
	assert.Equal(t, "x", string(res.SGA.Bytes()))

	late := tk.next(q)
	require.NoError(t, q.Pop(late))
	require.NoError(t, q.Close())
	assert.False(t, q.Valid())
	_, err = q.Poll(late)
	assert.True(t, errors.Is(err, api.ErrQueueClosed))
	assert.True(t, errors.Is(q.Push(tk.next(q), api.SGArray{}), api.ErrQueueClosed))
}

func TestDetectFeatures(t *testing.T) {
	f := transport.DetectFeatures()
	assert.True(t, f.Netstack)
	assert.True(t, f.SharedMemory)
	assert.False(t, f.DPDK)
	assert.NotEmpty(t, f.OS)
	if f.Posix {
		assert.Equal(t, "posix", transport.RuntimeBackendSelector())
	} else {
		assert.Equal(t, "netstack", transport.RuntimeBackendSelector())
	}
}
