package dispatch_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/momentics/hioload-ioq/api"
	"github.com/momentics/hioload-ioq/control"
	"github.com/momentics/hioload-ioq/dispatch"
	"github.com/momentics/hioload-ioq/fake"
	"github.com/momentics/hioload-ioq/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withFake(t *testing.T, typ api.QueueType, opts ...dispatch.Option) (*dispatch.Dispatcher, *fake.Backend) {
	t.Helper()
	d := dispatch.New(opts...)
	b := fake.NewBackend(typ)
	require.NoError(t, d.RegisterBackend(typ, b.Constructor()))
	return d, b
}

func TestRegisterBackend(t *testing.T) {
	d := dispatch.New()
	assert.True(t, errors.Is(d.RegisterBackend(api.MemoryQueue, nil), api.ErrInvalidArgument))

	require.NoError(t, d.RegisterBackend(api.MemoryQueue, transport.NewMemoryQueue))
	err := d.RegisterBackend(api.MemoryQueue, transport.NewMemoryQueue)
	assert.True(t, errors.Is(err, api.ErrAlreadyExists))

	_, err = d.Queue(api.SharedQueue)
	assert.True(t, errors.Is(err, api.ErrPermission))
}

func TestQueueDescriptorsAreUnique(t *testing.T) {
	d, _ := withFake(t, api.MemoryQueue)
	seen := make(map[api.QD]bool)
	for i := 0; i < 100; i++ {
		qd, err := d.Queue(api.MemoryQueue)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, qd, api.VirtualQDBase)
		assert.False(t, seen[qd], "qd %d handed out twice", qd)
		seen[qd] = true
		assert.True(t, d.IsQDValid(qd))
	}
	assert.Equal(t, 100, d.Len())
}

func TestUnknownDescriptor(t *testing.T) {
	d, _ := withFake(t, api.MemoryQueue)
	const bogus = api.QD(12345)

	assert.False(t, d.IsQDValid(bogus))
	_, err := d.Push(bogus, api.NewSGArray([]byte("x")))
	assert.True(t, errors.Is(err, api.ErrNotFound))
	_, err = d.Pop(bogus)
	assert.True(t, errors.Is(err, api.ErrNotFound))
	_, err = d.Poll(api.NewQToken(bogus, 1))
	assert.True(t, errors.Is(err, api.ErrNotFound))
	assert.True(t, errors.Is(d.Drop(api.NewQToken(bogus, 1)), api.ErrNotFound))
	assert.True(t, errors.Is(d.Close(bogus), api.ErrNotFound))
	assert.True(t, errors.Is(d.Listen(bogus, 1), api.ErrNotFound))
}

func TestTokensCarryDescriptor(t *testing.T) {
	d, b := withFake(t, api.NetworkQueue)
	qd, err := d.Queue(api.NetworkQueue)
	require.NoError(t, err)

	qt1, err := d.Pop(qd)
	require.NoError(t, err)
	qt2, err := d.Pop(qd)
	require.NoError(t, err)
	assert.NotEqual(t, qt1, qt2)
	assert.Equal(t, qd, qt1.QD())
	assert.NotZero(t, qt1.Seq())

	_, err = d.Poll(qt1)
	assert.True(t, api.IsWouldBlock(err))

	q := b.Last()
	require.True(t, q.Complete(qt2, api.QueueResult{Bytes: 3}, nil))
	res, err := d.Poll(qt2)
	require.NoError(t, err)
	assert.Equal(t, api.OpPop, res.Op)
	assert.Equal(t, qt2, res.QT)
	assert.Equal(t, 3, res.Bytes)

	require.NoError(t, d.Drop(qt1))
	_, err = d.Poll(qt1)
	assert.True(t, errors.Is(err, api.ErrNotFound))
}

func TestAcceptRegistersNewQueue(t *testing.T) {
	d, b := withFake(t, api.NetworkQueue)
	lqd, err := d.Queue(api.NetworkQueue)
	require.NoError(t, err)
	require.NoError(t, d.Bind(lqd, &net.TCPAddr{Port: 80}))
	require.NoError(t, d.Listen(lqd, 8))

	qt, err := d.Accept(lqd)
	require.NoError(t, err)
	child := fake.NewQueue(api.VirtualQDBase+1000, api.NetworkQueue)
	require.True(t, b.Last().CompleteAccept(qt, child))

	res, err := d.Poll(qt)
	require.NoError(t, err)
	assert.Equal(t, api.OpAccept, res.Op)
	assert.Equal(t, child.QD(), res.NewQD)
	assert.True(t, d.IsQDValid(res.NewQD))

	// a second queue with a colliding descriptor is rejected and closed
	qt, err = d.Accept(lqd)
	require.NoError(t, err)
	dup := fake.NewQueue(child.QD(), api.NetworkQueue)
	require.True(t, b.Last().CompleteAccept(qt, dup))
	_, err = d.Poll(qt)
	assert.True(t, errors.Is(err, api.ErrAlreadyExists))
	assert.False(t, dup.Valid())
	assert.True(t, child.Valid())
}

func TestSocketAndBindArguments(t *testing.T) {
	d, b := withFake(t, api.NetworkQueue)
	qd, err := d.Socket(api.AFInet, api.SockStream, 0)
	require.NoError(t, err)

	assert.True(t, errors.Is(d.Bind(qd, nil), api.ErrInvalidArgument))
	_, err = d.Connect(qd, nil)
	assert.True(t, errors.Is(err, api.ErrInvalidArgument))

	addr := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9}
	require.NoError(t, d.Bind(qd, addr))
	got, err := d.GetSockName(qd)
	require.NoError(t, err)
	assert.Equal(t, addr, got)

	// a failing constructor leaves nothing registered
	before := d.Len()
	fail := errors.New("boom")
	b.SetError(fail)
	_, err = d.Socket(api.AFInet, api.SockStream, 0)
	assert.ErrorIs(t, err, fail)
	assert.Equal(t, before, d.Len())
}

func TestSocketQDOnExistingQueue(t *testing.T) {
	d, b := withFake(t, api.NetworkQueue)
	qd, err := d.Queue(api.NetworkQueue)
	require.NoError(t, err)
	require.NoError(t, d.SocketQD(qd, api.AFInet, api.SockStream, 0))
	assert.Equal(t, 1, b.Last().Sockets())

	fail := errors.New("no sockets left")
	b.Last().SetOpError(fail)
	assert.ErrorIs(t, d.SocketQD(qd, api.AFInet, api.SockStream, 0), fail)
	assert.True(t, errors.Is(d.SocketQD(api.QD(424242), api.AFInet, api.SockStream, 0), api.ErrNotFound))
}

func TestSocketQDOnNetstack(t *testing.T) {
	d := dispatch.New()
	nb := transport.NewNetstackBackend(transport.DefaultOptions(), nil)
	defer nb.Close()
	require.NoError(t, d.RegisterBackend(api.NetworkQueue, nb.Constructor()))
	defer d.CloseAll()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	lqd, err := d.Queue(api.NetworkQueue)
	require.NoError(t, err)
	assert.True(t, errors.Is(d.Bind(lqd, &net.TCPAddr{}), api.ErrInvalidArgument))
	require.NoError(t, d.SocketQD(lqd, api.AFInet, api.SockStream, 0))
	require.NoError(t, d.Bind(lqd, &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)}))
	require.NoError(t, d.Listen(lqd, 4))
	addr, err := d.GetSockName(lqd)
	require.NoError(t, err)

	cqd, err := d.Queue(api.NetworkQueue)
	require.NoError(t, err)
	require.NoError(t, d.SocketQD(cqd, api.AFInet, api.SockStream, 0))
	cqt, err := d.Connect(cqd, addr)
	require.NoError(t, err)
	aqt, err := d.Accept(lqd)
	require.NoError(t, err)
	_, err = d.Wait(ctx, cqt)
	require.NoError(t, err)
	res, err := d.Wait(ctx, aqt)
	require.NoError(t, err)

	pqt, err := d.Push(cqd, api.NewSGArray([]byte("via"), []byte(" socketqd")))
	require.NoError(t, err)
	_, err = d.Wait(ctx, pqt)
	require.NoError(t, err)
	rqt, err := d.Pop(res.NewQD)
	require.NoError(t, err)
	res, err = d.Wait(ctx, rqt)
	require.NoError(t, err)
	assert.Equal(t, "via socketqd", string(res.SGA.Bytes()))
	res.SGA.Release()
}

func TestRoutingFollowsQueueType(t *testing.T) {
	d := dispatch.New()
	netb := fake.NewBackend(api.NetworkQueue)
	memb := fake.NewBackend(api.MemoryQueue)
	require.NoError(t, d.RegisterBackend(api.NetworkQueue, netb.Constructor()))
	require.NoError(t, d.RegisterBackend(api.MemoryQueue, memb.Constructor()))

	qd, err := d.Queue(api.NetworkQueue)
	require.NoError(t, err)
	nq := netb.Last()
	require.NotNil(t, nq)

	pqt, err := d.Push(qd, api.NewSGArray([]byte("routed")))
	require.NoError(t, err)
	rqt, err := d.Pop(qd)
	require.NoError(t, err)
	require.Len(t, nq.Pushed(), 1)
	assert.Equal(t, []api.QToken{pqt}, nq.Outstanding(api.OpPush))
	assert.Equal(t, []api.QToken{rqt}, nq.Outstanding(api.OpPop))

	_, err = d.Poll(rqt)
	assert.True(t, api.IsWouldBlock(err))
	require.True(t, nq.Complete(rqt, api.QueueResult{Op: api.OpPop, QD: qd, QT: rqt}, nil))
	res, err := d.Poll(rqt)
	require.NoError(t, err)
	assert.Equal(t, qd, res.QD)

	require.NoError(t, d.Close(qd))
	assert.False(t, nq.Valid())
	assert.Empty(t, memb.Queues())
}

func TestOpenRequiresFileBackend(t *testing.T) {
	d, _ := withFake(t, api.NetworkQueue)
	_, err := d.Open("/dev/null", 0, 0)
	assert.True(t, errors.Is(err, api.ErrNotSupported))
	assert.Zero(t, d.Len())
}

func TestCloseInvalidatesDescriptor(t *testing.T) {
	d, b := withFake(t, api.MemoryQueue)
	qd, err := d.Queue(api.MemoryQueue)
	require.NoError(t, err)
	qt, err := d.Pop(qd)
	require.NoError(t, err)

	require.NoError(t, d.Close(qd))
	assert.False(t, d.IsQDValid(qd))
	assert.False(t, b.Last().Valid())
	_, err = d.Poll(qt)
	assert.True(t, errors.Is(err, api.ErrNotFound))
	assert.True(t, errors.Is(d.Close(qd), api.ErrNotFound))
}

func TestNewQDSkipsLiveDescriptors(t *testing.T) {
	d, b := withFake(t, api.MemoryQueue)
	b.UseQD(api.VirtualQDBase)
	qd, err := d.Queue(api.MemoryQueue)
	require.NoError(t, err)
	assert.Equal(t, api.VirtualQDBase, qd)
	assert.NotEqual(t, qd, d.NewQD())
}

func TestMetricsAndProbes(t *testing.T) {
	mr := control.NewMetricsRegistry()
	d := dispatch.New(dispatch.WithMetrics(mr), dispatch.WithShards(4))
	require.NoError(t, d.RegisterBackend(api.MemoryQueue, transport.NewMemoryQueue))

	qd, err := d.Queue(api.MemoryQueue)
	require.NoError(t, err)
	qt, err := d.Push(qd, api.NewSGArray([]byte("hello")))
	require.NoError(t, err)
	_, err = d.Wait(context.Background(), qt)
	require.NoError(t, err)

	assert.EqualValues(t, 1, mr.Counter("queues.opened").Load())
	assert.EqualValues(t, 1, mr.Counter("ops.push").Load())
	assert.EqualValues(t, 1, mr.Counter("ops.completed").Load())
	assert.EqualValues(t, 5, mr.Counter("bytes.pushed").Load())

	dp := control.NewDebugProbes()
	d.RegisterProbes(dp)
	state := dp.DumpState()
	assert.Equal(t, 1, state["dispatch.queues"])
	assert.Equal(t, map[string]int{"memory": 1}, state["dispatch.types"])

	d.CloseAll()
	assert.Zero(t, d.Len())
	assert.EqualValues(t, 1, mr.Counter("queues.closed").Load())
}

func TestWaitUsesIdler(t *testing.T) {
	d, b := withFake(t, api.NetworkQueue)
	qd, err := d.Queue(api.NetworkQueue)
	require.NoError(t, err)
	qt, err := d.Pop(qd)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		b.Last().Complete(qt, api.QueueResult{Bytes: 1}, nil)
	}()
	res, err := d.Wait(context.Background(), qt)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Bytes)
	assert.Positive(t, b.Last().Idles())
}

func TestWaitHonoursContext(t *testing.T) {
	d, _ := withFake(t, api.NetworkQueue)
	qd, err := d.Queue(api.NetworkQueue)
	require.NoError(t, err)
	qt, err := d.Pop(qd)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = d.Wait(ctx, qt)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// the token is still outstanding until dropped
	_, err = d.Poll(qt)
	assert.True(t, api.IsWouldBlock(err))
	require.NoError(t, d.Drop(qt))
}

func TestWaitAnyReturnsFirstCompleted(t *testing.T) {
	d, b := withFake(t, api.NetworkQueue)
	qd, err := d.Queue(api.NetworkQueue)
	require.NoError(t, err)
	qt1, err := d.Pop(qd)
	require.NoError(t, err)
	qt2, err := d.Pop(qd)
	require.NoError(t, err)

	fail := api.NewError(api.ErrCodeIO, "reset")
	require.True(t, b.Last().Complete(qt2, api.QueueResult{}, fail))

	idx, _, err := d.WaitAny(context.Background(), []api.QToken{qt1, qt2})
	assert.Equal(t, 1, idx)
	assert.True(t, errors.Is(err, fail))

	_, _, err = d.WaitAny(context.Background(), nil)
	assert.True(t, errors.Is(err, api.ErrInvalidArgument))
}

func TestMemoryQueueThroughDispatcher(t *testing.T) {
	d := dispatch.New()
	require.NoError(t, d.RegisterBackend(api.MemoryQueue, transport.NewMemoryQueue))
	qd, err := d.Queue(api.MemoryQueue)
	require.NoError(t, err)

	ctx := context.Background()
	pop, err := d.Pop(qd)
	require.NoError(t, err)
	for _, msg := range []string{"one", "two"} {
		qt, err := d.Push(qd, api.NewSGArray([]byte(msg)))
		require.NoError(t, err)
		_, err = d.Wait(ctx, qt)
		require.NoError(t, err)
	}

	res, err := d.Wait(ctx, pop)
	require.NoError(t, err)
	assert.Equal(t, "one", string(res.SGA.Bytes()))

	pop, err = d.Pop(qd)
	require.NoError(t, err)
	res, err = d.Wait(ctx, pop)
	require.NoError(t, err)
	assert.Equal(t, "two", string(res.SGA.Bytes()))

	_, err = d.Socket(api.AFInet, api.SockStream, 0)
	assert.True(t, errors.Is(err, api.ErrPermission))
}

func TestSharedChannelThroughDispatcher(t *testing.T) {
	d := dispatch.New()
	sb := transport.NewSharedBackend(transport.DefaultOptions())
	require.NoError(t, d.RegisterBackend(api.SharedQueue, sb.Constructor()))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	lqd, err := d.Queue(api.SharedQueue)
	require.NoError(t, err)
	require.NoError(t, d.Bind(lqd, api.ChannelAddr{Name: "dispatch-test"}))
	require.NoError(t, d.Listen(lqd, 4))

	cqd, err := d.Queue(api.SharedQueue)
	require.NoError(t, err)
	cqt, err := d.Connect(cqd, api.ChannelAddr{Name: "dispatch-test"})
	require.NoError(t, err)
	aqt, err := d.Accept(lqd)
	require.NoError(t, err)

	_, err = d.Wait(ctx, cqt)
	require.NoError(t, err)
	res, err := d.Wait(ctx, aqt)
	require.NoError(t, err)
	sqd := res.NewQD
	require.True(t, d.IsQDValid(sqd))

	pqt, err := d.Push(cqd, api.NewSGArray([]byte("hdr"), []byte("body")))
	require.NoError(t, err)
	_, err = d.Wait(ctx, pqt)
	require.NoError(t, err)

	rqt, err := d.Pop(sqd)
	require.NoError(t, err)
	res, err = d.Wait(ctx, rqt)
	require.NoError(t, err)
	require.Equal(t, 2, res.SGA.NumBufs())
	assert.Equal(t, "hdrbody", string(res.SGA.Bytes()))
	res.SGA.Release()

	d.CloseAll()
	assert.Zero(t, sb.Channels())
}
