// File: internal/transport/shared.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Shared-memory channels. A listener binds a channel name in the backend's
// hub; each connect maps a segment with one SPSC ring per direction and
// hands the far endpoint to the listener's backlog. Messages cross the
// rings in the same frame format the stream backends use.

package transport

import (
	"io"
	"net"
	"sync"

	"github.com/bytedance/gopkg/util/xxhash3"
	"github.com/eapache/queue"
	"github.com/momentics/hioload-ioq/api"
	"github.com/momentics/hioload-ioq/internal/shm"
	"github.com/momentics/hioload-ioq/protocol"
	"github.com/sirupsen/logrus"
)

const hubShards = 16

// SharedBackend owns the channel namespace of its SharedQueue descriptors.
type SharedBackend struct {
	opts   Options
	shards [hubShards]hubShard
	log    *logrus.Entry
}

type hubShard struct {
	mu       sync.Mutex
	channels map[string]*channel
}

// channel is a bound name plus its pending connections.
type channel struct {
	mu         sync.Mutex
	name       string
	listening  bool
	maxBacklog int
	backlog    *queue.Queue // *shm.Endpoint
	closed     bool
}

// NewSharedBackend returns a backend with an empty namespace.
func NewSharedBackend(opts Options) *SharedBackend {
	b := &SharedBackend{
		opts: opts.withDefaults(),
		log:  logrus.WithField("component", "shared"),
	}
	for i := range b.shards {
		b.shards[i].channels = make(map[string]*channel)
	}
	return b
}

// Constructor returns the SharedQueue constructor bound to this backend.
func (b *SharedBackend) Constructor() api.Constructor {
	return func(alloc api.Allocator) (api.Queue, error) {
		return b.newQueue(alloc, alloc.NewQD()), nil
	}
}

// Channels returns the number of bound channel names.
func (b *SharedBackend) Channels() int {
	n := 0
	for i := range b.shards {
		sh := &b.shards[i]
		sh.mu.Lock()
		n += len(sh.channels)
		sh.mu.Unlock()
	}
	return n
}

func (b *SharedBackend) shard(name string) *hubShard {
	return &b.shards[xxhash3.Hash([]byte(name))%hubShards]
}

func (b *SharedBackend) bind(name string) (*channel, error) {
	sh := b.shard(name)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.channels[name]; ok {
		return nil, api.ErrAlreadyExists.WithContext("channel", name)
	}
	ch := &channel{name: name, backlog: queue.New()}
	sh.channels[name] = ch
	return ch, nil
}

func (b *SharedBackend) lookup(name string) (*channel, bool) {
	sh := b.shard(name)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	ch, ok := sh.channels[name]
	return ch, ok
}

func (b *SharedBackend) unbind(ch *channel) {
	sh := b.shard(ch.name)
	sh.mu.Lock()
	if sh.channels[ch.name] == ch {
		delete(sh.channels, ch.name)
	}
	sh.mu.Unlock()

	ch.mu.Lock()
	ch.closed = true
	for ch.backlog.Length() > 0 {
		_ = ch.backlog.Remove().(*shm.Endpoint).Close()
	}
	ch.mu.Unlock()
}

// offer queues ep on a listening channel.
func (ch *channel) offer(ep *shm.Endpoint) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed || !ch.listening {
		return api.Errorf(api.ErrCodeIO, nil, "connection refused").WithContext("channel", ch.name)
	}
	if ch.maxBacklog > 0 && ch.backlog.Length() >= ch.maxBacklog {
		return api.Errorf(api.ErrCodeIO, nil, "backlog full").WithContext("channel", ch.name)
	}
	ch.backlog.Add(ep)
	return nil
}

func (ch *channel) next() (*shm.Endpoint, bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.backlog.Length() == 0 {
		return nil, false
	}
	return ch.backlog.Remove().(*shm.Endpoint), true
}

type sharedQueue struct {
	mu      sync.Mutex
	b       *SharedBackend
	alloc   api.Allocator
	qd      api.QD
	ops     *opTable
	bound   *channel
	name    string
	ep      *shm.Endpoint
	pending *protocol.PendingRead
	closed  bool
}

func (b *SharedBackend) newQueue(alloc api.Allocator, qd api.QD) *sharedQueue {
	return &sharedQueue{
		b:       b,
		alloc:   alloc,
		qd:      qd,
		ops:     newOpTable(qd),
		pending: protocol.NewPendingRead(b.opts.MaxFrameSize),
	}
}

func (q *sharedQueue) QD() api.QD          { return q.qd }
func (q *sharedQueue) Type() api.QueueType { return api.SharedQueue }

func (q *sharedQueue) Socket(int, int, int) error {
	return api.ErrNotSupported
}

func (q *sharedQueue) GetSockName() (net.Addr, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.name == "" {
		return nil, api.ErrInvalidArgument.WithContext("reason", "queue not bound")
	}
	return api.ChannelAddr{Name: q.name}, nil
}

func (q *sharedQueue) Bind(addr net.Addr) error {
	ca, ok := addr.(api.ChannelAddr)
	if !ok || ca.Name == "" {
		return api.ErrInvalidArgument.WithContext("addr", addr)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return api.ErrQueueClosed
	}
	if q.name != "" {
		return api.ErrInvalidArgument.WithContext("reason", "already bound")
	}
	ch, err := q.b.bind(ca.Name)
	if err != nil {
		return err
	}
	q.bound = ch
	q.name = ca.Name
	return nil
}

func (q *sharedQueue) Listen(backlog int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.bound == nil {
		return api.ErrInvalidArgument.WithContext("reason", "listen before bind")
	}
	q.bound.mu.Lock()
	q.bound.listening = true
	q.bound.maxBacklog = backlog
	q.bound.mu.Unlock()
	return nil
}

func (q *sharedQueue) Accept(qt api.QToken) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return api.ErrQueueClosed
	}
	if q.bound == nil || !q.bound.listening {
		return api.ErrInvalidArgument.WithContext("reason", "accept on non-listening queue")
	}
	_, err := q.ops.add(qt, api.OpAccept)
	return err
}

func (q *sharedQueue) Connect(qt api.QToken, addr net.Addr) error {
	ca, ok := addr.(api.ChannelAddr)
	if !ok || ca.Name == "" {
		return api.ErrInvalidArgument.WithContext("addr", addr)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return api.ErrQueueClosed
	}
	if q.ep != nil || q.bound != nil {
		return api.ErrInvalidArgument.WithContext("reason", "queue already in use")
	}
	op, err := q.ops.add(qt, api.OpConnect)
	if err != nil {
		return err
	}
	op.addr = ca
	return nil
}

func (q *sharedQueue) Push(qt api.QToken, sga api.SGArray) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return api.ErrQueueClosed
	}
	if q.ep == nil && q.ops.pendingOf(api.OpConnect) == 0 {
		return api.ErrInvalidArgument.WithContext("reason", "queue not connected")
	}
	if protocol.FrameLen(sga) > q.b.opts.RingSize {
		return api.ErrInvalidArgument.WithContext("frame_len", protocol.FrameLen(sga))
	}
	op, err := q.ops.add(qt, api.OpPush)
	if err != nil {
		return err
	}
	op.sga = sga
	return nil
}

func (q *sharedQueue) Pop(qt api.QToken) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return api.ErrQueueClosed
	}
	if q.ep == nil && q.ops.pendingOf(api.OpConnect) == 0 {
		return api.ErrInvalidArgument.WithContext("reason", "queue not connected")
	}
	_, err := q.ops.add(qt, api.OpPop)
	return err
}

func (q *sharedQueue) Poll(qt api.QToken) (api.QueueResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.progress()
	return q.ops.take(qt)
}

func (q *sharedQueue) progress() {
	q.ops.advance(api.OpConnect, q.stepConnect)
	q.ops.advance(api.OpAccept, q.stepAccept)
	if q.ep == nil {
		if q.ops.pendingOf(api.OpConnect) == 0 {
			// the connect these were queued behind failed
			q.ops.advance(api.OpPush, notConnected)
			q.ops.advance(api.OpPop, notConnected)
		}
		return
	}
	q.ops.advance(api.OpPush, q.stepPush)
	q.ops.advance(api.OpPop, q.stepPop)
}

func (q *sharedQueue) Drop(qt api.QToken) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, err := q.ops.drop(qt)
	return err
}

func (q *sharedQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return api.ErrQueueClosed
	}
	q.closed = true
	q.ops.failAll(api.ErrQueueClosed)
	q.pending.Reset()
	if q.bound != nil {
		q.b.unbind(q.bound)
	}
	if q.ep != nil {
		if err := q.ep.Close(); err != nil {
			q.b.log.WithError(err).WithField("qd", q.qd).Warn("unmap failed")
		}
	}
	return nil
}

func (q *sharedQueue) Valid() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.closed
}

func (q *sharedQueue) stepConnect(op *operation) error {
	name := op.addr.(api.ChannelAddr).Name
	ch, ok := q.b.lookup(name)
	if !ok {
		return api.Errorf(api.ErrCodeIO, nil, "connection refused").WithContext("channel", name)
	}
	seg, err := shm.NewSegment(q.b.opts.RingSize)
	if err != nil {
		return err
	}
	local, remote := seg.Pair()
	if err := ch.offer(remote); err != nil {
		_ = remote.Close()
		_ = local.Close()
		return err
	}
	q.ep = local
	q.name = name
	op.res.Addr = api.ChannelAddr{Name: name}
	q.b.log.WithFields(logrus.Fields{"qd": q.qd, "channel": name}).Debug("connected")
	return nil
}

func (q *sharedQueue) stepAccept(op *operation) error {
	ep, ok := q.bound.next()
	if !ok {
		return api.ErrWouldBlock
	}
	nq := q.b.newQueue(q.alloc, q.alloc.NewQD())
	nq.ep = ep
	nq.name = q.name
	op.res.NewQD = nq.qd
	op.res.Accepted = nq
	op.res.Addr = api.ChannelAddr{Name: q.name}
	return nil
}

func (q *sharedQueue) stepPush(op *operation) error {
	if q.ep.Rx.Closed() {
		return api.Errorf(api.ErrCodeIO, io.ErrClosedPipe, "peer closed channel")
	}
	if q.ep.Tx.Free() < protocol.FrameLen(op.sga) {
		return api.ErrWouldBlock
	}
	n, err := protocol.WriteFrame(q.ep.Tx, op.sga, q.b.opts.Pinner)
	if err != nil {
		return err
	}
	op.res.Bytes = n
	return nil
}

func (q *sharedQueue) stepPop(op *operation) error {
	sga, n, err := q.pending.Pop(q.ep.Rx)
	switch {
	case err == nil:
		op.res.SGA = sga
		op.res.Bytes = n
		return nil
	case err == io.EOF:
		op.res.EOF = true
		return nil
	default:
		return err
	}
}

func notConnected(*operation) error {
	return api.ErrInvalidArgument.WithContext("reason", "queue not connected")
}
