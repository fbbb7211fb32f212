// File: internal/transport/netstack.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Network queues on Go's network stack (tcp, unix, vsock). Blocking calls
// run on helper goroutines; their outcomes are only observed when the
// queue is polled.

package transport

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/bytedance/gopkg/util/gopool"
	"github.com/eapache/queue"
	"github.com/mdlayher/vsock"
	"github.com/momentics/hioload-ioq/api"
	"github.com/momentics/hioload-ioq/pool"
	"github.com/momentics/hioload-ioq/protocol"
	"github.com/sirupsen/logrus"
)

const (
	readChunk     = 64 << 10
	inboundLimit  = 4 << 20
	coalesceLimit = 64 << 10
	dialTimeout   = 30 * time.Second
)

// NetstackBackend creates NetworkQueues backed by net.Conn.
type NetstackBackend struct {
	opts    Options
	helpers gopool.Pool
	driver  PacketDriver
	log     *logrus.Entry
}

// NewNetstackBackend returns a backend whose dials and writes run on a
// bounded helper pool. driver may be nil.
func NewNetstackBackend(opts Options, driver PacketDriver) *NetstackBackend {
	opts = opts.withDefaults()
	return &NetstackBackend{
		opts:    opts,
		helpers: gopool.NewPool("ioq-netstack", int32(opts.HelperPoolSize), gopool.NewConfig()),
		driver:  driver,
		log:     logrus.WithField("component", "netstack"),
	}
}

// Constructor returns the NetworkQueue constructor.
func (b *NetstackBackend) Constructor() api.Constructor {
	return func(alloc api.Allocator) (api.Queue, error) {
		return b.newQueue(alloc, alloc.NewQD()), nil
	}
}

// Close releases the packet driver, if any.
func (b *NetstackBackend) Close() error {
	if b.driver != nil {
		return b.driver.Close()
	}
	return nil
}

type netQueue struct {
	mu    sync.Mutex
	cond  *sync.Cond
	b     *NetstackBackend
	alloc api.Allocator
	qd    api.QD
	ops   *opTable

	domain   int
	socketed bool
	bindAddr net.Addr

	ln        net.Listener
	accepted  *queue.Queue // net.Conn
	acceptErr error

	conn    net.Conn
	in      inbound
	pending *protocol.PendingRead
	writing bool

	notify chan struct{}
	closed bool
}

func (b *NetstackBackend) newQueue(alloc api.Allocator, qd api.QD) *netQueue {
	q := &netQueue{
		b:        b,
		alloc:    alloc,
		qd:       qd,
		ops:      newOpTable(qd),
		accepted: queue.New(),
		pending:  protocol.NewPendingRead(b.opts.MaxFrameSize),
		notify:   make(chan struct{}, 1),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *netQueue) QD() api.QD          { return q.qd }
func (q *netQueue) Type() api.QueueType { return api.NetworkQueue }

func (q *netQueue) Socket(domain, typ, protocol int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return api.ErrQueueClosed
	}
	switch domain {
	case api.AFInet, api.AFInet6, api.AFUnix, api.AFVsock:
	default:
		return api.ErrNotSupported.WithContext("domain", domain)
	}
	if typ != api.SockStream {
		return api.ErrNotSupported.WithContext("type", typ)
	}
	q.domain = domain
	q.socketed = true
	return nil
}

func (q *netQueue) GetSockName() (net.Addr, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	switch {
	case q.ln != nil:
		return q.ln.Addr(), nil
	case q.conn != nil:
		return q.conn.LocalAddr(), nil
	case q.bindAddr != nil:
		return q.bindAddr, nil
	}
	return nil, api.ErrInvalidArgument.WithContext("reason", "queue not bound")
}

func (q *netQueue) Bind(addr net.Addr) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.usable(); err != nil {
		return err
	}
	if err := q.checkAddr(addr); err != nil {
		return err
	}
	if q.bindAddr != nil {
		return api.ErrInvalidArgument.WithContext("reason", "already bound")
	}
	q.bindAddr = addr
	return nil
}

func (q *netQueue) Listen(backlog int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.usable(); err != nil {
		return err
	}
	if q.bindAddr == nil {
		return api.ErrInvalidArgument.WithContext("reason", "listen before bind")
	}
	if q.ln != nil {
		return nil
	}
	ln, err := listen(q.bindAddr)
	if err != nil {
		return netError("listen", err)
	}
	q.ln = ln
	go q.acceptLoop(ln)
	q.b.log.WithFields(logrus.Fields{"qd": q.qd, "addr": ln.Addr()}).Debug("listening")
	return nil
}

func (q *netQueue) Accept(qt api.QToken) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.usable(); err != nil {
		return err
	}
	if q.ln == nil {
		return api.ErrInvalidArgument.WithContext("reason", "accept on non-listening queue")
	}
	_, err := q.ops.add(qt, api.OpAccept)
	return err
}

func (q *netQueue) Connect(qt api.QToken, addr net.Addr) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.usable(); err != nil {
		return err
	}
	if err := q.checkAddr(addr); err != nil {
		return err
	}
	if q.conn != nil || q.ln != nil {
		return api.ErrInvalidArgument.WithContext("reason", "queue already in use")
	}
	op, err := q.ops.add(qt, api.OpConnect)
	if err != nil {
		return err
	}
	op.addr = addr
	return nil
}

func (q *netQueue) Push(qt api.QToken, sga api.SGArray) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.streamReady(); err != nil {
		return err
	}
	op, err := q.ops.add(qt, api.OpPush)
	if err != nil {
		return err
	}
	op.sga = sga
	q.progress()
	return nil
}

func (q *netQueue) Pop(qt api.QToken) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.streamReady(); err != nil {
		return err
	}
	_, err := q.ops.add(qt, api.OpPop)
	return err
}

func (q *netQueue) Poll(qt api.QToken) (api.QueueResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.progress()
	}
	return q.ops.take(qt)
}

func (q *netQueue) Drop(qt api.QToken) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, err := q.ops.drop(qt)
	return err
}

// Idle sleeps until a helper goroutine reports progress or timeout passes.
func (q *netQueue) Idle(timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-q.notify:
	case <-t.C:
	}
	return nil
}

func (q *netQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return api.ErrQueueClosed
	}
	q.closed = true
	q.ops.failAll(api.ErrQueueClosed)
	q.pending.Reset()
	var err error
	if q.ln != nil {
		err = q.ln.Close()
	}
	if q.conn != nil {
		err = q.conn.Close()
	}
	for q.accepted.Length() > 0 {
		_ = q.accepted.Remove().(net.Conn).Close()
	}
	q.cond.Broadcast()
	q.wake()
	if err != nil {
		return netError("close", err)
	}
	return nil
}

func (q *netQueue) Valid() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.closed
}

func (q *netQueue) usable() error {
	if q.closed {
		return api.ErrQueueClosed
	}
	if !q.socketed {
		return api.ErrInvalidArgument.WithContext("reason", "no socket")
	}
	return nil
}

func (q *netQueue) streamReady() error {
	if err := q.usable(); err != nil {
		return err
	}
	if q.conn == nil && q.ops.pendingOf(api.OpConnect) == 0 {
		return api.ErrInvalidArgument.WithContext("reason", "queue not connected")
	}
	return nil
}

func (q *netQueue) checkAddr(addr net.Addr) error {
	ok := false
	switch addr.(type) {
	case *net.TCPAddr:
		ok = q.domain == api.AFInet || q.domain == api.AFInet6
	case *net.UnixAddr:
		ok = q.domain == api.AFUnix
	case *vsock.Addr:
		ok = q.domain == api.AFVsock
	}
	if !ok {
		return api.ErrInvalidArgument.WithContext("addr", addr)
	}
	return nil
}

func (q *netQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *netQueue) progress() {
	q.ops.advance(api.OpConnect, q.stepConnect)
	q.ops.advance(api.OpAccept, q.stepAccept)
	if q.conn == nil {
		if q.ops.pendingOf(api.OpConnect) == 0 {
			q.ops.advance(api.OpPush, notConnected)
			q.ops.advance(api.OpPop, notConnected)
		}
		return
	}
	q.ops.advance(api.OpPush, q.stepPush)
	q.ops.advance(api.OpPop, q.stepPop)
}

func (q *netQueue) acceptLoop(ln net.Listener) {
	for {
		c, err := ln.Accept()
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			if c != nil {
				_ = c.Close()
			}
			return
		}
		if err != nil {
			q.acceptErr = netError("accept", err)
			q.mu.Unlock()
			q.wake()
			return
		}
		q.accepted.Add(c)
		q.mu.Unlock()
		q.wake()
	}
}

func (q *netQueue) stepAccept(op *operation) error {
	if q.accepted.Length() == 0 {
		if q.acceptErr != nil {
			return q.acceptErr
		}
		return api.ErrWouldBlock
	}
	c := q.accepted.Remove().(net.Conn)
	nq := q.b.newQueue(q.alloc, q.alloc.NewQD())
	nq.domain = q.domain
	nq.socketed = true
	nq.attach(c)
	op.res.NewQD = nq.qd
	op.res.Accepted = nq
	op.res.Addr = c.RemoteAddr()
	return nil
}

type dialResult struct {
	conn net.Conn
	err  error
}

type dialing struct{}

func (q *netQueue) stepConnect(op *operation) error {
	switch st := op.state.(type) {
	case nil:
		op.state = dialing{}
		addr := op.addr
		q.b.helpers.Go(func() {
			c, err := dial(addr)
			q.mu.Lock()
			if op.dropped || q.closed {
				q.mu.Unlock()
				if c != nil {
					_ = c.Close()
				}
				return
			}
			op.state = dialResult{conn: c, err: err}
			q.mu.Unlock()
			q.wake()
		})
		return api.ErrWouldBlock
	case dialing:
		return api.ErrWouldBlock
	case dialResult:
		if st.err != nil {
			return netError("connect", st.err)
		}
		q.attach(st.conn)
		op.res.Addr = st.conn.RemoteAddr()
		return nil
	}
	return api.NewError(api.ErrCodeInternal, "unexpected connect state")
}

type writeResult struct {
	n   int
	err error
}

func (q *netQueue) stepPush(op *operation) error {
	if res, ok := op.state.(writeResult); ok {
		if res.err != nil {
			return res.err
		}
		op.res.Bytes = res.n
		return nil
	}
	if q.writing {
		return api.ErrWouldBlock
	}
	q.writing = true
	op.state = struct{}{}
	c, sga, timeout, pinner := q.conn, op.sga, q.b.opts.WriteTimeout, q.b.opts.Pinner
	q.b.helpers.Go(func() {
		_ = c.SetWriteDeadline(time.Now().Add(timeout))
		n, err := writeMessage(c, sga, pinner)
		q.mu.Lock()
		q.writing = false
		op.state = writeResult{n: n, err: err}
		q.mu.Unlock()
		if err != nil {
			q.b.log.WithError(err).WithField("qd", q.qd).Warn("push failed")
		}
		q.wake()
	})
	return api.ErrWouldBlock
}

// writeMessage sends small frames with a single Write and streams larger
// ones segment by segment.
func writeMessage(c net.Conn, sga api.SGArray, p api.Pinner) (int, error) {
	n := protocol.FrameLen(sga)
	if n > coalesceLimit {
		return protocol.WriteFrame(c, sga, p)
	}
	buf := protocol.AppendFrame(pool.GetFrameBuffer(n)[:0], sga)
	defer pool.PutFrameBuffer(buf)
	if _, err := c.Write(buf); err != nil {
		return 0, api.Errorf(api.ErrCodeIO, err, "could not write frame")
	}
	return sga.Len(), nil
}

func (q *netQueue) stepPop(op *operation) error {
	sga, n, err := q.pending.Pop(&q.in)
	q.cond.Broadcast()
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

// attach adopts c as the queue's stream and starts its reader.
func (q *netQueue) attach(c net.Conn) {
	q.conn = c
	go q.readLoop(c)
}

func (q *netQueue) readLoop(c net.Conn) {
	buf := pool.ScratchBuffer(readChunk)
	for {
		n, err := c.Read(buf)
		q.mu.Lock()
		if n > 0 {
			q.in.append(buf[:n])
		}
		if err != nil {
			q.in.err = err
		}
		for !q.closed && q.in.err == nil && q.in.buffered() > inboundLimit {
			q.cond.Wait()
		}
		done := q.closed || q.in.err != nil
		q.mu.Unlock()
		q.wake()
		if done {
			return
		}
	}
}

// inbound holds bytes read from a conn until the decoder consumes them.
// It is guarded by the owning queue's mutex.
type inbound struct {
	data []byte
	off  int
	err  error
}

// append adds p after the unread bytes, first reclaiming the consumed
// prefix once it is large or outweighs what is left.
func (in *inbound) append(p []byte) {
	if in.off > 0 && (in.off >= readChunk || 2*in.off > len(in.data)) {
		n := copy(in.data, in.data[in.off:])
		in.data = in.data[:n]
		in.off = 0
	}
	in.data = append(in.data, p...)
}

func (in *inbound) buffered() int {
	return len(in.data) - in.off
}

// Read follows the decoder contract: bytes, would-block, or end of stream.
func (in *inbound) Read(p []byte) (int, error) {
	if in.buffered() == 0 {
		switch {
		case in.err == nil:
			return 0, api.ErrWouldBlock
		case in.err == io.EOF:
			return 0, io.EOF
		default:
			return 0, netError("read", in.err)
		}
	}
	n := copy(p, in.data[in.off:])
	in.off += n
	if in.off == len(in.data) {
		in.data = in.data[:0]
		in.off = 0
	}
	return n, nil
}

func listen(addr net.Addr) (net.Listener, error) {
	switch a := addr.(type) {
	case *vsock.Addr:
		return vsock.ListenContextID(a.ContextID, a.Port, nil)
	case *net.UnixAddr:
		return net.ListenUnix("unix", a)
	default:
		return net.Listen("tcp", addr.String())
	}
}

func dial(addr net.Addr) (net.Conn, error) {
	if a, ok := addr.(*vsock.Addr); ok {
		return vsock.Dial(a.ContextID, a.Port, nil)
	}
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	var d net.Dialer
	if a, ok := addr.(*net.UnixAddr); ok {
		return d.DialContext(ctx, "unix", a.Name)
	}
	return d.DialContext(ctx, "tcp", addr.String())
}

func netError(op string, err error) error {
	if err == nil {
		return nil
	}
	return api.Errorf(api.ErrCodeIO, err, "%s", op)
}
