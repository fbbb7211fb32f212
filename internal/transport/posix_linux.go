//go:build linux
// +build linux

// File: internal/transport/posix_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Kernel socket and file backend. The native fd doubles as the queue
// descriptor; a side table records whether the fd is a plain file and
// carries its partial-frame decoder state.

package transport

import (
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/momentics/hioload-ioq/api"
	"github.com/momentics/hioload-ioq/protocol"
	"github.com/momentics/hioload-ioq/reactor"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// PosixBackend owns the fd side table and the readiness reactor.
type PosixBackend struct {
	opts Options
	r    reactor.Reactor
	log  *logrus.Entry

	mu     sync.Mutex
	queues map[int]*posixQueue
}

type fdInfo struct {
	isFile   bool
	sockType int
	pending  *protocol.PendingRead
}

// NewPosixBackend creates the backend and its epoll reactor.
func NewPosixBackend(opts Options) (*PosixBackend, error) {
	r, err := reactor.NewReactor()
	if err != nil {
		return nil, api.Errorf(api.ErrCodeInternal, err, "posix: reactor")
	}
	return &PosixBackend{
		opts:   opts.withDefaults(),
		r:      r,
		log:    logrus.WithField("component", "posix"),
		queues: make(map[int]*posixQueue),
	}, nil
}

// Constructor returns the NetworkQueue constructor. The queue has no
// descriptor until Socket or Open succeeds.
func (b *PosixBackend) Constructor() api.Constructor {
	return func(api.Allocator) (api.Queue, error) {
		return b.newQueue(-1, nil), nil
	}
}

// IsFile reports whether fd was opened as a plain file.
func (b *PosixBackend) IsFile(fd int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[fd]
	return ok && q.info.isFile
}

// Close releases the reactor. Queues must be closed first.
func (b *PosixBackend) Close() error {
	return b.r.Close()
}

// Idle sleeps until a descriptor with outstanding operations is ready
// and advances every queue that became ready.
func (b *PosixBackend) Idle(timeout time.Duration) error {
	var events [64]reactor.Event
	n, err := b.r.Wait(events[:], timeout)
	if err != nil {
		return api.Errorf(api.ErrCodeIO, err, "posix: idle")
	}
	for i := 0; i < n; i++ {
		b.mu.Lock()
		q := b.queues[events[i].Fd]
		b.mu.Unlock()
		if q != nil {
			q.mu.Lock()
			q.progress()
			q.mu.Unlock()
		}
	}
	return nil
}

func (b *PosixBackend) newQueue(fd int, info *fdInfo) *posixQueue {
	if info == nil {
		info = &fdInfo{}
	}
	return &posixQueue{b: b, fd: fd, info: info, ops: newOpTable(api.QD(fd))}
}

func (b *PosixBackend) track(q *posixQueue) error {
	if !q.info.isFile {
		if err := b.r.Register(q.fd, 0); err != nil {
			return api.Errorf(api.ErrCodeIO, err, "posix: register fd").WithContext("fd", q.fd)
		}
	}
	b.mu.Lock()
	b.queues[q.fd] = q
	b.mu.Unlock()
	return nil
}

func (b *PosixBackend) untrack(q *posixQueue) {
	b.mu.Lock()
	delete(b.queues, q.fd)
	b.mu.Unlock()
	if !q.info.isFile {
		_ = b.r.Unregister(q.fd)
	}
}

type posixQueue struct {
	mu       sync.Mutex
	b        *PosixBackend
	fd       int
	info     *fdInfo
	ops      *opTable
	interest reactor.FDEventType
	closed   bool
}

func (q *posixQueue) QD() api.QD {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fd < 0 {
		return api.InvalidQD
	}
	return api.QD(q.fd)
}

func (q *posixQueue) Type() api.QueueType { return api.NetworkQueue }

func (q *posixQueue) Socket(domain, typ, protocol int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fd >= 0 {
		return api.ErrAlreadyExists.WithContext("fd", q.fd)
	}
	typ &^= unix.SOCK_NONBLOCK | unix.SOCK_CLOEXEC
	fd, err := unix.Socket(domain, typ|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, protocol)
	if err != nil {
		return errnoError("socket", err)
	}
	if typ == unix.SOCK_STREAM && (domain == unix.AF_INET || domain == unix.AF_INET6) {
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	}
	return q.attach(fd, &fdInfo{sockType: typ})
}

// Open wraps a plain file. Push and pop on it are not implemented.
func (q *posixQueue) Open(path string, flags int, perm os.FileMode) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fd >= 0 {
		return api.ErrAlreadyExists.WithContext("fd", q.fd)
	}
	fd, err := unix.Open(path, flags|unix.O_CLOEXEC, uint32(perm.Perm()))
	if err != nil {
		return errnoError("open", err)
	}
	return q.attach(fd, &fdInfo{isFile: true})
}

func (q *posixQueue) attach(fd int, info *fdInfo) error {
	q.fd = fd
	q.info = info
	q.ops = newOpTable(api.QD(fd))
	if !info.isFile {
		info.pending = protocol.NewPendingRead(q.b.opts.MaxFrameSize)
	}
	if err := q.b.track(q); err != nil {
		_ = unix.Close(fd)
		q.fd = -1
		return err
	}
	return nil
}

func (q *posixQueue) GetSockName() (net.Addr, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.usable(); err != nil {
		return nil, err
	}
	sa, err := unix.Getsockname(q.fd)
	if err != nil {
		return nil, errnoError("getsockname", err)
	}
	return fromSockaddr(sa, q.info.sockType), nil
}

func (q *posixQueue) Bind(addr net.Addr) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.usable(); err != nil {
		return err
	}
	sa, err := toSockaddr(addr)
	if err != nil {
		return err
	}
	if err := unix.Bind(q.fd, sa); err != nil {
		return errnoError("bind", err)
	}
	return nil
}

func (q *posixQueue) Listen(backlog int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.usable(); err != nil {
		return err
	}
	if err := unix.Listen(q.fd, backlog); err != nil {
		return errnoError("listen", err)
	}
	return nil
}

func (q *posixQueue) Accept(qt api.QToken) error {
	return q.enqueue(qt, api.OpAccept, func(*operation) {})
}

func (q *posixQueue) Connect(qt api.QToken, addr net.Addr) error {
	sa, err := toSockaddr(addr)
	if err != nil {
		return err
	}
	return q.enqueue(qt, api.OpConnect, func(op *operation) {
		op.addr = addr
		op.state = sa
	})
}

func (q *posixQueue) Push(qt api.QToken, sga api.SGArray) error {
	return q.enqueue(qt, api.OpPush, func(op *operation) { op.sga = sga })
}

func (q *posixQueue) Pop(qt api.QToken) error {
	return q.enqueue(qt, api.OpPop, func(*operation) {})
}

func (q *posixQueue) enqueue(qt api.QToken, code api.Opcode, init func(*operation)) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.usable(); err != nil {
		return err
	}
	if q.info.isFile {
		return api.ErrNotSupported.WithContext("reason", "operation on plain file")
	}
	if (code == api.OpPush || code == api.OpPop) && q.info.sockType != unix.SOCK_STREAM {
		return api.ErrNotSupported.WithContext("reason", "framing needs a stream socket")
	}
	op, err := q.ops.add(qt, code)
	if err != nil {
		return err
	}
	init(op)
	q.progress()
	return nil
}

func (q *posixQueue) Poll(qt api.QToken) (api.QueueResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed && q.fd >= 0 {
		q.progress()
	}
	return q.ops.take(qt)
}

func (q *posixQueue) Drop(qt api.QToken) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, err := q.ops.drop(qt); err != nil {
		return err
	}
	q.updateInterest()
	return nil
}

// Idle sleeps until this descriptor can progress one of its operations.
func (q *posixQueue) Idle(timeout time.Duration) error {
	q.mu.Lock()
	fd, interest := q.fd, q.interest
	q.mu.Unlock()
	if fd < 0 || interest == 0 {
		return nil
	}
	var events int16
	if interest&reactor.EventRead != 0 {
		events |= unix.POLLIN
	}
	if interest&reactor.EventWrite != 0 {
		events |= unix.POLLOUT
	}
	if err := pollFD(fd, events, timeout); err != nil && !api.IsWouldBlock(err) {
		return err
	}
	return nil
}

func (q *posixQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return api.ErrQueueClosed
	}
	q.closed = true
	q.ops.failAll(api.ErrQueueClosed)
	if q.fd < 0 {
		return nil
	}
	q.b.untrack(q)
	if q.info.pending != nil {
		q.info.pending.Reset()
	}
	if err := unix.Close(q.fd); err != nil {
		return errnoError("close", err)
	}
	return nil
}

func (q *posixQueue) Valid() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.closed && q.fd >= 0
}

func (q *posixQueue) usable() error {
	if q.closed {
		return api.ErrQueueClosed
	}
	if q.fd < 0 {
		return api.ErrInvalidArgument.WithContext("reason", "no socket")
	}
	return nil
}

func (q *posixQueue) progress() {
	q.ops.advance(api.OpConnect, q.stepConnect)
	q.ops.advance(api.OpAccept, q.stepAccept)
	q.ops.advance(api.OpPush, q.stepPush)
	q.ops.advance(api.OpPop, q.stepPop)
	q.updateInterest()
}

// updateInterest arms the reactor only for directions with outstanding
// operations, so unread data nobody asked for never wakes an idler.
// Pushes still queued after progress are waiting for socket space.
func (q *posixQueue) updateInterest() {
	if q.info.isFile || q.fd < 0 || q.closed {
		return
	}
	var want reactor.FDEventType
	if q.ops.pendingOf(api.OpPop) > 0 || q.ops.pendingOf(api.OpAccept) > 0 {
		want |= reactor.EventRead
	}
	if q.ops.pendingOf(api.OpConnect) > 0 || q.ops.queued(api.OpPush) > 0 {
		want |= reactor.EventWrite
	}
	if want == q.interest {
		return
	}
	if err := q.b.r.Modify(q.fd, want); err != nil {
		q.b.log.WithError(err).WithField("fd", q.fd).Warn("reactor modify failed")
		return
	}
	q.interest = want
}

func (q *posixQueue) stepAccept(op *operation) error {
	nfd, sa, err := unix.Accept4(q.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		switch err {
		case unix.EAGAIN, unix.EINTR, unix.ECONNABORTED:
			return api.ErrWouldBlock
		}
		return errnoError("accept", err)
	}
	nq := q.b.newQueue(-1, nil)
	if err := nq.attach(nfd, &fdInfo{sockType: q.info.sockType}); err != nil {
		return err
	}
	op.res.NewQD = api.QD(nfd)
	op.res.Accepted = nq
	op.res.Addr = fromSockaddr(sa, q.info.sockType)
	q.b.log.WithFields(logrus.Fields{"fd": q.fd, "new_fd": nfd}).Debug("accepted")
	return nil
}

type connecting struct{}

func (q *posixQueue) stepConnect(op *operation) error {
	if sa, ok := op.state.(unix.Sockaddr); ok {
		err := unix.Connect(q.fd, sa)
		switch err {
		case nil:
			op.res.Addr = op.addr
			return nil
		case unix.EINPROGRESS, unix.EALREADY, unix.EINTR:
			op.state = connecting{}
			return api.ErrWouldBlock
		default:
			return errnoError("connect", err)
		}
	}
	if err := pollFD(q.fd, unix.POLLOUT, 0); err != nil {
		return err
	}
	soErr, err := unix.GetsockoptInt(q.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return errnoError("getsockopt", err)
	}
	if soErr != 0 {
		return errnoError("connect", unix.Errno(soErr))
	}
	op.res.Addr = op.addr
	return nil
}

// stepPush writes as much of the head frame as the socket takes. A frame
// that has started keeps the stream until its last byte is written.
func (q *posixQueue) stepPush(op *operation) error {
	fw, ok := op.state.(*protocol.FrameWriter)
	if !ok {
		fw = protocol.NewFrameWriter(op.sga, q.b.opts.Pinner)
		op.state = fw
		op.abort = fw.Release
	}
	err := fw.Advance(fdWriter{fd: q.fd})
	if api.IsWouldBlock(err) {
		op.partial = fw.Started()
		return err
	}
	if err != nil {
		q.b.log.WithError(err).WithField("fd", q.fd).Warn("push failed")
		return err
	}
	op.res.Bytes = fw.Written()
	return nil
}

func (q *posixQueue) stepPop(op *operation) error {
	sga, n, err := q.info.pending.Pop(fdReader{fd: q.fd})
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

// fdReader adapts a non-blocking fd to the decoder's reader contract.
type fdReader struct {
	fd int
}

func (r fdReader) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(r.fd, p)
		switch err {
		case nil:
			return n, nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return 0, api.ErrWouldBlock
		default:
			return 0, errnoError("read", err)
		}
	}
}

// fdWriter writes to a non-blocking fd until the kernel buffer fills.
type fdWriter struct {
	fd int
}

func (w fdWriter) Write(p []byte) (int, error) {
	off := 0
	for off < len(p) {
		n, err := unix.Write(w.fd, p[off:])
		switch err {
		case nil:
			off += n
		case unix.EINTR:
		case unix.EAGAIN:
			return off, api.ErrWouldBlock
		default:
			return off, errnoError("write", err)
		}
	}
	return off, nil
}

// pollFD waits up to timeout for events on fd. It returns
// api.ErrWouldBlock when fd is not ready in time.
func pollFD(fd int, events int16, timeout time.Duration) error {
	ms := int(timeout / time.Millisecond)
	if ms == 0 && timeout > 0 {
		ms = 1
	}
	fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
	for {
		n, err := unix.Poll(fds, ms)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return errnoError("poll", err)
		}
		if n == 0 {
			return api.ErrWouldBlock
		}
		return nil
	}
}
