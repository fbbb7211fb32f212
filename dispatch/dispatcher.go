// File: dispatch/dispatcher.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Dispatcher owns the descriptor table and routes every public operation
// to the queue object registered under its descriptor.

package dispatch

import (
	"math"
	"net"
	"os"
	"sync"

	"code.hybscloud.com/atomix"
	"github.com/momentics/hioload-ioq/api"
	"github.com/momentics/hioload-ioq/control"
	"github.com/momentics/hioload-ioq/internal/qdtable"
	"github.com/sirupsen/logrus"
)

// Dispatcher maps descriptors to queues and tokens to operations.
type Dispatcher struct {
	mu     sync.RWMutex
	ctors  map[api.QueueType]api.Constructor
	idlers map[api.QueueType]api.Idler

	table   *qdtable.Table
	nextQD  atomix.Uint64
	nextSeq atomix.Uint64

	metrics *control.MetricsRegistry
	stats   stats
	log     *logrus.Entry
}

type stats struct {
	opened, closed      *control.Counter
	pushes, pops        *control.Counter
	accepts, connects   *control.Counter
	completed, failed   *control.Counter
	pushBytes, popBytes *control.Counter
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithMetrics routes dispatcher counters into mr.
func WithMetrics(mr *control.MetricsRegistry) Option {
	return func(d *Dispatcher) {
		d.metrics = mr
	}
}

// WithShards sets the descriptor table shard count.
func WithShards(n int) Option {
	return func(d *Dispatcher) {
		d.table = qdtable.New(n)
	}
}

// WithLogger replaces the default logrus entry.
func WithLogger(log *logrus.Entry) Option {
	return func(d *Dispatcher) {
		d.log = log
	}
}

// New creates a dispatcher with no backends registered.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		ctors:  make(map[api.QueueType]api.Constructor),
		idlers: make(map[api.QueueType]api.Idler),
		log:    logrus.WithField("component", "dispatch"),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.table == nil {
		d.table = qdtable.New(16)
	}
	if d.metrics == nil {
		d.metrics = control.NewMetricsRegistry()
	}
	d.stats = stats{
		opened:    d.metrics.Counter("queues.opened"),
		closed:    d.metrics.Counter("queues.closed"),
		pushes:    d.metrics.Counter("ops.push"),
		pops:      d.metrics.Counter("ops.pop"),
		accepts:   d.metrics.Counter("ops.accept"),
		connects:  d.metrics.Counter("ops.connect"),
		completed: d.metrics.Counter("ops.completed"),
		failed:    d.metrics.Counter("ops.failed"),
		pushBytes: d.metrics.Counter("bytes.pushed"),
		popBytes:  d.metrics.Counter("bytes.popped"),
	}
	return d
}

// RegisterBackend installs the constructor used by Queue for t.
func (d *Dispatcher) RegisterBackend(t api.QueueType, ctor api.Constructor) error {
	if ctor == nil {
		return api.ErrInvalidArgument.WithContext("type", t)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.ctors[t]; ok {
		return api.ErrAlreadyExists.WithContext("type", t)
	}
	d.ctors[t] = ctor
	return nil
}

// RegisterIdler installs a backend-wide idler used by wait helpers for
// queues of type t that cannot idle on their own.
func (d *Dispatcher) RegisterIdler(t api.QueueType, idler api.Idler) {
	d.mu.Lock()
	d.idlers[t] = idler
	d.mu.Unlock()
}

// NewQD implements api.Allocator. Descriptors still in the table are
// skipped so a wrapped counter never aliases a live queue.
func (d *Dispatcher) NewQD() api.QD {
	span := uint64(math.MaxInt32 - api.VirtualQDBase)
	for {
		n := d.nextQD.AddAcqRel(1) - 1
		qd := api.VirtualQDBase + api.QD(n%span)
		if _, live := d.table.Get(qd); !live {
			return qd
		}
	}
}

func (d *Dispatcher) newToken(qd api.QD) api.QToken {
	for {
		seq := uint32(d.nextSeq.AddAcqRel(1))
		if seq != 0 {
			return api.NewQToken(qd, seq)
		}
	}
}

func (d *Dispatcher) construct(t api.QueueType) (api.Queue, error) {
	d.mu.RLock()
	ctor, ok := d.ctors[t]
	d.mu.RUnlock()
	if !ok {
		return nil, api.ErrPermission.WithContext("type", t)
	}
	return ctor(d)
}

func (d *Dispatcher) register(q api.Queue) (api.QD, error) {
	qd := q.QD()
	if qd == api.InvalidQD {
		return api.InvalidQD, api.ErrInvalidArgument.WithContext("qd", qd)
	}
	if err := d.table.Insert(qd, q); err != nil {
		return api.InvalidQD, err
	}
	d.stats.opened.Inc()
	d.log.WithFields(logrus.Fields{"qd": qd, "type": q.Type()}).Debug("queue registered")
	return qd, nil
}

// Queue creates a queue of type t and returns its descriptor. Network
// queues made this way need SocketQD before use. Backends that take their
// descriptor from the kernel have none until socket(2); use Socket for
// those.
func (d *Dispatcher) Queue(t api.QueueType) (api.QD, error) {
	q, err := d.construct(t)
	if err != nil {
		return api.InvalidQD, err
	}
	qd, err := d.register(q)
	if err != nil {
		q.Close()
		return api.InvalidQD, err
	}
	return qd, nil
}

// Socket creates a network queue and its endpoint in one step.
func (d *Dispatcher) Socket(domain, typ, protocol int) (api.QD, error) {
	q, err := d.construct(api.NetworkQueue)
	if err != nil {
		return api.InvalidQD, err
	}
	if err := q.Socket(domain, typ, protocol); err != nil {
		q.Close()
		return api.InvalidQD, err
	}
	qd, err := d.register(q)
	if err != nil {
		q.Close()
		return api.InvalidQD, err
	}
	return qd, nil
}

// SocketQD creates the endpoint of a queue made with Queue. Backends whose
// queues get their descriptor from the kernel cannot be registered before
// socket(2); Socket covers them.
func (d *Dispatcher) SocketQD(qd api.QD, domain, typ, protocol int) error {
	q, err := d.lookup(qd)
	if err != nil {
		return err
	}
	return q.Socket(domain, typ, protocol)
}

// Open wraps a file in a network queue. Only backends backed by kernel
// descriptors support it.
func (d *Dispatcher) Open(path string, flags int, perm os.FileMode) (api.QD, error) {
	q, err := d.construct(api.NetworkQueue)
	if err != nil {
		return api.InvalidQD, err
	}
	fo, ok := q.(api.FileOpener)
	if !ok {
		q.Close()
		return api.InvalidQD, api.ErrNotSupported.WithContext("path", path)
	}
	if err := fo.Open(path, flags, perm); err != nil {
		q.Close()
		return api.InvalidQD, err
	}
	qd, err := d.register(q)
	if err != nil {
		q.Close()
		return api.InvalidQD, err
	}
	return qd, nil
}

func (d *Dispatcher) lookup(qd api.QD) (api.Queue, error) {
	q, ok := d.table.Get(qd)
	if !ok {
		return nil, api.ErrNotFound.WithContext("qd", qd)
	}
	return q, nil
}

// IsQDValid reports whether qd names a live, usable queue.
func (d *Dispatcher) IsQDValid(qd api.QD) bool {
	q, ok := d.table.Get(qd)
	return ok && q.Valid()
}

// Len returns the number of registered descriptors.
func (d *Dispatcher) Len() int { return d.table.Len() }

// GetSockName returns the local address bound to qd.
func (d *Dispatcher) GetSockName(qd api.QD) (net.Addr, error) {
	q, err := d.lookup(qd)
	if err != nil {
		return nil, err
	}
	return q.GetSockName()
}

// Bind binds qd to addr.
func (d *Dispatcher) Bind(qd api.QD, addr net.Addr) error {
	if addr == nil {
		return api.ErrInvalidArgument.WithContext("qd", qd)
	}
	q, err := d.lookup(qd)
	if err != nil {
		return err
	}
	return q.Bind(addr)
}

// Listen marks qd as passive.
func (d *Dispatcher) Listen(qd api.QD, backlog int) error {
	q, err := d.lookup(qd)
	if err != nil {
		return err
	}
	return q.Listen(backlog)
}

// Accept starts accepting one connection on qd.
func (d *Dispatcher) Accept(qd api.QD) (api.QToken, error) {
	q, err := d.lookup(qd)
	if err != nil {
		return 0, err
	}
	qt := d.newToken(qd)
	if err := q.Accept(qt); err != nil {
		return 0, err
	}
	d.stats.accepts.Inc()
	return qt, nil
}

// Connect starts connecting qd to addr.
func (d *Dispatcher) Connect(qd api.QD, addr net.Addr) (api.QToken, error) {
	if addr == nil {
		return 0, api.ErrInvalidArgument.WithContext("qd", qd)
	}
	q, err := d.lookup(qd)
	if err != nil {
		return 0, err
	}
	qt := d.newToken(qd)
	if err := q.Connect(qt, addr); err != nil {
		return 0, err
	}
	d.stats.connects.Inc()
	return qt, nil
}

// Push queues sga as one message on qd. The caller must keep sga intact
// until the token completes.
func (d *Dispatcher) Push(qd api.QD, sga api.SGArray) (api.QToken, error) {
	q, err := d.lookup(qd)
	if err != nil {
		return 0, err
	}
	qt := d.newToken(qd)
	if err := q.Push(qt, sga); err != nil {
		return 0, err
	}
	d.stats.pushes.Inc()
	return qt, nil
}

// Pop requests the next message on qd.
func (d *Dispatcher) Pop(qd api.QD) (api.QToken, error) {
	q, err := d.lookup(qd)
	if err != nil {
		return 0, err
	}
	qt := d.newToken(qd)
	if err := q.Pop(qt); err != nil {
		return 0, err
	}
	d.stats.pops.Inc()
	return qt, nil
}

// Poll reports the state of qt. It returns api.ErrWouldBlock while the
// operation is in flight. A completed accept has its new queue registered
// before the result is returned.
func (d *Dispatcher) Poll(qt api.QToken) (api.QueueResult, error) {
	q, err := d.lookup(qt.QD())
	if err != nil {
		return api.QueueResult{}, err
	}
	res, err := q.Poll(qt)
	if api.IsWouldBlock(err) {
		return res, err
	}
	if err != nil {
		d.stats.failed.Inc()
		return res, err
	}
	d.stats.completed.Inc()
	switch res.Op {
	case api.OpPush:
		d.stats.pushBytes.Add(int64(res.Bytes))
	case api.OpPop:
		d.stats.popBytes.Add(int64(res.Bytes))
	case api.OpAccept:
		if err := d.adopt(res.Accepted); err != nil {
			return api.QueueResult{}, err
		}
	}
	return res, nil
}

// adopt registers a queue produced by accept.
func (d *Dispatcher) adopt(q api.Queue) error {
	if q == nil {
		return api.NewError(api.ErrCodeInternal, "accept completed without a queue")
	}
	if _, err := d.register(q); err != nil {
		d.log.WithError(err).WithField("qd", q.QD()).Warn("accepted queue rejected")
		q.Close()
		return err
	}
	return nil
}

// Drop abandons qt. Its eventual result is discarded.
func (d *Dispatcher) Drop(qt api.QToken) error {
	q, err := d.lookup(qt.QD())
	if err != nil {
		return err
	}
	return q.Drop(qt)
}

// Close removes qd from the table and releases its queue. Outstanding
// tokens for qd become unknown.
func (d *Dispatcher) Close(qd api.QD) error {
	q, ok := d.table.Delete(qd)
	if !ok {
		return api.ErrNotFound.WithContext("qd", qd)
	}
	d.stats.closed.Inc()
	d.log.WithField("qd", qd).Debug("queue closed")
	return q.Close()
}

// CloseAll closes every registered queue.
func (d *Dispatcher) CloseAll() {
	var qds []api.QD
	d.table.Range(func(qd api.QD, _ api.Queue) bool {
		qds = append(qds, qd)
		return true
	})
	for _, qd := range qds {
		if err := d.Close(qd); err != nil && api.CodeOf(err) != api.ErrCodeClosed {
			d.log.WithError(err).WithField("qd", qd).Warn("close failed")
		}
	}
}

// RegisterProbes publishes descriptor table state on dp.
func (d *Dispatcher) RegisterProbes(dp *control.DebugProbes) {
	dp.RegisterProbe("dispatch.queues", func() any { return d.table.Len() })
	dp.RegisterProbe("dispatch.types", func() any {
		byType := make(map[string]int)
		d.table.Range(func(_ api.QD, q api.Queue) bool {
			byType[q.Type().String()]++
			return true
		})
		return byType
	})
}

func (d *Dispatcher) idlerFor(q api.Queue) api.Idler {
	if idler, ok := q.(api.Idler); ok {
		return idler
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.idlers[q.Type()]
}
