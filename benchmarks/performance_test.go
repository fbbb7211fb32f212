// Package benchmarks
// Author: momentics <momentics@gmail.com>
//
// Performance benchmarks for hioload-ioq components.

package benchmarks

import (
	"bytes"
	"context"
	"testing"

	"github.com/momentics/hioload-ioq/api"
	"github.com/momentics/hioload-ioq/dispatch"
	"github.com/momentics/hioload-ioq/facade"
	"github.com/momentics/hioload-ioq/fake"
	"github.com/momentics/hioload-ioq/pool"
	"github.com/momentics/hioload-ioq/protocol"
)

// BenchmarkFrameEncoding measures AppendFrame into a reused buffer.
func BenchmarkFrameEncoding(b *testing.B) {
	sga := api.NewSGArray(make([]byte, 64), make([]byte, 1024))
	dst := make([]byte, 0, protocol.FrameLen(sga))
	b.SetBytes(int64(sga.Len()))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		dst = protocol.AppendFrame(dst[:0], sga)
	}
}

// BenchmarkFrameDecoding measures the incremental decoder on a stream of
// back to back frames.
func BenchmarkFrameDecoding(b *testing.B) {
	sga := api.NewSGArray(make([]byte, 64), make([]byte, 1024))
	frame := protocol.AppendFrame(nil, sga)
	stream := bytes.Repeat(frame, 64)
	b.SetBytes(int64(sga.Len()))
	b.ResetTimer()

	r := bytes.NewReader(stream)
	pr := protocol.NewPendingRead(protocol.DefaultMaxFrameSize)
	for i := 0; i < b.N; i++ {
		if r.Len() == 0 {
			r.Reset(stream)
		}
		out, _, err := pr.Pop(r)
		if err != nil {
			b.Fatal(err)
		}
		out.Release()
	}
}

// BenchmarkFrameBufferAllocation tests the mcache-backed frame buffers.
func BenchmarkFrameBufferAllocation(b *testing.B) {
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			buf := pool.GetFrameBuffer(4096)
			pool.PutFrameBuffer(buf)
		}
	})
}

// BenchmarkMemoryQueuePushPop measures one push/pop pair through the
// dispatcher on the memory backend.
func BenchmarkMemoryQueuePushPop(b *testing.B) {
	h, err := facade.New(facade.DefaultConfig())
	if err != nil {
		b.Fatal(err)
	}
	defer h.Shutdown()
	d := h.Dispatcher()
	qd, err := d.Queue(api.MemoryQueue)
	if err != nil {
		b.Fatal(err)
	}
	sga := api.NewSGArray(make([]byte, 1024))
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		pqt, _ := d.Push(qd, sga)
		if _, err := d.Wait(ctx, pqt); err != nil {
			b.Fatal(err)
		}
		rqt, _ := d.Pop(qd)
		if _, err := d.Wait(ctx, rqt); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkSharedChannelRoundTrip pushes frames across a shared-memory
// channel and pops them on the far side.
func BenchmarkSharedChannelRoundTrip(b *testing.B) {
	h, err := facade.New(facade.DefaultConfig())
	if err != nil {
		b.Fatal(err)
	}
	defer h.Shutdown()
	d := h.Dispatcher()
	ctx := context.Background()

	lqd, _ := d.Queue(api.SharedQueue)
	if err := d.Bind(lqd, api.ChannelAddr{Name: "bench"}); err != nil {
		b.Fatal(err)
	}
	if err := d.Listen(lqd, 1); err != nil {
		b.Fatal(err)
	}
	cqd, _ := d.Queue(api.SharedQueue)
	cqt, _ := d.Connect(cqd, api.ChannelAddr{Name: "bench"})
	if _, err := d.Wait(ctx, cqt); err != nil {
		b.Fatal(err)
	}
	aqt, _ := d.Accept(lqd)
	res, err := d.Wait(ctx, aqt)
	if err != nil {
		b.Fatal(err)
	}
	sqd := res.NewQD

	sga := api.NewSGArray(make([]byte, 1024))
	b.SetBytes(int64(sga.Len()))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		pqt, _ := d.Push(cqd, sga)
		if _, err := d.Wait(ctx, pqt); err != nil {
			b.Fatal(err)
		}
		rqt, _ := d.Pop(sqd)
		res, err := d.Wait(ctx, rqt)
		if err != nil {
			b.Fatal(err)
		}
		res.SGA.Release()
	}
}

// BenchmarkDispatcherPoll measures routing overhead for a token that is
// still in flight.
func BenchmarkDispatcherPoll(b *testing.B) {
	d := dispatch.New()
	backend := fake.NewBackend(api.NetworkQueue)
	if err := d.RegisterBackend(api.NetworkQueue, backend.Constructor()); err != nil {
		b.Fatal(err)
	}
	qd, _ := d.Queue(api.NetworkQueue)
	qt, _ := d.Pop(qd)

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := d.Poll(qt); !api.IsWouldBlock(err) {
				b.Fatal(err)
			}
		}
	})
}
