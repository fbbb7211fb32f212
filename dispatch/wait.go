// File: dispatch/wait.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package dispatch

import (
	"context"
	"time"

	"code.hybscloud.com/iox"
	"code.hybscloud.com/spin"
	"github.com/momentics/hioload-ioq/api"
)

const (
	// spinRounds polls issued back to back before the waiter starts
	// yielding the CPU.
	spinRounds = 64

	// idleSlice caps a single backend idle so context cancellation and
	// other tokens are noticed promptly.
	idleSlice = 10 * time.Millisecond
)

// Wait polls qt until it completes or ctx ends. On cancellation the
// token stays outstanding; drop it or keep polling.
func (d *Dispatcher) Wait(ctx context.Context, qt api.QToken) (api.QueueResult, error) {
	_, res, err := d.WaitAny(ctx, []api.QToken{qt})
	return res, err
}

// WaitAny polls qts in order until one of them completes and returns its
// index. Tokens that fail complete too: the error is returned with the
// index. The remaining tokens are left outstanding.
func (d *Dispatcher) WaitAny(ctx context.Context, qts []api.QToken) (int, api.QueueResult, error) {
	if len(qts) == 0 {
		return -1, api.QueueResult{}, api.ErrInvalidArgument.WithContext("tokens", 0)
	}
	var (
		sw      spin.Wait
		backoff iox.Backoff
	)
	for round := 0; ; round++ {
		for i, qt := range qts {
			res, err := d.Poll(qt)
			if !api.IsWouldBlock(err) {
				return i, res, err
			}
		}
		if err := ctx.Err(); err != nil {
			return -1, api.QueueResult{}, err
		}
		if round < spinRounds {
			sw.Once()
			continue
		}
		if d.idle(ctx, qts[round%len(qts)]) {
			backoff.Reset()
			continue
		}
		backoff.Wait()
	}
}

// idle parks on the backend of qt when it can sleep until readiness. It
// reports false when no idler is available.
func (d *Dispatcher) idle(ctx context.Context, qt api.QToken) bool {
	q, ok := d.table.Get(qt.QD())
	if !ok {
		return false
	}
	idler := d.idlerFor(q)
	if idler == nil {
		return false
	}
	slice := idleSlice
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < slice {
			slice = left
		}
	}
	if slice <= 0 {
		return true
	}
	if err := idler.Idle(slice); err != nil && !api.IsWouldBlock(err) {
		d.log.WithError(err).WithField("qd", q.QD()).Debug("idle failed")
		return false
	}
	return true
}
