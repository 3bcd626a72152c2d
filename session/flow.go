// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxsession/types"
)

const (
	// UnlimitedCredit marks a credit balance that is not enforced.
	UnlimitedCredit int64 = math.MinInt64

	DefaultCreditLimit int64 = math.MaxInt32
	DefaultCreditTopUp int64 = 1 << 30
)

// Flow keeps the producer flow state of a session.
//
// The desired blocking state follows the set of blocking reasons and may
// change from any goroutine. The wire state is what the peer was last
// told; Reconcile brings it in line and is only called from the
// connection's I/O goroutine.
type Flow struct {
	timeout time.Duration
	limit   int64
	topUp   int64

	mu       sync.Mutex
	reasons  map[any]struct{}
	blocking atomic.Bool

	wireBlocking atomic.Bool
	blockTime    atomic.Int64

	credit atomic.Int64
}

// NewFlow creates a governor. Non-positive limit or topUp fall back to the
// defaults.
func NewFlow(timeout time.Duration, limit, topUp int64) *Flow {
	if limit <= 0 {
		limit = DefaultCreditLimit
	}
	if topUp <= 0 || topUp > limit {
		topUp = min(DefaultCreditTopUp, limit)
	}
	f := &Flow{
		timeout: timeout,
		limit:   limit,
		topUp:   topUp,
		reasons: make(map[any]struct{}),
	}
	f.credit.Store(UnlimitedCredit)
	return f
}

// Block adds reason and reports whether the session just became blocking.
func (f *Flow) Block(reason any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.reasons[reason]; ok {
		return false
	}
	f.reasons[reason] = struct{}{}
	return f.blocking.CompareAndSwap(false, true)
}

// Unblock removes reason and reports whether the session just stopped
// blocking.
func (f *Flow) Unblock(reason any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.reasons[reason]; !ok {
		return false
	}
	delete(f.reasons, reason)
	if len(f.reasons) > 0 {
		return false
	}
	return f.blocking.CompareAndSwap(true, false)
}

// Blocking returns the desired blocking state.
func (f *Flow) Blocking() bool {
	return f.blocking.Load()
}

// WireBlocking returns what the peer was last told.
func (f *Flow) WireBlocking() bool {
	return f.wireBlocking.Load()
}

// Reasons returns the number of active blocking reasons.
func (f *Flow) Reasons() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reasons)
}

// Reconcile returns the commands that bring the wire state in line with
// the desired state, or nil when they already agree. Unblocking resets the
// credit balance to the limit.
func (f *Flow) Reconcile(now time.Time) []types.Command {
	desired := f.blocking.Load()
	if desired == f.wireBlocking.Load() {
		return nil
	}

	f.wireBlocking.Store(desired)
	if desired {
		f.blockTime.Store(now.UnixNano())
		return []types.Command{
			types.MessageSetFlowMode{Mode: types.FlowModeCredit},
			types.MessageStop{},
		}
	}

	f.blockTime.Store(0)
	f.credit.Store(f.limit)
	return []types.Command{
		types.MessageFlow{Unit: types.CreditUnitMessage, Value: uint32(f.limit)},
	}
}

// BlockedFor returns how long the wire has been blocking.
func (f *Flow) BlockedFor(now time.Time) time.Duration {
	t := f.blockTime.Load()
	if !f.wireBlocking.Load() || t == 0 {
		return 0
	}
	return now.Sub(time.Unix(0, t))
}

// TimeoutExceeded reports whether the wire has been blocking for longer
// than the enforcement timeout.
func (f *Flow) TimeoutExceeded(now time.Time) bool {
	return f.BlockedFor(now) > f.timeout
}

// Consume takes one unit of credit for an enqueue. When the balance drops
// to limit minus top-up it is replenished and the grant to send to the
// peer is returned.
func (f *Flow) Consume() *types.MessageFlow {
	if f.credit.Load() == UnlimitedCredit {
		return nil
	}
	if f.credit.Add(-1) != f.limit-f.topUp {
		return nil
	}
	f.credit.Add(f.topUp)
	return &types.MessageFlow{Unit: types.CreditUnitMessage, Value: uint32(f.topUp)}
}

// Credit returns the current balance, UnlimitedCredit if not enforced.
func (f *Flow) Credit() int64 {
	return f.credit.Load()
}

// SetCredit sets the balance.
func (f *Flow) SetCredit(c int64) {
	f.credit.Store(c)
}
