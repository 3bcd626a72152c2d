// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package vhost

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/absmach/fluxsession/events"
	"github.com/absmach/fluxsession/session"
	"github.com/absmach/fluxsession/store"
	"github.com/absmach/fluxsession/store/memory"
	"github.com/absmach/fluxsession/txn"
	"github.com/absmach/fluxsession/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type conn struct{}

func (conn) NotifyWork(*session.Session)        {}
func (conn) IsTransportBlockedForWriting() bool { return false }
func (conn) IsIOThread() bool                   { return true }

func (conn) CloseSessionAsync(s *session.Session, cause session.CloseCause, message string) {
	s.Close(cause, message)
}

// ioConn runs scheduled closes on the goroutine that drives the session,
// as a connection's I/O loop does.
type ioConn struct {
	closes chan func()
}

func (c *ioConn) NotifyWork(*session.Session)        {}
func (c *ioConn) IsTransportBlockedForWriting() bool { return false }
func (c *ioConn) IsIOThread() bool                   { return true }

func (c *ioConn) CloseSessionAsync(s *session.Session, cause session.CloseCause, message string) {
	c.closes <- func() { s.Close(cause, message) }
}

type transport struct{}

func (transport) Invoke(types.Command) error { return nil }

type entry struct{}

func (entry) MakeAcquisitionUnstealable(any) bool { return true }
func (entry) EnqueueRecord() store.EnqueueRecord  { return store.EnqueueRecord{Queue: "q", MessageID: 1} }
func (entry) Delete()                             {}
func (entry) SetRedelivered()                     {}
func (entry) Release(any)                         {}

func newVHost(t *testing.T, cfg Config) (*VirtualHost, *memory.Store, *events.Recorder) {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = "test"
	}
	if cfg.Session == (session.Config{}) {
		cfg.Session = session.DefaultConfig()
	}
	st := memory.New()
	rec := &events.Recorder{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(cfg, st, logger, rec, nil, nil, nil), st, rec
}

func openSession(t *testing.T, v *VirtualHost, channel uint16) *session.Session {
	t.Helper()
	s, err := v.NewSession(channel, conn{}, transport{})
	require.NoError(t, err)
	return s
}

func TestVirtualHostSessions(t *testing.T) {
	v, _, _ := newVHost(t, Config{})
	s1 := openSession(t, v, 1)
	s2 := openSession(t, v, 2)

	got, ok := v.Session(s1.ID())
	require.True(t, ok)
	assert.Same(t, s1, got)
	assert.Len(t, v.Sessions(), 2)
	assert.Equal(t, uint64(2), v.GetStats().GetCurrentSessions())

	s2.Close(session.CloseNormal, "")
	_, ok = v.Session(s2.ID())
	assert.False(t, ok)
	assert.Equal(t, uint64(1), v.GetStats().GetCurrentSessions())
	assert.Equal(t, uint64(2), v.GetStats().GetTotalSessions())
}

func TestVirtualHostFlowControlIgnored(t *testing.T) {
	cfg := Config{Session: session.DefaultConfig()}
	cfg.Session.FlowControlEnforcementTimeout = time.Millisecond
	v, _, rec := newVHost(t, cfg)
	s := openSession(t, v, 1)
	other := openSession(t, v, 2)

	s.BlockAll()
	v.Housekeep(time.Now())
	assert.False(t, s.IsClosing(), "not blocked on the wire yet")

	s.ProcessPending()
	time.Sleep(5 * time.Millisecond)
	v.Housekeep(time.Now())

	assert.True(t, s.IsClosing())
	assert.False(t, other.IsClosing())
	assert.Equal(t, 1, rec.Count(events.TypeFlowControlIgnored))
	assert.Equal(t, 1, rec.Count(events.TypeChannelCloseForced))
	assert.Equal(t, uint64(1), v.GetStats().GetFlowControlIgnored())
	assert.Equal(t, uint64(1), v.GetStats().GetForcedCloses())
	assert.Len(t, v.Sessions(), 1)
}

func TestVirtualHostTransactionTimeouts(t *testing.T) {
	cases := []struct {
		desc   string
		cfg    Config
		after  time.Duration
		closed bool
		open   uint64
		idle   uint64
	}{
		{
			desc:  "within limits",
			cfg:   Config{TxnOpenTimeout: time.Minute, TxnIdleTimeout: time.Minute},
			after: 30 * time.Second,
		},
		{
			desc:   "open too long",
			cfg:    Config{TxnOpenTimeout: time.Minute},
			after:  2 * time.Minute,
			closed: true,
			open:   1,
		},
		{
			desc:   "idle too long",
			cfg:    Config{TxnIdleTimeout: 10 * time.Second},
			after:  20 * time.Second,
			closed: true,
			idle:   1,
		},
		{
			desc:  "timeouts disabled",
			after: time.Hour,
		},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			v, _, _ := newVHost(t, tc.cfg)
			s := openSession(t, v, 1)
			s.SelectTx()
			s.Acknowledge("consumer", entry{})
			require.False(t, s.TransactionStartTime().IsZero())

			v.Housekeep(time.Now().Add(tc.after))
			assert.Equal(t, tc.closed, s.IsClosing())
			assert.Equal(t, tc.open, v.GetStats().GetTxnOpenTimeouts())
			assert.Equal(t, tc.idle, v.GetStats().GetTxnIdleTimeouts())
		})
	}
}

func TestVirtualHostClosesOnIOGoroutine(t *testing.T) {
	v, _, rec := newVHost(t, Config{TxnOpenTimeout: time.Minute})
	c := &ioConn{closes: make(chan func(), 1)}
	s, err := v.NewSession(1, c, transport{})
	require.NoError(t, err)
	s.SelectTx()
	s.Acknowledge("consumer", entry{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case fn := <-c.closes:
				fn()
				return
			default:
				s.Acknowledge("consumer", entry{})
			}
		}
	}()

	for i := 0; i < 3; i++ {
		v.Housekeep(time.Now().Add(2 * time.Minute))
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("session was not closed")
	}

	assert.True(t, s.IsClosing())
	assert.True(t, s.TransactionStartTime().IsZero())
	assert.Equal(t, uint64(1), v.GetStats().GetTxnOpenTimeouts())
	assert.Equal(t, uint64(1), v.GetStats().GetForcedCloses())
	assert.Equal(t, 1, rec.Count(events.TypeChannelCloseForced))
	assert.Empty(t, v.Sessions())
}

func TestVirtualHostIdleTransactionIgnored(t *testing.T) {
	v, _, _ := newVHost(t, Config{TxnOpenTimeout: time.Second, TxnIdleTimeout: time.Second})
	s := openSession(t, v, 1)
	s.SelectTx()

	v.Housekeep(time.Now().Add(time.Hour))
	assert.False(t, s.IsClosing())
}

func TestVirtualHostExpiresBranches(t *testing.T) {
	v, _, _ := newVHost(t, Config{DTX: txn.RegistryConfig{DefaultTimeout: time.Second}})
	s := openSession(t, v, 1)
	s.SelectDtx()
	x := types.Xid{Format: 1, GlobalID: []byte("g"), BranchID: []byte("b")}
	require.NoError(t, s.StartDtx(x, false, false))

	v.Housekeep(time.Now())
	state, err := v.Registry().State(x)
	require.NoError(t, err)
	assert.Equal(t, txn.BranchActive, state)

	v.Housekeep(time.Now().Add(2 * time.Second))
	state, err = v.Registry().State(x)
	require.NoError(t, err)
	assert.Equal(t, txn.BranchTimedOut, state)
	assert.Equal(t, uint64(1), v.GetStats().GetBranchesExpired())
	assert.ErrorIs(t, s.EndDtx(x, false, false), txn.ErrTimeout)
}

func TestVirtualHostRecover(t *testing.T) {
	v, st, _ := newVHost(t, Config{})
	x := types.Xid{Format: 7, GlobalID: []byte("gid"), BranchID: []byte("bid")}
	tx := st.NewTransaction()
	tx.RecordXid(store.XidRecord{Xid: x})
	require.NoError(t, tx.Commit())

	n, err := v.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, uint64(1), v.GetStats().GetBranchesRecovered())

	xids := v.Registry().Recover()
	require.Len(t, xids, 1)
	assert.Equal(t, x.Key(), xids[0].Key())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = v.Recover(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestVirtualHostRun(t *testing.T) {
	v, _, _ := newVHost(t, Config{HousekeepingInterval: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- v.Run(ctx) }()
	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestVirtualHostClose(t *testing.T) {
	v, st, rec := newVHost(t, Config{})
	s1 := openSession(t, v, 1)
	s2 := openSession(t, v, 2)

	require.NoError(t, v.Close(context.Background()))
	require.NoError(t, v.Close(context.Background()))

	assert.True(t, s1.IsClosing())
	assert.True(t, s2.IsClosing())
	assert.Empty(t, v.Sessions())
	assert.Equal(t, 2, rec.Count(events.TypeChannelClosed))

	_, err := v.NewSession(3, conn{}, transport{})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = st.AddMessage([]byte("x"), false)
	assert.ErrorIs(t, err, store.ErrClosed)
}
