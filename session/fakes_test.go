// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/absmach/fluxsession/events"
	"github.com/absmach/fluxsession/store"
	"github.com/absmach/fluxsession/store/memory"
	"github.com/absmach/fluxsession/txn"
	"github.com/absmach/fluxsession/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeConn struct {
	notified  atomic.Int64
	blocked   atomic.Bool
	notIOLoop atomic.Bool

	mu            sync.Mutex
	closeRequests []CloseCause
}

func (c *fakeConn) NotifyWork(*Session)                { c.notified.Add(1) }
func (c *fakeConn) IsTransportBlockedForWriting() bool { return c.blocked.Load() }
func (c *fakeConn) IsIOThread() bool                   { return !c.notIOLoop.Load() }

func (c *fakeConn) CloseSessionAsync(_ *Session, cause CloseCause, _ string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeRequests = append(c.closeRequests, cause)
}

func (c *fakeConn) requestedCloses() []CloseCause {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]CloseCause(nil), c.closeRequests...)
}

type fakeTransport struct {
	mu   sync.Mutex
	cmds []types.Command
}

func (t *fakeTransport) Invoke(cmd types.Command) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cmds = append(t.cmds, cmd)
	return nil
}

func (t *fakeTransport) commands() []types.Command {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]types.Command, len(t.cmds))
	copy(out, t.cmds)
	return out
}

type fakeTarget struct {
	name      string
	remaining int
	processed int
	flushed   int
	changed   int
	closed    bool
}

func (t *fakeTarget) Name() string { return t.name }

func (t *fakeTarget) ProcessPending() bool {
	t.processed++
	if t.remaining > 0 {
		t.remaining--
	}
	return t.remaining > 0
}

func (t *fakeTarget) TransportStateChanged() { t.changed++ }
func (t *fakeTarget) FlushCreditState(bool)  { t.flushed++ }
func (t *fakeTarget) Close()                 { t.closed = true }

type sizedMessage struct {
	id     uint64
	size   int64
	flowed int
	err    error
}

func (m *sizedMessage) ID() uint64               { return m.id }
func (m *sizedMessage) ContentSize() int64       { return m.size }
func (m *sizedMessage) Content() ([]byte, error) { return nil, errors.New("not stored") }
func (m *sizedMessage) Persistent() bool         { return false }
func (m *sizedMessage) FlowToDisk() error {
	m.flowed++
	return m.err
}

type testQueue struct {
	name    string
	durable bool
	checked int
}

func (q *testQueue) Name() string             { return q.name }
func (q *testQueue) Durable() bool            { return q.durable }
func (q *testQueue) CheckCapacity(s *Session) { q.checked++ }

// fakeRoute enqueues msg on every queue it holds.
type fakeRoute struct {
	msg    store.StoredMessage
	queues []*testQueue
	action txn.Action
}

func (r *fakeRoute) Destination() string { return "amq.direct" }
func (r *fakeRoute) RoutingKey() string  { return "key" }

func (r *fakeRoute) Send(tx *txn.Transaction, onEnqueue func(owner any)) int {
	for _, q := range r.queues {
		tx.Enqueue(q, r.msg, r.action)
		onEnqueue(q)
	}
	return len(r.queues)
}

type fakeEntry struct {
	rec         store.EnqueueRecord
	stealable   bool
	deleted     bool
	redelivered bool
	releasedBy  any
}

func (e *fakeEntry) MakeAcquisitionUnstealable(any) bool { return !e.stealable }
func (e *fakeEntry) EnqueueRecord() store.EnqueueRecord  { return e.rec }
func (e *fakeEntry) Delete()                             { e.deleted = true }
func (e *fakeEntry) SetRedelivered()                     { e.redelivered = true }
func (e *fakeEntry) Release(consumer any)                { e.releasedBy = consumer }

type harness struct {
	session   *Session
	conn      *fakeConn
	transport *fakeTransport
	store     *memory.Store
	registry  *txn.Registry
	events    *events.Recorder
}

func newHarness(cfg Config) *harness {
	h := &harness{
		conn:      &fakeConn{},
		transport: &fakeTransport{},
		store:     memory.New(),
		events:    &events.Recorder{},
	}
	h.registry = txn.NewRegistry(h.store, txn.RegistryConfig{}, testLogger(), nil)
	h.session = New(1, h.conn, h.transport, h.store, h.registry, cfg, testLogger(), h.events, nil, nil)
	return h
}
