// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package session implements the per-channel session engine: delivery
// dispositions, transactions, producer flow control, ordered completion
// of asynchronous store work and consumer scheduling.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxsession/events"
	"github.com/absmach/fluxsession/store"
	"github.com/absmach/fluxsession/txn"
	"github.com/absmach/fluxsession/types"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

type state int32

const (
	stateOpen state = iota
	stateClosing
	stateClosed
)

type allQueues struct{}

// AllQueuesReason is the blocking reason used by BlockAll and UnblockAll.
var AllQueuesReason any = allQueues{}

const allQueuesName = "** All Queues **"

// Session is the server side of one channel.
//
// Protocol commands are delivered on the connection's I/O goroutine, one at
// a time. Block, Unblock, NotifyWork and the completion of store futures
// may happen on any goroutine.
type Session struct {
	id        string
	channel   uint16
	conn      Connection
	transport Transport
	store     store.MessageStore
	registry  *txn.Registry
	auth      Authorizer
	events    events.Logger
	logger    *slog.Logger
	metrics   *Metrics // nil if metrics disabled
	cfg       Config

	dispositions *Dispositions
	uncommitted  *Uncommitted
	flow         *Flow
	completions  *CompletionQueue
	scheduler    *Scheduler

	tx atomic.Pointer[txn.Transaction]

	consumersMu sync.RWMutex
	consumers   map[string]ConsumerTarget

	txnStarts  atomic.Int64
	txnCommits atomic.Int64
	txnRejects atomic.Int64
	// At most one local transaction is outstanding per session, so this
	// only moves between 0 and 1. It must become a real counter if
	// transactions can ever overlap.
	txnCount atomic.Int64

	state          atomic.Int32
	closeRequested atomic.Bool

	closeMu    sync.Mutex
	closeTasks []func(*Session)

	warnLimiter *rate.Limiter
}

// New creates an open session on channel with an auto-commit transaction.
// logger, ev, metrics and auth may be nil.
func New(channel uint16, conn Connection, transport Transport, st store.MessageStore, registry *txn.Registry, cfg Config, logger *slog.Logger, ev events.Logger, metrics *Metrics, auth Authorizer) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if ev == nil {
		ev = events.NewSlogLogger(logger, "")
	}
	interval := cfg.LargeTransactionWarnInterval
	if interval <= 0 {
		interval = time.Second
	}

	s := &Session{
		id:           uuid.New().String(),
		channel:      channel,
		conn:         conn,
		transport:    transport,
		store:        st,
		registry:     registry,
		auth:         auth,
		events:       ev,
		metrics:      metrics,
		cfg:          cfg,
		dispositions: NewDispositions(),
		uncommitted:  NewUncommitted(cfg.MaxUncommittedInMemorySize),
		flow:         NewFlow(cfg.FlowControlEnforcementTimeout, cfg.ProducerCreditLimit, cfg.ProducerCreditTopUp),
		completions:  NewCompletionQueue(cfg.AsyncCommandThreshold),
		scheduler:    NewScheduler(),
		consumers:    make(map[string]ConsumerTarget),
		warnLimiter:  rate.NewLimiter(rate.Every(interval), 1),
	}
	s.logger = logger.With(slog.String("session", s.id), slog.Int("channel", int(channel)))
	s.tx.Store(txn.NewAutoCommit(st, s.completions))

	s.events.Log(events.ChannelCreated{Channel: s.eventChannel()})
	if m := s.metrics; m != nil {
		m.RecordSessionOpened()
	}
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Channel returns the channel number.
func (s *Session) Channel() uint16 { return s.channel }

// Transaction returns the current transaction context.
func (s *Session) Transaction() *txn.Transaction { return s.tx.Load() }

// IsClosing reports whether Close has been called.
func (s *Session) IsClosing() bool {
	return state(s.state.Load()) != stateOpen
}

// CloseAsync asks the connection to close the session on its I/O
// goroutine. Callers off that goroutine, such as housekeeping, must close
// through it. Only the first request is forwarded.
func (s *Session) CloseAsync(cause CloseCause, message string) {
	if s.IsClosing() || !s.closeRequested.CompareAndSwap(false, true) {
		return
	}
	s.conn.CloseSessionAsync(s, cause, message)
}

// CloseRequested reports whether CloseAsync has been called.
func (s *Session) CloseRequested() bool {
	return s.closeRequested.Load()
}

// AuthorizePublish checks that subject may publish to destination.
func (s *Session) AuthorizePublish(ctx context.Context, subject Subject, destination, routingKey string) error {
	if s.auth == nil {
		return nil
	}
	if err := s.auth.AuthorizePublish(ctx, subject, destination, routingKey); err != nil {
		return fmt.Errorf("%w: publish to %q by %q: %w", ErrAccessDenied, destination, subject.Principal, err)
	}
	return nil
}

// Enqueue publishes msg through route under the current transaction and
// returns the number of queues it reached. Producer credit is consumed and
// topped up here.
func (s *Session) Enqueue(ctx context.Context, subject Subject, msg store.StoredMessage, route RoutingResult) (int, error) {
	if s.IsClosing() {
		return 0, ErrClosed
	}
	if err := s.AuthorizePublish(ctx, subject, route.Destination(), route.RoutingKey()); err != nil {
		return 0, err
	}

	if grant := s.flow.Consume(); grant != nil {
		if err := s.transport.Invoke(*grant); err != nil {
			s.logger.Warn("failed to send producer credit", slog.String("error", err.Error()))
		}
		if m := s.metrics; m != nil {
			m.RecordCreditTopUp()
		}
	}

	tx := s.tx.Load()
	n := route.Send(tx, func(owner any) {
		if c, ok := owner.(CapacityChecker); ok {
			c.CheckCapacity(s)
		}
	})
	if m := s.metrics; m != nil {
		m.RecordEnqueue(msg.ContentSize())
	}

	s.incrementOutstandingTxns()
	if err := s.trackUncommitted(tx, msg); err != nil {
		return n, err
	}
	return n, nil
}

func (s *Session) trackUncommitted(tx *txn.Transaction, msg store.StoredMessage) error {
	if tx.Kind() != txn.Local {
		return nil
	}

	warn, err := s.uncommitted.Add(msg)
	if warn {
		if m := s.metrics; m != nil {
			m.RecordFlowToDisk()
		}
		if s.warnLimiter.Allow() {
			s.events.Log(events.LargeTransactionWarn{
				Channel:   s.eventChannel(),
				Size:      s.uncommitted.Size(),
				Threshold: s.cfg.MaxUncommittedInMemorySize,
			})
		}
	}
	if err != nil {
		if m := s.metrics; m != nil {
			m.RecordError("flow_to_disk")
		}
		return fmt.Errorf("failed to flow uncommitted messages to disk: %w", err)
	}
	return nil
}

// OnMessageDispositionChange registers the listener for a delivery.
func (s *Session) OnMessageDispositionChange(id uint32, l Listener) {
	s.dispositions.Register(id, l)
}

// RemoveDispositionListener drops the listener for a delivery that will
// not be settled by the peer.
func (s *Session) RemoveDispositionListener(id uint32) bool {
	return s.dispositions.Remove(id)
}

// Accept settles the deliveries in ranges as accepted.
func (s *Session) Accept(ranges types.RangeSet) {
	s.recordDisposition("accept", s.dispositions.Accept(ranges))
}

// Release returns the deliveries in ranges to their queues.
func (s *Session) Release(ranges types.RangeSet, setRedelivered bool) {
	s.recordDisposition("release", s.dispositions.Release(ranges, setRedelivered))
}

// Reject settles the deliveries in ranges as rejected.
func (s *Session) Reject(ranges types.RangeSet) {
	s.recordDisposition("reject", s.dispositions.Reject(ranges))
}

// Acquire claims the deliveries in ranges and returns those claimed.
func (s *Session) Acquire(ranges types.RangeSet) types.RangeSet {
	acquired := s.dispositions.Acquire(ranges)
	n := 0
	for _, r := range acquired.Ranges() {
		n += int(r.Len())
	}
	s.recordDisposition("acquire", n)
	return acquired
}

func (s *Session) recordDisposition(outcome string, settled int) {
	if m := s.metrics; m != nil && settled > 0 {
		m.RecordDisposition(outcome, settled)
	}
}

// Acknowledge dequeues an entry the consumer owns under the current
// transaction. The entry is deleted once that commits, or released for
// redelivery on rollback.
func (s *Session) Acknowledge(consumer any, entry QueueEntry) {
	if s.IsClosing() || !entry.MakeAcquisitionUnstealable(consumer) {
		return
	}
	s.tx.Load().Dequeue(entry.EnqueueRecord(), txn.Action{
		PostCommit: entry.Delete,
		OnRollback: func() {
			entry.SetRedelivered()
			entry.Release(consumer)
		},
	})
}

// UnacknowledgedMessageCount returns the number of unsettled deliveries.
func (s *Session) UnacknowledgedMessageCount() int {
	return s.dispositions.Len()
}

// Register attaches a consumer target.
func (s *Session) Register(target ConsumerTarget) {
	s.consumersMu.Lock()
	defer s.consumersMu.Unlock()
	s.consumers[target.Name()] = target
}

// Unregister detaches a consumer target and closes it.
func (s *Session) Unregister(target ConsumerTarget) {
	s.consumersMu.Lock()
	cur, ok := s.consumers[target.Name()]
	if ok && cur == target {
		delete(s.consumers, target.Name())
	}
	s.consumersMu.Unlock()
	s.scheduler.Remove(target)
	if ok && cur == target {
		target.Close()
	}
}

// Subscription returns the consumer target registered under name.
func (s *Session) Subscription(name string) (ConsumerTarget, bool) {
	s.consumersMu.RLock()
	defer s.consumersMu.RUnlock()
	t, ok := s.consumers[name]
	return t, ok
}

// ConsumerCount returns the number of attached consumer targets.
func (s *Session) ConsumerCount() int {
	s.consumersMu.RLock()
	defer s.consumersMu.RUnlock()
	return len(s.consumers)
}

func (s *Session) subscriptions() []ConsumerTarget {
	s.consumersMu.RLock()
	defer s.consumersMu.RUnlock()
	out := make([]ConsumerTarget, 0, len(s.consumers))
	for _, t := range s.consumers {
		out = append(out, t)
	}
	return out
}

// SelectTx switches the session to local transactions. The caller must not
// have a transaction in flight.
func (s *Session) SelectTx() {
	s.tx.Store(txn.NewLocal(s.store))
	s.txnStarts.Add(1)
}

// SelectDtx switches the session to distributed transactions.
func (s *Session) SelectDtx() {
	s.tx.Store(txn.NewDistributed(s.store, s.completions, s.registry, s.id))
}

// Commit commits the local transaction. The uncommitted accounting is
// reset whatever the outcome; an error is fatal to the session.
func (s *Session) Commit() error {
	tx := s.tx.Load()
	defer s.uncommitted.Reset()

	if err := tx.Commit(); err != nil {
		if m := s.metrics; m != nil {
			m.RecordError("commit")
		}
		return err
	}
	s.txnCommits.Add(1)
	s.txnStarts.Add(1)
	s.decrementOutstandingTxns()
	if m := s.metrics; m != nil && tx.Kind() == txn.Local {
		m.RecordTransaction("commit")
	}
	return nil
}

// Rollback rolls back the local transaction. The uncommitted accounting is
// reset whatever the outcome; an error is fatal to the session.
func (s *Session) Rollback() error {
	tx := s.tx.Load()
	defer s.uncommitted.Reset()

	if err := tx.Rollback(); err != nil {
		if m := s.metrics; m != nil {
			m.RecordError("rollback")
		}
		return err
	}
	s.txnRejects.Add(1)
	s.txnStarts.Add(1)
	s.decrementOutstandingTxns()
	if m := s.metrics; m != nil && tx.Kind() == txn.Local {
		m.RecordTransaction("rollback")
	}
	return nil
}

func (s *Session) incrementOutstandingTxns() {
	if s.tx.Load().IsTransactional() {
		s.txnCount.CompareAndSwap(0, 1)
	}
}

func (s *Session) decrementOutstandingTxns() {
	if s.tx.Load().IsTransactional() {
		s.txnCount.CompareAndSwap(1, 0)
	}
}

// TxnStarts returns the number of local transactions started.
func (s *Session) TxnStarts() int64 { return s.txnStarts.Load() }

// TxnCommits returns the number of local transactions committed.
func (s *Session) TxnCommits() int64 { return s.txnCommits.Load() }

// TxnRejects returns the number of local transactions rolled back.
func (s *Session) TxnRejects() int64 { return s.txnRejects.Load() }

// OutstandingTxns returns 1 while a local transaction has pending work.
func (s *Session) OutstandingTxns() int64 { return s.txnCount.Load() }

// TransactionStartTime returns when the open local transaction recorded
// its first operation, or the zero time.
func (s *Session) TransactionStartTime() time.Time {
	tx := s.tx.Load()
	if tx.Kind() != txn.Local {
		return time.Time{}
	}
	return tx.StartTime()
}

// TransactionUpdateTime returns when the open local transaction last
// recorded an operation, or the zero time.
func (s *Session) TransactionUpdateTime() time.Time {
	tx := s.tx.Load()
	if tx.Kind() != txn.Local {
		return time.Time{}
	}
	return tx.UpdateTime()
}

// UncommittedSize returns the bytes enqueued by the open local
// transaction.
func (s *Session) UncommittedSize() int64 {
	return s.uncommitted.Size()
}

// StartDtx associates the session with a distributed transaction branch.
func (s *Session) StartDtx(xid types.Xid, join, resume bool) error {
	return s.tx.Load().Start(xid, join, resume)
}

// EndDtx ends or suspends the session's association with a branch.
func (s *Session) EndDtx(xid types.Xid, fail, suspend bool) error {
	return s.tx.Load().End(xid, fail, suspend)
}

// PrepareDtx prepares a branch.
func (s *Session) PrepareDtx(ctx context.Context, xid types.Xid) error {
	if err := s.assertDtx(); err != nil {
		return err
	}
	return s.registry.Prepare(ctx, xid)
}

// CommitDtx commits a branch.
func (s *Session) CommitDtx(ctx context.Context, xid types.Xid, onePhase bool) error {
	if err := s.assertDtx(); err != nil {
		return err
	}
	return s.registry.Commit(ctx, xid, onePhase)
}

// RollbackDtx rolls back a branch.
func (s *Session) RollbackDtx(ctx context.Context, xid types.Xid) error {
	if err := s.assertDtx(); err != nil {
		return err
	}
	return s.registry.Rollback(ctx, xid)
}

// ForgetDtx forgets a heuristically completed branch.
func (s *Session) ForgetDtx(xid types.Xid) error {
	if err := s.assertDtx(); err != nil {
		return err
	}
	return s.registry.Forget(xid)
}

// RecoverDtx returns the prepared branches of the virtual host.
func (s *Session) RecoverDtx() ([]types.Xid, error) {
	if err := s.assertDtx(); err != nil {
		return nil, err
	}
	return s.registry.Recover(), nil
}

// GetTimeoutDtx returns a branch's timeout.
func (s *Session) GetTimeoutDtx(xid types.Xid) (time.Duration, error) {
	if err := s.assertDtx(); err != nil {
		return 0, err
	}
	return s.registry.Timeout(xid)
}

// SetTimeoutDtx changes a branch's timeout.
func (s *Session) SetTimeoutDtx(xid types.Xid, d time.Duration) error {
	if err := s.assertDtx(); err != nil {
		return err
	}
	return s.registry.SetTimeout(xid, d)
}

func (s *Session) assertDtx() error {
	if s.tx.Load().Kind() != txn.Distributed {
		return txn.ErrNotSelected
	}
	return nil
}

// CompleteAsyncCommands applies the post-commit actions of completed store
// operations. It only waits when the backlog is over its threshold.
func (s *Session) CompleteAsyncCommands() error {
	forced, err := s.completions.DrainReady()
	if m := s.metrics; m != nil && forced > 0 {
		m.RecordForcedDrain(forced)
	}
	return s.asyncErr(err)
}

// AwaitCommandCompletion waits for every pending store operation and
// applies its post-commit action.
func (s *Session) AwaitCommandCompletion() error {
	return s.asyncErr(s.completions.AwaitAll())
}

func (s *Session) asyncErr(err error) error {
	if err == nil {
		return nil
	}
	if m := s.metrics; m != nil {
		if errors.Is(err, ErrAsyncRuntime) {
			m.RecordError("async_runtime")
		} else {
			m.RecordError("async_operation")
		}
	}
	return err
}

// PendingAsyncCommands returns the number of store operations not yet
// applied.
func (s *Session) PendingAsyncCommands() int {
	return s.completions.Len()
}

// ReceivedComplete is called when the peer confirms it has seen the
// session's commands. Consumers flush their credit and every prior store
// operation is made visible.
func (s *Session) ReceivedComplete() error {
	for _, t := range s.subscriptions() {
		t.FlushCreditState(false)
	}
	return s.AwaitCommandCompletion()
}

// Block adds a blocking reason. name is used for logging.
func (s *Session) Block(reason any, name string) {
	if !s.flow.Block(reason) {
		return
	}
	s.events.Log(events.FlowEnforced{Channel: s.eventChannel(), Reason: name})
	if !s.IsClosing() {
		s.conn.NotifyWork(s)
	}
}

// Unblock removes a blocking reason.
func (s *Session) Unblock(reason any) {
	if !s.flow.Unblock(reason) || s.IsClosing() {
		return
	}
	s.events.Log(events.FlowRemoved{Channel: s.eventChannel()})
	s.conn.NotifyWork(s)
}

// BlockAll blocks the session on behalf of every queue.
func (s *Session) BlockAll() {
	s.Block(AllQueuesReason, allQueuesName)
}

// UnblockAll removes the block added by BlockAll.
func (s *Session) UnblockAll() {
	s.Unblock(AllQueuesReason)
}

// Blocking reports whether the session wants producers blocked.
func (s *Session) Blocking() bool {
	return s.flow.Blocking()
}

// BlockingTimeoutExceeded reports whether the peer has been blocked on the
// wire for longer than the enforcement timeout.
func (s *Session) BlockingTimeoutExceeded() bool {
	return s.flow.TimeoutExceeded(time.Now())
}

// BlockedFor returns how long the peer has been blocked on the wire.
func (s *Session) BlockedFor() time.Duration {
	return s.flow.BlockedFor(time.Now())
}

// ProducerCredit returns the producer credit balance.
func (s *Session) ProducerCredit() int64 {
	return s.flow.Credit()
}

// NotifyWork marks target as having pending deliveries and asks the
// connection for an I/O turn if it was not marked already.
func (s *Session) NotifyWork(target ConsumerTarget) {
	if s.scheduler.Add(target) {
		s.conn.NotifyWork(s)
	}
}

// ProcessPending runs one I/O turn: the wire flow state is brought in line
// with the desired state and one consumer target with pending work is
// served. It returns whether more pending work remains.
func (s *Session) ProcessPending() bool {
	if !s.conn.IsIOThread() || s.IsClosing() {
		return false
	}

	for _, cmd := range s.flow.Reconcile(time.Now()) {
		if err := s.transport.Invoke(cmd); err != nil {
			s.logger.Warn("failed to send flow command",
				slog.String("command", types.CommandName(cmd)),
				slog.String("error", err.Error()))
		}
		if m := s.metrics; m != nil {
			switch cmd.(type) {
			case types.MessageStop:
				m.RecordFlowBlocked()
			case types.MessageFlow:
				m.RecordFlowUnblocked()
			}
		}
	}

	if !s.scheduler.Empty() && !s.conn.IsTransportBlockedForWriting() {
		if target, ok := s.scheduler.Next(); ok && target.ProcessPending() {
			s.NotifyWork(target)
		}
	}
	return !s.scheduler.Empty() && !s.conn.IsTransportBlockedForWriting()
}

// TransportStateChanged tells every consumer that the transport's
// writability changed and asks for an I/O turn if work is pending.
func (s *Session) TransportStateChanged() {
	for _, t := range s.subscriptions() {
		t.TransportStateChanged()
	}
	if !s.scheduler.Empty() && !s.conn.IsTransportBlockedForWriting() {
		s.conn.NotifyWork(s)
	}
}

// AddCloseTask registers fn to run when the session closes.
func (s *Session) AddCloseTask(fn func(*Session)) {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	s.closeTasks = append(s.closeTasks, fn)
}

// Close closes the session. An open local transaction is rolled back and
// distributed branches the session was working on become rollback only.
// Every unsettled delivery is released for redelivery before the close is
// reported. In-flight store operations are not cancelled. Close is
// idempotent.
func (s *Session) Close(cause CloseCause, message string) {
	if !s.state.CompareAndSwap(int32(stateOpen), int32(stateClosing)) {
		return
	}

	tx := s.tx.Load()
	switch tx.Kind() {
	case txn.Local:
		if err := tx.Rollback(); err != nil {
			s.logger.Error("failed to roll back transaction on close", slog.String("error", err.Error()))
		}
		s.uncommitted.Reset()
	case txn.Distributed:
		s.registry.EndAssociations(s.id)
	}

	released := s.dispositions.ReleaseAll()
	for _, t := range s.subscriptions() {
		s.Unregister(t)
	}

	s.closeMu.Lock()
	tasks := s.closeTasks
	s.closeTasks = nil
	s.closeMu.Unlock()
	for _, fn := range tasks {
		fn(s)
	}

	if cause == CloseNormal {
		s.events.Log(events.ChannelClosed{Channel: s.eventChannel()})
	} else {
		s.events.Log(events.ChannelCloseForced{Channel: s.eventChannel(), Cause: int(cause), Message: message})
	}
	s.logger.Debug("session closed",
		slog.String("cause", cause.String()),
		slog.Int("released", released))

	s.state.Store(int32(stateClosed))
	if m := s.metrics; m != nil {
		m.RecordSessionClosed()
	}
}

func (s *Session) eventChannel() events.Channel {
	return events.Channel{SessionID: s.id, Channel: s.channel}
}
