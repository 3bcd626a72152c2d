// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package txn implements the per-session transaction context and the
// distributed transaction branch registry shared by a virtual host.
package txn

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxsession/store"
	"github.com/absmach/fluxsession/types"
)

// Kind tells which variant a Transaction is.
type Kind uint8

const (
	AutoCommit Kind = iota
	Local
	Distributed
)

func (k Kind) String() string {
	switch k {
	case AutoCommit:
		return "auto-commit"
	case Local:
		return "local"
	case Distributed:
		return "distributed"
	default:
		return "unknown"
	}
}

// Transaction is the transaction context of a session. It is one of three
// variants, fixed at construction:
//   - AutoCommit applies every operation immediately. Store work is
//     committed asynchronously and its PostCommit runs through the
//     FutureRecorder.
//   - Local buffers operations and actions until Commit or Rollback.
//   - Distributed records operations on the branch associated by Start,
//     and behaves like AutoCommit while no branch is associated.
//
// Operations are called from the session's command path, one at a time.
// Start and update times may be read from any goroutine.
type Transaction struct {
	kind     Kind
	store    store.MessageStore
	recorder FutureRecorder

	// Local.
	storeTxn store.Transaction
	actions  []Action
	started  atomic.Int64
	updated  atomic.Int64

	// Distributed.
	registry  *Registry
	sessionID string
	branch    *Branch
}

// NewAutoCommit returns an auto-commit context.
func NewAutoCommit(st store.MessageStore, rec FutureRecorder) *Transaction {
	return &Transaction{kind: AutoCommit, store: st, recorder: rec}
}

// NewLocal returns a local transaction context.
func NewLocal(st store.MessageStore) *Transaction {
	return &Transaction{kind: Local, store: st}
}

// NewDistributed returns a distributed context for the session identified
// by sessionID. Operations outside an associated branch are auto-committed
// through rec.
func NewDistributed(st store.MessageStore, rec FutureRecorder, reg *Registry, sessionID string) *Transaction {
	return &Transaction{kind: Distributed, store: st, recorder: rec, registry: reg, sessionID: sessionID}
}

// Kind returns the variant.
func (t *Transaction) Kind() Kind { return t.kind }

// IsTransactional reports whether operations are currently deferred.
func (t *Transaction) IsTransactional() bool {
	switch t.kind {
	case Local:
		return true
	case Distributed:
		return t.branch != nil
	default:
		return false
	}
}

// Enqueue records msg on queue.
func (t *Transaction) Enqueue(queue store.Queue, msg store.StoredMessage, a Action) {
	switch t.kind {
	case Local:
		t.touch()
		if durable(queue, msg) {
			t.localStoreTxn().Enqueue(queue, msg)
		}
		t.actions = append(t.actions, a)
	case Distributed:
		if t.branch != nil {
			t.branch.enqueue(queue, msg, a)
			return
		}
		t.autoEnqueue(queue, msg, a)
	default:
		t.autoEnqueue(queue, msg, a)
	}
}

// Dequeue records the removal of rec.
func (t *Transaction) Dequeue(rec store.EnqueueRecord, a Action) {
	switch t.kind {
	case Local:
		t.touch()
		if rec.Durable {
			t.localStoreTxn().Dequeue(rec)
		}
		t.actions = append(t.actions, a)
	case Distributed:
		if t.branch != nil {
			t.branch.dequeue(rec, a)
			return
		}
		t.autoDequeue(rec, a)
	default:
		t.autoDequeue(rec, a)
	}
}

// Commit applies a local transaction: the store transaction is committed
// synchronously, then every PostCommit runs in registration order. A
// failure at either step is returned and the remaining actions are
// dropped. Commit is a no-op under auto-commit.
func (t *Transaction) Commit() error {
	switch t.kind {
	case Local:
		defer t.reset()
		if t.storeTxn != nil {
			if err := t.storeTxn.Commit(); err != nil {
				return fmt.Errorf("failed to commit local transaction: %w", err)
			}
		}
		return runPostCommits(t.actions)
	case Distributed:
		return ErrDistributedCommit
	default:
		return nil
	}
}

// Rollback aborts a local transaction and runs every OnRollback in
// registration order. Rollback is a no-op under auto-commit.
func (t *Transaction) Rollback() error {
	switch t.kind {
	case Local:
		defer t.reset()
		if t.storeTxn != nil {
			t.storeTxn.Abort()
		}
		return runRollbacks(t.actions)
	case Distributed:
		return ErrDistributedCommit
	default:
		return nil
	}
}

// StartTime returns when the first operation of the open local
// transaction was recorded, or the zero time if none is open.
func (t *Transaction) StartTime() time.Time {
	return unixNano(t.started.Load())
}

// UpdateTime returns when the open local transaction last recorded an
// operation, or the zero time if none is open.
func (t *Transaction) UpdateTime() time.Time {
	return unixNano(t.updated.Load())
}

// Start associates the session with a branch.
func (t *Transaction) Start(xid types.Xid, join, resume bool) error {
	if t.kind != Distributed {
		return ErrNotSelected
	}
	b, err := t.registry.Start(t.sessionID, xid, join, resume)
	if err != nil {
		return err
	}
	t.branch = b
	return nil
}

// End ends or suspends the session's association with a branch.
func (t *Transaction) End(xid types.Xid, fail, suspend bool) error {
	if t.kind != Distributed {
		return ErrNotSelected
	}
	err := t.registry.End(t.sessionID, xid, fail, suspend)
	if t.branch != nil && t.branch.xid.Key() == xid.Key() {
		t.branch = nil
	}
	return err
}

// Branch returns the associated branch, if any.
func (t *Transaction) Branch() *Branch {
	return t.branch
}

func (t *Transaction) localStoreTxn() store.Transaction {
	if t.storeTxn == nil {
		t.storeTxn = t.store.NewTransaction()
	}
	return t.storeTxn
}

func (t *Transaction) touch() {
	now := time.Now().UnixNano()
	t.started.CompareAndSwap(0, now)
	t.updated.Store(now)
}

func (t *Transaction) reset() {
	t.storeTxn = nil
	t.actions = nil
	t.started.Store(0)
	t.updated.Store(0)
}

func (t *Transaction) autoEnqueue(queue store.Queue, msg store.StoredMessage, a Action) {
	f := store.CompletedFuture(nil)
	if durable(queue, msg) {
		st := t.store.NewTransaction()
		st.Enqueue(queue, msg)
		f = st.CommitAsync()
	}
	t.record(f, a)
}

func (t *Transaction) autoDequeue(rec store.EnqueueRecord, a Action) {
	f := store.CompletedFuture(nil)
	if rec.Durable {
		st := t.store.NewTransaction()
		st.Dequeue(rec)
		f = st.CommitAsync()
	}
	t.record(f, a)
}

func (t *Transaction) record(f *store.Future, a Action) {
	if t.recorder != nil {
		t.recorder.RecordFuture(f, a)
		return
	}
	if err := f.Wait(); err == nil && a.PostCommit != nil {
		a.PostCommit()
	}
}

func durable(queue store.Queue, msg store.StoredMessage) bool {
	return queue.Durable() && msg.Persistent()
}

func unixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
