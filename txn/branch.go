// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package txn

import (
	"sync"
	"time"

	"github.com/absmach/fluxsession/store"
	"github.com/absmach/fluxsession/types"
)

// BranchState is the lifecycle state of a distributed transaction branch.
type BranchState uint8

const (
	BranchActive BranchState = iota
	BranchPrepared
	BranchRollbackOnly
	BranchTimedOut
	BranchForgotten
	BranchHeuristicCommit
	BranchHeuristicRollback
)

func (s BranchState) String() string {
	switch s {
	case BranchActive:
		return "active"
	case BranchPrepared:
		return "prepared"
	case BranchRollbackOnly:
		return "rollback-only"
	case BranchTimedOut:
		return "timed-out"
	case BranchForgotten:
		return "forgotten"
	case BranchHeuristicCommit:
		return "heuristic-commit"
	case BranchHeuristicRollback:
		return "heuristic-rollback"
	default:
		return "unknown"
	}
}

type association uint8

const (
	associated association = iota
	suspended
)

type branchEnqueue struct {
	queue store.Queue
	msg   store.StoredMessage
}

// Branch is one branch of a distributed transaction. State and session
// associations are guarded by the owning Registry; recorded work has its
// own lock since sessions append to it without going through the registry.
type Branch struct {
	xid types.Xid

	// Guarded by Registry.mu.
	state     BranchState
	sessions  map[string]association
	timeout   time.Duration
	expiresAt time.Time

	mu       sync.Mutex
	enqueues []branchEnqueue
	dequeues []store.EnqueueRecord
	actions  []Action

	// Durable image for branches recovered from the store.
	recovered *store.XidRecord
}

func newBranch(xid types.Xid) *Branch {
	return &Branch{
		xid:      xid,
		state:    BranchActive,
		sessions: make(map[string]association),
	}
}

// Xid returns the branch id.
func (b *Branch) Xid() types.Xid { return b.xid }

func (b *Branch) enqueue(queue store.Queue, msg store.StoredMessage, a Action) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enqueues = append(b.enqueues, branchEnqueue{queue: queue, msg: msg})
	b.actions = append(b.actions, a)
}

func (b *Branch) dequeue(rec store.EnqueueRecord, a Action) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dequeues = append(b.dequeues, rec)
	b.actions = append(b.actions, a)
}

// takeActions returns the recorded actions and forgets them.
func (b *Branch) takeActions() []Action {
	b.mu.Lock()
	defer b.mu.Unlock()
	a := b.actions
	b.actions = nil
	b.enqueues = nil
	b.dequeues = nil
	return a
}

// xidRecord builds the durable image of the branch from its durable work.
func (b *Branch) xidRecord() store.XidRecord {
	if b.recovered != nil {
		return *b.recovered
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	rec := store.XidRecord{Xid: b.xid}
	for _, e := range b.enqueues {
		if durable(e.queue, e.msg) {
			rec.Enqueues = append(rec.Enqueues, store.EnqueueRecord{
				Queue:     e.queue.Name(),
				MessageID: e.msg.ID(),
				Durable:   true,
			})
		}
	}
	for _, d := range b.dequeues {
		if d.Durable {
			rec.Dequeues = append(rec.Dequeues, d)
		}
	}
	return rec
}

// flowDurableToDisk makes sure the bodies of durable enqueues survive a
// restart once the branch is prepared.
func (b *Branch) flowDurableToDisk() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range b.enqueues {
		if durable(e.queue, e.msg) {
			if err := e.msg.FlowToDisk(); err != nil {
				return err
			}
		}
	}
	return nil
}

// applyTo adds the branch's durable work to st.
func (b *Branch) applyTo(st store.Transaction) {
	if b.recovered != nil {
		for _, e := range b.recovered.Enqueues {
			st.Enqueue(recordQueue(e.Queue), recordMessage(e.MessageID))
		}
		for _, d := range b.recovered.Dequeues {
			st.Dequeue(d)
		}
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range b.enqueues {
		if durable(e.queue, e.msg) {
			st.Enqueue(e.queue, e.msg)
		}
	}
	for _, d := range b.dequeues {
		if d.Durable {
			st.Dequeue(d)
		}
	}
}

func (b *Branch) hasActiveSessions() bool {
	for _, a := range b.sessions {
		if a == associated {
			return true
		}
	}
	return false
}

func (b *Branch) expired(now time.Time) bool {
	return b.state == BranchTimedOut || (!b.expiresAt.IsZero() && now.After(b.expiresAt))
}

func (b *Branch) setTimeout(d time.Duration, now time.Time) {
	b.timeout = d
	if d > 0 {
		b.expiresAt = now.Add(d)
		return
	}
	b.expiresAt = time.Time{}
}

// recordQueue and recordMessage stand in for live handles when a
// recovered branch is committed.
type recordQueue string

func (q recordQueue) Name() string  { return string(q) }
func (q recordQueue) Durable() bool { return true }

type recordMessage uint64

func (m recordMessage) ID() uint64               { return uint64(m) }
func (m recordMessage) ContentSize() int64       { return 0 }
func (m recordMessage) Content() ([]byte, error) { return nil, store.ErrNotFound }
func (m recordMessage) Persistent() bool         { return true }
func (m recordMessage) FlowToDisk() error        { return nil }
