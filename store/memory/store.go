// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package memory provides an in-memory MessageStore. Commits are applied
// synchronously, so every future it hands out is already complete.
package memory

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/absmach/fluxsession/store"
	"github.com/absmach/fluxsession/types"
)

var _ store.MessageStore = (*Store)(nil)

// Store is an in-memory message store.
type Store struct {
	nextID atomic.Uint64

	mu       sync.RWMutex
	messages map[uint64]*message
	queues   map[string]map[uint64]struct{}
	xids     map[string]store.XidRecord
	closed   bool
}

// New creates an empty store.
func New() *Store {
	return &Store{
		messages: make(map[uint64]*message),
		queues:   make(map[string]map[uint64]struct{}),
		xids:     make(map[string]store.XidRecord),
	}
}

// AddMessage creates a handle for body.
func (s *Store) AddMessage(body []byte, persistent bool) (store.StoredMessage, error) {
	c := make([]byte, len(body))
	copy(c, body)

	m := &message{
		id:         s.nextID.Add(1),
		body:       c,
		persistent: persistent,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, store.ErrClosed
	}
	s.messages[m.id] = m
	return m, nil
}

// NewTransaction starts a buffered transaction.
func (s *Store) NewTransaction() store.Transaction {
	return &transaction{store: s}
}

// RecoverXids returns recorded branches ordered by key.
func (s *Store) RecoverXids() ([]store.XidRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.xids))
	for k := range s.xids {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	recs := make([]store.XidRecord, 0, len(keys))
	for _, k := range keys {
		recs = append(recs, s.xids[k])
	}
	return recs, nil
}

// QueueDepth returns the number of messages enqueued on queue.
func (s *Store) QueueDepth(queue string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.queues[queue])
}

// Contains reports whether the message is still held by the store.
func (s *Store) Contains(id uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.messages[id]
	return ok
}

// Close drops all state.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.messages = make(map[uint64]*message)
	s.queues = make(map[string]map[uint64]struct{})
	return nil
}

func (s *Store) apply(ops []op) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}

	for _, o := range ops {
		switch o.kind {
		case opEnqueue:
			ids, ok := s.queues[o.rec.Queue]
			if !ok {
				ids = make(map[uint64]struct{})
				s.queues[o.rec.Queue] = ids
			}
			ids[o.rec.MessageID] = struct{}{}
		case opDequeue:
			ids := s.queues[o.rec.Queue]
			delete(ids, o.rec.MessageID)
			if !s.referenced(o.rec.MessageID) {
				delete(s.messages, o.rec.MessageID)
			}
		case opRecordXid:
			s.xids[o.xid.Xid.Key()] = o.xid
		case opRemoveXid:
			delete(s.xids, o.xid.Xid.Key())
		}
	}
	return nil
}

func (s *Store) referenced(id uint64) bool {
	for _, ids := range s.queues {
		if _, ok := ids[id]; ok {
			return true
		}
	}
	return false
}

type message struct {
	id         uint64
	persistent bool

	mu      sync.Mutex
	body    []byte
	flowed  bool
}

func (m *message) ID() uint64 { return m.id }

func (m *message) Persistent() bool { return m.persistent }

func (m *message) ContentSize() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.body))
}

func (m *message) Content() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := make([]byte, len(m.body))
	copy(c, m.body)
	return c, nil
}

// FlowToDisk only marks the message: there is no secondary storage.
func (m *message) FlowToDisk() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flowed = true
	return nil
}

// FlowedToDisk reports whether FlowToDisk was called on a handle created by
// this package.
func FlowedToDisk(msg store.StoredMessage) bool {
	m, ok := msg.(*message)
	if !ok {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flowed
}

type opKind uint8

const (
	opEnqueue opKind = iota
	opDequeue
	opRecordXid
	opRemoveXid
)

type op struct {
	kind opKind
	rec  store.EnqueueRecord
	xid  store.XidRecord
}

type transaction struct {
	store *Store
	ops   []op
	done  bool
}

func (t *transaction) Enqueue(queue store.Queue, msg store.StoredMessage) {
	t.ops = append(t.ops, op{kind: opEnqueue, rec: store.EnqueueRecord{Queue: queue.Name(), MessageID: msg.ID()}})
}

func (t *transaction) Dequeue(rec store.EnqueueRecord) {
	t.ops = append(t.ops, op{kind: opDequeue, rec: rec})
}

func (t *transaction) RecordXid(rec store.XidRecord) {
	t.ops = append(t.ops, op{kind: opRecordXid, xid: rec})
}

func (t *transaction) RemoveXid(xid types.Xid) {
	t.ops = append(t.ops, op{kind: opRemoveXid, xid: store.XidRecord{Xid: xid}})
}

func (t *transaction) Commit() error {
	if t.done {
		return store.ErrTransactionClosed
	}
	t.done = true
	return t.store.apply(t.ops)
}

func (t *transaction) CommitAsync() *store.Future {
	return store.CompletedFuture(t.Commit())
}

func (t *transaction) Abort() {
	t.done = true
	t.ops = nil
}
