// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"encoding/json"
	"fmt"

	"github.com/absmach/fluxsession/store"
	"github.com/absmach/fluxsession/types"
	"github.com/dgraph-io/badger/v4"
)

type enqueueOp struct {
	queue string
	msg   store.StoredMessage
}

type transaction struct {
	store    *Store
	enqueues []enqueueOp
	dequeues []store.EnqueueRecord
	records  []store.XidRecord
	removals []types.Xid
	done     bool
}

func (t *transaction) Enqueue(queue store.Queue, msg store.StoredMessage) {
	t.enqueues = append(t.enqueues, enqueueOp{queue: queue.Name(), msg: msg})
}

func (t *transaction) Dequeue(rec store.EnqueueRecord) {
	t.dequeues = append(t.dequeues, rec)
}

func (t *transaction) RecordXid(rec store.XidRecord) {
	t.records = append(t.records, rec)
}

func (t *transaction) RemoveXid(xid types.Xid) {
	t.removals = append(t.removals, xid)
}

func (t *transaction) Commit() error {
	return t.CommitAsync().Wait()
}

// CommitAsync hands the badger transaction to CommitWith, whose callback
// runs on a badger goroutine once the write is durable.
func (t *transaction) CommitAsync() *store.Future {
	if t.done {
		return store.CompletedFuture(store.ErrTransactionClosed)
	}
	t.done = true

	t.store.mu.Lock()
	closed := t.store.closed
	t.store.mu.Unlock()
	if closed {
		return store.CompletedFuture(store.ErrClosed)
	}

	txn := t.store.db.NewTransaction(true)
	stored, err := t.apply(txn)
	if err != nil {
		txn.Discard()
		return store.CompletedFuture(err)
	}

	f := store.NewFuture()
	txn.CommitWith(func(err error) {
		f.Complete(store.Guard(func() error {
			if err != nil {
				return fmt.Errorf("failed to commit store transaction: %w", err)
			}
			for _, m := range stored {
				m.markStored()
			}
			return nil
		}))
	})
	return f
}

func (t *transaction) Abort() {
	t.done = true
	t.enqueues = nil
	t.dequeues = nil
	t.records = nil
	t.removals = nil
}

func (t *transaction) apply(txn *badger.Txn) ([]*message, error) {
	var stored []*message

	for _, e := range t.enqueues {
		if m, ok := e.msg.(*message); ok {
			if body := m.pendingBody(); body != nil {
				enc, err := encode(body, t.store.compression)
				if err != nil {
					return nil, err
				}
				if err := txn.Set(messageKey(m.id), enc); err != nil {
					return nil, fmt.Errorf("failed to store message body: %w", err)
				}
				stored = append(stored, m)
			}
		}
		id := e.msg.ID()
		if err := txn.Set(queueKey(e.queue, id), nil); err != nil {
			return nil, fmt.Errorf("failed to store queue entry: %w", err)
		}
		if err := txn.Set(indexKey(id, e.queue), nil); err != nil {
			return nil, fmt.Errorf("failed to store queue entry index: %w", err)
		}
	}

	for _, d := range t.dequeues {
		if err := txn.Delete(queueKey(d.Queue, d.MessageID)); err != nil {
			return nil, fmt.Errorf("failed to delete queue entry: %w", err)
		}
		if err := txn.Delete(indexKey(d.MessageID, d.Queue)); err != nil {
			return nil, fmt.Errorf("failed to delete queue entry index: %w", err)
		}
		if !referenced(txn, d.MessageID) {
			if err := txn.Delete(messageKey(d.MessageID)); err != nil {
				return nil, fmt.Errorf("failed to delete message body: %w", err)
			}
		}
	}

	for _, r := range t.records {
		data, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal xid record: %w", err)
		}
		if err := txn.Set(xidKey(r.Xid.Key()), data); err != nil {
			return nil, fmt.Errorf("failed to store xid record: %w", err)
		}
	}

	for _, x := range t.removals {
		if err := txn.Delete(xidKey(x.Key())); err != nil {
			return nil, fmt.Errorf("failed to delete xid record: %w", err)
		}
	}

	return stored, nil
}

// referenced reports whether any queue entry still points at the message,
// including writes pending in txn.
func referenced(txn *badger.Txn, id uint64) bool {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = indexPrefixFor(id)
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	it.Rewind()
	return it.Valid()
}
