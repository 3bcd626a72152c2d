// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package store defines the message store contracts the session engine
// depends on. The on-disk format is an implementation detail of each store.
package store

import "github.com/absmach/fluxsession/types"

// StoredMessage is a handle to a message body held by a MessageStore.
type StoredMessage interface {
	// ID returns the store-assigned message id.
	ID() uint64

	// ContentSize returns the body size in bytes.
	ContentSize() int64

	// Content returns the body, reading it back from secondary storage if
	// it has been flowed to disk.
	Content() ([]byte, error)

	// Persistent reports whether the message survives a restart when it is
	// enqueued on a durable queue.
	Persistent() bool

	// FlowToDisk moves an in-memory body to secondary storage.
	FlowToDisk() error
}

// Queue is the minimal view of a destination queue the store needs.
type Queue interface {
	Name() string
	Durable() bool
}

// EnqueueRecord identifies one message on one queue.
type EnqueueRecord struct {
	Queue     string `json:"queue"`
	MessageID uint64 `json:"message_id"`
	Durable   bool   `json:"durable,omitempty"` // durable queue and persistent message
}

// XidRecord is the durable image of a prepared distributed transaction
// branch: the enqueues and dequeues it will apply when committed.
type XidRecord struct {
	Xid      types.Xid       `json:"xid"`
	Enqueues []EnqueueRecord `json:"enqueues,omitempty"`
	Dequeues []EnqueueRecord `json:"dequeues,omitempty"`
}

// Transaction buffers store operations until committed or aborted.
// A transaction is used by one goroutine at a time.
type Transaction interface {
	// Enqueue records msg on queue.
	Enqueue(queue Queue, msg StoredMessage)

	// Dequeue removes the record.
	Dequeue(rec EnqueueRecord)

	// RecordXid durably records a prepared branch.
	RecordXid(rec XidRecord)

	// RemoveXid drops a previously recorded branch.
	RemoveXid(xid types.Xid)

	// Commit applies the buffered operations and waits for durability.
	Commit() error

	// CommitAsync applies the buffered operations and returns a future that
	// completes once they are durable.
	CommitAsync() *Future

	// Abort discards the buffered operations.
	Abort()
}

// MessageStore creates message handles and transactions.
type MessageStore interface {
	// AddMessage creates a handle for a new message body.
	AddMessage(body []byte, persistent bool) (StoredMessage, error)

	// NewTransaction starts a store transaction.
	NewTransaction() Transaction

	// RecoverXids returns the prepared branches recorded in the store.
	RecoverXids() ([]XidRecord, error)

	// Close releases the store's resources.
	Close() error
}
