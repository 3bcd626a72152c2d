// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"

	"github.com/absmach/fluxsession/store"
	"github.com/absmach/fluxsession/txn"
	"github.com/absmach/fluxsession/types"
)

// Connection is the connection a session is multiplexed on.
type Connection interface {
	// NotifyWork schedules an I/O turn for the session.
	NotifyWork(s *Session)

	// IsTransportBlockedForWriting reports whether the transport is
	// currently unable to take more output.
	IsTransportBlockedForWriting() bool

	// IsIOThread reports whether the caller runs on the connection's I/O
	// goroutine.
	IsIOThread() bool

	// CloseSessionAsync schedules s.Close(cause, message) on the I/O
	// goroutine.
	CloseSessionAsync(s *Session, cause CloseCause, message string)
}

// Transport sends protocol commands to the peer.
type Transport interface {
	Invoke(cmd types.Command) error
}

// RoutingResult is a message already matched against its destination's
// bindings.
type RoutingResult interface {
	// Destination is the exchange the message was published to.
	Destination() string

	// RoutingKey is the key the message was published with.
	RoutingKey() string

	// Send enqueues the message on every matched queue under tx and
	// returns the number of queues reached. onEnqueue is called with each
	// queue the message was enqueued on.
	Send(tx *txn.Transaction, onEnqueue func(owner any)) int
}

// CapacityChecker is implemented by queues that can push back on
// producers.
type CapacityChecker interface {
	CheckCapacity(s *Session)
}

// QueueEntry is a delivered message as seen by an acknowledgement.
type QueueEntry interface {
	// MakeAcquisitionUnstealable pins the entry to consumer and reports
	// whether consumer still owns it.
	MakeAcquisitionUnstealable(consumer any) bool

	EnqueueRecord() store.EnqueueRecord
	Delete()
	SetRedelivered()
	Release(consumer any)
}

// Subject is the authenticated identity behind a protocol command.
type Subject struct {
	ID         string
	Principal  string
	RemoteAddr string
}

// Authorizer decides whether subject may publish.
type Authorizer interface {
	AuthorizePublish(ctx context.Context, subject Subject, destination, routingKey string) error
}
