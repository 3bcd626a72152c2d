// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"container/list"
	"sync"
)

// ConsumerTarget is a consumer attached to the session that may hold
// deliveries it could not push yet.
type ConsumerTarget interface {
	// Name returns the subscription name, unique within the session.
	Name() string

	// ProcessPending pushes pending deliveries and reports whether work
	// remains.
	ProcessPending() bool

	// TransportStateChanged tells the target the transport's writability
	// changed.
	TransportStateChanged()

	// FlushCreditState sends outstanding credit updates to the peer.
	FlushCreditState(strict bool)

	// Close detaches the target from its queue.
	Close()
}

// Scheduler is the set of consumer targets with pending work, served round
// robin in insertion order.
type Scheduler struct {
	mu      sync.Mutex
	order   *list.List
	members map[ConsumerTarget]*list.Element
	cursor  *list.Element
}

// NewScheduler returns an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{
		order:   list.New(),
		members: make(map[ConsumerTarget]*list.Element),
	}
}

// Add appends target and reports whether it was not already pending.
func (s *Scheduler) Add(target ConsumerTarget) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.members[target]; ok {
		return false
	}
	s.members[target] = s.order.PushBack(target)
	return true
}

// Next removes and returns the target under the cursor, wrapping to the
// front when the cursor has passed the end.
func (s *Scheduler) Next() (ConsumerTarget, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.cursor
	if e == nil {
		e = s.order.Front()
	}
	if e == nil {
		return nil, false
	}
	s.cursor = e.Next()

	t := s.order.Remove(e).(ConsumerTarget)
	delete(s.members, t)
	return t, true
}

// Remove drops target and reports whether it was pending.
func (s *Scheduler) Remove(target ConsumerTarget) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.members[target]
	if !ok {
		return false
	}
	if s.cursor == e {
		s.cursor = e.Next()
	}
	s.order.Remove(e)
	delete(s.members, target)
	return true
}

// Empty reports whether no target is pending.
func (s *Scheduler) Empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len() == 0
}

// Len returns the number of pending targets.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}
