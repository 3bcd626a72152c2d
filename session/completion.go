// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/absmach/fluxsession/store"
	"github.com/absmach/fluxsession/txn"
)

// DefaultAsyncCommandThreshold bounds the completion queue depth before a
// drain starts waiting on futures.
const DefaultAsyncCommandThreshold = 500

var (
	// ErrAsyncRuntime marks a store future that failed with a runtime fault.
	ErrAsyncRuntime = errors.New("asynchronous command failed with a runtime fault")

	// ErrAsyncOperation marks a store future that failed with an
	// operational error.
	ErrAsyncOperation = errors.New("asynchronous command failed")
)

type asyncCommand struct {
	future *store.Future
	action txn.Action
}

// CompletionQueue applies the post-commit actions of asynchronous store
// operations in the order the operations were issued.
type CompletionQueue struct {
	threshold int

	mu      sync.Mutex
	pending []asyncCommand

	// Serializes drains so that actions never run concurrently or out of
	// order. Record does not take it.
	drainMu sync.Mutex
}

var _ txn.FutureRecorder = (*CompletionQueue)(nil)

// NewCompletionQueue returns a queue that forces drains above threshold
// pending commands.
func NewCompletionQueue(threshold int) *CompletionQueue {
	if threshold <= 0 {
		threshold = DefaultAsyncCommandThreshold
	}
	return &CompletionQueue{threshold: threshold}
}

// RecordFuture appends a pending command.
func (q *CompletionQueue) RecordFuture(f *store.Future, a txn.Action) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, asyncCommand{future: f, action: a})
}

// Len returns the number of pending commands.
func (q *CompletionQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// DrainReady applies every completed command at the head of the queue
// without blocking. If more than the threshold remain it then waits on
// the head until the queue is back at the threshold, and reports how many
// commands it had to wait for.
//
// A command whose future failed is removed and its action is not run.
// Draining stops there: the commands behind it stay queued and the error
// is fatal to the session.
func (q *CompletionQueue) DrainReady() (forced int, err error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	for {
		c, ok := q.popIf(func(c asyncCommand) bool { return c.future.IsDone() })
		if !ok {
			break
		}
		if err := complete(c); err != nil {
			return forced, err
		}
	}

	for q.Len() > q.threshold {
		c, ok := q.popIf(nil)
		if !ok {
			break
		}
		forced++
		if err := complete(c); err != nil {
			return forced, err
		}
	}
	return forced, nil
}

// AwaitAll waits for and applies every pending command in order. It stops
// at the first failure, dropping that command as DrainReady does.
func (q *CompletionQueue) AwaitAll() error {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	for {
		c, ok := q.popIf(nil)
		if !ok {
			return nil
		}
		if err := complete(c); err != nil {
			return err
		}
	}
}

// popIf removes the head if cond accepts it. A nil cond accepts any head.
func (q *CompletionQueue) popIf(cond func(asyncCommand) bool) (asyncCommand, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return asyncCommand{}, false
	}
	c := q.pending[0]
	if cond != nil && !cond(c) {
		return asyncCommand{}, false
	}
	q.pending[0] = asyncCommand{}
	q.pending = q.pending[1:]
	if len(q.pending) == 0 {
		q.pending = nil
	}
	return c, true
}

// complete waits for the command and runs its post-commit action.
func complete(c asyncCommand) error {
	if err := c.future.Wait(); err != nil {
		return classify(err)
	}
	if c.action.PostCommit == nil {
		return nil
	}
	return classify(store.Guard(func() error {
		c.action.PostCommit()
		return nil
	}))
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	var fault *store.RuntimeFault
	if errors.As(err, &fault) {
		return fmt.Errorf("%w: %w", ErrAsyncRuntime, err)
	}
	return fmt.Errorf("%w: %w", ErrAsyncOperation, err)
}
