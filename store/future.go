// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"sync"
)

// Future is the result of an asynchronous store operation.
type Future struct {
	once sync.Once
	done chan struct{}
	err  error
}

// NewFuture returns a pending future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// CompletedFuture returns a future that is already done with err.
func CompletedFuture(err error) *Future {
	f := NewFuture()
	f.Complete(err)
	return f
}

// Complete resolves the future. Only the first call has any effect.
func (f *Future) Complete(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Done is closed once the future completes.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// IsDone reports whether the future has completed, without blocking.
func (f *Future) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the future completes and returns its error.
func (f *Future) Wait() error {
	<-f.done
	return f.err
}

// WaitContext is Wait bounded by ctx.
func (f *Future) WaitContext(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
