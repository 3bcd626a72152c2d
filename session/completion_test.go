// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"
	"testing"

	"github.com/absmach/fluxsession/store"
	"github.com/absmach/fluxsession/txn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recordN(q *CompletionQueue, n int, order *[]int) []*store.Future {
	futures := make([]*store.Future, n)
	for i := range futures {
		i := i
		futures[i] = store.NewFuture()
		q.RecordFuture(futures[i], txn.Action{PostCommit: func() { *order = append(*order, i) }})
	}
	return futures
}

func TestCompletionQueuePreservesOrder(t *testing.T) {
	q := NewCompletionQueue(10)
	var order []int
	futures := recordN(q, 4, &order)

	// The tail completes first: nothing can run until the head is done.
	futures[3].Complete(nil)
	futures[2].Complete(nil)
	forced, err := q.DrainReady()
	require.NoError(t, err)
	assert.Zero(t, forced)
	assert.Empty(t, order)
	assert.Equal(t, 4, q.Len())

	futures[0].Complete(nil)
	_, err = q.DrainReady()
	require.NoError(t, err)
	assert.Equal(t, []int{0}, order)

	futures[1].Complete(nil)
	_, err = q.DrainReady()
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3}, order)
	assert.Zero(t, q.Len())
}

func TestCompletionQueueForcesDrainOverThreshold(t *testing.T) {
	q := NewCompletionQueue(2)
	var order []int
	futures := recordN(q, 5, &order)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, f := range futures[:3] {
			f.Complete(nil)
		}
	}()

	forced, err := q.DrainReady()
	<-done
	require.NoError(t, err)
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, []int{0, 1, 2}, order)
	assert.LessOrEqual(t, forced, 3)
}

func TestCompletionQueueAwaitAll(t *testing.T) {
	q := NewCompletionQueue(0)
	assert.Equal(t, DefaultAsyncCommandThreshold, q.threshold)

	var order []int
	futures := recordN(q, 3, &order)
	go func() {
		for i := len(futures) - 1; i >= 0; i-- {
			futures[i].Complete(nil)
		}
	}()

	require.NoError(t, q.AwaitAll())
	assert.Equal(t, []int{0, 1, 2}, order)
	assert.Zero(t, q.Len())
}

func TestCompletionQueueClassifiesErrors(t *testing.T) {
	ioErr := errors.New("write failed")

	cases := []struct {
		desc    string
		future  *store.Future
		action  txn.Action
		kind    error
		wrapped error
	}{
		{
			desc:    "operational store failure",
			future:  store.CompletedFuture(ioErr),
			kind:    ErrAsyncOperation,
			wrapped: ioErr,
		},
		{
			desc: "store runtime fault",
			future: store.CompletedFuture(store.Guard(func() error {
				panic(ioErr)
			})),
			kind:    ErrAsyncRuntime,
			wrapped: ioErr,
		},
		{
			desc:   "panicking post-commit action",
			future: store.CompletedFuture(nil),
			action: txn.Action{PostCommit: func() { panic("boom") }},
			kind:   ErrAsyncRuntime,
		},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			q := NewCompletionQueue(10)
			q.RecordFuture(tc.future, tc.action)

			_, err := q.DrainReady()
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.kind)
			if tc.wrapped != nil {
				assert.ErrorIs(t, err, tc.wrapped)
			}
			assert.Zero(t, q.Len())
		})
	}
}

func TestCompletionQueueStopsAtFirstFailure(t *testing.T) {
	q := NewCompletionQueue(10)
	ran, failedRan := false, false
	q.RecordFuture(store.CompletedFuture(errors.New("fail")), txn.Action{PostCommit: func() { failedRan = true }})
	q.RecordFuture(store.CompletedFuture(nil), txn.Action{PostCommit: func() { ran = true }})

	_, err := q.DrainReady()
	assert.ErrorIs(t, err, ErrAsyncOperation)
	assert.False(t, ran)
	assert.Equal(t, 1, q.Len(), "failed command is dropped, the rest stay queued")

	_, err = q.DrainReady()
	require.NoError(t, err)
	assert.True(t, ran)
	assert.False(t, failedRan)
}
