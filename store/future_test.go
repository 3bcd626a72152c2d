// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFutureCompletesOnce(t *testing.T) {
	f := NewFuture()
	assert.False(t, f.IsDone())

	first := errors.New("first")
	f.Complete(first)
	f.Complete(errors.New("second"))

	assert.True(t, f.IsDone())
	assert.Equal(t, first, f.Wait())
}

func TestCompletedFuture(t *testing.T) {
	f := CompletedFuture(nil)
	assert.True(t, f.IsDone())
	assert.NoError(t, f.Wait())
}

func TestFutureWaitContext(t *testing.T) {
	f := NewFuture()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.WaitContext(ctx), context.DeadlineExceeded)

	go f.Complete(nil)
	require.NoError(t, f.WaitContext(context.Background()))
}

func TestGuardConvertsPanic(t *testing.T) {
	boom := errors.New("boom")
	err := Guard(func() error { panic(boom) })

	var fault *RuntimeFault
	require.ErrorAs(t, err, &fault)
	assert.ErrorIs(t, err, boom)

	err = Guard(func() error { panic("text") })
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, "text", fault.Value)

	plain := errors.New("plain")
	assert.Equal(t, plain, Guard(func() error { return plain }))
}
