// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mb = 1024 * 1024

func TestUncommittedFlushesOnCrossing(t *testing.T) {
	u := NewUncommitted(100 * mb)
	m1 := &sizedMessage{id: 1, size: 60 * mb}
	m2 := &sizedMessage{id: 2, size: 60 * mb}

	warn, err := u.Add(m1)
	require.NoError(t, err)
	assert.False(t, warn)
	assert.Equal(t, 1, u.Tracked())

	warn, err = u.Add(m2)
	require.NoError(t, err)
	assert.True(t, warn)
	assert.Equal(t, 1, m1.flowed)
	assert.Equal(t, 1, m2.flowed)
	assert.Zero(t, u.Tracked())
	assert.Equal(t, int64(120*mb), u.Size())

	// Later messages go straight to disk without another warning.
	m3 := &sizedMessage{id: 3, size: mb}
	warn, err = u.Add(m3)
	require.NoError(t, err)
	assert.False(t, warn)
	assert.Equal(t, 1, m3.flowed)

	u.Reset()
	assert.Zero(t, u.Size())
	assert.Zero(t, u.Tracked())
}

func TestUncommittedSingleLargeMessageWarns(t *testing.T) {
	u := NewUncommitted(10)
	m := &sizedMessage{size: 11}

	warn, err := u.Add(m)
	require.NoError(t, err)
	assert.True(t, warn)
	assert.Equal(t, 1, m.flowed)
}

func TestUncommittedJoinsFlowErrors(t *testing.T) {
	u := NewUncommitted(10)
	e1 := errors.New("disk full")
	e2 := errors.New("io error")
	m1 := &sizedMessage{size: 6, err: e1}
	m2 := &sizedMessage{size: 6, err: e2}

	_, err := u.Add(m1)
	require.NoError(t, err)
	warn, err := u.Add(m2)
	assert.True(t, warn)
	assert.ErrorIs(t, err, e1)
	assert.ErrorIs(t, err, e2)
	assert.Equal(t, int64(12), u.Size())
	assert.Zero(t, u.Tracked())
}
