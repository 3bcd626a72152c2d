// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"testing"

	"github.com/absmach/fluxsession/store"
	"github.com/absmach/fluxsession/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type queue string

func (q queue) Name() string  { return string(q) }
func (q queue) Durable() bool { return true }

func TestEnqueueDequeue(t *testing.T) {
	s := New()
	defer s.Close()

	msg, err := s.AddMessage([]byte("hello"), true)
	require.NoError(t, err)
	assert.Equal(t, int64(5), msg.ContentSize())

	tx := s.NewTransaction()
	tx.Enqueue(queue("q1"), msg)
	tx.Enqueue(queue("q2"), msg)
	f := tx.CommitAsync()
	require.True(t, f.IsDone())
	require.NoError(t, f.Wait())
	assert.Equal(t, 1, s.QueueDepth("q1"))

	tx = s.NewTransaction()
	tx.Dequeue(store.EnqueueRecord{Queue: "q1", MessageID: msg.ID()})
	require.NoError(t, tx.Commit())
	assert.Equal(t, 0, s.QueueDepth("q1"))
	assert.True(t, s.Contains(msg.ID()))

	tx = s.NewTransaction()
	tx.Dequeue(store.EnqueueRecord{Queue: "q2", MessageID: msg.ID()})
	require.NoError(t, tx.Commit())
	assert.False(t, s.Contains(msg.ID()))

	assert.ErrorIs(t, tx.Commit(), store.ErrTransactionClosed)
}

func TestAbortDiscards(t *testing.T) {
	s := New()
	msg, err := s.AddMessage([]byte("x"), true)
	require.NoError(t, err)

	tx := s.NewTransaction()
	tx.Enqueue(queue("q"), msg)
	tx.Abort()
	assert.Equal(t, 0, s.QueueDepth("q"))
}

func TestXidRecords(t *testing.T) {
	s := New()
	x1 := types.Xid{Format: 1, GlobalID: []byte("g"), BranchID: []byte("a")}
	x2 := types.Xid{Format: 1, GlobalID: []byte("g"), BranchID: []byte("b")}

	tx := s.NewTransaction()
	tx.RecordXid(store.XidRecord{Xid: x2})
	tx.RecordXid(store.XidRecord{Xid: x1, Enqueues: []store.EnqueueRecord{{Queue: "q", MessageID: 1}}})
	require.NoError(t, tx.Commit())

	recs, err := s.RecoverXids()
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, x1, recs[0].Xid)
	assert.Len(t, recs[0].Enqueues, 1)

	tx = s.NewTransaction()
	tx.RemoveXid(x1)
	require.NoError(t, tx.Commit())
	recs, err = s.RecoverXids()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, x2, recs[0].Xid)
}

func TestFlowToDisk(t *testing.T) {
	s := New()
	msg, err := s.AddMessage([]byte("body"), false)
	require.NoError(t, err)
	assert.False(t, FlowedToDisk(msg))
	require.NoError(t, msg.FlowToDisk())
	assert.True(t, FlowedToDisk(msg))

	body, err := msg.Content()
	require.NoError(t, err)
	assert.Equal(t, []byte("body"), body)
}

func TestClosedStore(t *testing.T) {
	s := New()
	require.NoError(t, s.Close())
	_, err := s.AddMessage(nil, false)
	assert.ErrorIs(t, err, store.ErrClosed)
}
