// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRangeSetAddMerges(t *testing.T) {
	var s RangeSet
	s.AddID(5)
	s.AddID(7)
	s.AddID(1)
	assert.Equal(t, []Range{{1, 1}, {5, 5}, {7, 7}}, s.Ranges())

	s.AddID(6)
	assert.Equal(t, []Range{{1, 1}, {5, 7}}, s.Ranges())

	s.Add(2, 4)
	assert.Equal(t, []Range{{1, 7}}, s.Ranges())

	s.Add(20, 10)
	assert.Equal(t, []Range{{1, 7}, {10, 20}}, s.Ranges())
	assert.Equal(t, 2, s.Len())
}

func TestRangeSetWraparound(t *testing.T) {
	var s RangeSet
	s.AddID(math.MaxUint32)
	s.AddID(0)
	require.Equal(t, 1, s.Len())

	r, ok := s.First()
	require.True(t, ok)
	assert.Equal(t, uint32(math.MaxUint32), r.Lower)
	assert.Equal(t, uint32(0), r.Upper)
	assert.Equal(t, uint64(2), r.Len())
	assert.True(t, s.Includes(0))
	assert.False(t, s.Includes(1))
	assert.Equal(t, []uint32{math.MaxUint32, 0}, s.IDs())
}

func TestRangeSetEmpty(t *testing.T) {
	var s RangeSet
	assert.True(t, s.Empty())
	_, ok := s.First()
	assert.False(t, ok)
	assert.Nil(t, s.IDs())
	assert.Equal(t, "{}", s.String())
}

func TestRangeString(t *testing.T) {
	s := NewRangeSet(Range{1, 1}, Range{3, 9})
	assert.Equal(t, "{1, 3-9}", s.String())
}

func TestRangeReversedCoversNothing(t *testing.T) {
	r := Range{Lower: 5, Upper: 3}
	assert.Equal(t, uint64(0), r.Len())
	assert.False(t, r.Includes(4))

	s := NewRangeSet(r)
	assert.Empty(t, s.IDs())

	s = NewRangeSet(Range{Lower: 1, Upper: 2}, r, Range{Lower: 7, Upper: 7})
	assert.Equal(t, []uint32{1, 2, 7}, s.IDs())
}
