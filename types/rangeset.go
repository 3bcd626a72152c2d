// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"fmt"
	"strings"
)

// Range is an inclusive interval of delivery ids.
type Range struct {
	Lower uint32
	Upper uint32
}

// NewRange builds a range, swapping the bounds if they are reversed.
func NewRange(lower, upper uint32) Range {
	if SerialGreater(lower, upper) {
		lower, upper = upper, lower
	}
	return Range{Lower: lower, Upper: upper}
}

// Includes reports whether id lies inside the range.
func (r Range) Includes(id uint32) bool {
	return SerialLessEq(r.Lower, id) && SerialLessEq(id, r.Upper)
}

// Len returns the number of ids covered by the range. A reversed range
// covers none.
func (r Range) Len() uint64 {
	if SerialGreater(r.Lower, r.Upper) {
		return 0
	}
	return uint64(r.Upper-r.Lower) + 1
}

// touches reports whether r and o overlap or are directly adjacent.
func (r Range) touches(o Range) bool {
	return SerialLessEq(r.Lower, o.Upper+1) && SerialLessEq(o.Lower, r.Upper+1)
}

func (r Range) String() string {
	if r.Lower == r.Upper {
		return fmt.Sprintf("%d", r.Lower)
	}
	return fmt.Sprintf("%d-%d", r.Lower, r.Upper)
}

// RangeSet is an ordered set of disjoint ranges.
//
// Sets built with Add are kept sorted and merged. Sets built directly from
// a slice with NewRangeSet are taken as given: the caller is responsible
// for supplying sorted, non-overlapping ranges.
type RangeSet struct {
	ranges []Range
}

// NewRangeSet wraps ranges as supplied by the protocol layer.
func NewRangeSet(ranges ...Range) RangeSet {
	return RangeSet{ranges: ranges}
}

// Add inserts the interval [lower, upper], merging it with any ranges it
// overlaps or touches.
func (s *RangeSet) Add(lower, upper uint32) {
	nr := NewRange(lower, upper)

	i := 0
	for i < len(s.ranges) && SerialLess(s.ranges[i].Upper+1, nr.Lower) {
		i++
	}
	j := i
	for j < len(s.ranges) && s.ranges[j].touches(nr) {
		if SerialLess(s.ranges[j].Lower, nr.Lower) {
			nr.Lower = s.ranges[j].Lower
		}
		if SerialGreater(s.ranges[j].Upper, nr.Upper) {
			nr.Upper = s.ranges[j].Upper
		}
		j++
	}

	merged := make([]Range, 0, len(s.ranges)-(j-i)+1)
	merged = append(merged, s.ranges[:i]...)
	merged = append(merged, nr)
	merged = append(merged, s.ranges[j:]...)
	s.ranges = merged
}

// AddID inserts a single id.
func (s *RangeSet) AddID(id uint32) {
	s.Add(id, id)
}

// Ranges returns the ranges in order. The slice must not be modified.
func (s RangeSet) Ranges() []Range {
	return s.ranges
}

// Len returns the number of ranges in the set.
func (s RangeSet) Len() int {
	return len(s.ranges)
}

// Empty reports whether the set holds no ranges.
func (s RangeSet) Empty() bool {
	return len(s.ranges) == 0
}

// First returns the first range of the set.
func (s RangeSet) First() (Range, bool) {
	if len(s.ranges) == 0 {
		return Range{}, false
	}
	return s.ranges[0], true
}

// Includes reports whether any range of the set contains id.
func (s RangeSet) Includes(id uint32) bool {
	for _, r := range s.ranges {
		if r.Includes(id) {
			return true
		}
	}
	return false
}

// IDs expands the set into individual ids, in order.
func (s RangeSet) IDs() []uint32 {
	var ids []uint32
	for _, r := range s.ranges {
		if SerialGreater(r.Lower, r.Upper) {
			continue
		}
		for id := r.Lower; ; id++ {
			ids = append(ids, id)
			if id == r.Upper {
				break
			}
		}
	}
	return ids
}

func (s RangeSet) String() string {
	parts := make([]string, len(s.ranges))
	for i, r := range s.ranges {
		parts[i] = r.String()
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
