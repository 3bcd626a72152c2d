// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package types holds the protocol-level value types the session engine
// works with: delivery-id serial numbers, range sets, transaction ids and
// the small set of wire commands the engine asks the transport to send.
package types

// Delivery ids are 32-bit serial numbers. Comparisons use serial number
// arithmetic so that ids keep their order across wraparound, as long as
// the compared ids are less than 2^31 apart.

// SerialCompare returns -1, 0 or 1 when a is before, equal to or after b.
func SerialCompare(a, b uint32) int {
	d := int32(a - b)
	switch {
	case d < 0:
		return -1
	case d > 0:
		return 1
	default:
		return 0
	}
}

// SerialLess reports whether a comes before b.
func SerialLess(a, b uint32) bool { return int32(a-b) < 0 }

// SerialLessEq reports whether a comes before or is equal to b.
func SerialLessEq(a, b uint32) bool { return int32(a-b) <= 0 }

// SerialGreater reports whether a comes after b.
func SerialGreater(a, b uint32) bool { return int32(a-b) > 0 }

// SerialGreaterEq reports whether a comes after or is equal to b.
func SerialGreaterEq(a, b uint32) bool { return int32(a-b) >= 0 }
