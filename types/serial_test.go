// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSerialCompare(t *testing.T) {
	tests := []struct {
		name string
		a, b uint32
		want int
	}{
		{"equal", 7, 7, 0},
		{"less", 1, 2, -1},
		{"greater", 2, 1, 1},
		{"wraparound less", math.MaxUint32, 0, -1},
		{"wraparound greater", 3, math.MaxUint32 - 3, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SerialCompare(tt.a, tt.b))
			assert.Equal(t, tt.want < 0, SerialLess(tt.a, tt.b))
			assert.Equal(t, tt.want <= 0, SerialLessEq(tt.a, tt.b))
			assert.Equal(t, tt.want > 0, SerialGreater(tt.a, tt.b))
			assert.Equal(t, tt.want >= 0, SerialGreaterEq(tt.a, tt.b))
		})
	}
}
