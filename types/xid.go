// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Xid names one branch of a distributed transaction.
type Xid struct {
	Format   uint32 `json:"format"`
	GlobalID []byte `json:"global_id"`
	BranchID []byte `json:"branch_id"`
}

// Key returns a stable string form usable as a map or store key.
func (x Xid) Key() string {
	return strconv.FormatUint(uint64(x.Format), 10) + ":" +
		hex.EncodeToString(x.GlobalID) + ":" +
		hex.EncodeToString(x.BranchID)
}

// ParseXidKey is the inverse of Xid.Key.
func ParseXidKey(key string) (Xid, error) {
	parts := strings.Split(key, ":")
	if len(parts) != 3 {
		return Xid{}, fmt.Errorf("malformed xid key %q", key)
	}
	format, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return Xid{}, fmt.Errorf("malformed xid format in %q: %w", key, err)
	}
	gid, err := hex.DecodeString(parts[1])
	if err != nil {
		return Xid{}, fmt.Errorf("malformed xid global id in %q: %w", key, err)
	}
	bid, err := hex.DecodeString(parts[2])
	if err != nil {
		return Xid{}, fmt.Errorf("malformed xid branch id in %q: %w", key, err)
	}
	return Xid{Format: uint32(format), GlobalID: gid, BranchID: bid}, nil
}

func (x Xid) String() string {
	return fmt.Sprintf("Xid{format=%d, global=%x, branch=%x}", x.Format, x.GlobalID, x.BranchID)
}
