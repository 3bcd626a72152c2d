// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package txn

import (
	"errors"
	"fmt"

	"github.com/absmach/fluxsession/types"
)

var (
	ErrNotSelected       = errors.New("no distributed transaction selected")
	ErrDistributedCommit = errors.New("commit and rollback are not available on a distributed transaction")
	ErrActionFailed      = errors.New("transaction action failed")

	ErrUnknownBranch  = errors.New("unknown transaction branch")
	ErrAlreadyKnown   = errors.New("transaction branch already known")
	ErrNotAssociated  = errors.New("transaction branch not associated with session")
	ErrIncorrectState = errors.New("transaction branch in incorrect state")
	ErrRollbackOnly   = errors.New("transaction branch is rollback only")
	ErrTimeout        = errors.New("transaction branch timed out")
	ErrJoinAndResume  = errors.New("join and resume flags are both set")
	ErrSuspendAndFail = errors.New("suspend and fail flags are both set")
)

// BranchError reports a distributed transaction fault for one branch.
type BranchError struct {
	Xid    types.Xid
	Err    error
	Reason string
}

func (e *BranchError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %v: %s", e.Xid, e.Err, e.Reason)
	}
	return fmt.Sprintf("%s: %v", e.Xid, e.Err)
}

func (e *BranchError) Unwrap() error {
	return e.Err
}

func branchErr(xid types.Xid, err error, reason string) error {
	return &BranchError{Xid: xid, Err: err, Reason: reason}
}
