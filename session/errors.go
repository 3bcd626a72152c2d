// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import "errors"

var (
	ErrAccessDenied = errors.New("access denied")
	ErrClosed       = errors.New("session closed")
)

// CloseCause is the reply code a session is closed with.
type CloseCause int

const (
	CloseNormal        CloseCause = 200
	CloseResourceError CloseCause = 506
	CloseNotAllowed    CloseCause = 530
	CloseInternalError CloseCause = 541
)

func (c CloseCause) String() string {
	switch c {
	case CloseNormal:
		return "normal"
	case CloseResourceError:
		return "resource-error"
	case CloseNotAllowed:
		return "not-allowed"
	case CloseInternalError:
		return "internal-error"
	default:
		return "unknown"
	}
}
