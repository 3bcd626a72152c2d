// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package txn

import (
	"fmt"

	"github.com/absmach/fluxsession/store"
)

// Action is the deferred work attached to a transactional enqueue or
// dequeue. Either field may be nil.
type Action struct {
	PostCommit func()
	OnRollback func()
}

// FutureRecorder takes ownership of a pending store future and runs the
// action's PostCommit once the future, and every future recorded before
// it, has completed.
type FutureRecorder interface {
	RecordFuture(f *store.Future, a Action)
}

func runPostCommits(actions []Action) error {
	return replay(actions, func(a Action) func() { return a.PostCommit })
}

func runRollbacks(actions []Action) error {
	return replay(actions, func(a Action) func() { return a.OnRollback })
}

// replay runs the selected callbacks in order and stops at the first panic.
func replay(actions []Action, pick func(Action) func()) (err error) {
	i := 0
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: action %d of %d: %v", ErrActionFailed, i+1, len(actions), r)
		}
	}()

	for ; i < len(actions); i++ {
		if fn := pick(actions[i]); fn != nil {
			fn()
		}
	}
	return nil
}
