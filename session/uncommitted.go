// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"
	"sync"

	"github.com/absmach/fluxsession/store"
)

// Uncommitted accounts for message bodies enqueued by the open local
// transaction. Once their total size passes the threshold every tracked
// body is flowed to disk and later ones go straight to disk.
type Uncommitted struct {
	threshold int64

	mu      sync.Mutex
	size    int64
	handles []store.StoredMessage
}

// NewUncommitted returns an accountant flushing above threshold bytes.
func NewUncommitted(threshold int64) *Uncommitted {
	return &Uncommitted{threshold: threshold}
}

// Add tracks msg. warn is true the first time the transaction goes over
// the threshold, or when msg alone is over it. Flow-to-disk failures are
// joined into err; the accounting is updated regardless.
func (u *Uncommitted) Add(msg store.StoredMessage) (warn bool, err error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	size := msg.ContentSize()
	u.size += size
	if u.size <= u.threshold {
		u.handles = append(u.handles, msg)
		return false, nil
	}

	warn = len(u.handles) > 0 || u.size == size

	errs := []error{msg.FlowToDisk()}
	for _, h := range u.handles {
		errs = append(errs, h.FlowToDisk())
	}
	clear(u.handles)
	u.handles = u.handles[:0]

	return warn, errors.Join(errs...)
}

// Reset forgets the transaction's accounting.
func (u *Uncommitted) Reset() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.size = 0
	u.handles = nil
}

// Size returns the bytes enqueued since the last reset.
func (u *Uncommitted) Size() int64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.size
}

// Tracked returns the number of bodies still held in memory.
func (u *Uncommitted) Tracked() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.handles)
}
