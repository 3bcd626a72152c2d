// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"sync"

	"github.com/absmach/fluxsession/types"
	"github.com/google/btree"
)

// Listener receives the outcome of one outstanding delivery. Any field may
// be nil; a nil Acquire always succeeds.
type Listener struct {
	OnAccept  func()
	OnRelease func(redeliver bool)
	OnReject  func()
	Acquire   func() bool
}

func (l Listener) accept() {
	if l.OnAccept != nil {
		l.OnAccept()
	}
}

func (l Listener) release(redeliver bool) {
	if l.OnRelease != nil {
		l.OnRelease(redeliver)
	}
}

func (l Listener) reject() {
	if l.OnReject != nil {
		l.OnReject()
	}
}

func (l Listener) acquire() bool {
	if l.Acquire == nil {
		return true
	}
	return l.Acquire()
}

type disposition struct {
	id       uint32
	listener Listener
}

func dispositionLess(a, b disposition) bool {
	return types.SerialLess(a.id, b.id)
}

// Dispositions maps outstanding delivery ids to their listeners, ordered
// by serial number. Listener callbacks run after the tracker's lock is
// released, in ascending id order.
type Dispositions struct {
	mu   sync.Mutex
	tree *btree.BTreeG[disposition]
}

// NewDispositions returns an empty tracker.
func NewDispositions() *Dispositions {
	return &Dispositions{tree: btree.NewG[disposition](32, dispositionLess)}
}

// Register stores l for id, replacing any listener already there.
func (d *Dispositions) Register(id uint32, l Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tree.ReplaceOrInsert(disposition{id: id, listener: l})
}

// Remove drops the listener for id without calling it.
func (d *Dispositions) Remove(id uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.tree.Delete(disposition{id: id})
	return ok
}

// Len returns the number of outstanding deliveries.
func (d *Dispositions) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tree.Len()
}

// Accept removes the listeners in ranges and accepts them. It returns the
// number of deliveries settled.
func (d *Dispositions) Accept(ranges types.RangeSet) int {
	matched := d.take(ranges)
	for _, e := range matched {
		e.listener.accept()
	}
	return len(matched)
}

// Release removes the listeners in ranges and releases them.
func (d *Dispositions) Release(ranges types.RangeSet, redeliver bool) int {
	matched := d.take(ranges)
	for _, e := range matched {
		e.listener.release(redeliver)
	}
	return len(matched)
}

// Reject removes the listeners in ranges and rejects them.
func (d *Dispositions) Reject(ranges types.RangeSet) int {
	matched := d.take(ranges)
	for _, e := range matched {
		e.listener.reject()
	}
	return len(matched)
}

// Acquire tries to claim every delivery in ranges and returns the ids
// whose claim succeeded. Listeners stay registered.
func (d *Dispositions) Acquire(ranges types.RangeSet) types.RangeSet {
	var acquired types.RangeSet
	for _, e := range d.match(ranges, false) {
		if e.listener.acquire() {
			acquired.AddID(e.id)
		}
	}
	return acquired
}

// ReleaseAll releases every listener for redelivery and empties the
// tracker.
func (d *Dispositions) ReleaseAll() int {
	d.mu.Lock()
	all := make([]disposition, 0, d.tree.Len())
	d.tree.Ascend(func(e disposition) bool {
		all = append(all, e)
		return true
	})
	d.tree.Clear(false)
	d.mu.Unlock()

	for _, e := range all {
		e.listener.release(true)
	}
	return len(all)
}

func (d *Dispositions) take(ranges types.RangeSet) []disposition {
	return d.match(ranges, true)
}

// match collects the listeners whose ids fall in ranges, optionally
// removing them. A single range is walked id by id; several ranges are
// merge-joined against the ordered keys, moving both cursors forward only.
func (d *Dispositions) match(ranges types.RangeSet, remove bool) []disposition {
	rs := ranges.Ranges()
	if len(rs) == 0 {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var matched []disposition
	if len(rs) == 1 {
		r := rs[0]
		if types.SerialGreater(r.Lower, r.Upper) {
			return nil
		}
		for id := r.Lower; ; id++ {
			var (
				e  disposition
				ok bool
			)
			if remove {
				e, ok = d.tree.Delete(disposition{id: id})
			} else {
				e, ok = d.tree.Get(disposition{id: id})
			}
			if ok {
				matched = append(matched, e)
			}
			if id == r.Upper {
				break
			}
		}
		return matched
	}

	i := 0
	d.tree.AscendGreaterOrEqual(disposition{id: rs[0].Lower}, func(e disposition) bool {
		for i < len(rs) && types.SerialGreater(e.id, rs[i].Upper) {
			i++
		}
		if i == len(rs) {
			return false
		}
		if types.SerialGreaterEq(e.id, rs[i].Lower) {
			matched = append(matched, e)
		}
		return true
	})
	if remove {
		for _, e := range matched {
			d.tree.Delete(e)
		}
	}
	return matched
}
