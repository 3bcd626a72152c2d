// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"fmt"
	"sync"
)

type message struct {
	store      *Store
	id         uint64
	size       int64
	persistent bool

	mu     sync.Mutex
	body   []byte // nil once flowed to disk
	onDisk bool
}

func (m *message) ID() uint64 { return m.id }

func (m *message) ContentSize() int64 { return m.size }

func (m *message) Persistent() bool { return m.persistent }

func (m *message) Content() ([]byte, error) {
	m.mu.Lock()
	body := m.body
	m.mu.Unlock()

	if body != nil {
		c := make([]byte, len(body))
		copy(c, body)
		return c, nil
	}
	if m.size == 0 {
		return []byte{}, nil
	}
	return m.store.readBody(m.id)
}

// FlowToDisk writes the body if it is not stored yet and drops the
// in-memory copy.
func (m *message) FlowToDisk() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.body == nil {
		return nil
	}
	if !m.onDisk {
		if err := m.store.writeBody(m.id, m.body); err != nil {
			return fmt.Errorf("failed to flow message %d to disk: %w", m.id, err)
		}
		m.onDisk = true
	}
	m.body = nil
	return nil
}

// pendingBody returns the in-memory body if it still has to be written.
func (m *message) pendingBody() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.onDisk {
		return nil
	}
	return m.body
}

func (m *message) markStored() {
	m.mu.Lock()
	m.onDisk = true
	m.mu.Unlock()
}
