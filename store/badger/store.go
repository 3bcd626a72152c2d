// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package badger provides a BadgerDB-backed MessageStore.
//
// Key format:
//   - Message body:  m/{id}
//   - Queue entry:   q/{queue}/{id}
//   - Entry index:   i/{id}/{queue}
//   - Prepared xid:  x/{xid key}
package badger

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/fluxsession/store"
	"github.com/dgraph-io/badger/v4"
	"github.com/sony/gobreaker"
)

var _ store.MessageStore = (*Store)(nil)

const (
	messagePrefix = "m/"
	queuePrefix   = "q/"
	indexPrefix   = "i/"
	xidPrefix     = "x/"
	sequenceKey   = "seq/messages"

	sequenceBandwidth = 1000
	gcInterval        = 5 * time.Minute
	gcDiscardRatio    = 0.5
)

// Config holds BadgerDB store configuration.
type Config struct {
	Dir         string      // Directory for BadgerDB data
	InMemory    bool        // Run without touching the filesystem
	SyncWrites  bool        // fsync on every commit
	Compression Compression // Codec for message bodies

	// Flow-to-disk circuit breaker.
	BreakerFailureThreshold uint32
	BreakerResetTimeout     time.Duration
}

// Store is the BadgerDB message store.
type Store struct {
	db          *badger.DB
	seq         *badger.Sequence
	compression Compression
	breaker     *gobreaker.CircuitBreaker
	logger      *slog.Logger

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
	mu       sync.Mutex
}

// New opens the store.
func New(cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil
	opts.SyncWrites = cfg.SyncWrites
	opts.NumVersionsToKeep = 1

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger store: %w", err)
	}

	seq, err := db.GetSequence([]byte(sequenceKey), sequenceBandwidth)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create message id sequence: %w", err)
	}

	threshold := cfg.BreakerFailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	resetTimeout := cfg.BreakerResetTimeout
	if resetTimeout == 0 {
		resetTimeout = 30 * time.Second
	}

	s := &Store{
		db:          db,
		seq:         seq,
		compression: cfg.Compression,
		logger:      logger,
		gcStopCh:    make(chan struct{}),
		gcDone:      make(chan struct{}),
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "flow-to-disk",
		MaxRequests: 1,
		Timeout:     resetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("store circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	if !cfg.InMemory {
		go s.runGC()
	} else {
		close(s.gcDone)
	}

	return s, nil
}

// AddMessage allocates an id and returns an in-memory handle for body.
// The body reaches disk when the message is enqueued on a durable queue
// or flowed to disk.
func (s *Store) AddMessage(body []byte, persistent bool) (store.StoredMessage, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, store.ErrClosed
	}

	id, err := s.seq.Next()
	if err != nil {
		return nil, fmt.Errorf("failed to allocate message id: %w", err)
	}

	c := make([]byte, len(body))
	copy(c, body)
	return &message{
		store:      s,
		id:         id + 1,
		size:       int64(len(body)),
		persistent: persistent,
		body:       c,
	}, nil
}

// NewTransaction starts a buffered transaction.
func (s *Store) NewTransaction() store.Transaction {
	return &transaction{store: s}
}

// RecoverXids returns every prepared branch recorded in the store.
func (s *Store) RecoverXids() ([]store.XidRecord, error) {
	var recs []store.XidRecord

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(xidPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var rec store.XidRecord
				if err := json.Unmarshal(val, &rec); err != nil {
					return err
				}
				recs = append(recs, rec)
				return nil
			})
			if err != nil {
				return fmt.Errorf("failed to unmarshal xid record: %w", err)
			}
		}
		return nil
	})

	return recs, err
}

// QueueDepth returns the number of entries recorded for queue.
func (s *Store) QueueDepth(queue string) (int, error) {
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(queuePrefix + queue + "/")
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// HasBody reports whether a body is stored for the message id.
func (s *Store) HasBody(id uint64) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(messageKey(id))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Close stops background GC and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.gcStopCh)
	<-s.gcDone

	if err := s.seq.Release(); err != nil {
		s.logger.Warn("failed to release message id sequence", slog.String("error", err.Error()))
	}
	return s.db.Close()
}

func (s *Store) runGC() {
	defer close(s.gcDone)

	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// ErrNoRewrite only means there was nothing to collect.
			_ = s.db.RunValueLogGC(gcDiscardRatio)
		case <-s.gcStopCh:
			return
		}
	}
}

func (s *Store) readBody(id uint64) ([]byte, error) {
	var body []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(messageKey(id))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return store.ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			body, err = decode(val)
			return err
		})
	})
	return body, err
}

func (s *Store) writeBody(id uint64, body []byte) error {
	enc, err := encode(body, s.compression)
	if err != nil {
		return err
	}
	_, err = s.breaker.Execute(func() (interface{}, error) {
		return nil, s.db.Update(func(txn *badger.Txn) error {
			return txn.Set(messageKey(id), enc)
		})
	})
	return err
}

func messageKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x", messagePrefix, id))
}

func queueKey(queue string, id uint64) []byte {
	return []byte(fmt.Sprintf("%s%s/%016x", queuePrefix, queue, id))
}

func indexKey(id uint64, queue string) []byte {
	return []byte(fmt.Sprintf("%s%016x/%s", indexPrefix, id, queue))
}

func indexPrefixFor(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x/", indexPrefix, id))
}

func xidKey(key string) []byte {
	return []byte(xidPrefix + key)
}
