// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package vhost hosts the sessions of one virtual host together with the
// message store and distributed transaction registry they share.
package vhost

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/fluxsession/events"
	"github.com/absmach/fluxsession/session"
	"github.com/absmach/fluxsession/store"
	"github.com/absmach/fluxsession/txn"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const defaultHousekeepingInterval = time.Second

var ErrClosed = errors.New("virtual host closed")

// Config holds the virtual host configuration.
type Config struct {
	Name                 string
	HousekeepingInterval time.Duration

	// A local transaction open for longer than TxnOpenTimeout, or without
	// activity for longer than TxnIdleTimeout, closes its session. Zero
	// disables the check.
	TxnOpenTimeout time.Duration
	TxnIdleTimeout time.Duration

	Session session.Config
	DTX     txn.RegistryConfig
}

// VirtualHost owns the sessions of one address space.
type VirtualHost struct {
	cfg      Config
	store    store.MessageStore
	registry *txn.Registry
	auth     session.Authorizer
	events   events.Logger
	stats    *Stats
	metrics  *session.Metrics // nil if OTel disabled
	logger   *slog.Logger

	sessions sync.Map // session id -> *session.Session

	mu     sync.RWMutex
	closed bool
}

// New creates a virtual host on st. logger, ev, metrics, tracer and auth
// may be nil.
func New(cfg Config, st store.MessageStore, logger *slog.Logger, ev events.Logger, metrics *session.Metrics, tracer trace.Tracer, auth session.Authorizer) *VirtualHost {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("vhost", cfg.Name))
	if ev == nil {
		ev = events.NewSlogLogger(logger, cfg.Name)
	}
	if cfg.HousekeepingInterval <= 0 {
		cfg.HousekeepingInterval = defaultHousekeepingInterval
	}

	return &VirtualHost{
		cfg:      cfg,
		store:    st,
		registry: txn.NewRegistry(st, cfg.DTX, logger, tracer),
		auth:     auth,
		events:   ev,
		stats:    NewStats(),
		metrics:  metrics,
		logger:   logger,
	}
}

// Name returns the virtual host name.
func (v *VirtualHost) Name() string { return v.cfg.Name }

// Registry returns the distributed transaction registry.
func (v *VirtualHost) Registry() *txn.Registry { return v.registry }

// GetStats returns the virtual host's stats.
func (v *VirtualHost) GetStats() *Stats { return v.stats }

// Recover registers the prepared branches recorded in the store. It must
// run before the first session is created.
func (v *VirtualHost) Recover(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n, err := v.registry.RecoverFromStore()
	if err != nil {
		return 0, err
	}
	v.stats.AddBranchesRecovered(uint64(n))
	if n > 0 {
		v.logger.Info("recovered prepared transaction branches", slog.Int("count", n))
	}
	return n, nil
}

// NewSession attaches a session on channel of conn.
func (v *VirtualHost) NewSession(channel uint16, conn session.Connection, transport session.Transport) (*session.Session, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.closed {
		return nil, ErrClosed
	}

	s := session.New(channel, conn, transport, v.store, v.registry, v.cfg.Session, v.logger, v.events, v.metrics, v.auth)
	v.sessions.Store(s.ID(), s)
	v.stats.IncrementSessions()
	s.AddCloseTask(func(s *session.Session) {
		if _, ok := v.sessions.LoadAndDelete(s.ID()); ok {
			v.stats.DecrementSessions()
		}
	})
	return s, nil
}

// Session returns the open session with id.
func (v *VirtualHost) Session(id string) (*session.Session, bool) {
	val, ok := v.sessions.Load(id)
	if !ok {
		return nil, false
	}
	return val.(*session.Session), true
}

// Sessions returns the open sessions.
func (v *VirtualHost) Sessions() []*session.Session {
	var out []*session.Session
	v.sessions.Range(func(_, val any) bool {
		out = append(out, val.(*session.Session))
		return true
	})
	return out
}

// Run performs housekeeping every interval until ctx is done.
func (v *VirtualHost) Run(ctx context.Context) error {
	ticker := time.NewTicker(v.cfg.HousekeepingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			v.Housekeep(now)
		}
	}
}

// Housekeep closes sessions whose peer ignored flow control or whose
// local transaction exceeded its open or idle timeout, and expires
// distributed branches past their deadline.
func (v *VirtualHost) Housekeep(now time.Time) {
	v.sessions.Range(func(_, val any) bool {
		v.checkSession(val.(*session.Session), now)
		return true
	})

	if n := v.registry.ExpireTimedOut(now); n > 0 {
		v.stats.AddBranchesExpired(uint64(n))
	}
}

func (v *VirtualHost) checkSession(s *session.Session, now time.Time) {
	if s.IsClosing() || s.CloseRequested() {
		return
	}

	if s.BlockingTimeoutExceeded() {
		blocked := s.BlockedFor()
		v.events.Log(events.FlowControlIgnored{
			Channel: events.Channel{SessionID: s.ID(), Channel: s.Channel()},
			Blocked: blocked,
		})
		v.stats.IncrementFlowControlIgnored()
		v.forceClose(s, fmt.Sprintf("blocking timeout exceeded (%s)", blocked.Round(time.Millisecond)))
		return
	}

	start := s.TransactionStartTime()
	if start.IsZero() {
		return
	}
	if d := v.cfg.TxnOpenTimeout; d > 0 && now.Sub(start) > d {
		v.stats.IncrementTxnOpenTimeouts()
		v.forceClose(s, fmt.Sprintf("transaction open for longer than %s", d))
		return
	}
	if d := v.cfg.TxnIdleTimeout; d > 0 && now.Sub(s.TransactionUpdateTime()) > d {
		v.stats.IncrementTxnIdleTimeouts()
		v.forceClose(s, fmt.Sprintf("transaction idle for longer than %s", d))
	}
}

// forceClose hands the close to the session's connection so that it runs
// on the I/O goroutine alongside the session's protocol commands.
func (v *VirtualHost) forceClose(s *session.Session, reason string) {
	v.logger.Warn("closing session",
		slog.String("session", s.ID()),
		slog.Int("channel", int(s.Channel())),
		slog.String("reason", reason))
	v.stats.IncrementForcedCloses()
	s.CloseAsync(session.CloseResourceError, reason)
}

// Close closes every session, waits for their pending store work and
// closes the store. It must be called once the connections have stopped
// processing commands.
func (v *VirtualHost) Close(ctx context.Context) error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	v.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, s := range v.Sessions() {
		g.Go(func() error {
			s.Close(session.CloseNormal, "virtual host shutting down")
			if ctx.Err() != nil {
				return nil
			}
			if err := s.AwaitCommandCompletion(); err != nil {
				v.logger.Warn("pending store work failed on shutdown",
					slog.String("session", s.ID()),
					slog.String("error", err.Error()))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return v.store.Close()
}
