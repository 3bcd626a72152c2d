// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package txn

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/absmach/fluxsession/store"
	"github.com/absmach/fluxsession/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// RegistryConfig holds branch timeout limits.
type RegistryConfig struct {
	DefaultTimeout time.Duration // applied to new branches, 0 for none
	MaxTimeout     time.Duration // upper bound for SetTimeout, 0 for none
}

// Registry tracks the distributed transaction branches of a virtual host.
// It is shared by every session of that host and is the authority on
// branch state and session association.
type Registry struct {
	store  store.MessageStore
	cfg    RegistryConfig
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time

	mu       sync.Mutex
	branches map[string]*Branch
}

// NewRegistry creates a registry backed by st. A nil tracer disables spans.
func NewRegistry(st store.MessageStore, cfg RegistryConfig, logger *slog.Logger, tracer trace.Tracer) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("")
	}
	return &Registry{
		store:    st,
		cfg:      cfg,
		logger:   logger,
		tracer:   tracer,
		now:      time.Now,
		branches: make(map[string]*Branch),
	}
}

// Start associates sessionID with the branch xid. With join or resume the
// branch must exist; otherwise it must not and is created.
func (r *Registry) Start(sessionID string, xid types.Xid, join, resume bool) (*Branch, error) {
	if join && resume {
		return nil, branchErr(xid, ErrJoinAndResume, "")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.branches[xid.Key()]
	switch {
	case join:
		if b == nil {
			return nil, branchErr(xid, ErrUnknownBranch, "cannot join")
		}
		if b.state != BranchActive {
			return nil, branchErr(xid, ErrIncorrectState, "cannot join branch in state "+b.state.String())
		}
		if _, ok := b.sessions[sessionID]; ok {
			return nil, branchErr(xid, ErrAlreadyKnown, "session already associated")
		}
		b.sessions[sessionID] = associated
	case resume:
		if b == nil {
			return nil, branchErr(xid, ErrUnknownBranch, "cannot resume")
		}
		if a, ok := b.sessions[sessionID]; !ok || a != suspended {
			return nil, branchErr(xid, ErrNotAssociated, "branch not suspended by session")
		}
		b.sessions[sessionID] = associated
	default:
		if b != nil {
			return nil, branchErr(xid, ErrAlreadyKnown, "")
		}
		b = newBranch(xid)
		b.setTimeout(r.cfg.DefaultTimeout, r.now())
		b.sessions[sessionID] = associated
		r.branches[xid.Key()] = b
	}

	return b, nil
}

// End ends the association of sessionID with xid. With suspend the
// association is kept for a later resume; with fail the branch becomes
// rollback only.
func (r *Registry) End(sessionID string, xid types.Xid, fail, suspend bool) error {
	var timedOut []Action
	defer func() { r.rollbackTimedOut(xid, timedOut) }()

	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.branches[xid.Key()]
	if suspend && fail {
		if b != nil {
			delete(b.sessions, sessionID)
		}
		return branchErr(xid, ErrSuspendAndFail, "")
	}
	if b == nil {
		return branchErr(xid, ErrUnknownBranch, "")
	}
	a, ok := b.sessions[sessionID]
	if !ok {
		return branchErr(xid, ErrNotAssociated, "")
	}
	if b.expired(r.now()) {
		delete(b.sessions, sessionID)
		timedOut = r.timeOut(b)
		return branchErr(xid, ErrTimeout, "")
	}
	if suspend {
		if a != associated {
			return branchErr(xid, ErrNotAssociated, "already suspended")
		}
		b.sessions[sessionID] = suspended
		return nil
	}
	if fail {
		b.state = BranchRollbackOnly
	}
	delete(b.sessions, sessionID)
	return nil
}

// Prepare durably records the branch so that it survives a restart.
func (r *Registry) Prepare(ctx context.Context, xid types.Xid) (err error) {
	_, span := r.startSpan(ctx, "dtx.prepare", xid)
	defer endSpan(span, &err)

	var timedOut []Action
	defer func() { r.rollbackTimedOut(xid, timedOut) }()

	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.branches[xid.Key()]
	if b == nil {
		return branchErr(xid, ErrUnknownBranch, "")
	}
	if b.hasActiveSessions() {
		return branchErr(xid, ErrIncorrectState, "branch has associated sessions")
	}
	clear(b.sessions)
	if b.expired(r.now()) {
		timedOut = r.timeOut(b)
		r.unregister(b)
		return branchErr(xid, ErrTimeout, "")
	}
	switch b.state {
	case BranchRollbackOnly:
		return branchErr(xid, ErrRollbackOnly, "")
	case BranchActive:
	default:
		return branchErr(xid, ErrIncorrectState, "cannot prepare branch in state "+b.state.String())
	}

	if err := b.flowDurableToDisk(); err != nil {
		return fmt.Errorf("failed to store prepared branch %s: %w", xid, err)
	}
	st := r.store.NewTransaction()
	st.RecordXid(b.xidRecord())
	if err := st.Commit(); err != nil {
		return fmt.Errorf("failed to record prepared branch %s: %w", xid, err)
	}

	b.state = BranchPrepared
	b.expiresAt = time.Time{}
	return nil
}

// Commit commits the branch. A one phase commit requires an unprepared
// branch and a two phase commit a prepared one.
func (r *Registry) Commit(ctx context.Context, xid types.Xid, onePhase bool) (err error) {
	_, span := r.startSpan(ctx, "dtx.commit", xid)
	defer endSpan(span, &err)

	actions, rollbackOnly, err := r.commit(xid, onePhase)
	if err != nil {
		return err
	}
	if rollbackOnly {
		if err := runRollbacks(actions); err != nil {
			return err
		}
		return branchErr(xid, ErrRollbackOnly, "")
	}
	return runPostCommits(actions)
}

// commit returns the actions to run once the lock is released, and whether
// they are rollback actions of a rollback only branch.
func (r *Registry) commit(xid types.Xid, onePhase bool) ([]Action, bool, error) {
	var timedOut []Action
	defer func() { r.rollbackTimedOut(xid, timedOut) }()

	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.branches[xid.Key()]
	if b == nil {
		return nil, false, branchErr(xid, ErrUnknownBranch, "")
	}
	if b.hasActiveSessions() {
		return nil, false, branchErr(xid, ErrIncorrectState, "branch has associated sessions")
	}
	if b.expired(r.now()) {
		timedOut = r.timeOut(b)
		r.unregister(b)
		return nil, false, branchErr(xid, ErrTimeout, "")
	}
	if b.state == BranchRollbackOnly {
		r.unregister(b)
		return b.takeActions(), true, nil
	}
	if onePhase && b.state == BranchPrepared {
		return nil, false, branchErr(xid, ErrIncorrectState, "cannot call one phase commit on a prepared branch")
	}
	if !onePhase && b.state != BranchPrepared {
		return nil, false, branchErr(xid, ErrIncorrectState, "cannot call two phase commit on a non-prepared branch")
	}

	st := r.store.NewTransaction()
	if b.state == BranchPrepared {
		st.RemoveXid(b.xid)
	}
	b.applyTo(st)
	if err := st.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit branch %s: %w", xid, err)
	}

	r.unregister(b)
	return b.takeActions(), false, nil
}

// Rollback discards the branch and runs its rollback actions.
func (r *Registry) Rollback(ctx context.Context, xid types.Xid) (err error) {
	_, span := r.startSpan(ctx, "dtx.rollback", xid)
	defer endSpan(span, &err)

	actions, err := r.rollback(xid)
	if err != nil {
		return err
	}
	return runRollbacks(actions)
}

func (r *Registry) rollback(xid types.Xid) ([]Action, error) {
	var timedOut []Action
	defer func() { r.rollbackTimedOut(xid, timedOut) }()

	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.branches[xid.Key()]
	if b == nil {
		return nil, branchErr(xid, ErrUnknownBranch, "")
	}
	if b.hasActiveSessions() {
		return nil, branchErr(xid, ErrIncorrectState, "branch has associated sessions")
	}
	if b.expired(r.now()) {
		timedOut = r.timeOut(b)
		r.unregister(b)
		return nil, branchErr(xid, ErrTimeout, "")
	}

	if b.state == BranchPrepared {
		st := r.store.NewTransaction()
		st.RemoveXid(b.xid)
		if err := st.Commit(); err != nil {
			return nil, fmt.Errorf("failed to remove prepared branch %s: %w", xid, err)
		}
	}

	r.unregister(b)
	return b.takeActions(), nil
}

// Forget drops a heuristically completed branch.
func (r *Registry) Forget(xid types.Xid) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.branches[xid.Key()]
	if b == nil {
		return branchErr(xid, ErrUnknownBranch, "")
	}
	if b.hasActiveSessions() {
		return branchErr(xid, ErrIncorrectState, "branch has associated sessions")
	}
	switch b.state {
	case BranchHeuristicCommit, BranchHeuristicRollback:
		b.state = BranchForgotten
		r.unregister(b)
		return nil
	default:
		return branchErr(xid, ErrIncorrectState, "cannot forget branch in state "+b.state.String())
	}
}

// Recover returns the ids of all prepared branches, ordered by key.
func (r *Registry) Recover() []types.Xid {
	r.mu.Lock()
	defer r.mu.Unlock()

	var xids []types.Xid
	for _, b := range r.branches {
		if b.state == BranchPrepared {
			xids = append(xids, b.xid)
		}
	}
	sort.Slice(xids, func(i, j int) bool { return xids[i].Key() < xids[j].Key() })
	return xids
}

// Timeout returns the branch timeout.
func (r *Registry) Timeout(xid types.Xid) (time.Duration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.branches[xid.Key()]
	if b == nil {
		return 0, branchErr(xid, ErrUnknownBranch, "")
	}
	return b.timeout, nil
}

// SetTimeout changes the branch timeout, capped at the configured maximum,
// and restarts its expiry clock. Zero disables expiry.
func (r *Registry) SetTimeout(xid types.Xid, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.branches[xid.Key()]
	if b == nil {
		return branchErr(xid, ErrUnknownBranch, "")
	}
	if r.cfg.MaxTimeout > 0 && d > r.cfg.MaxTimeout {
		d = r.cfg.MaxTimeout
	}
	if b.state == BranchPrepared {
		b.timeout = d
		return nil
	}
	b.setTimeout(d, r.now())
	return nil
}

// State returns the state of the branch.
func (r *Registry) State(xid types.Xid) (BranchState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.branches[xid.Key()]
	if b == nil {
		return 0, branchErr(xid, ErrUnknownBranch, "")
	}
	return b.state, nil
}

// EndAssociations drops every association held by a closing session. The
// branches it was working on can no longer commit.
func (r *Registry) EndAssociations(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, b := range r.branches {
		if _, ok := b.sessions[sessionID]; ok {
			delete(b.sessions, sessionID)
			if b.state == BranchActive {
				b.state = BranchRollbackOnly
			}
		}
	}
}

// ExpireTimedOut marks unprepared branches past their deadline as timed
// out and runs their rollback actions. It returns the number expired.
func (r *Registry) ExpireTimedOut(now time.Time) int {
	var expired []*Branch

	r.mu.Lock()
	for _, b := range r.branches {
		if b.state == BranchPrepared || b.state == BranchTimedOut {
			continue
		}
		if !b.expiresAt.IsZero() && now.After(b.expiresAt) {
			expired = append(expired, b)
		}
	}
	actions := make([][]Action, len(expired))
	for i, b := range expired {
		actions[i] = r.timeOut(b)
	}
	r.mu.Unlock()

	for i, b := range expired {
		r.rollbackTimedOut(b.xid, actions[i])
	}
	return len(expired)
}

// RecoverFromStore registers every branch recorded in the store as
// prepared. It is called once before sessions are created.
func (r *Registry) RecoverFromStore() (int, error) {
	recs, err := r.store.RecoverXids()
	if err != nil {
		return 0, fmt.Errorf("failed to recover prepared branches: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range recs {
		rec := recs[i]
		b := newBranch(rec.Xid)
		b.state = BranchPrepared
		b.recovered = &rec
		r.branches[rec.Xid.Key()] = b
	}
	return len(recs), nil
}

// Len returns the number of registered branches.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.branches)
}

// timeOut marks b timed out and returns its rollback actions. A branch
// already timed out has had its actions taken. Must hold r.mu.
func (r *Registry) timeOut(b *Branch) []Action {
	if b.state == BranchTimedOut {
		return nil
	}
	b.state = BranchTimedOut
	return b.takeActions()
}

// rollbackTimedOut runs the rollback actions of a timed out branch. It is
// called without r.mu held.
func (r *Registry) rollbackTimedOut(xid types.Xid, actions []Action) {
	if len(actions) == 0 {
		return
	}
	r.logger.Warn("distributed transaction branch timed out", slog.String("xid", xid.String()))
	if err := runRollbacks(actions); err != nil {
		r.logger.Error("failed to roll back timed out branch",
			slog.String("xid", xid.String()),
			slog.String("error", err.Error()))
	}
}

func (r *Registry) unregister(b *Branch) {
	delete(r.branches, b.xid.Key())
}

func (r *Registry) startSpan(ctx context.Context, name string, xid types.Xid) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	return r.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("dtx.xid", xid.Key()),
	))
}

func endSpan(span trace.Span, err *error) {
	if *err != nil {
		span.RecordError(*err)
		span.SetStatus(codes.Error, (*err).Error())
	}
	span.End()
}
