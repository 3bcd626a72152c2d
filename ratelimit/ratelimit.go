// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit limits how fast each principal may publish.
package ratelimit

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/absmach/fluxsession/session"
	"golang.org/x/time/rate"
)

var ErrRateLimited = errors.New("publish rate exceeded")

var _ session.Authorizer = (*PublishLimiter)(nil)

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// PublishLimiter is a session.Authorizer that rejects publishes once a
// principal exceeds its rate. Checks that pass are handed to next, if set.
type PublishLimiter struct {
	mu       sync.Mutex
	limiters map[string]*entry
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	next     session.Authorizer
	now      func() time.Time
}

// NewPublishLimiter creates a limiter allowing r publishes per second with
// the given burst per principal. Entries unused for two cleanup intervals
// are dropped by Run.
func NewPublishLimiter(r float64, burst int, cleanupInterval time.Duration, next session.Authorizer) *PublishLimiter {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	return &PublishLimiter{
		limiters: make(map[string]*entry),
		rate:     rate.Limit(r),
		burst:    burst,
		cleanup:  cleanupInterval,
		next:     next,
		now:      time.Now,
	}
}

// AuthorizePublish checks the publishing principal's rate, then next.
func (l *PublishLimiter) AuthorizePublish(ctx context.Context, subject session.Subject, destination, routingKey string) error {
	if !l.Allow(key(subject)) {
		return ErrRateLimited
	}
	if l.next == nil {
		return nil
	}
	return l.next.AuthorizePublish(ctx, subject, destination, routingKey)
}

// Allow reports whether one more publish by k is allowed.
func (l *PublishLimiter) Allow(k string) bool {
	now := l.now()

	l.mu.Lock()
	e, ok := l.limiters[k]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[k] = e
	}
	e.lastSeen = now
	limiter := e.limiter
	l.mu.Unlock()

	return limiter.AllowN(now, 1)
}

// Remove drops the limiter of k.
func (l *PublishLimiter) Remove(k string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, k)
}

// Len returns the number of tracked principals.
func (l *PublishLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// Run drops stale entries every cleanup interval until ctx is done.
func (l *PublishLimiter) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanupStale()
		case <-ctx.Done():
			return nil
		}
	}
}

func (l *PublishLimiter) cleanupStale() {
	l.mu.Lock()
	defer l.mu.Unlock()

	threshold := l.now().Add(-l.cleanup * 2)
	for k, e := range l.limiters {
		if e.lastSeen.Before(threshold) {
			delete(l.limiters, k)
		}
	}
}

// key identifies the subject: its principal, or the remote host when the
// peer is anonymous.
func key(s session.Subject) string {
	if s.Principal != "" {
		return s.Principal
	}
	host, _, err := net.SplitHostPort(s.RemoteAddr)
	if err != nil {
		return s.RemoteAddr
	}
	return host
}
