// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package vhost

import (
	"sync/atomic"
	"time"
)

// Stats tracks virtual host statistics using atomic counters.
type Stats struct {
	startTime time.Time

	totalSessions   atomic.Uint64
	currentSessions atomic.Uint64

	forcedCloses       atomic.Uint64
	flowControlIgnored atomic.Uint64
	txnOpenTimeouts    atomic.Uint64
	txnIdleTimeouts    atomic.Uint64

	branchesRecovered atomic.Uint64
	branchesExpired   atomic.Uint64
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{
		startTime: time.Now(),
	}
}

func (s *Stats) IncrementSessions() {
	s.totalSessions.Add(1)
	s.currentSessions.Add(1)
}

func (s *Stats) DecrementSessions() {
	s.currentSessions.Add(^uint64(0))
}

func (s *Stats) IncrementForcedCloses() {
	s.forcedCloses.Add(1)
}

func (s *Stats) IncrementFlowControlIgnored() {
	s.flowControlIgnored.Add(1)
}

func (s *Stats) IncrementTxnOpenTimeouts() {
	s.txnOpenTimeouts.Add(1)
}

func (s *Stats) IncrementTxnIdleTimeouts() {
	s.txnIdleTimeouts.Add(1)
}

func (s *Stats) AddBranchesRecovered(n uint64) {
	s.branchesRecovered.Add(n)
}

func (s *Stats) AddBranchesExpired(n uint64) {
	s.branchesExpired.Add(n)
}

func (s *Stats) GetTotalSessions() uint64      { return s.totalSessions.Load() }
func (s *Stats) GetCurrentSessions() uint64    { return s.currentSessions.Load() }
func (s *Stats) GetForcedCloses() uint64       { return s.forcedCloses.Load() }
func (s *Stats) GetFlowControlIgnored() uint64 { return s.flowControlIgnored.Load() }
func (s *Stats) GetTxnOpenTimeouts() uint64    { return s.txnOpenTimeouts.Load() }
func (s *Stats) GetTxnIdleTimeouts() uint64    { return s.txnIdleTimeouts.Load() }
func (s *Stats) GetBranchesRecovered() uint64  { return s.branchesRecovered.Load() }
func (s *Stats) GetBranchesExpired() uint64    { return s.branchesExpired.Load() }
func (s *Stats) GetUptime() time.Duration      { return time.Since(s.startTime) }
