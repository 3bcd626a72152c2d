// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import "time"

// Config holds the tunables of a session.
type Config struct {
	// Uncommitted message data kept in memory per local transaction.
	MaxUncommittedInMemorySize int64

	// Pending asynchronous commands before drains start waiting.
	AsyncCommandThreshold int

	// How long the peer may stay blocked before the session is closed.
	FlowControlEnforcementTimeout time.Duration

	ProducerCreditLimit int64
	ProducerCreditTopUp int64

	// Minimum interval between large transaction warnings.
	LargeTransactionWarnInterval time.Duration
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		MaxUncommittedInMemorySize:    10 * 1024 * 1024,
		AsyncCommandThreshold:         DefaultAsyncCommandThreshold,
		FlowControlEnforcementTimeout: 5 * time.Second,
		ProducerCreditLimit:           DefaultCreditLimit,
		ProducerCreditTopUp:           DefaultCreditTopUp,
		LargeTransactionWarnInterval:  time.Second,
	}
}
