// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"log/slog"
	"sync"
)

// Logger receives channel events.
type Logger interface {
	Log(e Event)
}

// SlogLogger writes events as structured log records.
type SlogLogger struct {
	logger *slog.Logger
	vhost  string
}

var _ Logger = (*SlogLogger)(nil)

// NewSlogLogger creates an event logger for vhost.
func NewSlogLogger(logger *slog.Logger, vhost string) *SlogLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogLogger{logger: logger, vhost: vhost}
}

// Log writes e at a level matching its severity.
func (l *SlogLogger) Log(e Event) {
	env := e.Wrap(l.vhost)
	attrs := append([]slog.Attr{
		slog.String("event_id", env.EventID),
		slog.String("vhost", env.VHost),
	}, e.Attrs()...)
	l.logger.LogAttrs(context.Background(), level(e), env.EventType, attrs...)
}

func level(e Event) slog.Level {
	switch e.(type) {
	case ChannelCloseForced, FlowControlIgnored, LargeTransactionWarn:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

var _ Logger = (*Recorder)(nil)

func (r *Recorder) Log(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns the types of the recorded events, in order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type()
	}
	return out
}

// Count returns how many events of type typ were recorded.
func (r *Recorder) Count(typ string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type() == typ {
			n++
		}
	}
	return n
}
