// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package events defines the operational events a channel session emits
// over its lifetime.
package events

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Event type constants.
const (
	TypeChannelCreated       = "channel.created"
	TypeChannelClosed        = "channel.closed"
	TypeChannelCloseForced   = "channel.close_forced"
	TypeFlowEnforced         = "channel.flow_enforced"
	TypeFlowRemoved          = "channel.flow_removed"
	TypeFlowControlIgnored   = "channel.flow_control_ignored"
	TypeLargeTransactionWarn = "channel.large_transaction_warn"
)

// Event is the common interface for all channel events.
type Event interface {
	// Type returns the event type identifier (e.g., "channel.created")
	Type() string

	// Attrs returns the event fields as structured log attributes.
	Attrs() []slog.Attr

	// Wrap wraps the event in a common envelope with metadata.
	Wrap(vhost string) *Envelope
}

// Envelope is the common wrapper for all channel events.
type Envelope struct {
	EventType string `json:"event_type"`
	EventID   string `json:"event_id"`
	Timestamp string `json:"timestamp"`
	VHost     string `json:"vhost"`
	Data      any    `json:"data"`
}

// MarshalJSON serializes the envelope to JSON.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(*e)
}

func wrap(e Event, vhost string) *Envelope {
	return &Envelope{
		EventType: e.Type(),
		EventID:   uuid.New().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		VHost:     vhost,
		Data:      e,
	}
}

// Channel identifies the session an event belongs to.
type Channel struct {
	SessionID string `json:"session_id"`
	Channel   uint16 `json:"channel"`
}

func (c Channel) attrs(extra ...slog.Attr) []slog.Attr {
	return append([]slog.Attr{
		slog.String("session", c.SessionID),
		slog.Int("channel", int(c.Channel)),
	}, extra...)
}

// ChannelCreated is emitted when a session is attached to a channel.
type ChannelCreated struct {
	Channel
}

func (e ChannelCreated) Type() string                { return TypeChannelCreated }
func (e ChannelCreated) Attrs() []slog.Attr          { return e.attrs() }
func (e ChannelCreated) Wrap(vhost string) *Envelope { return wrap(e, vhost) }

// ChannelClosed is emitted on an orderly close.
type ChannelClosed struct {
	Channel
}

func (e ChannelClosed) Type() string                { return TypeChannelClosed }
func (e ChannelClosed) Attrs() []slog.Attr          { return e.attrs() }
func (e ChannelClosed) Wrap(vhost string) *Envelope { return wrap(e, vhost) }

// ChannelCloseForced is emitted when the broker closes a session.
type ChannelCloseForced struct {
	Channel
	Cause   int    `json:"cause"`
	Message string `json:"message"`
}

func (e ChannelCloseForced) Type() string { return TypeChannelCloseForced }
func (e ChannelCloseForced) Attrs() []slog.Attr {
	return e.attrs(slog.Int("cause", e.Cause), slog.String("message", e.Message))
}
func (e ChannelCloseForced) Wrap(vhost string) *Envelope { return wrap(e, vhost) }

// FlowEnforced is emitted when a session starts blocking producers.
type FlowEnforced struct {
	Channel
	Reason string `json:"reason"`
}

func (e FlowEnforced) Type() string                { return TypeFlowEnforced }
func (e FlowEnforced) Attrs() []slog.Attr          { return e.attrs(slog.String("reason", e.Reason)) }
func (e FlowEnforced) Wrap(vhost string) *Envelope { return wrap(e, vhost) }

// FlowRemoved is emitted when a session stops blocking producers.
type FlowRemoved struct {
	Channel
}

func (e FlowRemoved) Type() string                { return TypeFlowRemoved }
func (e FlowRemoved) Attrs() []slog.Attr          { return e.attrs() }
func (e FlowRemoved) Wrap(vhost string) *Envelope { return wrap(e, vhost) }

// FlowControlIgnored is emitted when a peer stayed blocked past the
// enforcement timeout and the session is closed for it.
type FlowControlIgnored struct {
	Channel
	Blocked time.Duration `json:"blocked"`
}

func (e FlowControlIgnored) Type() string { return TypeFlowControlIgnored }
func (e FlowControlIgnored) Attrs() []slog.Attr {
	return e.attrs(slog.Duration("blocked", e.Blocked))
}
func (e FlowControlIgnored) Wrap(vhost string) *Envelope { return wrap(e, vhost) }

// LargeTransactionWarn is emitted when a local transaction holds more
// uncommitted message data than the session keeps in memory.
type LargeTransactionWarn struct {
	Channel
	Size      int64 `json:"size"`
	Threshold int64 `json:"threshold"`
}

func (e LargeTransactionWarn) Type() string { return TypeLargeTransactionWarn }
func (e LargeTransactionWarn) Attrs() []slog.Attr {
	return e.attrs(slog.Int64("size", e.Size), slog.Int64("threshold", e.Threshold))
}
func (e LargeTransactionWarn) Wrap(vhost string) *Envelope { return wrap(e, vhost) }
