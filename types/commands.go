// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

// FlowMode selects how a destination's flow is governed.
type FlowMode uint8

const (
	FlowModeCredit FlowMode = 0
	FlowModeWindow FlowMode = 1
)

// CreditUnit is the unit a MessageFlow grant is expressed in.
type CreditUnit uint8

const (
	CreditUnitMessage CreditUnit = 0
	CreditUnitByte    CreditUnit = 1
)

// Command is a protocol command the session engine asks its transport to
// send to the peer. Encoding is the transport's concern.
type Command interface {
	commandName() string
}

// MessageSetFlowMode changes the flow mode for a destination.
type MessageSetFlowMode struct {
	Destination string
	Mode        FlowMode
}

// MessageStop revokes all credit for a destination.
type MessageStop struct {
	Destination string
}

// MessageFlow grants credit for a destination.
type MessageFlow struct {
	Destination string
	Unit        CreditUnit
	Value       uint32
}

func (MessageSetFlowMode) commandName() string { return "message.set-flow-mode" }
func (MessageStop) commandName() string        { return "message.stop" }
func (MessageFlow) commandName() string        { return "message.flow" }

// CommandName returns the protocol name of a command, for logging.
func CommandName(c Command) string {
	if c == nil {
		return ""
	}
	return c.commandName()
}
