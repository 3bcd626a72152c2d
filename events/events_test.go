// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelope(t *testing.T) {
	e := ChannelCloseForced{Channel: Channel{SessionID: "s", Channel: 3}, Cause: 506, Message: "gone"}
	env := e.Wrap("default")

	assert.Equal(t, TypeChannelCloseForced, env.EventType)
	assert.Equal(t, "default", env.VHost)
	_, err := uuid.Parse(env.EventID)
	require.NoError(t, err)

	data, err := json.Marshal(env)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	body := decoded["data"].(map[string]any)
	assert.Equal(t, float64(506), body["cause"])
	assert.Equal(t, float64(3), body["channel"])
}

func TestSlogLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewSlogLogger(slog.New(slog.NewJSONHandler(&buf, nil)), "vh")

	l.Log(FlowEnforced{Channel: Channel{SessionID: "s1", Channel: 1}, Reason: "queue-a"})
	l.Log(LargeTransactionWarn{Channel: Channel{SessionID: "s1", Channel: 1}, Size: 10, Threshold: 5})

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &rec))
	assert.Equal(t, "INFO", rec["level"])
	assert.Equal(t, TypeFlowEnforced, rec["msg"])
	assert.Equal(t, "queue-a", rec["reason"])

	require.NoError(t, json.Unmarshal(lines[1], &rec))
	assert.Equal(t, "WARN", rec["level"])
	assert.Equal(t, float64(10), rec["size"])
}

func TestRecorder(t *testing.T) {
	var r Recorder
	r.Log(ChannelCreated{})
	r.Log(FlowRemoved{})
	r.Log(FlowRemoved{})

	assert.Equal(t, []string{TypeChannelCreated, TypeFlowRemoved, TypeFlowRemoved}, r.Types())
	assert.Equal(t, 2, r.Count(TypeFlowRemoved))
	assert.Len(t, r.Events(), 3)
}
