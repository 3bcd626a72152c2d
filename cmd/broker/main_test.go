// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/absmach/fluxsession/config"
	"github.com/absmach/fluxsession/store/badger"
	"github.com/absmach/fluxsession/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVHostConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Session.TxnIdleTimeout = time.Minute
	cfg.DTX.DefaultTimeout = 30 * time.Second

	vc := vhostConfig(cfg)
	assert.Equal(t, "default", vc.Name)
	assert.Equal(t, time.Minute, vc.TxnIdleTimeout)
	assert.Equal(t, 30*time.Second, vc.DTX.DefaultTimeout)
	assert.Equal(t, cfg.Session.ProducerCreditTopUp, vc.Session.ProducerCreditTopUp)
	assert.Equal(t, cfg.Session.FlowControlEnforcementTimeout, vc.Session.FlowControlEnforcementTimeout)
}

func TestNewStore(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := newStore(config.StorageConfig{Type: "memory"}, logger)
	require.NoError(t, err)
	assert.IsType(t, &memory.Store{}, st)

	st, err = newStore(config.StorageConfig{Type: "badger", BadgerDir: t.TempDir(), Compression: "zstd"}, logger)
	require.NoError(t, err)
	assert.IsType(t, &badger.Store{}, st)
	require.NoError(t, st.Close())

	_, err = newStore(config.StorageConfig{Type: "badger", BadgerDir: t.TempDir(), Compression: "lz4"}, logger)
	assert.Error(t, err)

	_, err = newStore(config.StorageConfig{Type: "bolt"}, logger)
	assert.Error(t, err)
}
