// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"testing"

	"github.com/absmach/fluxsession/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

func TestInitProviderDisabled(t *testing.T) {
	cfg := config.Default().Telemetry
	cfg.MetricsEnabled = false
	cfg.TracesEnabled = false

	shutdown, err := InitProvider(context.Background(), cfg, "node-1")
	require.NoError(t, err)
	assert.IsType(t, tracenoop.NewTracerProvider(), otel.GetTracerProvider())
	assert.NoError(t, shutdown(context.Background()))
}

func TestInitProviderEnabled(t *testing.T) {
	cfg := config.Default().Telemetry
	cfg.MetricsEnabled = true
	cfg.TracesEnabled = true
	cfg.TraceSampleRate = 1

	// gRPC exporters connect lazily, so no collector is needed here.
	shutdown, err := InitProvider(context.Background(), cfg, "node-1")
	require.NoError(t, err)
	_, span := otel.Tracer("test").Start(context.Background(), "span")
	assert.True(t, span.SpanContext().IsValid())
	span.End()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = shutdown(ctx)
	otel.SetTracerProvider(tracenoop.NewTracerProvider())
}
