// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds OpenTelemetry metric instruments for channel sessions.
type Metrics struct {
	meter metric.Meter

	messagesEnqueued metric.Int64Counter
	bytesEnqueued    metric.Int64Counter
	dispositions     metric.Int64Counter
	transactions     metric.Int64Counter
	flowBlocks       metric.Int64Counter
	flowUnblocks     metric.Int64Counter
	creditTopUps     metric.Int64Counter
	flowedToDisk     metric.Int64Counter
	forcedDrains     metric.Int64Counter
	errorsTotal      metric.Int64Counter

	sessionsCurrent metric.Int64UpDownCounter

	messageSize metric.Int64Histogram
}

// NewMetrics creates a new session Metrics instance with all instruments initialized.
func NewMetrics() (*Metrics, error) {
	return newMetrics(otel.Meter("fluxsession"))
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{
		meter: meter,
	}

	var err error

	m.messagesEnqueued, err = m.meter.Int64Counter(
		"session.messages.enqueued.total",
		metric.WithDescription("Total messages enqueued by producers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesEnqueued counter: %w", err)
	}

	m.bytesEnqueued, err = m.meter.Int64Counter(
		"session.bytes.enqueued.total",
		metric.WithDescription("Total message bytes enqueued by producers"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create bytesEnqueued counter: %w", err)
	}

	m.dispositions, err = m.meter.Int64Counter(
		"session.dispositions.total",
		metric.WithDescription("Total deliveries resolved by the peer, by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispositions counter: %w", err)
	}

	m.transactions, err = m.meter.Int64Counter(
		"session.transactions.total",
		metric.WithDescription("Total local transactions finished, by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactions counter: %w", err)
	}

	m.flowBlocks, err = m.meter.Int64Counter(
		"session.flow.blocked.total",
		metric.WithDescription("Total times producers were blocked on the wire"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create flowBlocks counter: %w", err)
	}

	m.flowUnblocks, err = m.meter.Int64Counter(
		"session.flow.unblocked.total",
		metric.WithDescription("Total times producers were unblocked on the wire"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create flowUnblocks counter: %w", err)
	}

	m.creditTopUps, err = m.meter.Int64Counter(
		"session.flow.credit_topups.total",
		metric.WithDescription("Total producer credit top-ups sent"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create creditTopUps counter: %w", err)
	}

	m.flowedToDisk, err = m.meter.Int64Counter(
		"session.flow_to_disk.total",
		metric.WithDescription("Total uncommitted transactions that spilled message bodies to disk"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create flowedToDisk counter: %w", err)
	}

	m.forcedDrains, err = m.meter.Int64Counter(
		"session.async.forced_drains.total",
		metric.WithDescription("Total asynchronous commands waited on because the queue was over its threshold"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create forcedDrains counter: %w", err)
	}

	m.errorsTotal, err = m.meter.Int64Counter(
		"session.errors.total",
		metric.WithDescription("Total session errors by type"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create errorsTotal counter: %w", err)
	}

	m.sessionsCurrent, err = m.meter.Int64UpDownCounter(
		"session.sessions.current",
		metric.WithDescription("Current number of open sessions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sessionsCurrent counter: %w", err)
	}

	m.messageSize, err = m.meter.Int64Histogram(
		"session.message.size",
		metric.WithDescription("Size of enqueued messages in bytes"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messageSize histogram: %w", err)
	}

	return m, nil
}

func (m *Metrics) RecordSessionOpened() {
	m.sessionsCurrent.Add(context.Background(), 1)
}

func (m *Metrics) RecordSessionClosed() {
	m.sessionsCurrent.Add(context.Background(), -1)
}

func (m *Metrics) RecordEnqueue(sizeBytes int64) {
	ctx := context.Background()
	m.messagesEnqueued.Add(ctx, 1)
	m.bytesEnqueued.Add(ctx, sizeBytes)
	m.messageSize.Record(ctx, sizeBytes)
}

func (m *Metrics) RecordDisposition(outcome string, count int) {
	m.dispositions.Add(context.Background(), int64(count), metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) RecordTransaction(outcome string) {
	m.transactions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) RecordFlowBlocked() {
	m.flowBlocks.Add(context.Background(), 1)
}

func (m *Metrics) RecordFlowUnblocked() {
	m.flowUnblocks.Add(context.Background(), 1)
}

func (m *Metrics) RecordCreditTopUp() {
	m.creditTopUps.Add(context.Background(), 1)
}

func (m *Metrics) RecordFlowToDisk() {
	m.flowedToDisk.Add(context.Background(), 1)
}

func (m *Metrics) RecordForcedDrain(count int) {
	m.forcedDrains.Add(context.Background(), int64(count))
}

func (m *Metrics) RecordError(errorType string) {
	m.errorsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("type", errorType),
	))
}
