package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the metric instruments for the write path: the event
// store, the aggregate replay engine, and the outbox dispatcher.
type Metrics struct {
	EventStoreLatency metric.Float64Histogram
	EventsAppended    metric.Int64Counter

	AggregateLoads metric.Int64Counter
	SnapshotHits   metric.Int64Counter
	SnapshotMisses metric.Int64Counter

	RepositorySaves metric.Int64Counter
	RepositoryLoads metric.Int64Counter

	PublishLatency metric.Float64Histogram
	PublishTotal   metric.Int64Counter
	PublishErrors  metric.Int64Counter

	OutboxPending    metric.Int64Gauge
	OutboxProcessing metric.Int64Gauge
	OutboxDeadLetter metric.Int64Gauge

	PoolConnectionsActive metric.Int64Gauge
}

// NewMetrics creates all metric instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.EventStoreLatency, err = meter.Float64Histogram(
		"eventstore.latency",
		metric.WithDescription("Event store operation latency in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("creating eventstore.latency: %w", err)
	}

	if m.EventsAppended, err = meter.Int64Counter(
		"eventstore.events.appended",
		metric.WithDescription("Total events appended to the event store"),
	); err != nil {
		return nil, fmt.Errorf("creating events.appended: %w", err)
	}

	if m.AggregateLoads, err = meter.Int64Counter(
		"eventstore.aggregate.loads",
		metric.WithDescription("Total aggregate loads"),
	); err != nil {
		return nil, fmt.Errorf("creating aggregate.loads: %w", err)
	}

	if m.SnapshotHits, err = meter.Int64Counter(
		"eventstore.snapshot.hits",
		metric.WithDescription("Aggregate loads that started from a snapshot"),
	); err != nil {
		return nil, fmt.Errorf("creating snapshot.hits: %w", err)
	}

	if m.SnapshotMisses, err = meter.Int64Counter(
		"eventstore.snapshot.misses",
		metric.WithDescription("Aggregate loads that replayed from event 0"),
	); err != nil {
		return nil, fmt.Errorf("creating snapshot.misses: %w", err)
	}

	if m.RepositorySaves, err = meter.Int64Counter(
		"eventstore.repository.saves",
		metric.WithDescription("Total repository save operations"),
	); err != nil {
		return nil, fmt.Errorf("creating repository.saves: %w", err)
	}

	if m.RepositoryLoads, err = meter.Int64Counter(
		"eventstore.repository.loads",
		metric.WithDescription("Total repository load operations"),
	); err != nil {
		return nil, fmt.Errorf("creating repository.loads: %w", err)
	}

	if m.PublishLatency, err = meter.Float64Histogram(
		"outbox.publish.latency",
		metric.WithDescription("Outbox publish call latency in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("creating publish.latency: %w", err)
	}

	if m.PublishTotal, err = meter.Int64Counter(
		"outbox.publish.total",
		metric.WithDescription("Total outbox entries published"),
	); err != nil {
		return nil, fmt.Errorf("creating publish.total: %w", err)
	}

	if m.PublishErrors, err = meter.Int64Counter(
		"outbox.publish.errors",
		metric.WithDescription("Total outbox publish failures"),
	); err != nil {
		return nil, fmt.Errorf("creating publish.errors: %w", err)
	}

	if m.OutboxPending, err = meter.Int64Gauge(
		"outbox.entries.pending",
		metric.WithDescription("Outbox entries currently PENDING"),
	); err != nil {
		return nil, fmt.Errorf("creating outbox.entries.pending: %w", err)
	}

	if m.OutboxProcessing, err = meter.Int64Gauge(
		"outbox.entries.processing",
		metric.WithDescription("Outbox entries currently PROCESSING"),
	); err != nil {
		return nil, fmt.Errorf("creating outbox.entries.processing: %w", err)
	}

	if m.OutboxDeadLetter, err = meter.Int64Gauge(
		"outbox.entries.dead_letter",
		metric.WithDescription("Outbox entries currently DEAD_LETTER"),
	); err != nil {
		return nil, fmt.Errorf("creating outbox.entries.dead_letter: %w", err)
	}

	if m.PoolConnectionsActive, err = meter.Int64Gauge(
		"eventstore.pool.connections.active",
		metric.WithDescription("Active connections in the shared pgx pool"),
	); err != nil {
		return nil, fmt.Errorf("creating pool.connections.active: %w", err)
	}

	return m, nil
}

// RecordEventStoreOperation records append/load latency and, for
// appends, the event count.
func (m *Metrics) RecordEventStoreOperation(ctx context.Context, operation string, duration time.Duration, eventCount int) {
	attrs := []attribute.KeyValue{attribute.String("operation", operation)}
	m.EventStoreLatency.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if operation == "append" {
		m.EventsAppended.Add(ctx, int64(eventCount), metric.WithAttributes(attrs...))
	}
}

// RecordAggregateLoad records an aggregate load, distinguishing whether
// a snapshot was used to skip part of the replay.
func (m *Metrics) RecordAggregateLoad(ctx context.Context, aggregateType string, snapshotUsed bool) {
	attrs := []attribute.KeyValue{attribute.String("aggregate_type", aggregateType)}
	m.AggregateLoads.Add(ctx, 1, metric.WithAttributes(attrs...))
	if snapshotUsed {
		m.SnapshotHits.Add(ctx, 1, metric.WithAttributes(attrs...))
	} else {
		m.SnapshotMisses.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordRepositoryOperation records a repository save or load.
func (m *Metrics) RecordRepositoryOperation(ctx context.Context, operation, aggregateType string) {
	attrs := []attribute.KeyValue{attribute.String("aggregate_type", aggregateType)}
	switch operation {
	case "save":
		m.RepositorySaves.Add(ctx, 1, metric.WithAttributes(attrs...))
	case "load":
		m.RepositoryLoads.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordPublish records one outbox dispatcher publish attempt.
func (m *Metrics) RecordPublish(ctx context.Context, destination string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{attribute.String("destination", destination)}
	m.PublishLatency.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.PublishTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if err != nil {
		m.PublishErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordOutboxStatistics projects an outbox.Statistics snapshot onto the
// pending/processing/dead-letter gauges.
func (m *Metrics) RecordOutboxStatistics(ctx context.Context, pending, processing, deadLetter int64) {
	m.OutboxPending.Record(ctx, pending)
	m.OutboxProcessing.Record(ctx, processing)
	m.OutboxDeadLetter.Record(ctx, deadLetter)
}

// RecordPoolConnections updates the shared-pool connection gauge.
func (m *Metrics) RecordPoolConnections(ctx context.Context, active int64) {
	m.PoolConnectionsActive.Record(ctx, active)
}
