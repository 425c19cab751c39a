// Package store defines the persistence contracts for the event-sourced
// write path — EventStore and SnapshotStore — independent of any
// particular relational backend. Concrete implementations live in
// sibling packages such as pkg/store/postgres.
package store

import (
	"context"
	"iter"
	"time"

	"github.com/ledgerforge/eventledger/pkg/domain"
)

// AppendOption customizes one appendEvents call; it composes with the
// ambient logging context rather than replacing it.
type AppendOption func(*AppendOptions)

// AppendOptions carries the per-call overrides appendEvents accepts.
type AppendOptions struct {
	Metadata domain.Metadata
}

// WithAppendMetadata attaches additional envelope-level metadata beyond
// what the ambient logging context supplies.
func WithAppendMetadata(m domain.Metadata) AppendOption {
	return func(o *AppendOptions) { o.Metadata = m }
}

// EventStoreStatistics holds store-wide counters for operational
// dashboards.
type EventStoreStatistics struct {
	TotalEvents           int64
	TotalAggregates       int64
	CurrentGlobalSequence int64
	EventsByType          map[string]int64
}

// EventStore is the append/load/stream contract. Every method is a
// suspension point (a database round trip); implementations must honor
// the per-call context for cancellation and timeouts.
type EventStore interface {
	// AppendEvents persists events for one aggregate atomically, checking
	// expectedVersion against the currently persisted version. A
	// not-yet-existing aggregate uses expectedVersion == -1.
	AppendEvents(ctx context.Context, aggregateID, aggregateType string, events []domain.Event, expectedVersion int64, opts ...AppendOption) (*domain.EventStream, error)

	// LoadEventStream returns envelopes for one aggregate ordered by
	// aggregateVersion ascending within [fromVersion, toVersion]. A
	// missing aggregate produces an empty, non-nil stream. toVersion < 0
	// means unbounded.
	LoadEventStream(ctx context.Context, aggregateID, aggregateType string, fromVersion, toVersion int64) (*domain.EventStream, error)

	// GetAggregateVersion returns -1 if the aggregate has no events, else
	// the maximum persisted aggregateVersion.
	GetAggregateVersion(ctx context.Context, aggregateID, aggregateType string) (int64, error)

	// StreamAllEvents yields envelopes strictly ordered by globalSequence,
	// starting after fromGlobalSequence. Iteration reflects the sequence
	// as it stands at call time; it is not a live subscription.
	StreamAllEvents(ctx context.Context, fromGlobalSequence int64) iter.Seq2[*domain.EventEnvelope, error]

	// StreamEventsByType filters StreamAllEvents to the given eventTypes.
	StreamEventsByType(ctx context.Context, fromGlobalSequence int64, eventTypes []string) iter.Seq2[*domain.EventEnvelope, error]

	// StreamEventsByAggregateType filters StreamAllEvents to the given
	// aggregateTypes.
	StreamEventsByAggregateType(ctx context.Context, fromGlobalSequence int64, aggregateTypes []string) iter.Seq2[*domain.EventEnvelope, error]

	// StreamEventsByTimeRange filters by createdAt in [from, to].
	StreamEventsByTimeRange(ctx context.Context, from, to time.Time) iter.Seq2[*domain.EventEnvelope, error]

	// GetCurrentGlobalSequence returns the highest globalSequence
	// allocated so far, or 0 if the store is empty.
	GetCurrentGlobalSequence(ctx context.Context) (int64, error)

	// IsHealthy reports whether the backing store can serve a trivial
	// round trip.
	IsHealthy(ctx context.Context) bool

	// GetStatistics returns store-wide counters for operational
	// dashboards.
	GetStatistics(ctx context.Context) (*EventStoreStatistics, error)

	// Close releases pooled resources.
	Close() error
}
