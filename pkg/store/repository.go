package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ledgerforge/eventledger/pkg/domain"
	"github.com/ledgerforge/eventledger/pkg/eventsourcing"
)

// Repository composes EventStore and (optionally) SnapshotStore into the
// load/save contract for an aggregate's write path.
type Repository[T eventsourcing.Recorder] interface {
	Load(ctx context.Context, id string) (T, error)
	Save(ctx context.Context, aggregate T) (*domain.EventStream, error)
	Exists(ctx context.Context, id string) (bool, error)
}

// Factory constructs a zero-value aggregate of type T identified by id,
// ready to receive replayed or snapshotted state.
type Factory[T eventsourcing.Recorder] func(id string) T

// BaseRepository is the default Repository implementation: it loads from
// a snapshot when one is available and replays only the events after it.
type BaseRepository[T eventsourcing.Recorder] struct {
	events        EventStore
	snapshots     SnapshotStore
	aggregateType string
	factory       Factory[T]
	strategy      SnapshotStrategy
}

// RepositoryOption configures a BaseRepository.
type RepositoryOption[T eventsourcing.Recorder] func(*BaseRepository[T])

// WithSnapshotStrategy enables automatic checkpointing: after each
// successful Save, the strategy decides whether the aggregate's state
// is snapshotted. Requires a non-nil SnapshotStore and an aggregate
// implementing Snapshotable; a snapshot failure is logged-and-ignored
// by Save since the events are already durable.
func WithSnapshotStrategy[T eventsourcing.Recorder](strategy SnapshotStrategy) RepositoryOption[T] {
	return func(r *BaseRepository[T]) { r.strategy = strategy }
}

// NewRepository builds a Repository for aggregateType. snapshots may be
// nil to disable the snapshot fast path.
func NewRepository[T eventsourcing.Recorder](events EventStore, snapshots SnapshotStore, aggregateType string, factory Factory[T], opts ...RepositoryOption[T]) *BaseRepository[T] {
	r := &BaseRepository[T]{events: events, snapshots: snapshots, aggregateType: aggregateType, factory: factory}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load implements the composed load path: snapshot (if any) plus
// events from snapshot.version+1 onward, or a full replay from
// version 0 when no snapshot exists.
func (r *BaseRepository[T]) Load(ctx context.Context, id string) (T, error) {
	var zero T

	fromVersion := int64(0)
	agg := r.factory(id)

	if r.snapshots != nil {
		snap, err := r.snapshots.LoadLatestSnapshot(ctx, id, r.aggregateType)
		if err != nil {
			return zero, fmt.Errorf("load latest snapshot: %w", err)
		}
		if snap != nil {
			restorable, ok := eventsourcing.Recorder(agg).(Snapshotable)
			if !ok {
				return zero, fmt.Errorf("aggregate type %s does not implement Snapshotable but a snapshot exists", r.aggregateType)
			}
			if err := restorable.UnmarshalSnapshotState(snap.Data); err != nil {
				return zero, fmt.Errorf("%w: restore snapshot state: %v", domain.ErrDeserialization, err)
			}
			agg.SetVersion(snap.Version)
			fromVersion = snap.Version + 1
		}
	}

	stream, err := r.events.LoadEventStream(ctx, id, r.aggregateType, fromVersion, -1)
	if err != nil {
		return zero, fmt.Errorf("load event stream: %w", err)
	}

	if stream.IsEmpty() && fromVersion == 0 {
		return zero, domain.ErrAggregateNotFound
	}

	if err := eventsourcing.LoadFromHistory(agg, stream.Envelopes); err != nil {
		return zero, err
	}

	return agg, nil
}

// Save persists an aggregate's uncommitted events, computing
// expectedVersion from the version the aggregate held before those
// events were recorded, and clears the uncommitted buffer on success.
func (r *BaseRepository[T]) Save(ctx context.Context, aggregate T) (*domain.EventStream, error) {
	uncommitted := aggregate.UncommittedEvents()
	if len(uncommitted) == 0 {
		return nil, nil
	}

	expectedVersion := aggregate.Version() - int64(len(uncommitted))

	stream, err := r.events.AppendEvents(ctx, aggregate.AggregateID(), r.aggregateType, uncommitted, expectedVersion)
	if err != nil {
		return nil, err
	}

	eventsourcing.MarkEventsAsCommitted(aggregate)
	r.maybeSnapshot(ctx, aggregate)
	return stream, nil
}

// maybeSnapshot checkpoints the aggregate after a successful save when
// the configured strategy says so. The events are already durable, so a
// failed or skipped snapshot only costs replay time on the next load,
// never correctness.
func (r *BaseRepository[T]) maybeSnapshot(ctx context.Context, aggregate T) {
	if r.strategy == nil || r.snapshots == nil {
		return
	}
	snapshotable, ok := eventsourcing.Recorder(aggregate).(Snapshotable)
	if !ok {
		return
	}

	currentVersion := aggregate.Version()
	if currentVersion < 1 {
		return
	}

	sinceLast := currentVersion + 1
	if latest, err := r.snapshots.LoadLatestSnapshot(ctx, aggregate.AggregateID(), r.aggregateType); err == nil && latest != nil {
		sinceLast = currentVersion - latest.Version
	}
	if !r.strategy.ShouldSnapshot(currentVersion, sinceLast) {
		return
	}

	data, err := snapshotable.MarshalSnapshotState()
	if err != nil {
		slog.WarnContext(ctx, "marshal snapshot state", "aggregateId", aggregate.AggregateID(), "error", err)
		return
	}
	err = r.snapshots.SaveSnapshot(ctx, r.aggregateType, &domain.Snapshot{
		AggregateID:   aggregate.AggregateID(),
		SnapshotType:  r.aggregateType,
		Version:       currentVersion,
		CreatedAt:     time.Now().UTC(),
		SchemaVersion: 1,
		SizeBytes:     int64(len(data)),
		Data:          data,
	})
	if err != nil {
		slog.WarnContext(ctx, "save snapshot", "aggregateId", aggregate.AggregateID(), "version", currentVersion, "error", err)
	}
}

// Exists reports whether the aggregate has any persisted events.
func (r *BaseRepository[T]) Exists(ctx context.Context, id string) (bool, error) {
	version, err := r.events.GetAggregateVersion(ctx, id, r.aggregateType)
	if err != nil {
		return false, fmt.Errorf("check aggregate existence: %w", err)
	}
	return version >= 0, nil
}

// RetryOnConflict reloads the aggregate and re-applies fn each time the
// store reports a ConcurrencyConflict, up to maxRetries attempts, with
// the same backoff schedule as pkg/txn's TransactionCoordinator:
// retryDelay doubles each attempt starting at 100ms.
func RetryOnConflict[T eventsourcing.Recorder](ctx context.Context, repo Repository[T], id string, maxRetries int, fn func(T) error) (*domain.EventStream, error) {
	delay := defaultRetryDelay
	for attempt := 0; ; attempt++ {
		agg, err := repo.Load(ctx, id)
		if err != nil {
			return nil, err
		}

		if err := fn(agg); err != nil {
			return nil, err
		}

		stream, err := repo.Save(ctx, agg)
		if err == nil {
			return stream, nil
		}

		var conflict *domain.ConcurrencyConflictError
		if !errors.As(err, &conflict) || attempt >= maxRetries {
			return nil, err
		}

		if err := sleepOrCancel(ctx, delay); err != nil {
			return nil, err
		}
		delay *= 2
	}
}
