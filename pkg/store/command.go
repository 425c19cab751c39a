package store

import (
	"context"
	"fmt"
	"time"

	"github.com/ledgerforge/eventledger/pkg/domain"
	"github.com/ledgerforge/eventledger/pkg/eventsourcing"
)

// CommandStore is the optional command-level idempotency capability an
// EventStore implementation may offer. It is a separate interface
// rather than part of EventStore so in-memory fakes and backends
// without a processed-command table remain valid EventStores.
type CommandStore interface {
	// AppendEventsIdempotent is AppendEvents deduplicated by commandID:
	// a command id seen within ttl returns the original result with
	// AlreadyProcessed set and writes nothing.
	AppendEventsIdempotent(ctx context.Context, aggregateID, aggregateType string, events []domain.Event, expectedVersion int64, commandID string, ttl time.Duration) (*domain.CommandResult, error)

	// GetCommandResult returns the result of a previously processed
	// command, or nil if the command id is unknown or expired.
	GetCommandResult(ctx context.Context, commandID string) (*domain.CommandResult, error)

	// CleanExpiredCommands removes command records whose TTL elapsed,
	// returning the count removed.
	CleanExpiredCommands(ctx context.Context) (int64, error)
}

// ConstraintStore is the optional unique-constraint capability an
// EventStore implementation may offer alongside the per-event
// UniqueConstraints it applies at append time.
type ConstraintStore interface {
	// CheckUniqueness reports whether value is available for claiming
	// under indexName, and if not, which aggregate owns it.
	CheckUniqueness(ctx context.Context, indexName, value string) (available bool, ownerID string, err error)

	// GetConstraintOwner returns the aggregate id owning value under
	// indexName, or "" if unclaimed.
	GetConstraintOwner(ctx context.Context, indexName, value string) (string, error)

	// RebuildConstraints reconstructs the constraint index from the
	// event log, for recovery after index corruption or a schema
	// migration.
	RebuildConstraints(ctx context.Context) error
}

// SaveWithCommand persists an aggregate's uncommitted events with
// command-level idempotency: retrying the same commandID (within the
// store's TTL) returns the original result instead of double-appending.
// Requires the repository's EventStore to implement CommandStore.
func (r *BaseRepository[T]) SaveWithCommand(ctx context.Context, aggregate T, commandID string) (*domain.CommandResult, error) {
	commands, ok := r.events.(CommandStore)
	if !ok {
		return nil, fmt.Errorf("%w: event store does not support command idempotency", domain.ErrValidation)
	}

	uncommitted := aggregate.UncommittedEvents()
	if len(uncommitted) == 0 {
		return &domain.CommandResult{CommandID: commandID}, nil
	}

	expectedVersion := aggregate.Version() - int64(len(uncommitted))

	result, err := commands.AppendEventsIdempotent(ctx, aggregate.AggregateID(), r.aggregateType, uncommitted, expectedVersion, commandID, 0)
	if err != nil {
		return nil, err
	}

	eventsourcing.MarkEventsAsCommitted(aggregate)
	return result, nil
}
