package eventsourcing

import (
	"fmt"
	"time"

	"github.com/ledgerforge/eventledger/pkg/domain"
)

// Recorder is the write-side capability a concrete aggregate must expose
// beyond domain.Aggregate so the replay engine can track uncommitted
// events and rehydrate version numbers. domain.AggregateRoot implements
// RecordEvent and SetVersion; embedding it is normally sufficient.
type Recorder interface {
	domain.Aggregate
	RecordEvent(domain.Event)
	SetVersion(int64)
}

// Clock is overridable in tests so event timestamps can be pinned.
var Clock = time.Now

// ApplyChange is the write-side half of the replay engine: it
// dispatches payload to the aggregate's own handler for pure state
// mutation, then records the resulting event as uncommitted and advances
// the version. Business validation must happen in the caller before
// ApplyChange is invoked — handlers themselves must never reject.
func ApplyChange(agg Recorder, eventType string, payload any, metadata domain.Metadata) error {
	if err := agg.ApplyEvent(payload); err != nil {
		return err
	}

	agg.RecordEvent(domain.Event{
		AggregateID:    agg.AggregateID(),
		EventType:      eventType,
		EventTimestamp: Clock(),
		SchemaVersion:  1,
		Metadata:       metadata,
		Payload:        payload,
	})
	return nil
}

// ApplyChangeWithConstraints is ApplyChange for events that also claim
// or release unique values (an account number, an email) atomically with
// persistence. The constraints ride on the recorded event and are
// validated by the store at append time.
func ApplyChangeWithConstraints(agg Recorder, eventType string, payload any, metadata domain.Metadata, constraints ...domain.UniqueConstraint) error {
	if err := agg.ApplyEvent(payload); err != nil {
		return err
	}

	agg.RecordEvent(domain.Event{
		AggregateID:       agg.AggregateID(),
		EventType:         eventType,
		EventTimestamp:    Clock(),
		SchemaVersion:     1,
		Metadata:          metadata,
		Payload:           payload,
		UniqueConstraints: constraints,
	})
	return nil
}

// ApplyChangeWithSchema is ApplyChange for payload types whose wire schema
// has evolved past version 1.
func ApplyChangeWithSchema(agg Recorder, eventType string, payload any, schemaVersion int, metadata domain.Metadata) error {
	if err := agg.ApplyEvent(payload); err != nil {
		return err
	}

	agg.RecordEvent(domain.Event{
		AggregateID:    agg.AggregateID(),
		EventType:      eventType,
		EventTimestamp: Clock(),
		SchemaVersion:  schemaVersion,
		Metadata:       metadata,
		Payload:        payload,
	})
	return nil
}

// LoadFromHistory rehydrates an aggregate by replaying an ordered sequence
// of stored envelopes without recording them as uncommitted. Every
// envelope must belong to the aggregate being loaded; a mismatch is
// a validation error, since it means the caller mixed up streams.
//
// A generic carrier envelope (codec could not decode its payload) aborts
// replay: the carrier is historical evidence that something happened, but
// it is never a valid source of truth for state reconstruction.
func LoadFromHistory(agg Recorder, envelopes []*domain.EventEnvelope) error {
	if len(envelopes) == 0 {
		return nil
	}

	for _, env := range envelopes {
		if env.AggregateID != agg.AggregateID() {
			return domain.NewValidationError("aggregateId",
				fmt.Sprintf("envelope %s belongs to aggregate %s, not %s", env.EventID, env.AggregateID, agg.AggregateID()))
		}
		if env.IsGeneric() {
			return fmt.Errorf("%w: cannot replay undecodable event %s (type %s) for aggregate %s",
				domain.ErrDeserialization, env.EventID, env.EventType, agg.AggregateID())
		}
		if err := agg.ApplyEvent(env.Payload); err != nil {
			return err
		}
	}

	agg.SetVersion(envelopes[len(envelopes)-1].AggregateVersion)
	return nil
}

// MarkEventsAsCommitted clears the uncommitted-event buffer. Callers must
// invoke this after a successful appendEvents; failing to do so would
// cause the next Save to re-append events already persisted.
func MarkEventsAsCommitted(agg domain.Aggregate) {
	agg.ClearUncommittedEvents()
}

// SnapshotFactory restores an aggregate's state fields (but not its
// version or uncommitted events, which FromSnapshot manages) from a
// decoded snapshot body.
type SnapshotFactory[T Recorder] func(aggregateID string, state any) (T, error)

// FromSnapshot restores an aggregate via factory, then sets its version
// from the snapshot and clears any uncommitted events, satisfying the
// contract that post-restore an aggregate looks exactly like one that
// replayed events [0..snapshot.version].
func FromSnapshot[T Recorder](factory SnapshotFactory[T], snapshot *domain.Snapshot, decodedState any) (T, error) {
	agg, err := factory(snapshot.AggregateID, decodedState)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("restore aggregate from snapshot: %w", err)
	}
	agg.SetVersion(snapshot.Version)
	agg.ClearUncommittedEvents()
	return agg, nil
}
