package domain

import "time"

// Event is a domain fact: an immutable record of something that happened to
// an aggregate, before it has been assigned storage coordinates.
type Event struct {
	// AggregateID identifies the aggregate this event belongs to.
	AggregateID string

	// EventType is a stable, dotted name such as "account.opened".
	EventType string

	// EventTimestamp is business time: when the fact occurred, as opposed
	// to when it was persisted.
	EventTimestamp time.Time

	// SchemaVersion lets consumers upcast old payload shapes. Starts at 1.
	SchemaVersion int

	// Metadata carries correlation/causation/tenant identifiers and
	// application-specific entries, in insertion order.
	Metadata Metadata

	// Payload is the domain-specific event body. It is opaque to the
	// event store; only the codec and the aggregate's handlers interpret
	// it.
	Payload any

	// UniqueConstraints are claimed or released atomically with this
	// event, against a dedicated constraint index.
	UniqueConstraints []UniqueConstraint
}

// UniqueConstraint represents a uniqueness claim or release on a value,
// validated atomically with event persistence.
type UniqueConstraint struct {
	IndexName string              `json:"indexName"`
	Value     string              `json:"value"`
	Operation ConstraintOperation `json:"operation"`
}

// ConstraintOperation selects whether a UniqueConstraint claims or
// releases its value.
type ConstraintOperation string

const (
	ConstraintClaim   ConstraintOperation = "claim"
	ConstraintRelease ConstraintOperation = "release"
)

// EventEnvelope wraps one Event with its storage coordinates once it has
// been appended.
type EventEnvelope struct {
	EventID          string
	AggregateID      string
	AggregateType    string
	AggregateVersion int64
	GlobalSequence   int64
	EventType        string
	EventTimestamp   time.Time
	CreatedAt        time.Time
	SchemaVersion    int
	Metadata         Metadata
	Checksum         string

	// Payload is the decoded event body, or nil if decoding failed and
	// Carrier is populated instead.
	Payload any

	// Carrier is populated instead of Payload when the codec could not
	// decode this row's payload against the current binary's schema.
	Carrier *GenericEventCarrier
}

// IsGeneric reports whether this envelope fell back to the generic
// carrier on load.
func (e *EventEnvelope) IsGeneric() bool {
	return e.Carrier != nil
}

// GenericEventCarrier is returned from load paths when an event's payload
// cannot be decoded against the registered codec for its EventType — for
// example because the type was retired or belongs to a newer schema
// version than the running binary knows about. It is never used as the
// source of truth for state reconstruction: eventsourcing.LoadFromHistory
// stops at a carrier envelope and returns ErrDeserialization.
type GenericEventCarrier struct {
	EventType      string
	RawPayload     string
	AggregateID    string
	EventTimestamp time.Time
	Metadata       Metadata
	DecodeErr      error
}

// EventStream is a contiguous, version-ordered sequence of envelopes for a
// single (aggregateId, aggregateType) pair.
type EventStream struct {
	AggregateID   string
	AggregateType string
	Envelopes     []*EventEnvelope

	// FromVersion and CurrentVersion bound the stream. For an unfiltered
	// load these are 0 and the highest persisted version; for a filtered
	// range (loadEventStream with fromVersion/toVersion) they reflect the
	// requested range.
	FromVersion    int64
	CurrentVersion int64
}

// IsEmpty reports whether the stream has no envelopes — the contract for
// a missing aggregate.
func (s *EventStream) IsEmpty() bool {
	return s == nil || len(s.Envelopes) == 0
}
