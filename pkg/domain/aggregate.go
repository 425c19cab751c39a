package domain

// Aggregate is the in-memory, polymorphic state container identified by
// (aggregateId, aggregateType). Concrete aggregates embed AggregateRoot
// and implement ApplyEvent to mutate their own typed fields; the replay
// engine in pkg/eventsourcing drives ApplyChange, LoadFromHistory, and
// MarkEventsAsCommitted against this interface.
type Aggregate interface {
	AggregateID() string
	AggregateType() string
	Version() int64
	Deleted() bool

	// ApplyEvent mutates the aggregate's own state fields in response to
	// one event. Handlers dispatched here must be pure state mutations:
	// no validation, no I/O, no business-rule errors.
	ApplyEvent(payload any) error

	UncommittedEvents() []Event
	ClearUncommittedEvents()
}

// AggregateRoot provides the bookkeeping every aggregate needs: identity,
// version tracking, and the uncommitted-event buffer. Embed it in concrete
// aggregate types and implement ApplyEvent over a handler table (see
// pkg/eventsourcing.HandlerTable).
type AggregateRoot struct {
	id                string
	aggregateType     string
	version           int64
	deleted           bool
	uncommittedEvents []Event
}

// NewAggregateRoot constructs the embeddable root for a new or
// about-to-be-loaded aggregate instance.
func NewAggregateRoot(id, aggregateType string) AggregateRoot {
	return AggregateRoot{id: id, aggregateType: aggregateType, version: -1}
}

func (a *AggregateRoot) AggregateID() string     { return a.id }
func (a *AggregateRoot) AggregateType() string   { return a.aggregateType }
func (a *AggregateRoot) Version() int64          { return a.version }
func (a *AggregateRoot) Deleted() bool           { return a.deleted }
func (a *AggregateRoot) UncommittedEvents() []Event {
	return a.uncommittedEvents
}

func (a *AggregateRoot) ClearUncommittedEvents() {
	a.uncommittedEvents = nil
}

// MarkDeleted flags the aggregate as logically deleted. Soft-deletion is a
// business decision expressed by an event handler, not by the replay
// engine itself.
func (a *AggregateRoot) MarkDeleted() {
	a.deleted = true
}

// SetVersion is used by the replay engine when rehydrating from a
// snapshot or historical events; business code should never call it.
func (a *AggregateRoot) SetVersion(v int64) {
	a.version = v
}

// SetID is used by fromSnapshot factories that construct the root before
// the concrete aggregate type is known to the caller.
func (a *AggregateRoot) SetID(id string) {
	a.id = id
}

// RecordEvent records one event and advances the version by one, as
// required by ApplyChange.
func (a *AggregateRoot) RecordEvent(e Event) {
	a.uncommittedEvents = append(a.uncommittedEvents, e)
	a.version++
}
