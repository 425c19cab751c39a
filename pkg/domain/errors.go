package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors forming the write path's error taxonomy. Callers
// should test with errors.Is; the concurrency conflict and validation
// kinds also carry structured fields via errors.As.
var (
	// ErrValidation marks input-shape failures: null/empty fields, negative
	// versions, mismatched aggregate ids. Never retriable.
	ErrValidation = errors.New("validation error")

	// ErrConcurrencyConflict marks an optimistic-concurrency failure.
	// Retriable: the caller may reload the aggregate and reapply its
	// business logic.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrSerialization marks a codec encode failure. Fatal for the one
	// write that triggered it.
	ErrSerialization = errors.New("serialization error")

	// ErrDeserialization marks a codec decode failure on a historical row.
	// Event store load paths recover by returning a GenericEventCarrier
	// instead; eventsourcing.LoadFromHistory returns it when asked to
	// replay such a carrier.
	ErrDeserialization = errors.New("deserialization error")

	// ErrStorage marks I/O, timeout, or non-version constraint failures.
	ErrStorage = errors.New("storage error")

	// ErrHandlerMissing marks a replay that encountered an event type with
	// no registered handler. Fatal on load; signals a schema bug.
	ErrHandlerMissing = errors.New("handler missing")

	// ErrAggregateNotFound is returned when no events exist for an
	// aggregate and the caller required one to exist.
	ErrAggregateNotFound = errors.New("aggregate not found")

	// ErrPublication marks an outbox publish failure. Never surfaced to the
	// append caller; contained within the outbox's own retry/dead-letter
	// state machine.
	ErrPublication = errors.New("publication failure")
)

// ConcurrencyConflictError reports the expected and actual aggregate
// versions observed at the time of an appendEvents call.
type ConcurrencyConflictError struct {
	AggregateID   string
	AggregateType string
	Expected      int64
	Actual        int64
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf(
		"concurrency conflict on aggregate %s (%s): expected version %d, actual %d",
		e.AggregateID, e.AggregateType, e.Expected, e.Actual,
	)
}

func (e *ConcurrencyConflictError) Is(target error) bool {
	return target == ErrConcurrencyConflict
}

// NewConcurrencyConflictError builds the structured conflict error.
func NewConcurrencyConflictError(aggregateID, aggregateType string, expected, actual int64) error {
	return &ConcurrencyConflictError{
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		Expected:      expected,
		Actual:        actual,
	}
}

// ValidationFieldError names the offending field alongside the generic
// validation error so callers can report actionable messages.
type ValidationFieldError struct {
	Field  string
	Reason string
}

func (e *ValidationFieldError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Reason)
}

func (e *ValidationFieldError) Is(target error) bool {
	return target == ErrValidation
}

// NewValidationError builds a field-scoped validation error.
func NewValidationError(field, reason string) error {
	return &ValidationFieldError{Field: field, Reason: reason}
}

// HandlerMissingError names the event/aggregate type pair that replay could
// not dispatch.
type HandlerMissingError struct {
	EventType     string
	AggregateType string
}

func (e *HandlerMissingError) Error() string {
	return fmt.Sprintf("no handler registered for event %q on aggregate type %q", e.EventType, e.AggregateType)
}

func (e *HandlerMissingError) Is(target error) bool {
	return target == ErrHandlerMissing
}

// NewHandlerMissingError builds the structured handler-missing error.
func NewHandlerMissingError(eventType, aggregateType string) error {
	return &HandlerMissingError{EventType: eventType, AggregateType: aggregateType}
}
