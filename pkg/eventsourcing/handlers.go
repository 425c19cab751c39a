// Package eventsourcing implements the aggregate replay engine:
// deterministic state reconstruction from an ordered event sequence or
// from a snapshot, plus the uncommitted-event bookkeeping that
// appendEvents consumes.
package eventsourcing

import (
	"reflect"

	"github.com/ledgerforge/eventledger/pkg/domain"
)

// HandlerTable is an explicit {eventConcreteType -> handler} dispatch
// map: a static registration table rather than reflective method
// lookup. Concrete aggregate types build one at package init time and
// drive ApplyEvent from it.
type HandlerTable[T any] struct {
	aggregateType string
	handlers      map[reflect.Type]func(state T, payload any) error
}

// NewHandlerTable creates an empty table for aggregateType, used in
// HandlerMissing error messages.
func NewHandlerTable[T any](aggregateType string) *HandlerTable[T] {
	return &HandlerTable[T]{
		aggregateType: aggregateType,
		handlers:      make(map[reflect.Type]func(state T, payload any) error),
	}
}

// On registers a pure state-mutation handler for event payload type P.
// Handlers registered this way must not validate or perform I/O — those
// concerns belong in the command methods that call ApplyChange.
func On[T any, P any](table *HandlerTable[T], handler func(state T, event *P) error) {
	var zero *P
	table.handlers[reflect.TypeOf(zero)] = func(state T, payload any) error {
		event, ok := payload.(*P)
		if !ok {
			return domain.NewHandlerMissingError(reflect.TypeOf(payload).String(), table.aggregateType)
		}
		return handler(state, event)
	}
}

// Dispatch routes payload to its registered handler. Returns
// domain.ErrHandlerMissing if no handler was registered for payload's
// concrete type — a fatal condition during replay, because it signals
// a schema bug rather than a business rejection.
func (t *HandlerTable[T]) Dispatch(state T, payload any) error {
	handler, ok := t.handlers[reflect.TypeOf(payload)]
	if !ok {
		return domain.NewHandlerMissingError(reflect.TypeOf(payload).String(), t.aggregateType)
	}
	return handler(state, payload)
}
