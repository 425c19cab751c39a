// Package middleware provides logging/recovery/tracing/authorization/
// validation decorators around the write operations a
// txn.TransactionCoordinator runs. A coordinator built with
// NewTransactionCoordinator(pool, middlewares...) runs every Execute
// call through the chain; pkg/multitenancy contributes tenant-scoped
// middlewares over the same Operation type.
package middleware

import "context"

// Operation is one context-scoped unit of work, the shape
// txn.TransactionCoordinator.Execute takes.
type Operation func(ctx context.Context) error

// Middleware wraps an Operation with additional behavior.
type Middleware func(next Operation) Operation

// Chain composes middlewares around op in the order given: the first
// middleware wraps (and runs outermost around) the rest.
func Chain(op Operation, middlewares ...Middleware) Operation {
	for i := len(middlewares) - 1; i >= 0; i-- {
		op = middlewares[i](op)
	}
	return op
}
