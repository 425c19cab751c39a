package txn

import (
	"context"

	"github.com/jackc/pgx/v5"
)

type contextKey struct{ name string }

var (
	txKey            = &contextKey{"txn.tx"}
	publishEventsKey = &contextKey{"txn.publishEvents"}
)

// FromContext returns the ambient transaction carried on ctx, if any.
// Repositories and stores call this instead of taking a *pgx.Tx
// parameter so the same code path works whether or not it runs under
// a TransactionCoordinator.
func FromContext(ctx context.Context) (pgx.Tx, bool) {
	tx, ok := ctx.Value(txKey).(pgx.Tx)
	return tx, ok
}

func withTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, txKey, tx)
}

// withoutTx strips any ambient transaction, used by NEVER, NOT_SUPPORTED
// and SUPPORTS (without a parent tx) so nested code never sees a
// suspended parent tx.
func withoutTx(ctx context.Context) context.Context {
	return context.WithValue(ctx, txKey, nil)
}

// ShouldPublishEvents reports whether the coordinator running the
// current transaction was configured with publishEvents=true (the
// default). Outbox-enqueueing code paths call this to decide whether
// to insert an outbox row alongside the event row.
func ShouldPublishEvents(ctx context.Context) bool {
	v, ok := ctx.Value(publishEventsKey).(bool)
	if !ok {
		return true
	}
	return v
}

func withPublishEvents(ctx context.Context, publish bool) context.Context {
	return context.WithValue(ctx, publishEventsKey, publish)
}
