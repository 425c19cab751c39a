package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/ledgerforge/eventledger/pkg/logctx"
)

// RecoveryMiddleware recovers from panics in the wrapped operation,
// converting them to errors so a single bad aggregate or handler can't
// take down the process running it.
func RecoveryMiddleware(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next Operation) Operation {
		return func(ctx context.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					lc := logctx.FromContext(ctx)
					logger.ErrorContext(ctx, "operation panicked",
						slog.String("operation", lc.Operation),
						slog.String("aggregateId", lc.AggregateID),
						slog.Any("panic", r),
						slog.String("stackTrace", string(debug.Stack())),
					)
					err = fmt.Errorf("operation panicked: %v", r)
				}
			}()
			return next(ctx)
		}
	}
}
