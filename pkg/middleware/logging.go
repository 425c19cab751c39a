package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/ledgerforge/eventledger/pkg/logctx"
)

// LoggingMiddleware logs one operation's execution with timing
// information, pulling correlation/operation identifiers from the
// ambient LoggingContext.
func LoggingMiddleware(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next Operation) Operation {
		return func(ctx context.Context) error {
			start := time.Now()
			lc := logctx.FromContext(ctx)

			logger.InfoContext(ctx, "executing operation",
				slog.String("operation", lc.Operation),
				slog.String("correlationId", lc.CorrelationID),
				slog.String("aggregateId", lc.AggregateID),
			)

			err := next(ctx)
			duration := time.Since(start)

			if err != nil {
				logger.ErrorContext(ctx, "operation failed",
					slog.String("operation", lc.Operation),
					slog.String("correlationId", lc.CorrelationID),
					slog.Int64("durationMs", duration.Milliseconds()),
					slog.String("error", err.Error()),
				)
				return err
			}

			logger.InfoContext(ctx, "operation executed",
				slog.String("operation", lc.Operation),
				slog.String("correlationId", lc.CorrelationID),
				slog.Int64("durationMs", duration.Milliseconds()),
			)
			return nil
		}
	}
}
