package middleware

import (
	"context"
	"fmt"

	"github.com/ledgerforge/eventledger/pkg/logctx"
)

// RequireContextMiddleware rejects operations whose ambient
// LoggingContext is missing the identifiers every write path requires:
// an operation name to log and trace under, and a correlation id to tie
// the write back to its caller. Running it first in the chain keeps
// anonymous writes out of the store.
func RequireContextMiddleware() Middleware {
	return func(next Operation) Operation {
		return func(ctx context.Context) error {
			lc := logctx.FromContext(ctx)
			if lc.Operation == "" {
				return fmt.Errorf("validation failed: operation name is required")
			}
			if lc.CorrelationID == "" {
				return fmt.Errorf("validation failed: correlationId is required")
			}
			return next(ctx)
		}
	}
}
