package multitenancy

import (
	"context"
	"fmt"

	"github.com/ledgerforge/eventledger/pkg/logctx"
	"github.com/ledgerforge/eventledger/pkg/middleware"
)

// IsolationMiddleware requires a tenant on ctx and stamps it onto the
// request's LoggingContext, so every event and outbox row written during
// the operation carries the tenant id. It stops the operation when the
// caller already set a conflicting tenant on the logging context.
// Compose it into a txn.TransactionCoordinator's chain ahead of the
// repository calls.
func IsolationMiddleware() middleware.Middleware {
	return func(next middleware.Operation) middleware.Operation {
		return func(ctx context.Context) error {
			tenantID, err := GetTenantID(ctx)
			if err != nil {
				return fmt.Errorf("tenant isolation: %w", err)
			}

			lc := logctx.FromContext(ctx)
			if lc.TenantID != "" && lc.TenantID != tenantID {
				return fmt.Errorf("tenant isolation: logging context tenant (%s) doesn't match ambient tenant (%s)", lc.TenantID, tenantID)
			}
			lc.TenantID = tenantID

			return next(logctx.WithContext(ctx, lc))
		}
	}
}

// ExtractionMiddleware back-fills the ambient tenant when ctx lacks one:
// first from the LoggingContext, then from extractor (a session or
// header lookup supplied by the caller).
func ExtractionMiddleware(extractor func(ctx context.Context) (string, error)) middleware.Middleware {
	return func(next middleware.Operation) middleware.Operation {
		return func(ctx context.Context) error {
			if HasTenantID(ctx) {
				return next(ctx)
			}
			if lc := logctx.FromContext(ctx); lc.TenantID != "" {
				return next(WithTenantID(ctx, lc.TenantID))
			}
			if extractor == nil {
				return fmt.Errorf("no tenant id on context and no extractor configured")
			}
			tenantID, err := extractor(ctx)
			if err != nil {
				return fmt.Errorf("tenant extraction: %w", err)
			}
			return next(WithTenantID(ctx, tenantID))
		}
	}
}

// Authorizer checks whether a principal may act within a tenant. It is
// the tenant-membership counterpart of middleware.Authorizer's
// role-per-operation check; a write path needing both chains both.
type Authorizer interface {
	Authorize(ctx context.Context, principalID, tenantID string) error
}

// AuthorizationMiddleware rejects the operation unless the principal in
// the LoggingContext's UserID is authorized for the ambient tenant.
func AuthorizationMiddleware(authorizer Authorizer) middleware.Middleware {
	return func(next middleware.Operation) middleware.Operation {
		return func(ctx context.Context) error {
			tenantID, err := GetTenantID(ctx)
			if err != nil {
				return err
			}
			principalID := logctx.FromContext(ctx).UserID
			if err := authorizer.Authorize(ctx, principalID, tenantID); err != nil {
				return fmt.Errorf("tenant authorization: %w", err)
			}
			return next(ctx)
		}
	}
}
