package middleware

import (
	"context"
	"fmt"

	"github.com/ledgerforge/eventledger/pkg/logctx"
)

// Authorizer checks whether a principal may run the named operation.
// Distinct from multitenancy.Authorizer: this one is tenant-agnostic
// role/operation authorization, meant to run alongside (not instead of)
// multitenancy's tenant-membership check — chain both when a write path
// needs role enforcement inside a tenant boundary.
type Authorizer interface {
	Authorize(ctx context.Context, principalID, operation string) error
}

// AuthorizationMiddleware enforces authorization before the wrapped
// operation runs, using the principal and operation name carried on the
// ambient LoggingContext.
func AuthorizationMiddleware(authorizer Authorizer) Middleware {
	return func(next Operation) Operation {
		return func(ctx context.Context) error {
			lc := logctx.FromContext(ctx)
			if err := authorizer.Authorize(ctx, lc.UserID, lc.Operation); err != nil {
				return fmt.Errorf("authorization failed: %w", err)
			}
			return next(ctx)
		}
	}
}

// RoleBasedAuthorizer grants access when the principal holds one of the
// roles an operation requires; operations with no configured roles are
// unrestricted.
type RoleBasedAuthorizer struct {
	operationRoles map[string][]string
	principalRoles func(ctx context.Context, principalID string) ([]string, error)
}

func NewRoleBasedAuthorizer(
	operationRoles map[string][]string,
	principalRoles func(ctx context.Context, principalID string) ([]string, error),
) *RoleBasedAuthorizer {
	return &RoleBasedAuthorizer{
		operationRoles: operationRoles,
		principalRoles: principalRoles,
	}
}

func (a *RoleBasedAuthorizer) Authorize(ctx context.Context, principalID, operation string) error {
	requiredRoles, exists := a.operationRoles[operation]
	if !exists || len(requiredRoles) == 0 {
		return nil
	}

	principalRolesList, err := a.principalRoles(ctx, principalID)
	if err != nil {
		return fmt.Errorf("failed to get principal roles: %w", err)
	}

	held := make(map[string]bool, len(principalRolesList))
	for _, role := range principalRolesList {
		held[role] = true
	}

	for _, required := range requiredRoles {
		if held[required] {
			return nil
		}
	}

	return fmt.Errorf("principal %s lacks required role for operation %s (required: %v)", principalID, operation, requiredRoles)
}
