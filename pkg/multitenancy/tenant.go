// Package multitenancy scopes the write path to a tenant using the
// shared-database strategy: every tenant's aggregates live in the one
// events table, distinguished by a `{tenantId}::{aggregateId}` composite
// aggregate id. The tenant rides on the context, is stamped onto the
// ambient logging context so events and outbox rows carry it, and is
// validated against every composite id before a save.
package multitenancy

import (
	"context"
	"fmt"
	"strings"
)

type tenantKey struct{}

// WithTenantID attaches tenantID to ctx for the duration of a request.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantKey{}, tenantID)
}

// GetTenantID returns the tenant carried on ctx, or an error when the
// request has no tenant. Tenant-scoped code paths treat the absence as
// a caller bug, never as "default tenant".
func GetTenantID(ctx context.Context) (string, error) {
	tenantID, ok := ctx.Value(tenantKey{}).(string)
	if !ok || tenantID == "" {
		return "", fmt.Errorf("no tenant id on context")
	}
	return tenantID, nil
}

// HasTenantID reports whether ctx carries a tenant.
func HasTenantID(ctx context.Context) bool {
	_, err := GetTenantID(ctx)
	return err == nil
}

// tenantSeparator splits the tenant prefix from the local aggregate id
// in a composite id. "::" cannot appear in ULID-based ids, so the split
// is unambiguous.
const tenantSeparator = "::"

// ComposeAggregateID prefixes aggregateID with tenantID. An empty
// tenant returns the id unchanged, so single-tenant deployments never
// see composite ids.
func ComposeAggregateID(tenantID, aggregateID string) string {
	if tenantID == "" {
		return aggregateID
	}
	return tenantID + tenantSeparator + aggregateID
}

// DecomposeAggregateID splits a composite id back into its tenant and
// local halves. An id without a tenant prefix decomposes to ("", id).
func DecomposeAggregateID(compositeID string) (tenantID, aggregateID string, err error) {
	before, after, found := strings.Cut(compositeID, tenantSeparator)
	if !found {
		return "", compositeID, nil
	}
	if before == "" || after == "" {
		return "", "", fmt.Errorf("malformed composite aggregate id %q", compositeID)
	}
	return before, after, nil
}

// ValidateTenantID fails when compositeID carries a tenant prefix other
// than expectedTenantID. Unprefixed ids pass: they predate (or opt out
// of) tenant scoping.
func ValidateTenantID(compositeID, expectedTenantID string) error {
	tenantID, _, err := DecomposeAggregateID(compositeID)
	if err != nil {
		return err
	}
	if tenantID != "" && tenantID != expectedTenantID {
		return fmt.Errorf("tenant mismatch: aggregate belongs to %s, request is for %s", tenantID, expectedTenantID)
	}
	return nil
}
