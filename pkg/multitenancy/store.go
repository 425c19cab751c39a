package multitenancy

import (
	"context"
	"fmt"

	"github.com/ledgerforge/eventledger/pkg/domain"
	"github.com/ledgerforge/eventledger/pkg/eventsourcing"
	"github.com/ledgerforge/eventledger/pkg/logctx"
	"github.com/ledgerforge/eventledger/pkg/store"
)

// TenantScopedRepository wraps a store.Repository[T] so callers work
// with plain local aggregate ids while the underlying store only ever
// sees tenant-composed ones. On every call it also stamps the ambient
// LoggingContext with the tenant, which is how the tenant id reaches
// the events and event_outbox rows the store writes.
type TenantScopedRepository[T eventsourcing.Recorder] struct {
	inner store.Repository[T]
}

// NewTenantScopedRepository adapts an existing repository to require a
// tenant id on every call's context.
func NewTenantScopedRepository[T eventsourcing.Recorder](inner store.Repository[T]) *TenantScopedRepository[T] {
	return &TenantScopedRepository[T]{inner: inner}
}

// scope resolves the request's tenant and returns a context whose
// LoggingContext carries it.
func (r *TenantScopedRepository[T]) scope(ctx context.Context) (context.Context, string, error) {
	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return ctx, "", err
	}
	lc := logctx.FromContext(ctx)
	lc.TenantID = tenantID
	return logctx.WithContext(ctx, lc), tenantID, nil
}

func (r *TenantScopedRepository[T]) Load(ctx context.Context, id string) (T, error) {
	ctx, tenantID, err := r.scope(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	return r.inner.Load(ctx, ComposeAggregateID(tenantID, id))
}

func (r *TenantScopedRepository[T]) Save(ctx context.Context, aggregate T) (*domain.EventStream, error) {
	ctx, tenantID, err := r.scope(ctx)
	if err != nil {
		return nil, err
	}
	if err := ValidateTenantID(aggregate.AggregateID(), tenantID); err != nil {
		return nil, fmt.Errorf("tenant isolation: %w", err)
	}
	return r.inner.Save(ctx, aggregate)
}

func (r *TenantScopedRepository[T]) Exists(ctx context.Context, id string) (bool, error) {
	ctx, tenantID, err := r.scope(ctx)
	if err != nil {
		return false, err
	}
	return r.inner.Exists(ctx, ComposeAggregateID(tenantID, id))
}

var _ store.Repository[eventsourcing.Recorder] = (*TenantScopedRepository[eventsourcing.Recorder])(nil)
