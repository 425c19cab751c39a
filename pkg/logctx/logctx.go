// Package logctx propagates a per-request LoggingContext bag: a
// mutable set of tagged strings carried across asynchronous
// boundaries, used both to enrich structured logs and to stamp
// events/outbox entries at write time.
//
// Built on the same typed-context-key pattern as tenant propagation
// (WithTenantID/GetTenantID), generalized from a single tenant key to
// an open tag set.
package logctx

import (
	"context"
	"time"

	"github.com/ledgerforge/eventledger/pkg/domain"
)

type contextKey struct{}

// LoggingContext is the mutable bag of correlation identifiers carried
// through one request's call chain.
type LoggingContext struct {
	CorrelationID  string
	CausationID    string
	AggregateID    string
	AggregateType  string
	EventType      string
	TenantID       string
	UserID         string
	Operation      string
	Version        int64
	GlobalSequence int64
	OutboxID       string
	Status         string
	RetryCount     int
	Priority       int
	Destination    string
	Duration       time.Duration
}

// New creates an empty LoggingContext, normally populated at request
// entry with at least a CorrelationID.
func New() *LoggingContext {
	return &LoggingContext{}
}

// WithContext attaches lc to ctx, returning the derived context. Callers
// at an asynchronous boundary (goroutine handoff, outbox dispatch) must
// re-attach the bag explicitly — it does not cross channels on its own.
func WithContext(ctx context.Context, lc *LoggingContext) context.Context {
	return context.WithValue(ctx, contextKey{}, lc)
}

// FromContext returns the LoggingContext attached to ctx, or a fresh
// empty one if none was attached — write paths must never fail merely
// because a caller forgot to set one up.
func FromContext(ctx context.Context) *LoggingContext {
	if lc, ok := ctx.Value(contextKey{}).(*LoggingContext); ok && lc != nil {
		return lc
	}
	return New()
}

// Metadata projects the correlation/causation/tenant/user identifiers
// onto a domain.Metadata, for stamping onto events and outbox entries at
// write time.
func (lc *LoggingContext) Metadata() domain.Metadata {
	m := domain.NewMetadata()
	if lc.CorrelationID != "" {
		m.Set(domain.MetaCorrelationID, lc.CorrelationID)
	}
	if lc.CausationID != "" {
		m.Set(domain.MetaCausationID, lc.CausationID)
	}
	if lc.TenantID != "" {
		m.Set(domain.MetaTenantID, lc.TenantID)
	}
	if lc.UserID != "" {
		m.Set(domain.MetaUserID, lc.UserID)
	}
	return m
}
