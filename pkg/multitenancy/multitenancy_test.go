package multitenancy_test

import (
	"context"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/ledgerforge/eventledger/internal/bankaccount"
	"github.com/ledgerforge/eventledger/pkg/domain"
	"github.com/ledgerforge/eventledger/pkg/idgen"
	"github.com/ledgerforge/eventledger/pkg/logctx"
	"github.com/ledgerforge/eventledger/pkg/middleware"
	"github.com/ledgerforge/eventledger/pkg/multitenancy"
	"github.com/ledgerforge/eventledger/pkg/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// memoryEventStore is the same minimal in-process store.EventStore used
// by internal/bankaccount's own tests, duplicated here so this package's
// tests don't reach into an internal package's test file.
type memoryEventStore struct {
	mu       sync.Mutex
	byStream map[string][]*domain.EventEnvelope
	global   int64
}

func newMemoryEventStore() *memoryEventStore {
	return &memoryEventStore{byStream: make(map[string][]*domain.EventEnvelope)}
}

func streamKey(aggregateID, aggregateType string) string { return aggregateType + "/" + aggregateID }

func (s *memoryEventStore) AppendEvents(ctx context.Context, aggregateID, aggregateType string, events []domain.Event, expectedVersion int64, opts ...store.AppendOption) (*domain.EventStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := streamKey(aggregateID, aggregateType)
	existing := s.byStream[key]
	actual := int64(-1)
	if len(existing) > 0 {
		actual = existing[len(existing)-1].AggregateVersion
	}
	if actual != expectedVersion {
		return nil, domain.NewConcurrencyConflictError(aggregateID, aggregateType, expectedVersion, actual)
	}

	version := expectedVersion
	for _, e := range events {
		version++
		s.global++
		existing = append(existing, &domain.EventEnvelope{
			EventID:          idgen.NewULID(),
			AggregateID:      aggregateID,
			AggregateType:    aggregateType,
			AggregateVersion: version,
			GlobalSequence:   s.global,
			EventType:        e.EventType,
			EventTimestamp:   e.EventTimestamp,
			CreatedAt:        time.Now(),
			SchemaVersion:    e.SchemaVersion,
			Metadata:         e.Metadata,
			Payload:          e.Payload,
		})
	}
	s.byStream[key] = existing

	return &domain.EventStream{
		AggregateID:    aggregateID,
		AggregateType:  aggregateType,
		Envelopes:      existing,
		FromVersion:    0,
		CurrentVersion: version,
	}, nil
}

func (s *memoryEventStore) LoadEventStream(ctx context.Context, aggregateID, aggregateType string, fromVersion, toVersion int64) (*domain.EventStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var envelopes []*domain.EventEnvelope
	current := int64(-1)
	for _, e := range s.byStream[streamKey(aggregateID, aggregateType)] {
		if e.AggregateVersion > current {
			current = e.AggregateVersion
		}
		if e.AggregateVersion < fromVersion {
			continue
		}
		if toVersion >= 0 && e.AggregateVersion > toVersion {
			continue
		}
		envelopes = append(envelopes, e)
	}

	return &domain.EventStream{
		AggregateID:    aggregateID,
		AggregateType:  aggregateType,
		Envelopes:      envelopes,
		FromVersion:    fromVersion,
		CurrentVersion: current,
	}, nil
}

func (s *memoryEventStore) GetAggregateVersion(ctx context.Context, aggregateID, aggregateType string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	envelopes := s.byStream[streamKey(aggregateID, aggregateType)]
	if len(envelopes) == 0 {
		return -1, nil
	}
	return envelopes[len(envelopes)-1].AggregateVersion, nil
}

func (s *memoryEventStore) StreamAllEvents(ctx context.Context, fromGlobalSequence int64) iter.Seq2[*domain.EventEnvelope, error] {
	return func(yield func(*domain.EventEnvelope, error) bool) {
		s.mu.Lock()
		var all []*domain.EventEnvelope
		for _, envs := range s.byStream {
			all = append(all, envs...)
		}
		s.mu.Unlock()
		for _, e := range all {
			if e.GlobalSequence <= fromGlobalSequence {
				continue
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

func (s *memoryEventStore) StreamEventsByType(ctx context.Context, fromGlobalSequence int64, eventTypes []string) iter.Seq2[*domain.EventEnvelope, error] {
	return s.StreamAllEvents(ctx, fromGlobalSequence)
}

func (s *memoryEventStore) StreamEventsByAggregateType(ctx context.Context, fromGlobalSequence int64, aggregateTypes []string) iter.Seq2[*domain.EventEnvelope, error] {
	return s.StreamAllEvents(ctx, fromGlobalSequence)
}

func (s *memoryEventStore) StreamEventsByTimeRange(ctx context.Context, from, to time.Time) iter.Seq2[*domain.EventEnvelope, error] {
	return func(yield func(*domain.EventEnvelope, error) bool) {
		s.mu.Lock()
		var all []*domain.EventEnvelope
		for _, envs := range s.byStream {
			all = append(all, envs...)
		}
		s.mu.Unlock()
		for _, e := range all {
			if e.EventTimestamp.Before(from) || e.EventTimestamp.After(to) {
				continue
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

func (s *memoryEventStore) GetCurrentGlobalSequence(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.global, nil
}

func (s *memoryEventStore) IsHealthy(ctx context.Context) bool { return true }

func (s *memoryEventStore) GetStatistics(ctx context.Context) (*store.EventStoreStatistics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := &store.EventStoreStatistics{CurrentGlobalSequence: s.global, EventsByType: make(map[string]int64)}
	for _, envs := range s.byStream {
		stats.TotalAggregates++
		for _, e := range envs {
			stats.TotalEvents++
			stats.EventsByType[e.EventType]++
		}
	}
	return stats, nil
}

func (s *memoryEventStore) Close() error { return nil }

var _ store.EventStore = (*memoryEventStore)(nil)

func usd(amount string) decimal.Decimal { return decimal.RequireFromString(amount) }

// Two tenants opening an account with the same local ID land on distinct
// composite aggregate IDs in the shared event stream, and each tenant's
// context can only load or save its own.
func TestTenantScopedRepositorySharedStreamIsolation(t *testing.T) {
	events := newMemoryEventStore()
	repo := multitenancy.NewTenantScopedRepository[*bankaccount.Account](bankaccount.NewRepository(events, nil))

	tenantACtx := multitenancy.WithTenantID(context.Background(), "tenant-a")
	tenantBCtx := multitenancy.WithTenantID(context.Background(), "tenant-b")

	accA := bankaccount.NewAccount(multitenancy.ComposeAggregateID("tenant-a", "acc-001"))
	require.NoError(t, accA.Open(accA.AggregateID(), bankaccount.Checking, "Alice", usd("1000.00"), "USD", domain.NewMetadata()))
	_, err := repo.Save(tenantACtx, accA)
	require.NoError(t, err)

	accB := bankaccount.NewAccount(multitenancy.ComposeAggregateID("tenant-b", "acc-001"))
	require.NoError(t, accB.Open(accB.AggregateID(), bankaccount.Checking, "Bob", usd("2000.00"), "USD", domain.NewMetadata()))
	_, err = repo.Save(tenantBCtx, accB)
	require.NoError(t, err)

	loadedA, err := repo.Load(tenantACtx, "acc-001")
	require.NoError(t, err)
	require.True(t, usd("1000.00").Equal(loadedA.Balance()))
	require.Equal(t, "tenant-a::acc-001", loadedA.AggregateID())

	loadedB, err := repo.Load(tenantBCtx, "acc-001")
	require.NoError(t, err)
	require.True(t, usd("2000.00").Equal(loadedB.Balance()))
	require.Equal(t, "tenant-b::acc-001", loadedB.AggregateID())

	// Tenant A cannot save an aggregate whose composite ID belongs to
	// tenant B.
	_, err = repo.Save(tenantACtx, accB)
	require.Error(t, err)
}

func TestComposeDecomposeAggregateID(t *testing.T) {
	tests := []struct {
		name        string
		tenantID    string
		aggregateID string
		compositeID string
	}{
		{
			name:        "simple tenant and aggregate",
			tenantID:    "tenant-a",
			aggregateID: "acc-123",
			compositeID: "tenant-a::acc-123",
		},
		{
			name:        "uuid-style ids",
			tenantID:    "550e8400-e29b-41d4-a716-446655440000",
			aggregateID: "123e4567-e89b-12d3-a456-426614174000",
			compositeID: "550e8400-e29b-41d4-a716-446655440000::123e4567-e89b-12d3-a456-426614174000",
		},
		{
			name:        "empty tenant id",
			tenantID:    "",
			aggregateID: "acc-123",
			compositeID: "acc-123",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			compositeID := multitenancy.ComposeAggregateID(tt.tenantID, tt.aggregateID)
			require.Equal(t, tt.compositeID, compositeID)

			tenantID, aggregateID, err := multitenancy.DecomposeAggregateID(compositeID)
			require.NoError(t, err)
			require.Equal(t, tt.tenantID, tenantID)
			require.Equal(t, tt.aggregateID, aggregateID)
		})
	}
}

func TestValidateTenantID(t *testing.T) {
	tests := []struct {
		name           string
		compositeID    string
		expectedTenant string
		wantErr        bool
	}{
		{name: "matching tenant", compositeID: "tenant-a::acc-123", expectedTenant: "tenant-a", wantErr: false},
		{name: "mismatched tenant", compositeID: "tenant-b::acc-123", expectedTenant: "tenant-a", wantErr: true},
		{name: "no tenant prefix allowed in single-tenant mode", compositeID: "acc-123", expectedTenant: "tenant-a", wantErr: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := multitenancy.ValidateTenantID(tt.compositeID, tt.expectedTenant)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestTenantContext(t *testing.T) {
	ctx := context.Background()
	require.False(t, multitenancy.HasTenantID(ctx))

	_, err := multitenancy.GetTenantID(ctx)
	require.Error(t, err)

	ctx = multitenancy.WithTenantID(ctx, "tenant-abc")
	require.True(t, multitenancy.HasTenantID(ctx))

	tenantID, err := multitenancy.GetTenantID(ctx)
	require.NoError(t, err)
	require.Equal(t, "tenant-abc", tenantID)
}

// Saving through a tenant-scoped repository stamps the ambient
// LoggingContext, which is the channel the event store reads the
// tenant id from when writing event and outbox rows.
func TestTenantScopedRepositoryStampsLoggingContext(t *testing.T) {
	events := newMemoryEventStore()
	repo := multitenancy.NewTenantScopedRepository[*bankaccount.Account](bankaccount.NewRepository(events, nil))

	lc := logctx.New()
	ctx := logctx.WithContext(multitenancy.WithTenantID(context.Background(), "tenant-a"), lc)

	acc := bankaccount.NewAccount(multitenancy.ComposeAggregateID("tenant-a", "acc-777"))
	require.NoError(t, acc.Open(acc.AggregateID(), bankaccount.Checking, "Alice", usd("50.00"), "USD", domain.NewMetadata()))
	_, err := repo.Save(ctx, acc)
	require.NoError(t, err)

	require.Equal(t, "tenant-a", lc.TenantID)
}

// The isolation middleware stamps the tenant for any operation run
// under a coordinator chain, and rejects conflicting stamps.
func TestIsolationMiddleware(t *testing.T) {
	op := middleware.Chain(func(ctx context.Context) error {
		require.Equal(t, "tenant-x", logctx.FromContext(ctx).TenantID)
		return nil
	}, multitenancy.IsolationMiddleware())

	require.Error(t, op(context.Background()))

	ctx := multitenancy.WithTenantID(context.Background(), "tenant-x")
	require.NoError(t, op(logctx.WithContext(ctx, logctx.New())))

	conflicted := logctx.WithContext(ctx, &logctx.LoggingContext{TenantID: "tenant-y"})
	require.Error(t, op(conflicted))
}

func TestExtractionMiddleware(t *testing.T) {
	var seen string
	op := middleware.Chain(func(ctx context.Context) error {
		seen, _ = multitenancy.GetTenantID(ctx)
		return nil
	}, multitenancy.ExtractionMiddleware(func(ctx context.Context) (string, error) {
		return "tenant-from-session", nil
	}))

	// Ambient tenant wins.
	require.NoError(t, op(multitenancy.WithTenantID(context.Background(), "tenant-ambient")))
	require.Equal(t, "tenant-ambient", seen)

	// Falls back to the logging context.
	require.NoError(t, op(logctx.WithContext(context.Background(), &logctx.LoggingContext{TenantID: "tenant-lc"})))
	require.Equal(t, "tenant-lc", seen)

	// Finally the extractor.
	require.NoError(t, op(context.Background()))
	require.Equal(t, "tenant-from-session", seen)
}
