package bankaccount_test

import (
	"context"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/ledgerforge/eventledger/internal/bankaccount"
	"github.com/ledgerforge/eventledger/pkg/domain"
	"github.com/ledgerforge/eventledger/pkg/eventsourcing"
	"github.com/ledgerforge/eventledger/pkg/idgen"
	"github.com/ledgerforge/eventledger/pkg/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// memoryEventStore is a minimal in-process store.EventStore, sufficient
// to drive the aggregate-level scenarios without a database. It
// implements the same version-check/append algorithm the Postgres
// backend does, just over a guarded in-memory slice.
type memoryEventStore struct {
	mu       sync.Mutex
	byStream map[string][]*domain.EventEnvelope
	global   int64
}

func newMemoryEventStore() *memoryEventStore {
	return &memoryEventStore{byStream: make(map[string][]*domain.EventEnvelope)}
}

func streamKey(aggregateID, aggregateType string) string {
	return aggregateType + "/" + aggregateID
}

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

// memorySnapshotStore keeps the latest snapshot per aggregate, enough
// to drive the snapshot-assisted load path without a database.
type memorySnapshotStore struct {
	mu     sync.Mutex
	latest map[string]*domain.Snapshot
}

func newMemorySnapshotStore() *memorySnapshotStore {
	return &memorySnapshotStore{latest: make(map[string]*domain.Snapshot)}
}

func (s *memorySnapshotStore) SaveSnapshot(ctx context.Context, aggregateType string, snap *domain.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest[streamKey(snap.AggregateID, aggregateType)] = snap
	return nil
}

func (s *memorySnapshotStore) LoadLatestSnapshot(ctx context.Context, aggregateID, aggregateType string) (*domain.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest[streamKey(aggregateID, aggregateType)], nil
}

func (s *memorySnapshotStore) LoadSnapshotAtOrBeforeVersion(ctx context.Context, aggregateID, aggregateType string, maxVersion int64) (*domain.Snapshot, error) {
	snap, _ := s.LoadLatestSnapshot(ctx, aggregateID, aggregateType)
	if snap != nil && snap.Version > maxVersion {
		return nil, nil
	}
	return snap, nil
}

func (s *memorySnapshotStore) DeleteSnapshotsOlderThan(ctx context.Context, instant time.Time) (int64, error) {
	return 0, nil
}

func (s *memorySnapshotStore) KeepLatestSnapshots(ctx context.Context, aggregateID, aggregateType string, n int) (int64, error) {
	return 0, nil
}

func (s *memorySnapshotStore) ListSnapshots(ctx context.Context, aggregateID, aggregateType string, fromVersion, toVersion int64) ([]*domain.Snapshot, error) {
	snap, _ := s.LoadLatestSnapshot(ctx, aggregateID, aggregateType)
	if snap == nil {
		return nil, nil
	}
	return []*domain.Snapshot{snap}, nil
}

func (s *memorySnapshotStore) GetStatistics(ctx context.Context) (*store.SnapshotStoreStatistics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &store.SnapshotStoreStatistics{TotalSnapshots: int64(len(s.latest))}, nil
}

var _ store.SnapshotStore = (*memorySnapshotStore)(nil)

func usd(amount string) decimal.Decimal {
	return decimal.RequireFromString(amount)
}

// S1: open, deposit, withdraw.
func TestAccountOpenDepositWithdraw(t *testing.T) {
	events := newMemoryEventStore()
	repo := bankaccount.NewRepository(events, nil)
	ctx := context.Background()

	acc := bankaccount.NewAccount("ACC-001")
	require.NoError(t, acc.Open("ACC-001", bankaccount.Checking, "C1", usd("1000.00"), "USD", domain.NewMetadata()))
	require.NoError(t, acc.Deposit(usd("500.00"), domain.NewMetadata()))
	require.NoError(t, acc.Withdraw(usd("250.00"), domain.NewMetadata()))

	stream, err := repo.Save(ctx, acc)
	require.NoError(t, err)
	require.Equal(t, int64(2), stream.CurrentVersion)
	require.Len(t, stream.Envelopes, 3)

	prevSeq := int64(0)
	for i, env := range stream.Envelopes {
		require.Equal(t, int64(i), env.AggregateVersion)
		require.Greater(t, env.GlobalSequence, prevSeq)
		prevSeq = env.GlobalSequence
	}

	loaded, err := repo.Load(ctx, "ACC-001")
	require.NoError(t, err)
	require.True(t, usd("1250.00").Equal(loaded.Balance()))
	require.Equal(t, int64(2), loaded.Version())
}

// S2: concurrent append conflict, retry succeeds.
func TestAccountConcurrentAppendConflict(t *testing.T) {
	events := newMemoryEventStore()
	repo := bankaccount.NewRepository(events, nil)
	ctx := context.Background()

	seed := bankaccount.NewAccount("ACC-002")
	require.NoError(t, seed.Open("ACC-002", bankaccount.Checking, "C1", usd("1000.00"), "USD", domain.NewMetadata()))
	_, err := repo.Save(ctx, seed)
	require.NoError(t, err)

	winner, err := repo.Load(ctx, "ACC-002")
	require.NoError(t, err)
	loser, err := repo.Load(ctx, "ACC-002")
	require.NoError(t, err)

	require.NoError(t, winner.Deposit(usd("100.00"), domain.NewMetadata()))
	require.NoError(t, loser.Deposit(usd("100.00"), domain.NewMetadata()))

	winStream, err := repo.Save(ctx, winner)
	require.NoError(t, err)
	require.Equal(t, int64(1), winStream.CurrentVersion)

	_, err = repo.Save(ctx, loser)
	var conflict *domain.ConcurrencyConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, int64(0), conflict.Expected)
	require.Equal(t, int64(1), conflict.Actual)

	reloaded, err := repo.Load(ctx, "ACC-002")
	require.NoError(t, err)
	require.NoError(t, reloaded.Deposit(usd("100.00"), domain.NewMetadata()))
	_, err = repo.Save(ctx, reloaded)
	require.NoError(t, err)

	final, err := repo.Load(ctx, "ACC-002")
	require.NoError(t, err)
	require.True(t, usd("1200.00").Equal(final.Balance()))
}

// S3: insufficient funds rejects at ApplyChange time, no event appended.
func TestAccountInsufficientFunds(t *testing.T) {
	events := newMemoryEventStore()
	repo := bankaccount.NewRepository(events, nil)
	ctx := context.Background()

	acc := bankaccount.NewAccount("ACC-003")
	require.NoError(t, acc.Open("ACC-003", bankaccount.Checking, "C1", usd("100.00"), "USD", domain.NewMetadata()))
	_, err := repo.Save(ctx, acc)
	require.NoError(t, err)

	loaded, err := repo.Load(ctx, "ACC-003")
	require.NoError(t, err)
	versionBefore := loaded.Version()

	err = loaded.Withdraw(usd("200.00"), domain.NewMetadata())
	require.Error(t, err)
	require.Empty(t, loaded.UncommittedEvents())
	require.Equal(t, versionBefore, loaded.Version())

	storedVersion, err := events.GetAggregateVersion(ctx, "ACC-003", bankaccount.AggregateType)
	require.NoError(t, err)
	require.Equal(t, versionBefore, storedVersion)
}

// S4: freeze blocks withdrawal, unfreeze restores it.
func TestAccountFreezeThenUnfreeze(t *testing.T) {
	events := newMemoryEventStore()
	repo := bankaccount.NewRepository(events, nil)
	ctx := context.Background()

	acc := bankaccount.NewAccount("ACC-004")
	require.NoError(t, acc.Open("ACC-004", bankaccount.Checking, "C1", usd("1000.00"), "USD", domain.NewMetadata()))
	require.NoError(t, acc.Freeze("fraud review", domain.NewMetadata()))

	err := acc.Withdraw(usd("50.00"), domain.NewMetadata())
	require.Error(t, err)

	require.NoError(t, acc.Unfreeze(domain.NewMetadata()))
	require.NoError(t, acc.Withdraw(usd("50.00"), domain.NewMetadata()))

	stream, err := repo.Save(ctx, acc)
	require.NoError(t, err)
	require.Len(t, stream.Envelopes, 4)
	require.Equal(t, bankaccount.EventAccountOpened, stream.Envelopes[0].EventType)
	require.Equal(t, bankaccount.EventAccountFrozen, stream.Envelopes[1].EventType)
	require.Equal(t, bankaccount.EventAccountUnfrozen, stream.Envelopes[2].EventType)
	require.Equal(t, bankaccount.EventMoneyWithdrawn, stream.Envelopes[3].EventType)

	loaded, err := repo.Load(ctx, "ACC-004")
	require.NoError(t, err)
	require.True(t, usd("950.00").Equal(loaded.Balance()))
	require.Equal(t, bankaccount.StatusOpen, loaded.Status())
}

// Snapshot equivalence: restoring from a checkpoint at version v and
// replaying the events after it yields the same state as a full replay
// from version 0.
func TestAccountSnapshotEquivalence(t *testing.T) {
	events := newMemoryEventStore()
	snapshots := newMemorySnapshotStore()
	ctx := context.Background()

	// Snapshot after every 2 events, so the 5-event history below
	// crosses the checkpoint cadence more than once.
	repo := bankaccount.NewRepository(events, snapshots,
		store.WithSnapshotStrategy[*bankaccount.Account](store.NewIntervalSnapshotStrategy(2)))

	acc := bankaccount.NewAccount("ACC-SNAP")
	require.NoError(t, acc.Open("ACC-SNAP", bankaccount.Savings, "C1", usd("1000.00"), "USD", domain.NewMetadata()))
	require.NoError(t, acc.Deposit(usd("10.00"), domain.NewMetadata()))
	_, err := repo.Save(ctx, acc)
	require.NoError(t, err)

	require.NoError(t, acc.Deposit(usd("20.00"), domain.NewMetadata()))
	require.NoError(t, acc.Freeze("audit", domain.NewMetadata()))
	require.NoError(t, acc.Unfreeze(domain.NewMetadata()))
	_, err = repo.Save(ctx, acc)
	require.NoError(t, err)

	// The strategy checkpointed along the way.
	snap, err := snapshots.LoadLatestSnapshot(ctx, "ACC-SNAP", bankaccount.AggregateType)
	require.NoError(t, err)
	require.NotNil(t, snap)

	// Snapshot-assisted load ...
	fromSnapshot, err := repo.Load(ctx, "ACC-SNAP")
	require.NoError(t, err)

	// ... must equal a full replay without the snapshot fast path.
	fullReplay, err := bankaccount.NewRepository(events, nil).Load(ctx, "ACC-SNAP")
	require.NoError(t, err)

	require.True(t, fullReplay.Balance().Equal(fromSnapshot.Balance()))
	require.Equal(t, fullReplay.Version(), fromSnapshot.Version())
	require.Equal(t, fullReplay.Status(), fromSnapshot.Status())
	require.Equal(t, fullReplay.AccountNumber(), fromSnapshot.AccountNumber())
}

// S5: time travel — replaying only envelopes with eventTimestamp <= t1
// reproduces the balance as of t1, even though later events exist in
// the store. Business timestamps are pinned via eventsourcing.Clock so
// the cutoff comparison doesn't depend on real-clock resolution.
func TestAccountTimeTravel(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Hour)
	t2 := t1.Add(time.Hour)

	originalClock := eventsourcing.Clock
	defer func() { eventsourcing.Clock = originalClock }()

	events := newMemoryEventStore()
	ctx := context.Background()

	eventsourcing.Clock = func() time.Time { return t0 }
	acc := bankaccount.NewAccount("ACC-005")
	require.NoError(t, acc.Open("ACC-005", bankaccount.Checking, "C1", usd("1000.00"), "USD", domain.NewMetadata()))
	_, err := events.AppendEvents(ctx, "ACC-005", bankaccount.AggregateType, acc.UncommittedEvents(), -1)
	require.NoError(t, err)
	acc.ClearUncommittedEvents()

	eventsourcing.Clock = func() time.Time { return t1 }
	require.NoError(t, acc.Deposit(usd("200.00"), domain.NewMetadata()))
	_, err = events.AppendEvents(ctx, "ACC-005", bankaccount.AggregateType, acc.UncommittedEvents(), 0)
	require.NoError(t, err)
	acc.ClearUncommittedEvents()

	eventsourcing.Clock = func() time.Time { return t2 }
	require.NoError(t, acc.Withdraw(usd("300.00"), domain.NewMetadata()))
	_, err = events.AppendEvents(ctx, "ACC-005", bankaccount.AggregateType, acc.UncommittedEvents(), 1)
	require.NoError(t, err)
	acc.ClearUncommittedEvents()

	asOfStream, err := events.LoadEventStream(ctx, "ACC-005", bankaccount.AggregateType, 0, -1)
	require.NoError(t, err)

	var bounded []*domain.EventEnvelope
	for _, env := range asOfStream.Envelopes {
		if env.EventTimestamp.After(t1) {
			continue
		}
		bounded = append(bounded, env)
	}

	replay := bankaccount.NewAccount("ACC-005")
	for _, env := range bounded {
		require.NoError(t, replay.ApplyEvent(env.Payload))
	}

	require.True(t, usd("1200.00").Equal(replay.Balance()))
}
