package postgres_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/ledgerforge/eventledger/internal/bankaccount"
	"github.com/ledgerforge/eventledger/pkg/codec"
	"github.com/ledgerforge/eventledger/pkg/domain"
	"github.com/ledgerforge/eventledger/pkg/store"
	"github.com/ledgerforge/eventledger/pkg/store/postgres"
)

// entryRecorded is the payload type these tests append; a dedicated
// test-local type keeps the store tests independent of the bankaccount
// example.
type entryRecorded struct {
	Amount string `json:"amount"`
}

const entryEventType = "ledger.entry_recorded"

// aggregateType carries a per-run suffix so repeated runs against the
// same database never collide on (aggregate_id, aggregate_type).
var testRunSuffix = time.Now().UTC().Format("20060102150405.000000")

func testAggregateType(name string) string {
	return "ledgertest." + name + "." + testRunSuffix
}

func newTestEventStore(t *testing.T) *postgres.EventStore {
	t.Helper()
	requirePostgres(t)

	c := codec.NewJSONCodec()
	codec.Register[entryRecorded](c, entryEventType)

	events, err := postgres.NewEventStore(context.Background(), c,
		postgres.WithDSN(os.Getenv("DATABASE_URL")))
	require.NoError(t, err)
	t.Cleanup(func() { events.Close() })
	return events
}

func entries(amounts ...string) []domain.Event {
	out := make([]domain.Event, len(amounts))
	for i, amount := range amounts {
		out[i] = domain.Event{
			EventType:      entryEventType,
			EventTimestamp: time.Now().UTC(),
			SchemaVersion:  1,
			Payload:        &entryRecorded{Amount: amount},
		}
	}
	return out
}

func TestAppendAndLoadRoundTrip(t *testing.T) {
	events := newTestEventStore(t)
	ctx := context.Background()
	aggregateType := testAggregateType("roundtrip")

	stream, err := events.AppendEvents(ctx, "LED-1", aggregateType, entries("10.00", "20.00", "30.00"), -1)
	require.NoError(t, err)
	require.Equal(t, int64(2), stream.CurrentVersion)
	require.Len(t, stream.Envelopes, 3)

	for i, env := range stream.Envelopes {
		require.Equal(t, int64(i), env.AggregateVersion)
		require.NotEmpty(t, env.EventID)
		require.Len(t, env.Checksum, 64)
	}
	require.Less(t, stream.Envelopes[0].GlobalSequence, stream.Envelopes[1].GlobalSequence)
	require.Less(t, stream.Envelopes[1].GlobalSequence, stream.Envelopes[2].GlobalSequence)

	loaded, err := events.LoadEventStream(ctx, "LED-1", aggregateType, 0, -1)
	require.NoError(t, err)
	require.Len(t, loaded.Envelopes, 3)
	require.Equal(t, &entryRecorded{Amount: "20.00"}, loaded.Envelopes[1].Payload)

	bounded, err := events.LoadEventStream(ctx, "LED-1", aggregateType, 1, 1)
	require.NoError(t, err)
	require.Len(t, bounded.Envelopes, 1)
	require.Equal(t, int64(1), bounded.Envelopes[0].AggregateVersion)
}

func TestLoadMissingAggregateYieldsEmptyStream(t *testing.T) {
	events := newTestEventStore(t)
	ctx := context.Background()

	stream, err := events.LoadEventStream(ctx, "LED-NONE", testAggregateType("missing"), 0, -1)
	require.NoError(t, err)
	require.True(t, stream.IsEmpty())

	version, err := events.GetAggregateVersion(ctx, "LED-NONE", testAggregateType("missing"))
	require.NoError(t, err)
	require.Equal(t, int64(-1), version)
}

func TestAppendConflictReportsExpectedAndActual(t *testing.T) {
	events := newTestEventStore(t)
	ctx := context.Background()
	aggregateType := testAggregateType("conflict")

	_, err := events.AppendEvents(ctx, "LED-2", aggregateType, entries("10.00"), -1)
	require.NoError(t, err)

	_, err = events.AppendEvents(ctx, "LED-2", aggregateType, entries("20.00"), -1)
	var conflict *domain.ConcurrencyConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, int64(-1), conflict.Expected)
	require.Equal(t, int64(0), conflict.Actual)

	// The loser wrote nothing.
	version, err := events.GetAggregateVersion(ctx, "LED-2", aggregateType)
	require.NoError(t, err)
	require.Equal(t, int64(0), version)

	// Retrying with the observed version succeeds.
	_, err = events.AppendEvents(ctx, "LED-2", aggregateType, entries("20.00"), 0)
	require.NoError(t, err)
}

func TestAppendValidatesInputs(t *testing.T) {
	events := newTestEventStore(t)
	ctx := context.Background()

	_, err := events.AppendEvents(ctx, "LED-3", testAggregateType("validate"), nil, -1)
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = events.AppendEvents(ctx, "", testAggregateType("validate"), entries("1.00"), -1)
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestStreamAllEventsOrderedByGlobalSequence(t *testing.T) {
	events := newTestEventStore(t)
	ctx := context.Background()
	aggregateType := testAggregateType("streamall")

	start, err := events.GetCurrentGlobalSequence(ctx)
	require.NoError(t, err)

	_, err = events.AppendEvents(ctx, "LED-4A", aggregateType, entries("1.00", "2.00"), -1)
	require.NoError(t, err)
	_, err = events.AppendEvents(ctx, "LED-4B", aggregateType, entries("3.00"), -1)
	require.NoError(t, err)

	var seen []int64
	for env, err := range events.StreamAllEvents(ctx, start) {
		require.NoError(t, err)
		seen = append(seen, env.GlobalSequence)
	}
	require.GreaterOrEqual(t, len(seen), 3)
	for i := 1; i < len(seen); i++ {
		require.Greater(t, seen[i], seen[i-1])
	}
}

func TestStreamFilters(t *testing.T) {
	events := newTestEventStore(t)
	ctx := context.Background()
	aggregateType := testAggregateType("filters")

	start, err := events.GetCurrentGlobalSequence(ctx)
	require.NoError(t, err)

	before := time.Now().UTC().Add(-time.Minute)
	_, err = events.AppendEvents(ctx, "LED-5", aggregateType, entries("1.00"), -1)
	require.NoError(t, err)
	after := time.Now().UTC().Add(time.Minute)

	count := 0
	for env, err := range events.StreamEventsByAggregateType(ctx, start, []string{aggregateType}) {
		require.NoError(t, err)
		require.Equal(t, aggregateType, env.AggregateType)
		count++
	}
	require.Equal(t, 1, count)

	count = 0
	for env, err := range events.StreamEventsByType(ctx, start, []string{entryEventType}) {
		require.NoError(t, err)
		require.Equal(t, entryEventType, env.EventType)
		count++
	}
	require.GreaterOrEqual(t, count, 1)

	found := false
	for env, err := range events.StreamEventsByTimeRange(ctx, before, after) {
		require.NoError(t, err)
		if env.AggregateID == "LED-5" && env.AggregateType == aggregateType {
			found = true
		}
	}
	require.True(t, found)
}

func TestStatisticsAndHealth(t *testing.T) {
	events := newTestEventStore(t)
	ctx := context.Background()
	aggregateType := testAggregateType("stats")

	_, err := events.AppendEvents(ctx, "LED-6", aggregateType, entries("1.00", "2.00"), -1)
	require.NoError(t, err)

	require.True(t, events.IsHealthy(ctx))

	stats, err := events.GetStatistics(ctx)
	require.NoError(t, err)
	require.GreaterOrEqual(t, stats.TotalEvents, int64(2))
	require.GreaterOrEqual(t, stats.TotalAggregates, int64(1))
	require.GreaterOrEqual(t, stats.EventsByType[entryEventType], int64(2))
	require.Greater(t, stats.CurrentGlobalSequence, int64(0))
}

// An event type the current codec does not know comes back as a generic
// carrier, not a load failure.
func TestUnknownEventTypeLoadsAsGenericCarrier(t *testing.T) {
	requirePostgres(t)
	ctx := context.Background()
	aggregateType := testAggregateType("carrier")

	writerCodec := codec.NewJSONCodec()
	codec.Register[entryRecorded](writerCodec, entryEventType)
	writer, err := postgres.NewEventStore(ctx, writerCodec, postgres.WithDSN(os.Getenv("DATABASE_URL")))
	require.NoError(t, err)
	defer writer.Close()

	_, err = writer.AppendEvents(ctx, "LED-7", aggregateType, entries("9.00"), -1)
	require.NoError(t, err)

	// A reader binary without the registration still loads the stream.
	reader, err := postgres.NewEventStore(ctx, codec.NewJSONCodec(), postgres.WithDSN(os.Getenv("DATABASE_URL")))
	require.NoError(t, err)
	defer reader.Close()

	stream, err := reader.LoadEventStream(ctx, "LED-7", aggregateType, 0, -1)
	require.NoError(t, err)
	require.Len(t, stream.Envelopes, 1)
	require.True(t, stream.Envelopes[0].IsGeneric())
	require.Nil(t, stream.Envelopes[0].Payload)
	require.JSONEq(t, `{"amount":"9.00"}`, stream.Envelopes[0].Carrier.RawPayload)
}

func TestIdempotentAppendDeduplicatesByCommandID(t *testing.T) {
	events := newTestEventStore(t)
	ctx := context.Background()
	aggregateType := testAggregateType("idempotent")
	commandID := fmt.Sprintf("cmd-%s-1", testRunSuffix)

	first, err := events.AppendEventsIdempotent(ctx, "LED-8", aggregateType, entries("5.00", "6.00"), -1, commandID, 0)
	require.NoError(t, err)
	require.False(t, first.AlreadyProcessed)
	require.Len(t, first.Stream.Envelopes, 2)

	// The retry returns the original envelopes and writes nothing.
	second, err := events.AppendEventsIdempotent(ctx, "LED-8", aggregateType, entries("5.00", "6.00"), -1, commandID, 0)
	require.NoError(t, err)
	require.True(t, second.AlreadyProcessed)
	require.Len(t, second.Stream.Envelopes, 2)
	require.Equal(t, first.Stream.Envelopes[0].EventID, second.Stream.Envelopes[0].EventID)

	version, err := events.GetAggregateVersion(ctx, "LED-8", aggregateType)
	require.NoError(t, err)
	require.Equal(t, int64(1), version)

	result, err := events.GetCommandResult(ctx, commandID)
	require.NoError(t, err)
	require.NotNil(t, result)
	require.True(t, result.AlreadyProcessed)
	require.Equal(t, int64(1), result.Stream.CurrentVersion)

	unknown, err := events.GetCommandResult(ctx, "cmd-never-issued")
	require.NoError(t, err)
	require.Nil(t, unknown)
}

func TestCleanExpiredCommands(t *testing.T) {
	pool := requirePostgres(t)
	events := newTestEventStore(t)
	ctx := context.Background()
	aggregateType := testAggregateType("cmdttl")
	commandID := fmt.Sprintf("cmd-%s-expired", testRunSuffix)

	_, err := events.AppendEventsIdempotent(ctx, "LED-9", aggregateType, entries("1.00"), -1, commandID, 0)
	require.NoError(t, err)

	// Force the record past its TTL.
	_, err = pool.Exec(ctx, `UPDATE processed_commands SET expires_at = now() - interval '1 hour' WHERE command_id = $1`, commandID)
	require.NoError(t, err)

	count, err := events.CleanExpiredCommands(ctx)
	require.NoError(t, err)
	require.GreaterOrEqual(t, count, int64(1))

	// Expired means forgotten: the same command id appends again.
	result, err := events.GetCommandResult(ctx, commandID)
	require.NoError(t, err)
	require.Nil(t, result)
}

// SaveWithCommand over the real store: a duplicate command id returns
// the original envelopes without touching the aggregate again.
func TestRepositorySaveWithCommandIsIdempotent(t *testing.T) {
	requirePostgres(t)
	ctx := context.Background()

	c := codec.NewJSONCodec()
	bankaccount.RegisterCodec(c)
	events, err := postgres.NewEventStore(ctx, c, postgres.WithDSN(os.Getenv("DATABASE_URL")))
	require.NoError(t, err)
	defer events.Close()

	repo := store.NewRepository[*bankaccount.Account](events, nil, bankaccount.AggregateType, bankaccount.Factory)

	accountID := "ACC-CMD-" + testRunSuffix
	commandID := "cmd-open-" + testRunSuffix

	acc := bankaccount.NewAccount(accountID)
	require.NoError(t, acc.Open(accountID, bankaccount.Checking, "CUST-CMD", decimal.RequireFromString("100.00"), "USD", domain.NewMetadata()))

	first, err := repo.SaveWithCommand(ctx, acc, commandID)
	require.NoError(t, err)
	require.False(t, first.AlreadyProcessed)
	require.Empty(t, acc.UncommittedEvents())

	// A client retry replays the whole command against a fresh aggregate.
	retry := bankaccount.NewAccount(accountID)
	require.NoError(t, retry.Open(accountID, bankaccount.Checking, "CUST-CMD", decimal.RequireFromString("100.00"), "USD", domain.NewMetadata()))

	second, err := repo.SaveWithCommand(ctx, retry, commandID)
	require.NoError(t, err)
	require.True(t, second.AlreadyProcessed)

	version, err := events.GetAggregateVersion(ctx, accountID, bankaccount.AggregateType)
	require.NoError(t, err)
	require.Equal(t, int64(0), version)
}

func TestUniqueConstraintClaimAndRelease(t *testing.T) {
	events := newTestEventStore(t)
	ctx := context.Background()
	aggregateType := testAggregateType("constraints")
	indexName := "ledgertest.entry_ref." + testRunSuffix

	claim := func(aggregateID, value string, op domain.ConstraintOperation, expectedVersion int64) error {
		event := domain.Event{
			EventType:      entryEventType,
			EventTimestamp: time.Now().UTC(),
			SchemaVersion:  1,
			Payload:        &entryRecorded{Amount: "1.00"},
			UniqueConstraints: []domain.UniqueConstraint{
				{IndexName: indexName, Value: value, Operation: op},
			},
		}
		_, err := events.AppendEvents(ctx, aggregateID, aggregateType, []domain.Event{event}, expectedVersion)
		return err
	}

	require.NoError(t, claim("LED-10A", "REF-1", domain.ConstraintClaim, -1))

	available, owner, err := events.CheckUniqueness(ctx, indexName, "REF-1")
	require.NoError(t, err)
	require.False(t, available)
	require.Equal(t, "LED-10A", owner)

	// A second aggregate cannot claim the same value, and its events
	// are not persisted.
	err = claim("LED-10B", "REF-1", domain.ConstraintClaim, -1)
	require.ErrorIs(t, err, domain.ErrValidation)
	version, err := events.GetAggregateVersion(ctx, "LED-10B", aggregateType)
	require.NoError(t, err)
	require.Equal(t, int64(-1), version)

	// Releasing frees the value for a fresh claim.
	require.NoError(t, claim("LED-10A", "REF-1", domain.ConstraintRelease, 0))
	require.NoError(t, claim("LED-10B", "REF-1", domain.ConstraintClaim, -1))

	nowOwner, err := events.GetConstraintOwner(ctx, indexName, "REF-1")
	require.NoError(t, err)
	require.Equal(t, "LED-10B", nowOwner)
}

func TestRebuildConstraintsRestoresIndexFromEventLog(t *testing.T) {
	pool := requirePostgres(t)
	events := newTestEventStore(t)
	ctx := context.Background()
	aggregateType := testAggregateType("rebuild")
	indexName := "ledgertest.rebuild_ref." + testRunSuffix

	event := domain.Event{
		EventType:      entryEventType,
		EventTimestamp: time.Now().UTC(),
		SchemaVersion:  1,
		Payload:        &entryRecorded{Amount: "1.00"},
		UniqueConstraints: []domain.UniqueConstraint{
			{IndexName: indexName, Value: "REF-R1", Operation: domain.ConstraintClaim},
		},
	}
	_, err := events.AppendEvents(ctx, "LED-11", aggregateType, []domain.Event{event}, -1)
	require.NoError(t, err)

	// Simulate index loss.
	_, err = pool.Exec(ctx, `DELETE FROM unique_constraints WHERE index_name = $1`, indexName)
	require.NoError(t, err)

	owner, err := events.GetConstraintOwner(ctx, indexName, "REF-R1")
	require.NoError(t, err)
	require.Empty(t, owner)

	require.NoError(t, events.RebuildConstraints(ctx))

	owner, err = events.GetConstraintOwner(ctx, indexName, "REF-R1")
	require.NoError(t, err)
	require.Equal(t, "LED-11", owner)
}
