// Package postgres is the pgx-backed implementation of pkg/store's
// EventStore and SnapshotStore contracts: an append-only, globally
// ordered event log with optimistic concurrency control and a
// same-transaction outbox capture, against the schema in
// migrations/000001_core_tables.up.sql.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ledgerforge/eventledger/pkg/codec"
	"github.com/ledgerforge/eventledger/pkg/domain"
	"github.com/ledgerforge/eventledger/pkg/idgen"
	"github.com/ledgerforge/eventledger/pkg/logctx"
	"github.com/ledgerforge/eventledger/pkg/store"
	"github.com/ledgerforge/eventledger/pkg/store/migrate"
	"github.com/ledgerforge/eventledger/pkg/txn"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const uniqueViolation = "23505"

// config holds functional-option configuration for the event store.
type config struct {
	dsn          string
	maxConns     int32
	minConns     int32
	autoMigrate  bool
	outboxEnabled bool
}

func defaultConfig() config {
	return config{
		maxConns:      25,
		minConns:      2,
		autoMigrate:   true,
		outboxEnabled: true,
	}
}

// Option configures an EventStore.
type Option func(*config)

// WithDSN sets the Postgres connection string.
func WithDSN(dsn string) Option { return func(c *config) { c.dsn = dsn } }

// WithMaxConns bounds the pgx pool's open connections.
func WithMaxConns(n int32) Option { return func(c *config) { c.maxConns = n } }

// WithMinConns sets the pgx pool's warm connection floor.
func WithMinConns(n int32) Option { return func(c *config) { c.minConns = n } }

// WithAutoMigrate toggles running embedded migrations on NewEventStore.
func WithAutoMigrate(enabled bool) Option { return func(c *config) { c.autoMigrate = enabled } }

// WithOutbox toggles same-transaction outbox row capture on append;
// disable for read-only projection rebuild tools.
func WithOutbox(enabled bool) Option { return func(c *config) { c.outboxEnabled = enabled } }

// EventStore is the pgx-backed store.EventStore. It additionally
// implements the optional store.CommandStore and store.ConstraintStore
// capabilities.
type EventStore struct {
	pool          *pgxpool.Pool
	codec         codec.Codec
	outboxEnabled bool
}

var (
	_ store.EventStore      = (*EventStore)(nil)
	_ store.CommandStore    = (*EventStore)(nil)
	_ store.ConstraintStore = (*EventStore)(nil)
)

// Pool returns the underlying connection pool, so callers can share it
// with a sibling SnapshotStore rather than opening a second pool.
func (s *EventStore) Pool() *pgxpool.Pool {
	return s.pool
}

// NewEventStore opens a pool, optionally applies migrations, and returns
// a ready EventStore. codec must have every payload type the caller will
// append or load registered before first use.
func NewEventStore(ctx context.Context, c codec.Codec, opts ...Option) (*EventStore, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.dsn == "" {
		return nil, domain.NewValidationError("dsn", "must not be empty")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	poolCfg.MaxConns = cfg.maxConns
	poolCfg.MinConns = cfg.minConns

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: open postgres pool: %v", domain.ErrStorage, err)
	}

	if cfg.autoMigrate {
		sub, err := fs.Sub(migrationsFS, "migrations")
		if err != nil {
			pool.Close()
			return nil, err
		}
		m := migrate.New(pool, "schema_migrations")
		if err := m.LoadFromFS(sub, "."); err != nil {
			pool.Close()
			return nil, fmt.Errorf("load migrations: %w", err)
		}
		if err := m.Up(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	return &EventStore{pool: pool, codec: c, outboxEnabled: cfg.outboxEnabled}, nil
}

// Migrator builds a standalone migrate.Migrator over pool, loaded from
// this package's embedded schema, for callers (cmd/migrate) that need to
// run migrations without constructing a full EventStore.
func Migrator(pool *pgxpool.Pool) (*migrate.Migrator, error) {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return nil, err
	}
	m := migrate.New(pool, "schema_migrations")
	if err := m.LoadFromFS(sub, "."); err != nil {
		return nil, fmt.Errorf("load migrations: %w", err)
	}
	return m, nil
}

func (s *EventStore) AppendEvents(ctx context.Context, aggregateID, aggregateType string, events []domain.Event, expectedVersion int64, opts ...store.AppendOption) (*domain.EventStream, error) {
	if len(events) == 0 {
		return nil, domain.NewValidationError("events", "must not be empty")
	}
	if aggregateID == "" {
		return nil, domain.NewValidationError("aggregateId", "must not be empty")
	}

	var options store.AppendOptions
	for _, opt := range opts {
		opt(&options)
	}

	tx, ownsTx, err := s.beginOrJoin(ctx)
	if err != nil {
		return nil, err
	}
	if ownsTx {
		defer tx.Rollback(ctx)
	}

	stream, err := s.appendInTx(ctx, tx, aggregateID, aggregateType, events, expectedVersion, options)
	if err != nil {
		return nil, err
	}

	if ownsTx {
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("%w: commit append: %v", domain.ErrStorage, err)
		}
	}
	return stream, nil
}

// appendInTx runs the append algorithm inside an already-open
// transaction: version check, envelope construction, event and outbox
// inserts. Committing (or rolling back) is the caller's job, so the
// idempotent append path can record its command row in the same
// transaction.
func (s *EventStore) appendInTx(ctx context.Context, tx pgx.Tx, aggregateID, aggregateType string, events []domain.Event, expectedVersion int64, options store.AppendOptions) (*domain.EventStream, error) {
	lc := logctx.FromContext(ctx)
	ambient := lc.Metadata()

	var currentVersion int64 = -1
	err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(aggregate_version), -1) FROM events WHERE aggregate_id = $1 AND aggregate_type = $2`,
		aggregateID, aggregateType,
	).Scan(&currentVersion)
	if err != nil {
		return nil, fmt.Errorf("%w: read current version: %v", domain.ErrStorage, err)
	}

	if currentVersion != expectedVersion {
		return nil, domain.NewConcurrencyConflictError(aggregateID, aggregateType, expectedVersion, currentVersion)
	}

	envelopes := make([]*domain.EventEnvelope, 0, len(events))
	now := time.Now().UTC()

	for i, event := range events {
		if err := applyConstraints(ctx, tx, aggregateID, event.UniqueConstraints); err != nil {
			return nil, err
		}

		encoded, err := s.codec.EncodeEvent(event.EventType, event.Payload)
		if err != nil {
			return nil, err
		}
		mergedMeta := ambient.Merge(event.Metadata).Merge(options.Metadata)
		encodedMeta, err := s.codec.EncodeMetadata(mergedMeta)
		if err != nil {
			return nil, err
		}
		encodedConstraints, err := encodeConstraints(event.UniqueConstraints)
		if err != nil {
			return nil, err
		}

		version := expectedVersion + int64(i) + 1
		eventID := idgen.NewULID()
		checksum := s.codec.Checksum(encoded)

		var globalSequence int64
		err = tx.QueryRow(ctx, `
			INSERT INTO events (
				event_id, aggregate_id, aggregate_type, aggregate_version,
				event_type, event_data, metadata, checksum, constraints,
				event_timestamp, created_at, schema_version,
				tenant_id, correlation_id, causation_id, event_size_bytes
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
			RETURNING global_sequence`,
			eventID, aggregateID, aggregateType, version,
			event.EventType, encoded, nullIfEmpty(encodedMeta), checksum, nullIfEmpty(encodedConstraints),
			event.EventTimestamp, now, event.SchemaVersion,
			nullIfEmpty(lc.TenantID), nullIfEmpty(lc.CorrelationID), nullIfEmpty(lc.CausationID), len(encoded),
		).Scan(&globalSequence)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, domain.NewConcurrencyConflictError(aggregateID, aggregateType, expectedVersion, currentVersion+1)
			}
			return nil, fmt.Errorf("%w: insert event: %v", domain.ErrStorage, err)
		}

		if s.outboxEnabled && txn.ShouldPublishEvents(ctx) {
			if err := insertOutboxRow(ctx, tx, aggregateID, aggregateType, event.EventType, encoded, encodedMeta, lc); err != nil {
				return nil, err
			}
		}

		envelopes = append(envelopes, &domain.EventEnvelope{
			EventID:          eventID,
			AggregateID:      aggregateID,
			AggregateType:    aggregateType,
			AggregateVersion: version,
			GlobalSequence:   globalSequence,
			EventType:        event.EventType,
			EventTimestamp:   event.EventTimestamp,
			CreatedAt:        now,
			SchemaVersion:    event.SchemaVersion,
			Metadata:         mergedMeta,
			Checksum:         checksum,
			Payload:          event.Payload,
		})
	}

	return &domain.EventStream{
		AggregateID:    aggregateID,
		AggregateType:  aggregateType,
		Envelopes:      envelopes,
		FromVersion:    expectedVersion + 1,
		CurrentVersion: envelopes[len(envelopes)-1].AggregateVersion,
	}, nil
}

// beginOrJoin returns the ambient transaction carried on ctx by a
// txn.TransactionCoordinator, if one is present, so AppendEvents
// participates in its commit/rollback instead of opening a second
// transaction. The bool return reports whether the caller owns the
// transaction (and must commit/rollback it itself) or is only a
// participant in one started elsewhere.
func (s *EventStore) beginOrJoin(ctx context.Context) (pgx.Tx, bool, error) {
	if tx, ok := txn.FromContext(ctx); ok && tx != nil {
		return tx, false, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("%w: begin transaction: %v", domain.ErrStorage, err)
	}
	return tx, true, nil
}

func applyConstraints(ctx context.Context, tx pgx.Tx, aggregateID string, constraints []domain.UniqueConstraint) error {
	for _, c := range constraints {
		switch c.Operation {
		case domain.ConstraintClaim:
			tag, err := tx.Exec(ctx, `
				INSERT INTO unique_constraints (index_name, value, aggregate_id) VALUES ($1,$2,$3)
				ON CONFLICT (index_name, value) DO NOTHING`,
				c.IndexName, c.Value, aggregateID)
			if err != nil {
				return fmt.Errorf("%w: claim constraint: %v", domain.ErrStorage, err)
			}
			if tag.RowsAffected() == 0 {
				// Conflict row exists; only a re-claim by the same owner is
				// acceptable.
				var owner string
				err := tx.QueryRow(ctx, `SELECT aggregate_id FROM unique_constraints WHERE index_name=$1 AND value=$2`, c.IndexName, c.Value).Scan(&owner)
				if err != nil && !errors.Is(err, pgx.ErrNoRows) {
					return fmt.Errorf("%w: check constraint: %v", domain.ErrStorage, err)
				}
				if owner != aggregateID {
					return fmt.Errorf("%w: %s=%q already claimed by %s", domain.ErrValidation, c.IndexName, c.Value, owner)
				}
			}
		case domain.ConstraintRelease:
			if _, err := tx.Exec(ctx, `DELETE FROM unique_constraints WHERE index_name=$1 AND value=$2 AND aggregate_id=$3`,
				c.IndexName, c.Value, aggregateID); err != nil {
				return fmt.Errorf("%w: release constraint: %v", domain.ErrStorage, err)
			}
		}
	}
	return nil
}

func insertOutboxRow(ctx context.Context, tx pgx.Tx, aggregateID, aggregateType, eventType, eventData, metadata string, lc *logctx.LoggingContext) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO event_outbox (
			outbox_id, aggregate_id, aggregate_type, event_type, event_data, metadata,
			status, priority, max_retries, partition_key, correlation_id, tenant_id
		) VALUES ($1,$2,$3,$4,$5,$6,'PENDING',$7,$8,$9,$10,$11)`,
		idgen.NewULID(), aggregateID, aggregateType, eventType, eventData, nullIfEmpty(metadata),
		domain.DefaultOutboxPriority, domain.DefaultOutboxMaxRetries, aggregateID,
		nullIfEmpty(lc.CorrelationID), nullIfEmpty(lc.TenantID))
	if err != nil {
		return fmt.Errorf("%w: enqueue outbox row: %v", domain.ErrStorage, err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Close releases the pool.
func (s *EventStore) Close() error {
	s.pool.Close()
	return nil
}
