package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ledgerforge/eventledger/pkg/domain"
	"github.com/ledgerforge/eventledger/pkg/store"
)

// DefaultCommandTTL bounds how long a processed command id is remembered
// for deduplication. Retries of the same command arriving after the TTL
// are treated as new commands.
const DefaultCommandTTL = 24 * time.Hour

// AppendEventsIdempotent implements store.CommandStore: it is
// AppendEvents with command-level deduplication. If commandID was
// already processed (and has not expired), no events are written and the
// original result is returned with AlreadyProcessed set. The command
// record is inserted in the same transaction as the events, so a crash
// can never persist events without remembering the command, or vice
// versa.
func (s *EventStore) AppendEventsIdempotent(ctx context.Context, aggregateID, aggregateType string, events []domain.Event, expectedVersion int64, commandID string, ttl time.Duration) (*domain.CommandResult, error) {
	if commandID == "" {
		return nil, domain.NewValidationError("commandId", "must not be empty")
	}
	if len(events) == 0 {
		return nil, domain.NewValidationError("events", "must not be empty")
	}
	if aggregateID == "" {
		return nil, domain.NewValidationError("aggregateId", "must not be empty")
	}
	if ttl <= 0 {
		ttl = DefaultCommandTTL
	}

	tx, ownsTx, err := s.beginOrJoin(ctx)
	if err != nil {
		return nil, err
	}
	if ownsTx {
		defer tx.Rollback(ctx)
	}

	var processedAt time.Time
	err = tx.QueryRow(ctx,
		`SELECT processed_at FROM processed_commands WHERE command_id = $1 AND expires_at > now()`,
		commandID,
	).Scan(&processedAt)
	switch {
	case err == nil:
		// Duplicate. Roll the transaction back (nothing was written) and
		// reload the original result outside it.
		if ownsTx {
			_ = tx.Rollback(ctx)
		}
		return s.GetCommandResult(ctx, commandID)
	case !errors.Is(err, pgx.ErrNoRows):
		return nil, fmt.Errorf("%w: check processed command: %v", domain.ErrStorage, err)
	}

	stream, err := s.appendInTx(ctx, tx, aggregateID, aggregateType, events, expectedVersion, store.AppendOptions{})
	if err != nil {
		return nil, err
	}

	eventIDs := make([]string, len(stream.Envelopes))
	for i, env := range stream.Envelopes {
		eventIDs[i] = env.EventID
	}
	encodedIDs, err := json.Marshal(eventIDs)
	if err != nil {
		return nil, fmt.Errorf("%w: encode command event ids: %v", domain.ErrSerialization, err)
	}

	now := time.Now().UTC()
	_, err = tx.Exec(ctx, `
		INSERT INTO processed_commands (command_id, aggregate_id, event_ids, processed_at, expires_at)
		VALUES ($1,$2,$3,$4,$5)`,
		commandID, aggregateID, string(encodedIDs), now, now.Add(ttl))
	if err != nil {
		if isUniqueViolation(err) {
			// Lost a race with a concurrent retry of the same command.
			if ownsTx {
				_ = tx.Rollback(ctx)
			}
			return s.GetCommandResult(ctx, commandID)
		}
		return nil, fmt.Errorf("%w: record processed command: %v", domain.ErrStorage, err)
	}

	if ownsTx {
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("%w: commit idempotent append: %v", domain.ErrStorage, err)
		}
	}

	return &domain.CommandResult{
		CommandID:   commandID,
		Stream:      stream,
		ProcessedAt: now,
	}, nil
}

// GetCommandResult implements store.CommandStore, reloading the
// envelopes a previously processed command produced. Returns nil if
// commandID is unknown or its record has expired.
func (s *EventStore) GetCommandResult(ctx context.Context, commandID string) (*domain.CommandResult, error) {
	var (
		aggregateID string
		encodedIDs  string
		processedAt time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT aggregate_id, event_ids, processed_at FROM processed_commands WHERE command_id = $1 AND expires_at > now()`,
		commandID,
	).Scan(&aggregateID, &encodedIDs, &processedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: load processed command: %v", domain.ErrStorage, err)
	}

	var eventIDs []string
	if err := json.Unmarshal([]byte(encodedIDs), &eventIDs); err != nil {
		return nil, fmt.Errorf("%w: decode command event ids: %v", domain.ErrDeserialization, err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT event_id, aggregate_id, aggregate_type, aggregate_version, global_sequence,
		       event_type, event_data, metadata, checksum, event_timestamp, created_at, schema_version
		FROM events WHERE event_id = ANY($1) ORDER BY aggregate_version ASC`, eventIDs)
	if err != nil {
		return nil, fmt.Errorf("%w: load command events: %v", domain.ErrStorage, err)
	}
	defer rows.Close()

	stream := &domain.EventStream{AggregateID: aggregateID}
	for rows.Next() {
		var envAggregateID, envAggregateType string
		env, err := s.scanWideEnvelope(rows, &envAggregateID, &envAggregateType)
		if err != nil {
			return nil, err
		}
		stream.AggregateType = envAggregateType
		stream.Envelopes = append(stream.Envelopes, env)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate command events: %v", domain.ErrStorage, err)
	}
	if len(stream.Envelopes) > 0 {
		stream.FromVersion = stream.Envelopes[0].AggregateVersion
		stream.CurrentVersion = stream.Envelopes[len(stream.Envelopes)-1].AggregateVersion
	}

	return &domain.CommandResult{
		CommandID:        commandID,
		Stream:           stream,
		AlreadyProcessed: true,
		ProcessedAt:      processedAt,
	}, nil
}

// CleanExpiredCommands implements store.CommandStore, removing command
// records whose TTL has elapsed. Returns the number removed.
func (s *EventStore) CleanExpiredCommands(ctx context.Context) (int64, error) {
	return CleanExpiredCommands(ctx, s.pool)
}

// CleanExpiredCommands is the pool-level primitive behind the method of
// the same name, for maintenance processes that hold a pool but no
// EventStore (cmd/outboxd).
func CleanExpiredCommands(ctx context.Context, pool *pgxpool.Pool) (int64, error) {
	tag, err := pool.Exec(ctx, `DELETE FROM processed_commands WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("%w: clean expired commands: %v", domain.ErrStorage, err)
	}
	return tag.RowsAffected(), nil
}
