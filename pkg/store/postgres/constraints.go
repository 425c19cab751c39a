package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ledgerforge/eventledger/pkg/domain"
)

// encodeConstraints serializes an event's unique-constraint operations
// for the events.constraints column, so RebuildConstraints can replay
// them. Returns "" for events without constraints.
func encodeConstraints(constraints []domain.UniqueConstraint) (string, error) {
	if len(constraints) == 0 {
		return "", nil
	}
	data, err := json.Marshal(constraints)
	if err != nil {
		return "", fmt.Errorf("%w: encode constraints: %v", domain.ErrSerialization, err)
	}
	return string(data), nil
}

// CheckUniqueness implements store.ConstraintStore.
func (s *EventStore) CheckUniqueness(ctx context.Context, indexName, value string) (bool, string, error) {
	owner, err := s.GetConstraintOwner(ctx, indexName, value)
	if err != nil {
		return false, "", err
	}
	return owner == "", owner, nil
}

// GetConstraintOwner implements store.ConstraintStore.
func (s *EventStore) GetConstraintOwner(ctx context.Context, indexName, value string) (string, error) {
	var owner string
	err := s.pool.QueryRow(ctx,
		`SELECT aggregate_id FROM unique_constraints WHERE index_name = $1 AND value = $2`,
		indexName, value,
	).Scan(&owner)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("%w: get constraint owner: %v", domain.ErrStorage, err)
	}
	return owner, nil
}

// RebuildConstraints implements store.ConstraintStore: it clears the
// constraint index and replays every event's claim/release operations
// in global-sequence order, all inside one transaction so readers never
// observe a half-built index.
func (s *EventStore) RebuildConstraints(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin rebuild transaction: %v", domain.ErrStorage, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM unique_constraints`); err != nil {
		return fmt.Errorf("%w: clear constraint index: %v", domain.ErrStorage, err)
	}

	rows, err := tx.Query(ctx,
		`SELECT aggregate_id, constraints FROM events WHERE constraints IS NOT NULL ORDER BY global_sequence ASC`)
	if err != nil {
		return fmt.Errorf("%w: read constraint history: %v", domain.ErrStorage, err)
	}

	type replayRow struct {
		aggregateID string
		constraints []domain.UniqueConstraint
	}
	var history []replayRow
	for rows.Next() {
		var aggregateID, encoded string
		if err := rows.Scan(&aggregateID, &encoded); err != nil {
			rows.Close()
			return fmt.Errorf("%w: scan constraint row: %v", domain.ErrStorage, err)
		}
		var constraints []domain.UniqueConstraint
		if err := json.Unmarshal([]byte(encoded), &constraints); err != nil {
			rows.Close()
			return fmt.Errorf("%w: decode constraint row: %v", domain.ErrDeserialization, err)
		}
		history = append(history, replayRow{aggregateID: aggregateID, constraints: constraints})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("%w: iterate constraint history: %v", domain.ErrStorage, err)
	}
	rows.Close()

	for _, row := range history {
		if err := applyConstraints(ctx, tx, row.aggregateID, row.constraints); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit rebuild: %v", domain.ErrStorage, err)
	}
	return nil
}
