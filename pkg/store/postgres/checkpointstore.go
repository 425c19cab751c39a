package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ledgerforge/eventledger/pkg/domain"
	"github.com/ledgerforge/eventledger/pkg/store"
)

// CheckpointStore is the pgx-backed store.CheckpointStore, tracking each
// projection's read position in the `projection_positions` table.
type CheckpointStore struct {
	pool *pgxpool.Pool
}

// NewCheckpointStore wraps an existing pool. Callers normally share the
// pool backing an EventStore rather than opening a second one.
func NewCheckpointStore(pool *pgxpool.Pool) *CheckpointStore {
	return &CheckpointStore{pool: pool}
}

// SavePosition implements store.CheckpointStore.
func (s *CheckpointStore) SavePosition(ctx context.Context, checkpoint *store.ProjectionPosition) error {
	if checkpoint.ProjectionName == "" {
		return domain.NewValidationError("projectionName", "must not be empty")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO projection_positions (projection_name, position, last_updated)
		VALUES ($1, $2, now())
		ON CONFLICT (projection_name) DO UPDATE SET
			position = EXCLUDED.position, last_updated = EXCLUDED.last_updated`,
		checkpoint.ProjectionName, checkpoint.Position)
	if err != nil {
		return fmt.Errorf("%w: save projection position: %v", domain.ErrStorage, err)
	}
	return nil
}

// LoadPosition implements store.CheckpointStore. Returns a zero-value
// position (not an error) for a projection that has never checkpointed.
func (s *CheckpointStore) LoadPosition(ctx context.Context, projectionName string) (*store.ProjectionPosition, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT projection_name, position, last_updated FROM projection_positions WHERE projection_name = $1`, projectionName)

	var pos store.ProjectionPosition
	err := row.Scan(&pos.ProjectionName, &pos.Position, &pos.LastUpdated)
	if err != nil {
		if err == pgx.ErrNoRows {
			return &store.ProjectionPosition{ProjectionName: projectionName, Position: 0}, nil
		}
		return nil, fmt.Errorf("%w: load projection position: %v", domain.ErrStorage, err)
	}
	return &pos, nil
}

// DeletePosition implements store.CheckpointStore.
func (s *CheckpointStore) DeletePosition(ctx context.Context, projectionName string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM projection_positions WHERE projection_name = $1`, projectionName); err != nil {
		return fmt.Errorf("%w: delete projection position: %v", domain.ErrStorage, err)
	}
	return nil
}

var _ store.CheckpointStore = (*CheckpointStore)(nil)
