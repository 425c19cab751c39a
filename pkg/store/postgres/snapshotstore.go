package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ledgerforge/eventledger/pkg/domain"
	"github.com/ledgerforge/eventledger/pkg/store"
)

// SnapshotStore is the pgx-backed store.SnapshotStore. It keeps the
// latest snapshot per aggregate in the primary `snapshots` row and
// mirrors every save into `snapshot_history`, a surrogate-keyed table
// retaining more than one snapshot version per aggregate.
type SnapshotStore struct {
	pool *pgxpool.Pool
}

// NewSnapshotStore wraps an existing pool. Callers normally share the
// pool backing an EventStore rather than opening a second one.
func NewSnapshotStore(pool *pgxpool.Pool) *SnapshotStore {
	return &SnapshotStore{pool: pool}
}

// SaveSnapshot implements store.SnapshotStore.
func (s *SnapshotStore) SaveSnapshot(ctx context.Context, aggregateType string, snap *domain.Snapshot) error {
	if snap.Version < 1 {
		return domain.NewValidationError("version", "snapshot version must be >= 1")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin snapshot transaction: %v", domain.ErrStorage, err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO snapshots (aggregate_id, aggregate_type, aggregate_version, snapshot_data, schema_version, reason, size_bytes, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (aggregate_id, aggregate_type) DO UPDATE SET
			aggregate_version = EXCLUDED.aggregate_version,
			snapshot_data = EXCLUDED.snapshot_data,
			schema_version = EXCLUDED.schema_version,
			reason = EXCLUDED.reason,
			size_bytes = EXCLUDED.size_bytes,
			created_at = EXCLUDED.created_at`,
		snap.AggregateID, aggregateType, snap.Version, snap.Data, snap.SchemaVersion, nullIfEmpty(snap.Reason), snap.SizeBytes, snap.CreatedAt)
	if err != nil {
		return fmt.Errorf("%w: upsert snapshot: %v", domain.ErrStorage, err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO snapshot_history (aggregate_id, aggregate_type, aggregate_version, snapshot_data, schema_version, reason, size_bytes, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (aggregate_id, aggregate_type, aggregate_version) DO UPDATE SET
			snapshot_data = EXCLUDED.snapshot_data, created_at = EXCLUDED.created_at`,
		snap.AggregateID, aggregateType, snap.Version, snap.Data, snap.SchemaVersion, nullIfEmpty(snap.Reason), snap.SizeBytes, snap.CreatedAt)
	if err != nil {
		return fmt.Errorf("%w: record snapshot history: %v", domain.ErrStorage, err)
	}

	return tx.Commit(ctx)
}

// LoadLatestSnapshot implements store.SnapshotStore.
func (s *SnapshotStore) LoadLatestSnapshot(ctx context.Context, aggregateID, aggregateType string) (*domain.Snapshot, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT aggregate_id, aggregate_version, snapshot_data, schema_version, reason, size_bytes, created_at
		FROM snapshots WHERE aggregate_id = $1 AND aggregate_type = $2`, aggregateID, aggregateType)
	return scanSnapshot(row, aggregateType)
}

// LoadSnapshotAtOrBeforeVersion implements store.SnapshotStore.
func (s *SnapshotStore) LoadSnapshotAtOrBeforeVersion(ctx context.Context, aggregateID, aggregateType string, maxVersion int64) (*domain.Snapshot, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT aggregate_id, aggregate_version, snapshot_data, schema_version, reason, size_bytes, created_at
		FROM snapshot_history WHERE aggregate_id = $1 AND aggregate_type = $2 AND aggregate_version <= $3
		ORDER BY aggregate_version DESC LIMIT 1`, aggregateID, aggregateType, maxVersion)
	return scanSnapshot(row, aggregateType)
}

func scanSnapshot(row pgx.Row, aggregateType string) (*domain.Snapshot, error) {
	var (
		snap      domain.Snapshot
		reason    *string
		sizeBytes *int64
	)
	err := row.Scan(&snap.AggregateID, &snap.Version, &snap.Data, &snap.SchemaVersion, &reason, &sizeBytes, &snap.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: load snapshot: %v", domain.ErrStorage, err)
	}
	if reason != nil {
		snap.Reason = *reason
	}
	if sizeBytes != nil {
		snap.SizeBytes = *sizeBytes
	}
	snap.SnapshotType = aggregateType
	return &snap, nil
}

// DeleteSnapshotsOlderThan implements store.SnapshotStore, pruning both
// the history table and any primary row it would otherwise orphan.
func (s *SnapshotStore) DeleteSnapshotsOlderThan(ctx context.Context, instant time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM snapshot_history WHERE created_at < $1`, instant)
	if err != nil {
		return 0, fmt.Errorf("%w: delete old snapshot history: %v", domain.ErrStorage, err)
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM snapshots WHERE created_at < $1`, instant); err != nil {
		return 0, fmt.Errorf("%w: delete old snapshots: %v", domain.ErrStorage, err)
	}
	return tag.RowsAffected(), nil
}

// KeepLatestSnapshots implements store.SnapshotStore, retaining the N
// newest history rows per aggregate and deleting the rest.
func (s *SnapshotStore) KeepLatestSnapshots(ctx context.Context, aggregateID, aggregateType string, n int) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM snapshot_history
		WHERE aggregate_id = $1 AND aggregate_type = $2
		  AND aggregate_version NOT IN (
		      SELECT aggregate_version FROM snapshot_history
		      WHERE aggregate_id = $1 AND aggregate_type = $2
		      ORDER BY aggregate_version DESC LIMIT $3
		  )`, aggregateID, aggregateType, n)
	if err != nil {
		return 0, fmt.Errorf("%w: keep latest snapshots: %v", domain.ErrStorage, err)
	}
	return tag.RowsAffected(), nil
}

// ListSnapshots implements store.SnapshotStore, ordered by version
// descending. toVersion < 0 means unbounded.
func (s *SnapshotStore) ListSnapshots(ctx context.Context, aggregateID, aggregateType string, fromVersion, toVersion int64) ([]*domain.Snapshot, error) {
	query := `
		SELECT aggregate_id, aggregate_version, snapshot_data, schema_version, reason, size_bytes, created_at
		FROM snapshot_history WHERE aggregate_id = $1 AND aggregate_type = $2 AND aggregate_version >= $3`
	args := []any{aggregateID, aggregateType, fromVersion}
	if toVersion >= 0 {
		query += " AND aggregate_version <= $4"
		args = append(args, toVersion)
	}
	query += " ORDER BY aggregate_version DESC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list snapshots: %v", domain.ErrStorage, err)
	}
	defer rows.Close()

	var snapshots []*domain.Snapshot
	for rows.Next() {
		var (
			snap      domain.Snapshot
			reason    *string
			sizeBytes *int64
		)
		if err := rows.Scan(&snap.AggregateID, &snap.Version, &snap.Data, &snap.SchemaVersion, &reason, &sizeBytes, &snap.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan snapshot row: %v", domain.ErrStorage, err)
		}
		if reason != nil {
			snap.Reason = *reason
		}
		if sizeBytes != nil {
			snap.SizeBytes = *sizeBytes
		}
		snap.SnapshotType = aggregateType
		snapshots = append(snapshots, &snap)
	}
	return snapshots, rows.Err()
}

// GetStatistics implements store.SnapshotStore.
func (s *SnapshotStore) GetStatistics(ctx context.Context) (*store.SnapshotStoreStatistics, error) {
	stats := &store.SnapshotStoreStatistics{SnapshotsByType: make(map[string]int64)}

	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(DISTINCT aggregate_id),
		       COALESCE(MIN(created_at), now()), COALESCE(MAX(created_at), now())
		FROM snapshots`).Scan(&stats.TotalSnapshots, &stats.TotalAggregatesWithSnapshots, &stats.OldestSnapshot, &stats.NewestSnapshot)
	if err != nil {
		return nil, fmt.Errorf("%w: get snapshot statistics: %v", domain.ErrStorage, err)
	}

	rows, err := s.pool.Query(ctx, `SELECT aggregate_type, COUNT(*) FROM snapshots GROUP BY aggregate_type`)
	if err != nil {
		return nil, fmt.Errorf("%w: get snapshot statistics by type: %v", domain.ErrStorage, err)
	}
	defer rows.Close()
	for rows.Next() {
		var aggregateType string
		var count int64
		if err := rows.Scan(&aggregateType, &count); err != nil {
			return nil, fmt.Errorf("%w: scan snapshot statistics row: %v", domain.ErrStorage, err)
		}
		stats.SnapshotsByType[aggregateType] = count
	}
	return stats, rows.Err()
}
