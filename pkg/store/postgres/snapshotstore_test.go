package postgres_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ledgerforge/eventledger/pkg/domain"
	"github.com/ledgerforge/eventledger/pkg/store/postgres"
)

func saveSnapshotAt(t *testing.T, snapshots *postgres.SnapshotStore, aggregateID, aggregateType string, version int64, createdAt time.Time) {
	t.Helper()
	err := snapshots.SaveSnapshot(context.Background(), aggregateType, &domain.Snapshot{
		AggregateID:   aggregateID,
		SnapshotType:  aggregateType,
		Version:       version,
		CreatedAt:     createdAt,
		SchemaVersion: 1,
		Data:          fmt.Sprintf(`{"version":%d}`, version),
	})
	require.NoError(t, err)
}

func TestSnapshotSaveAndLoadLatest(t *testing.T) {
	pool := requirePostgres(t)
	snapshots := postgres.NewSnapshotStore(pool)
	ctx := context.Background()
	aggregateType := testAggregateType("snap")

	loaded, err := snapshots.LoadLatestSnapshot(ctx, "SNAP-1", aggregateType)
	require.NoError(t, err)
	require.Nil(t, loaded)

	now := time.Now().UTC()
	saveSnapshotAt(t, snapshots, "SNAP-1", aggregateType, 10, now)
	saveSnapshotAt(t, snapshots, "SNAP-1", aggregateType, 20, now)

	loaded, err = snapshots.LoadLatestSnapshot(ctx, "SNAP-1", aggregateType)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, int64(20), loaded.Version)
	require.Equal(t, aggregateType, loaded.SnapshotType)
	require.JSONEq(t, `{"version":20}`, loaded.Data)
}

func TestSnapshotRejectsVersionBelowOne(t *testing.T) {
	pool := requirePostgres(t)
	snapshots := postgres.NewSnapshotStore(pool)

	err := snapshots.SaveSnapshot(context.Background(), testAggregateType("snapbad"), &domain.Snapshot{
		AggregateID: "SNAP-BAD", Version: 0, CreatedAt: time.Now().UTC(), Data: "{}",
	})
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestSnapshotAtOrBeforeVersionUsesHistory(t *testing.T) {
	pool := requirePostgres(t)
	snapshots := postgres.NewSnapshotStore(pool)
	ctx := context.Background()
	aggregateType := testAggregateType("snaphist")

	now := time.Now().UTC()
	saveSnapshotAt(t, snapshots, "SNAP-2", aggregateType, 5, now)
	saveSnapshotAt(t, snapshots, "SNAP-2", aggregateType, 15, now)
	saveSnapshotAt(t, snapshots, "SNAP-2", aggregateType, 25, now)

	snap, err := snapshots.LoadSnapshotAtOrBeforeVersion(ctx, "SNAP-2", aggregateType, 20)
	require.NoError(t, err)
	require.NotNil(t, snap)
	require.Equal(t, int64(15), snap.Version)

	snap, err = snapshots.LoadSnapshotAtOrBeforeVersion(ctx, "SNAP-2", aggregateType, 4)
	require.NoError(t, err)
	require.Nil(t, snap)
}

func TestListSnapshotsOrderedByVersionDesc(t *testing.T) {
	pool := requirePostgres(t)
	snapshots := postgres.NewSnapshotStore(pool)
	ctx := context.Background()
	aggregateType := testAggregateType("snaplist")

	now := time.Now().UTC()
	for _, v := range []int64{3, 7, 11} {
		saveSnapshotAt(t, snapshots, "SNAP-3", aggregateType, v, now)
	}

	all, err := snapshots.ListSnapshots(ctx, "SNAP-3", aggregateType, 0, -1)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, int64(11), all[0].Version)
	require.Equal(t, int64(3), all[2].Version)

	bounded, err := snapshots.ListSnapshots(ctx, "SNAP-3", aggregateType, 4, 10)
	require.NoError(t, err)
	require.Len(t, bounded, 1)
	require.Equal(t, int64(7), bounded[0].Version)
}

func TestKeepLatestSnapshots(t *testing.T) {
	pool := requirePostgres(t)
	snapshots := postgres.NewSnapshotStore(pool)
	ctx := context.Background()
	aggregateType := testAggregateType("snapkeep")

	now := time.Now().UTC()
	for _, v := range []int64{1, 2, 3, 4, 5} {
		saveSnapshotAt(t, snapshots, "SNAP-4", aggregateType, v, now)
	}

	deleted, err := snapshots.KeepLatestSnapshots(ctx, "SNAP-4", aggregateType, 2)
	require.NoError(t, err)
	require.Equal(t, int64(3), deleted)

	remaining, err := snapshots.ListSnapshots(ctx, "SNAP-4", aggregateType, 0, -1)
	require.NoError(t, err)
	require.Len(t, remaining, 2)
	require.Equal(t, int64(5), remaining[0].Version)
	require.Equal(t, int64(4), remaining[1].Version)
}

func TestDeleteSnapshotsOlderThan(t *testing.T) {
	pool := requirePostgres(t)
	snapshots := postgres.NewSnapshotStore(pool)
	ctx := context.Background()
	aggregateType := testAggregateType("snapage")

	old := time.Now().UTC().Add(-48 * time.Hour)
	saveSnapshotAt(t, snapshots, "SNAP-5", aggregateType, 1, old)
	saveSnapshotAt(t, snapshots, "SNAP-6", aggregateType, 1, time.Now().UTC())

	deleted, err := snapshots.DeleteSnapshotsOlderThan(ctx, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	require.GreaterOrEqual(t, deleted, int64(1))

	gone, err := snapshots.LoadLatestSnapshot(ctx, "SNAP-5", aggregateType)
	require.NoError(t, err)
	require.Nil(t, gone)

	kept, err := snapshots.LoadLatestSnapshot(ctx, "SNAP-6", aggregateType)
	require.NoError(t, err)
	require.NotNil(t, kept)
}

func TestSnapshotStatistics(t *testing.T) {
	pool := requirePostgres(t)
	snapshots := postgres.NewSnapshotStore(pool)
	ctx := context.Background()
	aggregateType := testAggregateType("snapstats")

	saveSnapshotAt(t, snapshots, "SNAP-7", aggregateType, 1, time.Now().UTC())

	stats, err := snapshots.GetStatistics(ctx)
	require.NoError(t, err)
	require.GreaterOrEqual(t, stats.TotalSnapshots, int64(1))
	require.GreaterOrEqual(t, stats.TotalAggregatesWithSnapshots, int64(1))
	require.GreaterOrEqual(t, stats.SnapshotsByType[aggregateType], int64(1))
}
