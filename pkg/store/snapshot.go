package store

import (
	"context"
	"time"

	"github.com/ledgerforge/eventledger/pkg/domain"
)

// SnapshotStoreStatistics holds store-wide counters for operational
// dashboards.
type SnapshotStoreStatistics struct {
	TotalSnapshots            int64
	TotalAggregatesWithSnapshots int64
	SnapshotsByType           map[string]int64
	OldestSnapshot            time.Time
	NewestSnapshot            time.Time
}

// SnapshotStore is the save/load/retention contract aggregates use to
// checkpoint their state and bound replay cost.
type SnapshotStore interface {
	// SaveSnapshot replaces any existing snapshot at the same
	// (aggregateId, aggregateType, version).
	SaveSnapshot(ctx context.Context, aggregateType string, snapshot *domain.Snapshot) error

	// LoadLatestSnapshot returns the highest-version snapshot for the
	// aggregate, or nil if none exists.
	LoadLatestSnapshot(ctx context.Context, aggregateID, aggregateType string) (*domain.Snapshot, error)

	// LoadSnapshotAtOrBeforeVersion returns the highest-version snapshot
	// not exceeding maxVersion, or nil if none exists.
	LoadSnapshotAtOrBeforeVersion(ctx context.Context, aggregateID, aggregateType string, maxVersion int64) (*domain.Snapshot, error)

	// DeleteSnapshotsOlderThan deletes snapshots created before instant,
	// across all aggregates, returning the count removed.
	DeleteSnapshotsOlderThan(ctx context.Context, instant time.Time) (int64, error)

	// KeepLatestSnapshots retains the N most recent snapshots for one
	// aggregate, deleting the rest, returning the count removed.
	KeepLatestSnapshots(ctx context.Context, aggregateID, aggregateType string, n int) (int64, error)

	// ListSnapshots returns snapshots for one aggregate ordered by
	// version descending, optionally bounded by [fromVersion, toVersion].
	// toVersion < 0 means unbounded.
	ListSnapshots(ctx context.Context, aggregateID, aggregateType string, fromVersion, toVersion int64) ([]*domain.Snapshot, error)

	// GetStatistics returns store-wide counters for operational
	// dashboards.
	GetStatistics(ctx context.Context) (*SnapshotStoreStatistics, error)
}

// SnapshotStrategy decides when a write path should checkpoint an
// aggregate's state, bounding replay cost. Retention policy is left to
// the caller.
type SnapshotStrategy interface {
	ShouldSnapshot(currentVersion int64, eventsSinceLastSnapshot int64) bool
}

// IntervalSnapshotStrategy snapshots every N events.
type IntervalSnapshotStrategy struct {
	Interval int64
}

// NewIntervalSnapshotStrategy creates a strategy that snapshots every N
// events. Interval <= 0 disables automatic snapshotting.
func NewIntervalSnapshotStrategy(interval int64) *IntervalSnapshotStrategy {
	return &IntervalSnapshotStrategy{Interval: interval}
}

func (s *IntervalSnapshotStrategy) ShouldSnapshot(_ int64, eventsSinceLastSnapshot int64) bool {
	if s.Interval <= 0 {
		return false
	}
	return eventsSinceLastSnapshot >= s.Interval
}

// Snapshotable is implemented by aggregates whose state can be checkpointed.
type Snapshotable interface {
	MarshalSnapshotState() (string, error)
	UnmarshalSnapshotState(data string) error
}
