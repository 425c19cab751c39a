package domain

import "time"

// Snapshot is a checkpoint of aggregate state at a specific version, used
// to bound replay cost.
type Snapshot struct {
	AggregateID   string
	SnapshotType  string // matches AggregateType
	Version       int64  // the aggregateVersion of the last event included
	CreatedAt     time.Time
	SchemaVersion int
	Reason        string
	SizeBytes     int64

	// Data is the codec-encoded state body.
	Data string
}
