package store

import (
	"context"
	"time"
)

// ProjectionPosition is the narrow contract external projection
// collaborators consume: the core only tracks how far a named
// projection has read, not how it applies events to a read model.
type ProjectionPosition struct {
	ProjectionName string
	Position       int64
	LastUpdated    time.Time
}

// CheckpointStore persists projection read positions. Projections
// themselves — read-model construction, rebuild orchestration, status
// dashboards — are out of scope; this store only remembers where a
// projection last stopped reading from StreamAllEvents.
type CheckpointStore interface {
	SavePosition(ctx context.Context, checkpoint *ProjectionPosition) error
	LoadPosition(ctx context.Context, projectionName string) (*ProjectionPosition, error)
	DeletePosition(ctx context.Context, projectionName string) error
}
