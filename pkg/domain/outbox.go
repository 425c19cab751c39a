package domain

import "time"

// OutboxStatus is the lifecycle state of an OutboxEntry.
type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "PENDING"
	OutboxProcessing OutboxStatus = "PROCESSING"
	OutboxCompleted  OutboxStatus = "COMPLETED"
	OutboxFailed     OutboxStatus = "FAILED"
	OutboxDeadLetter OutboxStatus = "DEAD_LETTER"
	OutboxCancelled  OutboxStatus = "CANCELLED"
)

// OutboxEntry is a same-transaction record of a fact awaiting publication
// to the external bus. Only the dispatcher mutates Status,
// RetryCount, NextRetryAt, LastError, and ProcessedAt once an entry has
// been inserted.
type OutboxEntry struct {
	OutboxID      string
	AggregateID   string
	AggregateType string
	EventType     string
	EventData     string // codec-encoded Event
	Metadata      string // codec-encoded Metadata

	Status OutboxStatus

	CreatedAt   time.Time
	ProcessedAt *time.Time
	UpdatedAt   time.Time

	RetryCount int
	MaxRetries int
	LastError  string
	NextRetryAt *time.Time

	Priority      int // 1..10, lower = more urgent
	PartitionKey  string
	CorrelationID string
	TenantID      string
}

// IsDeadLetter reports the invariant that a DEAD_LETTER entry has
// exhausted its retries.
func (e *OutboxEntry) IsDeadLetter() bool {
	return e.Status == OutboxDeadLetter && e.RetryCount >= e.MaxRetries
}

// DefaultOutboxPriority and DefaultOutboxMaxRetries are the append-algorithm
// defaults for outbox rows inserted alongside events.
const (
	DefaultOutboxPriority   = 5
	DefaultOutboxMaxRetries = 3
)
