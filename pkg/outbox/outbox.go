// Package outbox implements the dispatcher half of the transactional
// outbox pattern: PENDING rows captured in the same transaction as an
// event append are later claimed, published, and transitioned through
// PROCESSING to COMPLETED, FAILED, or DEAD_LETTER.
//
// The five-state machine and SELECT ... FOR UPDATE SKIP LOCKED claim
// semantics follow the exponential-backoff, claim-then-publish shape
// common to Postgres-backed outbox implementations in Go.
package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ledgerforge/eventledger/pkg/domain"
	"github.com/ledgerforge/eventledger/pkg/logctx"
	"github.com/ledgerforge/eventledger/pkg/observability"
)

// Publisher is the external bus sink, an opaque
// publish(destination, payload) collaborator that may fail.
type Publisher interface {
	Publish(ctx context.Context, destination string, payload []byte, headers map[string]string) error
}

// Statistics holds outbox-wide counters for operational dashboards.
type Statistics struct {
	PendingCount    int64
	ProcessingCount int64
	CompletedCount  int64
	FailedCount     int64
	DeadLetterCount int64
}

// Dispatcher claims, publishes, and retires outbox rows.
type Dispatcher struct {
	pool              *pgxpool.Pool
	publisher         Publisher
	destinationPrefix string
	destinationMap    map[string]string
	publishMW         *observability.PublishMiddleware
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithDestinationPrefix sets the "prefix.eventType" destination scheme.
func WithDestinationPrefix(prefix string) Option {
	return func(d *Dispatcher) { d.destinationPrefix = prefix }
}

// WithDestinationMapping overrides the derived destination for specific
// event types.
func WithDestinationMapping(mapping map[string]string) Option {
	return func(d *Dispatcher) { d.destinationMap = mapping }
}

// WithTelemetry instruments every publish with a producer span and the
// publish latency/error metrics.
func WithTelemetry(tel *observability.Telemetry) Option {
	return func(d *Dispatcher) {
		if tel != nil {
			d.publishMW = observability.NewPublishMiddleware(tel)
		}
	}
}

// NewDispatcher builds a Dispatcher over pool, publishing through
// publisher.
func NewDispatcher(pool *pgxpool.Pool, publisher Publisher, opts ...Option) *Dispatcher {
	d := &Dispatcher{pool: pool, publisher: publisher, destinationMap: map[string]string{}}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// PoolStat exposes the shared pool's connection statistics so the
// scheduler's statistics loop can feed the connection gauge.
func (d *Dispatcher) PoolStat() *pgxpool.Stat {
	return d.pool.Stat()
}

// Enqueue inserts a PENDING row within the caller's transaction. Callers
// normally never call this directly — the EventStore's AppendEvents
// enqueues outbox rows itself within the append transaction — this is
// exposed for collaborators that need to enqueue outside that path
// (e.g. a manual republish tool).
func Enqueue(ctx context.Context, tx pgx.Tx, envelope *domain.EventEnvelope, eventData, metadata string, priority, maxRetries int) error {
	lc := logctx.FromContext(ctx)
	_, err := tx.Exec(ctx, `
		INSERT INTO event_outbox (
			outbox_id, aggregate_id, aggregate_type, event_type, event_data, metadata,
			status, priority, max_retries, partition_key, correlation_id, tenant_id
		) VALUES ($1,$2,$3,$4,$5,$6,'PENDING',$7,$8,$9,$10,$11)`,
		envelope.EventID, envelope.AggregateID, envelope.AggregateType, envelope.EventType, eventData, nullIfEmpty(metadata),
		priority, maxRetries, envelope.AggregateID, nullIfEmpty(lc.CorrelationID), nullIfEmpty(lc.TenantID))
	if err != nil {
		return fmt.Errorf("%w: enqueue outbox row: %v", domain.ErrStorage, err)
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (d *Dispatcher) destination(eventType string) string {
	if dest, ok := d.destinationMap[eventType]; ok {
		return dest
	}
	if d.destinationPrefix != "" {
		return d.destinationPrefix + "." + eventType
	}
	return eventType
}

// entry is the in-process representation of one claimed row.
type entry struct {
	outboxID      string
	aggregateID   string
	aggregateType string
	eventType     string
	eventData     string
	metadata      string
	retryCount    int
	maxRetries    int
	correlationID string
	tenantID      string
}

// claim selects up to batchSize rows matching whereClause/orderBy with
// SELECT ... FOR UPDATE SKIP LOCKED, transitions them to PROCESSING, and
// returns them — preventing two dispatcher workers from double-claiming
// the same row.
func (d *Dispatcher) claim(ctx context.Context, whereClause, orderBy string, batchSize int) ([]entry, error) {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: begin claim transaction: %v", domain.ErrStorage, err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, fmt.Sprintf(`
		SELECT outbox_id, aggregate_id, aggregate_type, event_type, event_data, metadata,
		       retry_count, max_retries, correlation_id, tenant_id
		FROM event_outbox
		WHERE %s
		ORDER BY %s
		LIMIT %d
		FOR UPDATE SKIP LOCKED`, whereClause, orderBy, batchSize))
	if err != nil {
		return nil, fmt.Errorf("%w: claim outbox rows: %v", domain.ErrStorage, err)
	}

	var claimed []entry
	for rows.Next() {
		var e entry
		var metadata, correlationID, tenantID *string
		if err := rows.Scan(&e.outboxID, &e.aggregateID, &e.aggregateType, &e.eventType, &e.eventData, &metadata,
			&e.retryCount, &e.maxRetries, &correlationID, &tenantID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("%w: scan claimed row: %v", domain.ErrStorage, err)
		}
		if metadata != nil {
			e.metadata = *metadata
		}
		if correlationID != nil {
			e.correlationID = *correlationID
		}
		if tenantID != nil {
			e.tenantID = *tenantID
		}
		claimed = append(claimed, e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("%w: iterate claimed rows: %v", domain.ErrStorage, err)
	}
	rows.Close()

	if len(claimed) == 0 {
		return nil, tx.Commit(ctx)
	}

	ids := make([]string, len(claimed))
	for i, e := range claimed {
		ids[i] = e.outboxID
	}
	if _, err := tx.Exec(ctx, `UPDATE event_outbox SET status='PROCESSING', updated_at=now() WHERE outbox_id = ANY($1)`, ids); err != nil {
		return nil, fmt.Errorf("%w: mark rows processing: %v", domain.ErrStorage, err)
	}

	return claimed, tx.Commit(ctx)
}

// ProcessPendingEntries drains PENDING rows, publishing each claimed row
// sequentially within this call so per-partition order is preserved
// within one worker. Returns the number of rows claimed, whether their
// publish succeeded or failed.
func (d *Dispatcher) ProcessPendingEntries(ctx context.Context, batchSize int) (int, error) {
	claimed, err := d.claim(ctx, "status = 'PENDING'", "priority ASC, created_at ASC", batchSize)
	if err != nil {
		return 0, err
	}
	return d.publishAll(ctx, claimed)
}

// ProcessRetryEntries drains FAILED rows whose backoff has elapsed.
func (d *Dispatcher) ProcessRetryEntries(ctx context.Context, batchSize int) (int, error) {
	claimed, err := d.claim(ctx,
		"status = 'FAILED' AND next_retry_at <= now() AND retry_count < max_retries",
		"priority ASC, next_retry_at ASC", batchSize)
	if err != nil {
		return 0, err
	}
	return d.publishAll(ctx, claimed)
}

func (d *Dispatcher) publishAll(ctx context.Context, claimed []entry) (int, error) {
	for _, e := range claimed {
		d.publishOne(ctx, e)
	}
	return len(claimed), nil
}

func (d *Dispatcher) publishOne(ctx context.Context, e entry) {
	headers := map[string]string{
		"eventId":       e.outboxID,
		"aggregateId":   e.aggregateID,
		"aggregateType": e.aggregateType,
		"eventType":     e.eventType,
	}
	if e.correlationID != "" {
		headers["correlationId"] = e.correlationID
	}
	if e.tenantID != "" {
		headers["tenantId"] = e.tenantID
	}

	destination := d.destination(e.eventType)
	publish := func(ctx context.Context) error {
		return d.publisher.Publish(ctx, destination, []byte(e.eventData), headers)
	}

	var err error
	if d.publishMW != nil {
		err = d.publishMW.WrapPublish(ctx, destination, publish)
	} else {
		err = publish(ctx)
	}
	if err == nil {
		d.markCompleted(ctx, e.outboxID)
		return
	}
	d.markFailed(ctx, e, err)
}

func (d *Dispatcher) markCompleted(ctx context.Context, outboxID string) {
	if _, err := d.pool.Exec(ctx, `UPDATE event_outbox SET status='COMPLETED', processed_at=now(), updated_at=now() WHERE outbox_id=$1`, outboxID); err != nil {
		slog.ErrorContext(ctx, "mark outbox entry completed", "outboxId", outboxID, "error", err)
	}
}

// markFailed increments retryCount; if still under maxRetries, computes
// the next exponential-backoff retry time and leaves the row FAILED,
// else marks it DEAD_LETTER. Backoff doubles per attempt starting at
// one minute: the first retry waits 1 minute, the second 2, then 4.
func (d *Dispatcher) markFailed(ctx context.Context, e entry, publishErr error) {
	newRetryCount := e.retryCount + 1
	errMsg := publishErr.Error()
	if len(errMsg) > 1024 {
		errMsg = errMsg[:1024]
	}

	if newRetryCount >= e.maxRetries {
		if _, err := d.pool.Exec(ctx, `UPDATE event_outbox SET status='DEAD_LETTER', retry_count=$1, last_error=$2, updated_at=now() WHERE outbox_id=$3`,
			newRetryCount, errMsg, e.outboxID); err != nil {
			slog.ErrorContext(ctx, "mark outbox entry dead-lettered", "outboxId", e.outboxID, "error", err)
		} else {
			slog.WarnContext(ctx, "outbox entry dead-lettered", "outboxId", e.outboxID, "aggregateId", e.aggregateID, "eventType", e.eventType, "publishError", publishErr)
		}
		return
	}

	backoff := time.Duration(1<<uint(e.retryCount)) * time.Minute
	nextRetryAt := time.Now().Add(backoff)
	if _, err := d.pool.Exec(ctx, `UPDATE event_outbox SET status='FAILED', retry_count=$1, last_error=$2, next_retry_at=$3, updated_at=now() WHERE outbox_id=$4`,
		newRetryCount, errMsg, nextRetryAt, e.outboxID); err != nil {
		slog.ErrorContext(ctx, "mark outbox entry failed", "outboxId", e.outboxID, "error", err)
	}
}

// CleanupCompletedEntries deletes COMPLETED rows older than
// olderThanDays, returning the count removed.
func (d *Dispatcher) CleanupCompletedEntries(ctx context.Context, olderThanDays int) (int64, error) {
	tag, err := d.pool.Exec(ctx,
		`DELETE FROM event_outbox WHERE status = 'COMPLETED' AND processed_at < now() - ($1 || ' days')::interval`,
		olderThanDays)
	if err != nil {
		return 0, fmt.Errorf("%w: cleanup completed entries: %v", domain.ErrStorage, err)
	}
	return tag.RowsAffected(), nil
}

// GetStatistics returns outbox-wide counters for operational dashboards.
func (d *Dispatcher) GetStatistics(ctx context.Context) (*Statistics, error) {
	stats := &Statistics{}
	err := d.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'PENDING'),
			COUNT(*) FILTER (WHERE status = 'PROCESSING'),
			COUNT(*) FILTER (WHERE status = 'COMPLETED'),
			COUNT(*) FILTER (WHERE status = 'FAILED'),
			COUNT(*) FILTER (WHERE status = 'DEAD_LETTER')
		FROM event_outbox`).Scan(&stats.PendingCount, &stats.ProcessingCount, &stats.CompletedCount, &stats.FailedCount, &stats.DeadLetterCount)
	if err != nil {
		return nil, fmt.Errorf("%w: get outbox statistics: %v", domain.ErrStorage, err)
	}
	return stats, nil
}

// DeadLetterEntry is one terminally-failed row, surfaced for operator
// inspection.
type DeadLetterEntry struct {
	OutboxID      string
	AggregateID   string
	AggregateType string
	EventType     string
	RetryCount    int
	LastError     string
	CreatedAt     time.Time
}

// GetDeadLetterEntries returns DEAD_LETTER rows ordered by createdAt
// ascending.
func (d *Dispatcher) GetDeadLetterEntries(ctx context.Context) ([]*DeadLetterEntry, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT outbox_id, aggregate_id, aggregate_type, event_type, retry_count, COALESCE(last_error, ''), created_at
		FROM event_outbox WHERE status = 'DEAD_LETTER' ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("%w: get dead letter entries: %v", domain.ErrStorage, err)
	}
	defer rows.Close()

	var entries []*DeadLetterEntry
	for rows.Next() {
		e := &DeadLetterEntry{}
		if err := rows.Scan(&e.OutboxID, &e.AggregateID, &e.AggregateType, &e.EventType, &e.RetryCount, &e.LastError, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan dead letter row: %v", domain.ErrStorage, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
