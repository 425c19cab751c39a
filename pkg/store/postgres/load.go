package postgres

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ledgerforge/eventledger/pkg/domain"
	"github.com/ledgerforge/eventledger/pkg/store"
)

// LoadEventStream implements store.EventStore.
func (s *EventStore) LoadEventStream(ctx context.Context, aggregateID, aggregateType string, fromVersion, toVersion int64) (*domain.EventStream, error) {
	query := `
		SELECT event_id, aggregate_version, global_sequence, event_type, event_data,
		       metadata, checksum, event_timestamp, created_at, schema_version
		FROM events
		WHERE aggregate_id = $1 AND aggregate_type = $2 AND aggregate_version >= $3`
	args := []any{aggregateID, aggregateType, fromVersion}
	if toVersion >= 0 {
		query += " AND aggregate_version <= $4"
		args = append(args, toVersion)
	}
	query += " ORDER BY aggregate_version ASC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: load event stream: %v", domain.ErrStorage, err)
	}
	defer rows.Close()

	envelopes := make([]*domain.EventEnvelope, 0)
	for rows.Next() {
		env, err := s.scanEnvelope(rows, aggregateID, aggregateType)
		if err != nil {
			return nil, err
		}
		envelopes = append(envelopes, env)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate event stream: %v", domain.ErrStorage, err)
	}

	stream := &domain.EventStream{
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		Envelopes:     envelopes,
		FromVersion:   fromVersion,
	}
	if len(envelopes) > 0 {
		stream.CurrentVersion = envelopes[len(envelopes)-1].AggregateVersion
	}
	return stream, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *EventStore) scanEnvelope(row rowScanner, defaultAggregateID, defaultAggregateType string) (*domain.EventEnvelope, error) {
	var (
		eventID, eventType, eventData string
		metadata                     *string
		checksum                     string
		version, globalSequence      int64
		eventTimestamp, createdAt    time.Time
		schemaVersion                int
	)
	if err := row.Scan(&eventID, &version, &globalSequence, &eventType, &eventData, &metadata, &checksum, &eventTimestamp, &createdAt, &schemaVersion); err != nil {
		return nil, fmt.Errorf("%w: scan event row: %v", domain.ErrStorage, err)
	}

	var metaStr string
	if metadata != nil {
		metaStr = *metadata
	}
	decodedMeta, metaErr := s.codec.DecodeMetadata(metaStr)

	envelope := &domain.EventEnvelope{
		EventID:          eventID,
		AggregateID:      defaultAggregateID,
		AggregateType:    defaultAggregateType,
		AggregateVersion: version,
		GlobalSequence:   globalSequence,
		EventType:        eventType,
		EventTimestamp:   eventTimestamp,
		CreatedAt:        createdAt,
		SchemaVersion:    schemaVersion,
		Checksum:         checksum,
	}
	if metaErr == nil {
		envelope.Metadata = decodedMeta
	}

	payload, err := s.codec.DecodeEvent(eventType, eventData)
	if err != nil || metaErr != nil {
		envelope.Carrier = &domain.GenericEventCarrier{
			EventType:      eventType,
			RawPayload:     eventData,
			AggregateID:    defaultAggregateID,
			EventTimestamp: eventTimestamp,
			Metadata:       decodedMeta,
			DecodeErr:      firstNonNil(err, metaErr),
		}
		return envelope, nil
	}
	envelope.Payload = payload
	return envelope, nil
}

func firstNonNil(errs ...error) error {
	for _, e := range errs {
		if e != nil {
			return e
		}
	}
	return nil
}

// GetAggregateVersion implements store.EventStore.
func (s *EventStore) GetAggregateVersion(ctx context.Context, aggregateID, aggregateType string) (int64, error) {
	var version int64 = -1
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(aggregate_version), -1) FROM events WHERE aggregate_id = $1 AND aggregate_type = $2`,
		aggregateID, aggregateType,
	).Scan(&version)
	if err != nil {
		return -1, fmt.Errorf("%w: get aggregate version: %v", domain.ErrStorage, err)
	}
	return version, nil
}

// GetCurrentGlobalSequence implements store.EventStore.
func (s *EventStore) GetCurrentGlobalSequence(ctx context.Context) (int64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(global_sequence), 0) FROM events`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("%w: get current global sequence: %v", domain.ErrStorage, err)
	}
	return seq, nil
}

// IsHealthy implements store.EventStore.
func (s *EventStore) IsHealthy(ctx context.Context) bool {
	var one int
	err := s.pool.QueryRow(ctx, "SELECT 1").Scan(&one)
	return err == nil && one == 1
}

// GetStatistics implements store.EventStore.
func (s *EventStore) GetStatistics(ctx context.Context) (*store.EventStoreStatistics, error) {
	stats := &store.EventStoreStatistics{EventsByType: make(map[string]int64)}

	err := s.pool.QueryRow(ctx, `SELECT COUNT(*), COUNT(DISTINCT aggregate_id), COALESCE(MAX(global_sequence), 0) FROM events`).
		Scan(&stats.TotalEvents, &stats.TotalAggregates, &stats.CurrentGlobalSequence)
	if err != nil {
		return nil, fmt.Errorf("%w: get statistics: %v", domain.ErrStorage, err)
	}

	rows, err := s.pool.Query(ctx, `SELECT event_type, COUNT(*) FROM events GROUP BY event_type`)
	if err != nil {
		return nil, fmt.Errorf("%w: get statistics by type: %v", domain.ErrStorage, err)
	}
	defer rows.Close()
	for rows.Next() {
		var eventType string
		var count int64
		if err := rows.Scan(&eventType, &count); err != nil {
			return nil, fmt.Errorf("%w: scan statistics row: %v", domain.ErrStorage, err)
		}
		stats.EventsByType[eventType] = count
	}
	return stats, rows.Err()
}

// StreamAllEvents implements store.EventStore via streamQuery ordered by
// global_sequence ascending, starting strictly after fromGlobalSequence.
func (s *EventStore) StreamAllEvents(ctx context.Context, fromGlobalSequence int64) iter.Seq2[*domain.EventEnvelope, error] {
	return s.streamQuery(ctx, `
		SELECT event_id, aggregate_id, aggregate_type, aggregate_version, global_sequence,
		       event_type, event_data, metadata, checksum, event_timestamp, created_at, schema_version
		FROM events WHERE global_sequence > $1 ORDER BY global_sequence ASC`, fromGlobalSequence)
}

// StreamEventsByType implements store.EventStore.
func (s *EventStore) StreamEventsByType(ctx context.Context, fromGlobalSequence int64, eventTypes []string) iter.Seq2[*domain.EventEnvelope, error] {
	return s.streamQuery(ctx, `
		SELECT event_id, aggregate_id, aggregate_type, aggregate_version, global_sequence,
		       event_type, event_data, metadata, checksum, event_timestamp, created_at, schema_version
		FROM events WHERE global_sequence > $1 AND event_type = ANY($2) ORDER BY global_sequence ASC`,
		fromGlobalSequence, eventTypes)
}

// StreamEventsByAggregateType implements store.EventStore.
func (s *EventStore) StreamEventsByAggregateType(ctx context.Context, fromGlobalSequence int64, aggregateTypes []string) iter.Seq2[*domain.EventEnvelope, error] {
	return s.streamQuery(ctx, `
		SELECT event_id, aggregate_id, aggregate_type, aggregate_version, global_sequence,
		       event_type, event_data, metadata, checksum, event_timestamp, created_at, schema_version
		FROM events WHERE global_sequence > $1 AND aggregate_type = ANY($2) ORDER BY global_sequence ASC`,
		fromGlobalSequence, aggregateTypes)
}

// StreamEventsByTimeRange implements store.EventStore.
func (s *EventStore) StreamEventsByTimeRange(ctx context.Context, from, to time.Time) iter.Seq2[*domain.EventEnvelope, error] {
	return s.streamQuery(ctx, `
		SELECT event_id, aggregate_id, aggregate_type, aggregate_version, global_sequence,
		       event_type, event_data, metadata, checksum, event_timestamp, created_at, schema_version
		FROM events WHERE created_at BETWEEN $1 AND $2 ORDER BY global_sequence ASC`, from, to)
}

// streamQuery runs query and yields scanned envelopes lazily, stopping
// early if the consumer's range-over-func body returns false or ctx is
// cancelled.
func (s *EventStore) streamQuery(ctx context.Context, query string, args ...any) iter.Seq2[*domain.EventEnvelope, error] {
	return func(yield func(*domain.EventEnvelope, error) bool) {
		rows, err := s.pool.Query(ctx, query, args...)
		if err != nil {
			yield(nil, fmt.Errorf("%w: stream events: %v", domain.ErrStorage, err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var aggregateID, aggregateType string
			env, err := s.scanWideEnvelope(rows, &aggregateID, &aggregateType)
			if err != nil {
				if !yield(nil, err) {
					return
				}
				continue
			}
			if !yield(env, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil && !errors.Is(err, context.Canceled) {
			yield(nil, fmt.Errorf("%w: iterate stream: %v", domain.ErrStorage, err))
		}
	}
}

// scanWideEnvelope scans a row that additionally carries aggregate_id and
// aggregate_type columns (the global-order stream queries, unlike the
// per-aggregate LoadEventStream query which already knows them).
func (s *EventStore) scanWideEnvelope(row pgx.Rows, aggregateID, aggregateType *string) (*domain.EventEnvelope, error) {
	var (
		eventID, eventType, eventData string
		metadata                      *string
		checksum                      string
		version, globalSequence       int64
		eventTimestamp, createdAt     time.Time
		schemaVersion                 int
	)
	if err := row.Scan(&eventID, aggregateID, aggregateType, &version, &globalSequence, &eventType, &eventData, &metadata, &checksum, &eventTimestamp, &createdAt, &schemaVersion); err != nil {
		return nil, fmt.Errorf("%w: scan event row: %v", domain.ErrStorage, err)
	}

	var metaStr string
	if metadata != nil {
		metaStr = *metadata
	}
	decodedMeta, metaErr := s.codec.DecodeMetadata(metaStr)

	envelope := &domain.EventEnvelope{
		EventID:          eventID,
		AggregateID:      *aggregateID,
		AggregateType:    *aggregateType,
		AggregateVersion: version,
		GlobalSequence:   globalSequence,
		EventType:        eventType,
		EventTimestamp:   eventTimestamp,
		CreatedAt:        createdAt,
		SchemaVersion:    schemaVersion,
		Checksum:         checksum,
	}
	if metaErr == nil {
		envelope.Metadata = decodedMeta
	}

	payload, err := s.codec.DecodeEvent(eventType, eventData)
	if err != nil || metaErr != nil {
		envelope.Carrier = &domain.GenericEventCarrier{
			EventType:      eventType,
			RawPayload:     eventData,
			AggregateID:    *aggregateID,
			EventTimestamp: eventTimestamp,
			Metadata:       decodedMeta,
			DecodeErr:      firstNonNil(err, metaErr),
		}
		return envelope, nil
	}
	envelope.Payload = payload
	return envelope, nil
}
