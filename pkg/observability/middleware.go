package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// RepositoryMiddleware instruments store.Repository[T] operations with
// tracing spans and the Load/Save metric pair.
type RepositoryMiddleware struct {
	tel *Telemetry
}

func NewRepositoryMiddleware(tel *Telemetry) *RepositoryMiddleware {
	return &RepositoryMiddleware{tel: tel}
}

// WrapLoad instruments one Repository.Load call.
func (m *RepositoryMiddleware) WrapLoad(ctx context.Context, aggregateType, aggregateID string, snapshotUsed bool, operation func() error) error {
	tracer := m.tel.Tracer("eventstore.repository")

	ctx, span := tracer.Start(ctx, "repository.load",
		trace.WithAttributes(
			AttrAggregateType.String(aggregateType),
			AttrAggregateID.String(aggregateID),
			AttrOperation.String("load"),
			AttrSnapshotHit.Bool(snapshotUsed),
		),
	)
	defer span.End()

	start := time.Now()
	err := operation()
	duration := time.Since(start)

	if m.tel.Metrics != nil {
		m.tel.Metrics.RecordRepositoryOperation(ctx, "load", aggregateType)
		m.tel.Metrics.RecordAggregateLoad(ctx, aggregateType, snapshotUsed)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.SetAttributes(attribute.Float64("duration_ms", float64(duration.Milliseconds())))
	return err
}

// WrapSave instruments one Repository.Save call.
func (m *RepositoryMiddleware) WrapSave(ctx context.Context, aggregateType, aggregateID string, version int64, eventCount int, operation func() error) error {
	tracer := m.tel.Tracer("eventstore.repository")

	ctx, span := tracer.Start(ctx, "repository.save",
		trace.WithAttributes(
			AttrAggregateType.String(aggregateType),
			AttrAggregateID.String(aggregateID),
			AttrVersion.Int64(version),
			AttrOperation.String("save"),
			AttrEventCount.Int(eventCount),
		),
	)
	defer span.End()

	start := time.Now()
	err := operation()
	duration := time.Since(start)

	if m.tel.Metrics != nil {
		m.tel.Metrics.RecordRepositoryOperation(ctx, "save", aggregateType)
		m.tel.Metrics.RecordEventStoreOperation(ctx, "append", duration, eventCount)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.SetAttributes(attribute.Float64("duration_ms", float64(duration.Milliseconds())))
	return err
}

// PublishMiddleware instruments one outbox dispatcher publish call.
type PublishMiddleware struct {
	tel *Telemetry
}

func NewPublishMiddleware(tel *Telemetry) *PublishMiddleware {
	return &PublishMiddleware{tel: tel}
}

// WrapPublish instruments one Publisher.Publish call.
func (m *PublishMiddleware) WrapPublish(ctx context.Context, destination string, operation func(context.Context) error) error {
	tracer := m.tel.Tracer("outbox.publish")

	ctx, span := tracer.Start(ctx, "outbox.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(attribute.String("messaging.destination", destination)),
	)
	defer span.End()

	start := time.Now()
	err := operation(ctx)
	duration := time.Since(start)

	if m.tel.Metrics != nil {
		m.tel.Metrics.RecordPublish(ctx, destination, duration, err)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.SetAttributes(attribute.Float64("duration_ms", float64(duration.Milliseconds())))
	return err
}
