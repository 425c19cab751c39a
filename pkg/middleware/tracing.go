package middleware

import (
	"context"

	"github.com/ledgerforge/eventledger/pkg/logctx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracingMiddleware starts one span per operation, named and tagged from
// the ambient LoggingContext rather than a command envelope. The tracer
// always comes from the global tracer provider, under tracerName (the
// module path when tracerName is empty).
func TracingMiddleware(tracerName string) Middleware {
	if tracerName == "" {
		tracerName = "github.com/ledgerforge/eventledger"
	}
	return TracingMiddlewareWithTracer(otel.Tracer(tracerName))
}

// TracingMiddlewareWithTracer is TracingMiddleware for a caller-supplied
// tracer, e.g. one scoped to a specific package.
func TracingMiddlewareWithTracer(tracer trace.Tracer) Middleware {
	return func(next Operation) Operation {
		return func(ctx context.Context) error {
			lc := logctx.FromContext(ctx)

			name := lc.Operation
			if name == "" {
				name = "operation"
			}

			spanCtx, span := tracer.Start(ctx, name,
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(
					attribute.String("operation", lc.Operation),
					attribute.String("correlationId", lc.CorrelationID),
					attribute.String("causationId", lc.CausationID),
					attribute.String("aggregateId", lc.AggregateID),
					attribute.String("aggregateType", lc.AggregateType),
					attribute.String("tenantId", lc.TenantID),
				),
			)
			defer span.End()

			err := next(spanCtx)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return err
			}

			span.SetStatus(codes.Ok, "")
			return nil
		}
	}
}
