package orders

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "order-saga"

// sagaMetrics groups the counters the orchestrator and executor report.
type sagaMetrics struct {
	outcomes             metric.Int64Counter
	compensations        metric.Int64Counter
	compensationFailures metric.Int64Counter
	txRetries            metric.Int64Counter
}

// newSagaMetrics registers the counters on the global meter provider. A
// counter that cannot be created falls back to a no-op one.
func newSagaMetrics() *sagaMetrics {
	meter := otel.Meter(instrumentationName)
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			otel.Handle(err)
			return noop.Int64Counter{}
		}
		return c
	}
	return &sagaMetrics{
		outcomes:             counter("saga.outcomes", "Saga invocations by final status"),
		compensations:        counter("saga.compensations", "Compensating actions executed"),
		compensationFailures: counter("saga.compensation_failures", "Compensating actions that failed and need reconciliation"),
		txRetries:            counter("saga.tx_retries", "Saga transactions re-run after a transient failure"),
	}
}

func (m *sagaMetrics) recordOutcome(ctx context.Context, out Outcome) {
	m.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", string(out.Status)),
		attribute.String("order_status", string(out.orderStatus)),
	))
}

func (m *sagaMetrics) recordCompensation(ctx context.Context, step stepName, err error) {
	attrs := metric.WithAttributes(attribute.String("step", string(step)))
	m.compensations.Add(ctx, 1, attrs)
	if err != nil {
		m.compensationFailures.Add(ctx, 1, attrs)
	}
}

// startSagaSpan opens the span covering one CreateOrder invocation.
func startSagaSpan(ctx context.Context, idempotencyKey string, userID int64) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "saga.create_order")
	span.SetAttributes(
		attribute.String("saga.idempotency_key", idempotencyKey),
		attribute.Int64("saga.user_id", userID),
	)
	return ctx, span
}

// startStepSpan opens a span for a forward step or a compensation.
func startStepSpan(ctx context.Context, kind string, step stepName, orderID int64) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "saga."+kind+"."+string(step))
	span.SetAttributes(
		attribute.Int64("saga.order_id", orderID),
		attribute.String("saga.step", string(step)),
		attribute.String("saga.action", kind),
	)
	return ctx, span
}
