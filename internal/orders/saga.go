package orders

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/matheusmosca/order-fulfillment-saga/internal/ports"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Executor runs a saga body inside a database transaction.
type Executor interface {
	Execute(ctx context.Context, body func(ctx context.Context) (Outcome, error)) (Outcome, error)
}

// Stores groups the persistence the orchestrator owns.
type Stores struct {
	Orders   OrderStore
	Payments PaymentStore
	Ledger   Ledger
}

// SagaOrchestrator fulfills orders by reserving funds, stock and a courier in
// that order, compensating on the first rejection.
type SagaOrchestrator struct {
	orders   OrderStore
	payments PaymentStore
	ledger   Ledger
	executor Executor

	billing   ports.Billing
	warehouse ports.Warehouse
	delivery  ports.Delivery

	steps    []sagaStep
	inflight singleflight.Group
	metrics  *sagaMetrics
	logger   *zap.Logger
	now      func() time.Time
}

// NewSagaOrchestrator wires the orchestrator.
func NewSagaOrchestrator(
	stores Stores,
	executor Executor,
	billing ports.Billing,
	warehouse ports.Warehouse,
	delivery ports.Delivery,
	logger *zap.Logger,
) *SagaOrchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &SagaOrchestrator{
		orders:    stores.Orders,
		payments:  stores.Payments,
		ledger:    stores.Ledger,
		executor:  executor,
		billing:   billing,
		warehouse: warehouse,
		delivery:  delivery,
		metrics:   newSagaMetrics(),
		logger:    logger.Named("saga"),
		now:       func() time.Time { return time.Now().UTC() },
	}
	s.steps = s.buildSteps()
	return s
}

// CreateOrder runs the fulfillment saga once per idempotency key. A key that
// already has a recorded outcome gets that outcome back without touching any
// backend. The error is non-nil only for invalid requests; every other
// failure is reported as a Failed outcome.
func (s *SagaOrchestrator) CreateOrder(ctx context.Context, req CreateOrderRequest, userID int64, idempotencyKey string) (Outcome, error) {
	if err := req.Validate(); err != nil {
		return Outcome{}, err
	}
	if strings.TrimSpace(idempotencyKey) == "" {
		idempotencyKey = uuid.NewString()
	}

	v, _, shared := s.inflight.Do(idempotencyKey, func() (any, error) {
		return s.createOrder(ctx, req, userID, idempotencyKey), nil
	})
	if shared {
		s.logger.Debug("joined in-flight saga", zap.String("idempotency_key", idempotencyKey))
	}
	return v.(Outcome), nil
}

// GetOrder loads an order.
func (s *SagaOrchestrator) GetOrder(ctx context.Context, orderID int64) (*Order, error) {
	return s.orders.Get(ctx, orderID)
}

// ListOrders returns the user's orders, newest first.
func (s *SagaOrchestrator) ListOrders(ctx context.Context, userID int64) ([]*Order, error) {
	return s.orders.ListByUser(ctx, userID)
}

func (s *SagaOrchestrator) createOrder(ctx context.Context, req CreateOrderRequest, userID int64, key string) Outcome {
	ctx, span := startSagaSpan(ctx, key, userID)
	defer span.End()

	log := s.logger.With(zap.String("idempotency_key", key), zap.Int64("user_id", userID))

	prior, err := s.ledger.Find(ctx, key)
	if err != nil {
		log.Error("ledger lookup failed", zap.Error(err))
		span.RecordError(err)
		return failedOutcome(0, "", MsgInternalFailure)
	}
	if prior != nil {
		log.Info("replaying recorded saga outcome", zap.Int64("order_id", prior.OrderID))
		span.SetAttributes(attribute.Bool("saga.replayed", true))
		return prior.Outcome()
	}

	orderID, err := s.orders.NextID(ctx)
	if err != nil {
		log.Error("order id allocation failed", zap.Error(err))
		span.RecordError(err)
		return failedOutcome(0, "", MsgInternalFailure)
	}
	span.SetAttributes(attribute.Int64("saga.order_id", orderID))

	ex := newExecution(orderID, userID, key, req, log)
	ex.log.Info("saga started",
		zap.String("product_id", req.ProductID),
		zap.Int("quantity", req.Quantity),
		zap.String("amount", req.Amount.String()),
	)

	out, err := s.executor.Execute(ctx, func(txCtx context.Context) (Outcome, error) {
		return s.run(txCtx, ex)
	})
	if err != nil {
		span.RecordError(err)
		out = s.abort(ctx, ex, err)
	}
	s.metrics.recordOutcome(ctx, out)

	ctx = context.WithoutCancel(ctx)
	if out.Status != SagaStatusCompleted && out.orderStatus != "" {
		s.recordTerminalOrder(ctx, ex, out.orderStatus)
	}

	row := NewCompletedSaga(key, out)
	row.CreatedAt = s.now()
	stored, err := s.ledger.Append(ctx, row)
	if err != nil {
		ex.log.Error("operational alert: saga outcome not recorded", zap.Error(err))
		return row.Outcome()
	}
	if stored.OrderID != orderID {
		ex.log.Warn("another invocation recorded this key first", zap.Int64("recorded_order_id", stored.OrderID))
	}

	ex.log.Info("saga finished",
		zap.String("status", string(stored.Status)),
		zap.String("order_status", string(out.orderStatus)),
	)
	return stored.Outcome()
}

// abort handles a saga the executor gave up on: whatever the outside world
// still holds is compensated and the caller gets a generic failure. A commit
// that went through while reporting an error is detected and kept.
func (s *SagaOrchestrator) abort(ctx context.Context, ex *execution, cause error) Outcome {
	ctx = context.WithoutCancel(ctx)

	order, err := s.orders.Get(ctx, ex.orderID)
	switch {
	case err == nil && order.UserID == ex.userID && order.Status == OrderStatusCompleted:
		ex.log.Warn("saga already committed, keeping completed order", zap.Error(cause))
		return completedOutcome(ex.orderID)
	case err != nil && !errors.Is(err, ErrOrderNotFound):
		ex.log.Warn("could not check order before compensating", zap.Error(err))
	}

	msg := MsgInternalFailure
	if errors.Is(cause, ErrTxConsistency) {
		msg = MsgTxConsistency
	}

	if ex.reached == 0 {
		// Nothing left the order step, so there is no order to record.
		ex.log.Error("saga aborted before any fulfillment step", zap.Error(cause))
		return failedOutcome(ex.orderID, "", msg)
	}

	status := s.failedStatusFor(ex.reached)
	ex.log.Error("saga aborted by infrastructure failure",
		zap.String("step", string(ex.inFlight)),
		zap.String("order_status", string(status)),
		zap.Error(cause),
	)
	s.compensate(ctx, ex)
	return failedOutcome(ex.orderID, status, msg)
}

// recordTerminalOrder persists the failed order outside the rolled back
// transaction. An order that survived (a commit that reported failure but
// went through) is moved forward instead.
func (s *SagaOrchestrator) recordTerminalOrder(ctx context.Context, ex *execution, status OrderStatus) {
	now := s.now()
	order := NewOrder(ex.orderID, ex.userID, ex.request, now)
	if err := order.TransitionTo(status, now); err != nil {
		ex.log.Error("invalid terminal status", zap.Error(err))
		return
	}

	err := s.orders.Create(ctx, order)
	if isUniqueViolation(err) {
		err = s.orders.UpdateStatus(ctx, ex.orderID, status)
	}
	if err != nil {
		ex.log.Error("operational alert: terminal order status not recorded",
			zap.String("order_status", string(status)),
			zap.Error(err),
		)
	}
}
