package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/matheusmosca/order-fulfillment-saga/internal/ports"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

type stepName string

const (
	stepOrder     stepName = "order"
	stepBilling   stepName = "billing"
	stepWarehouse stepName = "warehouse"
	stepDelivery  stepName = "delivery"
)

// execution is the state of one CreateOrder invocation. It survives
// transaction retries, so completed tracks what the outside world holds
// across attempts.
type execution struct {
	orderID        int64
	userID         int64
	idempotencyKey string
	paymentKey     string
	request        CreateOrderRequest
	courierID      string

	inFlight  stepName
	completed map[stepName]bool
	// reached is the index of the furthest step any attempt started.
	reached int

	log *zap.Logger
}

func newExecution(orderID, userID int64, key string, req CreateOrderRequest, logger *zap.Logger) *execution {
	return &execution{
		orderID:        orderID,
		userID:         userID,
		idempotencyKey: key,
		paymentKey:     paymentKey(orderID, userID),
		request:        req,
		completed:      make(map[stepName]bool),
		log:            logger.With(zap.Int64("order_id", orderID)),
	}
}

// paymentKey is stable for an order, so a re-run withdrawal is recognised by billing.
func paymentKey(orderID, userID int64) string {
	return fmt.Sprintf("withdraw_%d_%d", orderID, userID)
}

func (ex *execution) markDone(step stepName) { ex.completed[step] = true }

func (ex *execution) markUndone(step stepName) { delete(ex.completed, step) }

// stepOutcome is what a forward step reports back to the state machine.
type stepOutcome struct {
	succeeded bool
	failure   Outcome
}

func proceed() stepOutcome {
	return stepOutcome{succeeded: true}
}

func reject(failure Outcome) stepOutcome {
	return stepOutcome{failure: failure}
}

// sagaStep is one forward action and, for external steps, its compensation.
type sagaStep struct {
	name         stepName
	failedStatus OrderStatus
	// detached steps, and everything after them, ignore caller cancellation.
	detached   bool
	forward    func(ctx context.Context, ex *execution) (stepOutcome, error)
	compensate func(ctx context.Context, ex *execution) error
}

func (s *SagaOrchestrator) buildSteps() []sagaStep {
	return []sagaStep{
		{
			name:         stepOrder,
			failedStatus: OrderStatusFailedPayment,
			forward:      s.persistOrder,
		},
		{
			name:         stepBilling,
			failedStatus: OrderStatusFailedPayment,
			detached:     true,
			forward:      s.withdraw,
			compensate:   s.refund,
		},
		{
			name:         stepWarehouse,
			failedStatus: OrderStatusFailedWarehouse,
			forward:      s.reserveProduct,
			compensate:   s.releaseProduct,
		},
		{
			name:         stepDelivery,
			failedStatus: OrderStatusFailedDelivery,
			forward:      s.reserveCourier,
			compensate:   s.cancelCourier,
		},
	}
}

// run is the saga body handed to the executor. Steps run strictly in order;
// the first rejection compensates what already happened and ends the saga.
func (s *SagaOrchestrator) run(ctx context.Context, ex *execution) (Outcome, error) {
	for i, step := range s.steps {
		if step.detached {
			ctx = context.WithoutCancel(ctx)
		}
		ex.inFlight = step.name
		ex.reached = max(ex.reached, i)

		res, err := s.runStep(ctx, step, ex)
		if err != nil {
			return Outcome{}, fmt.Errorf("%s step: %w", step.name, err)
		}
		if !res.succeeded {
			ex.log.Warn("saga step rejected",
				zap.String("step", string(step.name)),
				zap.String("reason", res.failure.ErrorMessage),
			)
			s.compensate(ctx, ex)
			return res.failure, nil
		}
	}
	ex.inFlight = ""
	ex.reached = len(s.steps)

	if err := s.orders.UpdateStatus(ctx, ex.orderID, OrderStatusCompleted); err != nil {
		return Outcome{}, fmt.Errorf("complete order: %w", err)
	}
	return completedOutcome(ex.orderID), nil
}

func (s *SagaOrchestrator) runStep(ctx context.Context, step sagaStep, ex *execution) (stepOutcome, error) {
	ctx, span := startStepSpan(ctx, "forward", step.name, ex.orderID)
	defer span.End()

	res, err := step.forward(ctx, ex)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	span.SetAttributes(attribute.Bool("saga.step.succeeded", res.succeeded))
	return res, nil
}

// compensate undoes every externally completed step, last first. Failures
// are logged and counted; they never change the outcome already decided.
func (s *SagaOrchestrator) compensate(ctx context.Context, ex *execution) {
	ctx = context.WithoutCancel(ctx)
	for i := len(s.steps) - 1; i >= 0; i-- {
		step := s.steps[i]
		if step.compensate == nil || !ex.completed[step.name] {
			continue
		}

		stepCtx, span := startStepSpan(ctx, "compensate", step.name, ex.orderID)
		err := step.compensate(stepCtx, ex)
		ex.markUndone(step.name)
		s.metrics.recordCompensation(ctx, step.name, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			ex.log.Error("operational alert: compensation failed, manual reconciliation required",
				zap.String("step", string(step.name)),
				zap.Error(err),
			)
		} else {
			ex.log.Info("compensation applied", zap.String("step", string(step.name)))
		}
		span.End()
	}
}

func (s *SagaOrchestrator) persistOrder(ctx context.Context, ex *execution) (stepOutcome, error) {
	order := NewOrder(ex.orderID, ex.userID, ex.request, s.now())
	if err := s.orders.Create(ctx, order); err != nil {
		return stepOutcome{}, err
	}
	return proceed(), nil
}

func (s *SagaOrchestrator) withdraw(ctx context.Context, ex *execution) (stepOutcome, error) {
	existing, err := s.payments.FindByOrder(ctx, ex.orderID, ex.userID)
	if err != nil {
		return stepOutcome{}, err
	}
	if existing != nil && existing.Status == PaymentStatusCompleted {
		ex.log.Info("payment already completed", zap.String("payment_key", existing.IdempotencyKey))
		ex.markDone(stepBilling)
		return proceed(), nil
	}

	payment := NewPaymentTransaction(ex.paymentKey, ex.userID, ex.orderID, ex.request.Amount, s.now())
	if err := s.payments.Create(ctx, payment); err != nil {
		return stepOutcome{}, err
	}

	orderID := ex.orderID
	ok, err := s.billing.Withdraw(ctx, ports.WithdrawRequest{
		UserID:         ex.userID,
		Amount:         ex.request.Amount,
		IdempotencyKey: ex.paymentKey,
		OrderID:        &orderID,
	})
	if err != nil {
		return stepOutcome{}, fmt.Errorf("withdraw: %w", err)
	}
	if !ok {
		if err := s.payments.Finalize(ctx, ex.paymentKey, PaymentStatusFailed, s.now()); err != nil {
			return stepOutcome{}, err
		}
		return reject(failedOutcome(ex.orderID, OrderStatusFailedPayment, MsgPaymentFailed)), nil
	}
	ex.markDone(stepBilling)

	if err := s.payments.Finalize(ctx, ex.paymentKey, PaymentStatusCompleted, s.now()); err != nil {
		return stepOutcome{}, err
	}
	return proceed(), nil
}

func (s *SagaOrchestrator) refund(ctx context.Context, ex *execution) error {
	ok, err := s.billing.Deposit(ctx, ports.DepositRequest{
		UserID: ex.userID,
		Amount: ex.request.Amount,
	})
	if err != nil {
		return fmt.Errorf("deposit: %w", err)
	}
	if !ok {
		return errors.New("deposit rejected")
	}
	return nil
}

func (s *SagaOrchestrator) productRequest(ex *execution) ports.ProductRequest {
	return ports.ProductRequest{
		ProductID: ex.request.ProductID,
		Quantity:  ex.request.Quantity,
		OrderID:   ex.orderID,
	}
}

func (s *SagaOrchestrator) reserveProduct(ctx context.Context, ex *execution) (stepOutcome, error) {
	ok, err := s.warehouse.ReserveProduct(ctx, s.productRequest(ex))
	if err != nil {
		return stepOutcome{}, fmt.Errorf("reserve product: %w", err)
	}
	if !ok {
		return reject(failedOutcome(ex.orderID, OrderStatusFailedWarehouse, MsgReservationFailed)), nil
	}
	ex.markDone(stepWarehouse)
	return proceed(), nil
}

func (s *SagaOrchestrator) releaseProduct(ctx context.Context, ex *execution) error {
	ok, err := s.warehouse.ReleaseProduct(ctx, s.productRequest(ex))
	if err != nil {
		return fmt.Errorf("release product: %w", err)
	}
	if !ok {
		return errors.New("release rejected")
	}
	return nil
}

func (s *SagaOrchestrator) reserveCourier(ctx context.Context, ex *execution) (stepOutcome, error) {
	res, err := s.delivery.ReserveCourier(ctx, ports.CourierRequest{
		OrderID: ex.orderID,
		UserID:  ex.userID,
		Slot:    ex.request.DeliverySlot,
	})
	if err != nil {
		return stepOutcome{}, fmt.Errorf("reserve courier: %w", err)
	}
	if !res.Reserved {
		return reject(failedOutcome(ex.orderID, OrderStatusFailedDelivery, MsgDeliveryFailed)), nil
	}
	ex.courierID = res.CourierID
	ex.markDone(stepDelivery)
	return proceed(), nil
}

func (s *SagaOrchestrator) cancelCourier(ctx context.Context, ex *execution) error {
	ok, err := s.delivery.CancelCourier(ctx, ex.orderID, ex.courierID)
	if err != nil {
		return fmt.Errorf("cancel courier: %w", err)
	}
	if !ok {
		return errors.New("courier cancellation rejected")
	}
	return nil
}

// failedStatusFor maps the furthest step reached onto the terminal order
// status. Past the last step it is the last step's status.
func (s *SagaOrchestrator) failedStatusFor(reached int) OrderStatus {
	if reached < len(s.steps) {
		return s.steps[reached].failedStatus
	}
	return s.steps[len(s.steps)-1].failedStatus
}
