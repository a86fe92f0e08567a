package orders

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidRequest    = errors.New("invalid order request")
	ErrOrderNotFound     = errors.New("order not found")
	ErrInvalidTransition = errors.New("invalid order status transition")
)

// Failure messages returned to the caller. They are part of the public contract.
const (
	MsgPaymentFailed     = "Payment failed: insufficient funds"
	MsgReservationFailed = "Product reservation failed: insufficient stock"
	MsgDeliveryFailed    = "Courier reservation failed: no available couriers"
	MsgInternalFailure   = "Order processing failed: internal error"
	MsgTxConsistency     = "Transaction consistency error"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusProcessing      OrderStatus = "Processing"
	OrderStatusCompleted       OrderStatus = "Completed"
	OrderStatusFailedPayment   OrderStatus = "Failed-Payment"
	OrderStatusFailedWarehouse OrderStatus = "Failed-Warehouse"
	OrderStatusFailedDelivery  OrderStatus = "Failed-Delivery"
)

// ParseOrderStatus maps a stored value back onto the enumeration.
func ParseOrderStatus(s string) (OrderStatus, error) {
	switch st := OrderStatus(s); st {
	case OrderStatusProcessing,
		OrderStatusCompleted,
		OrderStatusFailedPayment,
		OrderStatusFailedWarehouse,
		OrderStatusFailedDelivery:
		return st, nil
	}
	return "", fmt.Errorf("unknown order status %q", s)
}

// IsTerminal reports whether no further transition is allowed.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusProcessing:
		return false
	case OrderStatusCompleted,
		OrderStatusFailedPayment,
		OrderStatusFailedWarehouse,
		OrderStatusFailedDelivery:
		return true
	}
	return false
}

// IsFailure reports whether the status is one of the Failed-* values.
func (s OrderStatus) IsFailure() bool {
	return s.IsTerminal() && s != OrderStatusCompleted
}

// CanTransitionTo enforces forward-only movement: Processing may become any
// terminal status, terminal statuses never change.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	return s == OrderStatusProcessing && next.IsTerminal()
}

// Order is a customer order driven by the fulfillment saga.
type Order struct {
	ID           int64           `json:"id" db:"id"`
	UserID       int64           `json:"user_id" db:"user_id"`
	Amount       decimal.Decimal `json:"amount" db:"amount"`
	ProductID    string          `json:"product_id" db:"product_id"`
	Quantity     int             `json:"quantity" db:"quantity"`
	DeliverySlot time.Time       `json:"delivery_slot" db:"delivery_slot"`
	Status       OrderStatus     `json:"status" db:"status"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// NewOrder creates an order in the Processing state.
func NewOrder(id, userID int64, req CreateOrderRequest, now time.Time) *Order {
	return &Order{
		ID:           id,
		UserID:       userID,
		Amount:       req.Amount,
		ProductID:    req.ProductID,
		Quantity:     req.Quantity,
		DeliverySlot: req.DeliverySlot,
		Status:       OrderStatusProcessing,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// TransitionTo moves the order forward or returns ErrInvalidTransition.
func (o *Order) TransitionTo(next OrderStatus, now time.Time) error {
	if !o.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, next)
	}
	o.Status = next
	o.UpdatedAt = now
	return nil
}

// PaymentStatus is the state of a local payment record.
type PaymentStatus string

const (
	PaymentStatusProcessing PaymentStatus = "Processing"
	PaymentStatusCompleted  PaymentStatus = "Completed"
	PaymentStatusFailed     PaymentStatus = "Failed"
)

// PaymentTransaction records one withdrawal attempt for an order.
type PaymentTransaction struct {
	ID             int64           `json:"id" db:"id"`
	IdempotencyKey string          `json:"idempotency_key" db:"idempotency_key"`
	UserID         int64           `json:"user_id" db:"user_id"`
	OrderID        *int64          `json:"order_id" db:"order_id"`
	Amount         decimal.Decimal `json:"amount" db:"amount"`
	Status         PaymentStatus   `json:"status" db:"status"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	CompletedAt    *time.Time      `json:"completed_at" db:"completed_at"`
}

// NewPaymentTransaction creates a Processing payment record.
func NewPaymentTransaction(key string, userID, orderID int64, amount decimal.Decimal, now time.Time) *PaymentTransaction {
	return &PaymentTransaction{
		IdempotencyKey: key,
		UserID:         userID,
		OrderID:        &orderID,
		Amount:         amount,
		Status:         PaymentStatusProcessing,
		CreatedAt:      now,
	}
}

// SagaStatus is the externally visible outcome of one saga invocation.
type SagaStatus string

const (
	SagaStatusCompleted SagaStatus = "Completed"
	SagaStatusFailed    SagaStatus = "Failed"
)

// ParseSagaStatus maps a stored value back onto the enumeration.
func ParseSagaStatus(s string) (SagaStatus, error) {
	switch st := SagaStatus(s); st {
	case SagaStatusCompleted, SagaStatusFailed:
		return st, nil
	}
	return "", fmt.Errorf("unknown saga status %q", s)
}

// CompletedSaga is a ledger row: the terminal outcome recorded for an idempotency key.
type CompletedSaga struct {
	ID             int64      `json:"id" db:"id"`
	IdempotencyKey string     `json:"idempotency_key" db:"idempotency_key"`
	OrderID        int64      `json:"order_id" db:"order_id"`
	Status         SagaStatus `json:"status" db:"status"`
	ErrorMessage   *string    `json:"error_message" db:"error_message"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}

// Outcome returns the stored response exactly as it was first produced.
func (c CompletedSaga) Outcome() Outcome {
	out := Outcome{OrderID: c.OrderID, Status: c.Status}
	if c.ErrorMessage != nil {
		out.ErrorMessage = *c.ErrorMessage
	}
	return out
}

// CreateOrderRequest is the caller's order payload.
type CreateOrderRequest struct {
	Amount       decimal.Decimal `json:"amount"`
	ProductID    string          `json:"productId"`
	Quantity     int             `json:"quantity"`
	DeliverySlot time.Time       `json:"deliverySlot"`
}

// Validate rejects requests the saga cannot act on.
func (r CreateOrderRequest) Validate() error {
	var problems []string
	if !r.Amount.IsPositive() {
		problems = append(problems, "amount must be positive")
	}
	if strings.TrimSpace(r.ProductID) == "" {
		problems = append(problems, "productId is required")
	}
	if r.Quantity <= 0 {
		problems = append(problems, "quantity must be positive")
	}
	if r.DeliverySlot.IsZero() {
		problems = append(problems, "deliverySlot is required")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidRequest, strings.Join(problems, "; "))
	}
	return nil
}

// Outcome is the result of one createOrder invocation.
type Outcome struct {
	OrderID      int64
	Status       SagaStatus
	ErrorMessage string

	// orderStatus is the terminal order status the saga decided on.
	orderStatus OrderStatus
}

func completedOutcome(orderID int64) Outcome {
	return Outcome{OrderID: orderID, Status: SagaStatusCompleted, orderStatus: OrderStatusCompleted}
}

func failedOutcome(orderID int64, status OrderStatus, msg string) Outcome {
	return Outcome{OrderID: orderID, Status: SagaStatusFailed, ErrorMessage: msg, orderStatus: status}
}

// CreateOrderResponse is the wire shape of an Outcome.
type CreateOrderResponse struct {
	OrderID      int64   `json:"orderId"`
	Status       string  `json:"status"`
	ErrorMessage *string `json:"errorMessage"`
}

// Response renders the outcome for the caller. An empty message becomes null.
func (o Outcome) Response() CreateOrderResponse {
	resp := CreateOrderResponse{OrderID: o.OrderID, Status: string(o.Status)}
	if o.ErrorMessage != "" {
		msg := o.ErrorMessage
		resp.ErrorMessage = &msg
	}
	return resp
}
