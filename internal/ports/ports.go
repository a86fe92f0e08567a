// Package ports defines the capabilities the fulfillment saga consumes
// (billing, warehouse and delivery) together with their Postgres-backed
// reference backends and HTTP clients for remote backends.
//
// Every operation returns (result, error): a false result is a business
// rejection, a non-nil error means the backend could not answer.
package ports

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// WithdrawRequest debits a user's account once per IdempotencyKey.
type WithdrawRequest struct {
	UserID         int64           `json:"user_id" binding:"required"`
	Amount         decimal.Decimal `json:"amount" binding:"required"`
	IdempotencyKey string          `json:"idempotency_key" binding:"required"`
	OrderID        *int64          `json:"order_id,omitempty"`
}

// DepositRequest credits a user's account. Used as the billing compensation.
type DepositRequest struct {
	UserID int64           `json:"user_id" binding:"required"`
	Amount decimal.Decimal `json:"amount" binding:"required"`
}

// ProductRequest reserves or releases stock for an order.
type ProductRequest struct {
	ProductID string `json:"product_id" binding:"required"`
	Quantity  int    `json:"quantity" binding:"required,gt=0"`
	OrderID   int64  `json:"order_id" binding:"required"`
}

// CourierRequest asks for a courier for an order's delivery slot.
type CourierRequest struct {
	OrderID int64     `json:"order_id" binding:"required"`
	UserID  int64     `json:"user_id" binding:"required"`
	Slot    time.Time `json:"slot" binding:"required"`
}

// CourierReservation is the delivery backend's answer.
type CourierReservation struct {
	Reserved  bool   `json:"reserved"`
	CourierID string `json:"courier_id,omitempty"`
}

// RestockRequest sets the on-hand quantity of a product.
type RestockRequest struct {
	ProductID string `json:"product_id" binding:"required"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity" binding:"gte=0"`
}

// Billing reserves and refunds funds.
type Billing interface {
	Withdraw(ctx context.Context, req WithdrawRequest) (bool, error)
	Deposit(ctx context.Context, req DepositRequest) (bool, error)
}

// BalanceReader reports account balances.
type BalanceReader interface {
	Balance(ctx context.Context, userID int64) (decimal.Decimal, error)
}

// Warehouse reserves and releases stock.
type Warehouse interface {
	ReserveProduct(ctx context.Context, req ProductRequest) (bool, error)
	ReleaseProduct(ctx context.Context, req ProductRequest) (bool, error)
}

// StockKeeper sets stock levels so a fresh warehouse can take orders.
type StockKeeper interface {
	Restock(ctx context.Context, productID, name string, quantity int) error
}

// Delivery reserves and cancels couriers.
type Delivery interface {
	ReserveCourier(ctx context.Context, req CourierRequest) (CourierReservation, error)
	CancelCourier(ctx context.Context, orderID int64, courierID string) (bool, error)
}
