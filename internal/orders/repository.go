package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// OrderStore persists orders and their status transitions.
type OrderStore interface {
	// NextID allocates an order id outside any transaction, so a retried
	// saga keeps the same id.
	NextID(ctx context.Context) (int64, error)

	// Create inserts a new order.
	Create(ctx context.Context, order *Order) error

	// UpdateStatus moves an order forward. Terminal orders are never changed.
	UpdateStatus(ctx context.Context, orderID int64, status OrderStatus) error

	// Get loads an order by id.
	Get(ctx context.Context, orderID int64) (*Order, error)

	// ListByUser returns a user's orders, newest first.
	ListByUser(ctx context.Context, userID int64) ([]*Order, error)
}

// PaymentStore keeps the local record of withdrawals made for orders.
type PaymentStore interface {
	// FindByOrder returns nil when the order has no payment yet.
	FindByOrder(ctx context.Context, orderID, userID int64) (*PaymentTransaction, error)
	Create(ctx context.Context, payment *PaymentTransaction) error
	Finalize(ctx context.Context, key string, status PaymentStatus, at time.Time) error
}

// OrderRepository implements OrderStore on PostgreSQL.
type OrderRepository struct {
	db querier
}

// NewOrderRepository creates an OrderRepository. db is usually a *pgxpool.Pool.
func NewOrderRepository(db querier) *OrderRepository {
	return &OrderRepository{db: db}
}

func (r *OrderRepository) NextID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.db.QueryRow(ctx, `SELECT nextval('orders_id_seq')`).Scan(&id); err != nil {
		return 0, fmt.Errorf("allocate order id: %w", err)
	}
	return id, nil
}

func (r *OrderRepository) Create(ctx context.Context, order *Order) error {
	_, err := conn(ctx, r.db).Exec(ctx, `
		INSERT INTO orders (id, user_id, amount, product_id, quantity, delivery_slot, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, order.ID, order.UserID, order.Amount, order.ProductID, order.Quantity,
		order.DeliverySlot, string(order.Status), order.CreatedAt, order.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create order %d: %w", order.ID, err)
	}
	return nil
}

func (r *OrderRepository) UpdateStatus(ctx context.Context, orderID int64, status OrderStatus) error {
	if !OrderStatusProcessing.CanTransitionTo(status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, OrderStatusProcessing, status)
	}

	tag, err := conn(ctx, r.db).Exec(ctx, `
		UPDATE orders
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`, string(status), orderID, string(OrderStatusProcessing))
	if err != nil {
		return fmt.Errorf("update order %d status: %w", orderID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	current, err := r.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if current.Status == status {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, status)
}

func (r *OrderRepository) Get(ctx context.Context, orderID int64) (*Order, error) {
	var (
		order  Order
		status string
	)
	err := conn(ctx, r.db).QueryRow(ctx, `
		SELECT id, user_id, amount, product_id, quantity, delivery_slot, status, created_at, updated_at
		FROM orders WHERE id = $1
	`, orderID).Scan(&order.ID, &order.UserID, &order.Amount, &order.ProductID, &order.Quantity,
		&order.DeliverySlot, &status, &order.CreatedAt, &order.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrOrderNotFound, orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("get order %d: %w", orderID, err)
	}
	if order.Status, err = ParseOrderStatus(status); err != nil {
		return nil, err
	}
	return &order, nil
}

// ListByUser returns the user's orders, newest first.
func (r *OrderRepository) ListByUser(ctx context.Context, userID int64) ([]*Order, error) {
	rows, err := conn(ctx, r.db).Query(ctx, `
		SELECT id, user_id, amount, product_id, quantity, delivery_slot, status, created_at, updated_at
		FROM orders WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list orders for user %d: %w", userID, err)
	}
	defer rows.Close()

	var orders []*Order
	for rows.Next() {
		var (
			order  Order
			status string
		)
		if err := rows.Scan(&order.ID, &order.UserID, &order.Amount, &order.ProductID, &order.Quantity,
			&order.DeliverySlot, &status, &order.CreatedAt, &order.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		if order.Status, err = ParseOrderStatus(status); err != nil {
			return nil, err
		}
		orders = append(orders, &order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list orders for user %d: %w", userID, err)
	}
	return orders, nil
}

// PaymentRepository implements PaymentStore on PostgreSQL.
type PaymentRepository struct {
	db querier
}

func NewPaymentRepository(db querier) *PaymentRepository {
	return &PaymentRepository{db: db}
}

func (r *PaymentRepository) FindByOrder(ctx context.Context, orderID, userID int64) (*PaymentTransaction, error) {
	var (
		p      PaymentTransaction
		status string
	)
	err := conn(ctx, r.db).QueryRow(ctx, `
		SELECT id, idempotency_key, user_id, order_id, amount, status, created_at, completed_at
		FROM payment_transactions
		WHERE order_id = $1 AND user_id = $2
	`, orderID, userID).Scan(&p.ID, &p.IdempotencyKey, &p.UserID, &p.OrderID, &p.Amount,
		&status, &p.CreatedAt, &p.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find payment for order %d: %w", orderID, err)
	}
	p.Status = PaymentStatus(status)
	return &p, nil
}

// Create inserts the payment, or resets a leftover unfinished record for the
// same key back to Processing.
func (r *PaymentRepository) Create(ctx context.Context, p *PaymentTransaction) error {
	err := conn(ctx, r.db).QueryRow(ctx, `
		INSERT INTO payment_transactions (idempotency_key, user_id, order_id, amount, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = EXCLUDED.status
		WHERE payment_transactions.status <> 'Completed'
		RETURNING id
	`, p.IdempotencyKey, p.UserID, p.OrderID, p.Amount, string(p.Status), p.CreatedAt).Scan(&p.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("payment %s already completed", p.IdempotencyKey)
	}
	if err != nil {
		return fmt.Errorf("create payment %s: %w", p.IdempotencyKey, err)
	}
	return nil
}

func (r *PaymentRepository) Finalize(ctx context.Context, key string, status PaymentStatus, at time.Time) error {
	tag, err := conn(ctx, r.db).Exec(ctx, `
		UPDATE payment_transactions
		SET status = $1, completed_at = $2
		WHERE idempotency_key = $3
	`, string(status), at, key)
	if err != nil {
		return fmt.Errorf("finalize payment %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("finalize payment %s: no such payment", key)
	}
	return nil
}
