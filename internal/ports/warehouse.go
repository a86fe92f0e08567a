package ports

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// PostgresWarehouse tracks stock and per-order reservations.
type PostgresWarehouse struct {
	db     *sql.DB
	policy WarehousePolicy
	logger *zap.Logger
}

// NewPostgresWarehouse creates a warehouse backend applying policy before any
// stock is touched.
func NewPostgresWarehouse(db *sql.DB, policy WarehousePolicy, logger *zap.Logger) *PostgresWarehouse {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresWarehouse{db: db, policy: policy, logger: logger.Named("warehouse")}
}

// InitSchema creates warehouse tables if they do not exist.
func (w *PostgresWarehouse) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS warehouse_stock (
			product_id TEXT PRIMARY KEY,
			product_name TEXT NOT NULL DEFAULT '',
			quantity INT NOT NULL CHECK (quantity >= 0),
			reserved INT NOT NULL DEFAULT 0 CHECK (reserved >= 0 AND reserved <= quantity),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS stock_reservations (
			order_id BIGINT NOT NULL,
			product_id TEXT NOT NULL REFERENCES warehouse_stock(product_id),
			quantity INT NOT NULL CHECK (quantity > 0),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (order_id, product_id)
		)`,
	}
	for _, stmt := range statements {
		if _, err := w.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init warehouse schema: %w", err)
		}
	}
	return nil
}

// ReserveProduct reserves stock for the order. A reservation that already
// exists for (order, product) is acknowledged again.
func (w *PostgresWarehouse) ReserveProduct(ctx context.Context, req ProductRequest) (bool, error) {
	log := w.logger.With(
		zap.Int64("order_id", req.OrderID),
		zap.String("product_id", req.ProductID),
		zap.Int("quantity", req.Quantity),
	)

	if !w.policy.Allows(req.ProductID, req.Quantity) {
		log.Warn("reservation rejected by policy")
		return false, nil
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin reserve: %w", err)
	}
	defer tx.Rollback()

	var quantity, reserved int
	err = tx.QueryRowContext(ctx, `
		SELECT quantity, reserved FROM warehouse_stock
		WHERE product_id = $1
		FOR UPDATE`,
		req.ProductID,
	).Scan(&quantity, &reserved)
	if errors.Is(err, sql.ErrNoRows) {
		log.Warn("unknown product")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lock stock: %w", err)
	}

	var exists bool
	if err := tx.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM stock_reservations
			WHERE order_id = $1 AND product_id = $2
		)`,
		req.OrderID, req.ProductID,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check reservation: %w", err)
	}
	if exists {
		log.Info("reservation already held")
		return true, nil
	}

	if quantity-reserved < req.Quantity {
		log.Warn("insufficient stock", zap.Int("available", quantity-reserved))
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE warehouse_stock
		SET reserved = reserved + $1,
		    updated_at = NOW()
		WHERE product_id = $2`,
		req.Quantity, req.ProductID,
	); err != nil {
		return false, fmt.Errorf("reserve stock: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO stock_reservations (order_id, product_id, quantity)
		VALUES ($1, $2, $3)`,
		req.OrderID, req.ProductID, req.Quantity,
	); err != nil {
		return false, fmt.Errorf("insert reservation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit reserve: %w", err)
	}

	log.Info("product reserved")
	return true, nil
}

// ReleaseProduct drops the order's reservation. Releasing something that was
// never reserved succeeds without changes.
func (w *PostgresWarehouse) ReleaseProduct(ctx context.Context, req ProductRequest) (bool, error) {
	log := w.logger.With(
		zap.Int64("order_id", req.OrderID),
		zap.String("product_id", req.ProductID),
	)

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin release: %w", err)
	}
	defer tx.Rollback()

	var held int
	err = tx.QueryRowContext(ctx, `
		DELETE FROM stock_reservations
		WHERE order_id = $1 AND product_id = $2
		RETURNING quantity`,
		req.OrderID, req.ProductID,
	).Scan(&held)
	if errors.Is(err, sql.ErrNoRows) {
		log.Info("nothing to release")
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("delete reservation: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE warehouse_stock
		SET reserved = GREATEST(reserved - $1, 0),
		    updated_at = NOW()
		WHERE product_id = $2`,
		held, req.ProductID,
	); err != nil {
		return false, fmt.Errorf("release stock: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit release: %w", err)
	}

	log.Info("reservation released", zap.Int("quantity", held))
	return true, nil
}

// Restock sets the on-hand quantity for a product, creating it when missing.
func (w *PostgresWarehouse) Restock(ctx context.Context, productID, name string, quantity int) error {
	if _, err := w.db.ExecContext(ctx, `
		INSERT INTO warehouse_stock (product_id, product_name, quantity)
		VALUES ($1, $2, $3)
		ON CONFLICT (product_id) DO UPDATE
		SET quantity = EXCLUDED.quantity,
		    product_name = EXCLUDED.product_name,
		    updated_at = NOW()`,
		productID, name, quantity,
	); err != nil {
		return fmt.Errorf("restock %s: %w", productID, err)
	}
	return nil
}
