package ports

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	courierReserved  = "reserved"
	courierCancelled = "cancelled"
)

// PostgresDelivery books couriers inside the serviceable window.
type PostgresDelivery struct {
	db           *sql.DB
	policy       DeliveryPolicy
	logger       *zap.Logger
	newCourierID func() string
}

// NewPostgresDelivery creates a delivery backend.
func NewPostgresDelivery(db *sql.DB, policy DeliveryPolicy, logger *zap.Logger) *PostgresDelivery {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresDelivery{
		db:           db,
		policy:       policy,
		logger:       logger.Named("delivery"),
		newCourierID: func() string { return "courier-" + uuid.NewString() },
	}
}

// InitSchema creates the reservation table if it does not exist.
func (d *PostgresDelivery) InitSchema(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS courier_reservations (
			order_id BIGINT PRIMARY KEY,
			user_id BIGINT NOT NULL,
			courier_id TEXT NOT NULL,
			slot TIMESTAMPTZ NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`); err != nil {
		return fmt.Errorf("init delivery schema: %w", err)
	}
	return nil
}

// ReserveCourier books a courier for the order. Repeating the call for the
// same order returns the courier booked the first time.
func (d *PostgresDelivery) ReserveCourier(ctx context.Context, req CourierRequest) (CourierReservation, error) {
	log := d.logger.With(
		zap.Int64("order_id", req.OrderID),
		zap.Time("slot", req.Slot),
	)

	if !d.policy.Serviceable(req.Slot) {
		log.Warn("no couriers available for slot")
		return CourierReservation{Reserved: false}, nil
	}

	var courierID string
	if err := d.db.QueryRowContext(ctx, `
		INSERT INTO courier_reservations (order_id, user_id, courier_id, slot, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (order_id) DO UPDATE
		SET status = EXCLUDED.status,
		    updated_at = NOW()
		RETURNING courier_id`,
		req.OrderID, req.UserID, d.newCourierID(), req.Slot, courierReserved,
	).Scan(&courierID); err != nil {
		return CourierReservation{}, fmt.Errorf("reserve courier: %w", err)
	}

	log.Info("courier reserved", zap.String("courier_id", courierID))
	return CourierReservation{Reserved: true, CourierID: courierID}, nil
}

// CancelCourier marks the booking cancelled. Unknown bookings are a no-op.
func (d *PostgresDelivery) CancelCourier(ctx context.Context, orderID int64, courierID string) (bool, error) {
	res, err := d.db.ExecContext(ctx, `
		UPDATE courier_reservations
		SET status = $1, updated_at = NOW()
		WHERE order_id = $2 AND courier_id = $3`,
		courierCancelled, orderID, courierID,
	)
	if err != nil {
		return false, fmt.Errorf("cancel courier: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		d.logger.Info("no courier booking to cancel", zap.Int64("order_id", orderID))
	}
	return true, nil
}
