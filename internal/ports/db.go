package ports

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// OpenDB opens the fulfillment database and waits for it to accept
// connections, trying once per second up to attempts times.
func OpenDB(ctx context.Context, dsn string, attempts int, logger *zap.Logger) (*sql.DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if attempts <= 0 {
		attempts = 1
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open fulfillment database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	for i := 0; i < attempts; i++ {
		if err = db.PingContext(ctx); err == nil {
			logger.Info("connected to fulfillment database")
			return db, nil
		}
		logger.Info("waiting for fulfillment database", zap.Int("attempt", i+1), zap.Int("of", attempts))
		select {
		case <-ctx.Done():
			db.Close()
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}

	db.Close()
	return nil, fmt.Errorf("fulfillment database not reachable after %d attempts: %w", attempts, err)
}

// Backends bundles the Postgres reference implementations of the three ports.
type Backends struct {
	Billing   *PostgresBilling
	Warehouse *PostgresWarehouse
	Delivery  *PostgresDelivery
}

// NewBackends builds the three backends on db and creates their tables.
func NewBackends(ctx context.Context, db *sql.DB, wp WarehousePolicy, dp DeliveryPolicy, logger *zap.Logger) (*Backends, error) {
	b := &Backends{
		Billing:   NewPostgresBilling(db, logger),
		Warehouse: NewPostgresWarehouse(db, wp, logger),
		Delivery:  NewPostgresDelivery(db, dp, logger),
	}
	for _, create := range []func(context.Context) error{
		b.Billing.InitSchema,
		b.Warehouse.InitSchema,
		b.Delivery.InitSchema,
	} {
		if err := create(ctx); err != nil {
			return nil, err
		}
	}
	return b, nil
}
