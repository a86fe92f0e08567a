// Command orders runs the order-fulfillment saga behind an HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/matheusmosca/order-fulfillment-saga/internal/auth"
	"github.com/matheusmosca/order-fulfillment-saga/internal/config"
	"github.com/matheusmosca/order-fulfillment-saga/internal/logger"
	"github.com/matheusmosca/order-fulfillment-saga/internal/orders"
	"github.com/matheusmosca/order-fulfillment-saga/internal/ports"
	"github.com/matheusmosca/order-fulfillment-saga/internal/telemetry"
	"github.com/matheusmosca/order-fulfillment-saga/migrations"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logr, err := logger.New(cfg.Service.Name, cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer func() { _ = logr.Sync() }()

	if err := run(cfg, logr); err != nil {
		logr.Fatal("orders service stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logr *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry := telemetry.Noop()
	if cfg.Telemetry.Enabled {
		var err error
		shutdownTelemetry, err = telemetry.Setup(ctx, telemetry.Config{
			ServiceName:  cfg.Service.Name,
			OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
			Insecure:     cfg.Telemetry.Insecure,
		})
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			logr.Warn("telemetry shutdown", zap.Error(err))
		}
	}()

	pool, err := initDB(ctx, cfg.Database, logr)
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	defer pool.Close()

	if err := migrations.Apply(ctx, pool, logr); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	billing, warehouse, delivery, closePorts, err := initPorts(ctx, cfg, logr)
	if err != nil {
		return fmt.Errorf("init fulfillment ports: %w", err)
	}
	defer closePorts()

	saga := orders.NewSagaOrchestrator(
		orders.Stores{
			Orders:   orders.NewOrderRepository(pool),
			Payments: orders.NewPaymentRepository(pool),
			Ledger:   orders.NewLedgerRepository(pool),
		},
		orders.NewTransactionExecutor(pool, cfg.ExecutorConfig(), logr),
		billing, warehouse, delivery,
		logr,
	)
	handler := orders.NewOrderHandler(saga, logr)
	authenticator := auth.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)

	r := gin.New()
	r.Use(gin.Recovery(), otelgin.Middleware(cfg.Service.Name))
	r.GET("/health", handler.HealthCheck)
	handler.Register(r, authenticator.Middleware())

	srv := &http.Server{
		Addr:         ":" + cfg.Service.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  30 * time.Second,
	}
	return serve(ctx, srv, cfg.Service.ShutdownTimeout, logr)
}

func initDB(ctx context.Context, cfg config.DatabaseConfig, logr *zap.Logger) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute
	poolCfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	attempts := max(cfg.ConnectAttempts, 1)
	for i := 0; i < attempts; i++ {
		if err := pool.Ping(ctx); err == nil {
			logr.Info("connected to orders database")
			return pool, nil
		}
		logr.Info("waiting for orders database", zap.Int("attempt", i+1), zap.Int("of", attempts))
		select {
		case <-ctx.Done():
			pool.Close()
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}

	pool.Close()
	return nil, fmt.Errorf("failed to connect to database after %d attempts", attempts)
}

// initPorts wires billing, warehouse and delivery either onto the local
// fulfillment tables or onto a remote fulfillment service.
func initPorts(ctx context.Context, cfg config.Config, logr *zap.Logger) (ports.Billing, ports.Warehouse, ports.Delivery, func(), error) {
	if cfg.Fulfillment.Mode == config.ModeRemote {
		logr.Info("using remote fulfillment service",
			zap.String("billing_url", cfg.Fulfillment.BillingURL),
			zap.String("warehouse_url", cfg.Fulfillment.WarehouseURL),
			zap.String("delivery_url", cfg.Fulfillment.DeliveryURL),
		)
		return ports.NewBillingClient(cfg.ClientConfig(cfg.Fulfillment.BillingURL)),
			ports.NewWarehouseClient(cfg.ClientConfig(cfg.Fulfillment.WarehouseURL)),
			ports.NewDeliveryClient(cfg.ClientConfig(cfg.Fulfillment.DeliveryURL)),
			func() {}, nil
	}

	policy, err := cfg.DeliveryPolicy()
	if err != nil {
		return nil, nil, nil, nil, err
	}
	db, err := ports.OpenDB(ctx, cfg.Fulfillment.DatabaseURL, cfg.Database.ConnectAttempts, logr)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	backends, err := ports.NewBackends(ctx, db, cfg.WarehousePolicy(), policy, logr)
	if err != nil {
		db.Close()
		return nil, nil, nil, nil, err
	}
	return backends.Billing, backends.Warehouse, backends.Delivery, func() { db.Close() }, nil
}

func serve(ctx context.Context, srv *http.Server, grace time.Duration, logr *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logr.Info("orders service listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logr.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	return srv.Shutdown(sctx)
}
