// Command fulfillment serves the billing, warehouse and delivery backends over
// HTTP for orchestrators running in remote mode.
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
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/matheusmosca/order-fulfillment-saga/internal/config"
	"github.com/matheusmosca/order-fulfillment-saga/internal/logger"
	"github.com/matheusmosca/order-fulfillment-saga/internal/ports"
	"github.com/matheusmosca/order-fulfillment-saga/internal/telemetry"
)

const serviceName = "fulfillment-service"

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logr, err := logger.New(serviceName, cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer func() { _ = logr.Sync() }()

	if err := run(cfg, logr); err != nil {
		logr.Fatal("fulfillment service stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logr *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry := telemetry.Noop()
	if cfg.Telemetry.Enabled {
		var err error
		shutdownTelemetry, err = telemetry.Setup(ctx, telemetry.Config{
			ServiceName:  serviceName,
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

	policy, err := cfg.DeliveryPolicy()
	if err != nil {
		return err
	}

	db, err := ports.OpenDB(ctx, cfg.Fulfillment.DatabaseURL, cfg.Database.ConnectAttempts, logr)
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	defer db.Close()

	backends, err := ports.NewBackends(ctx, db, cfg.WarehousePolicy(), policy, logr)
	if err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	handler := ports.NewHandler(backends.Billing, backends.Warehouse, backends.Delivery, logr)

	r := gin.New()
	r.Use(gin.Recovery(), otelgin.Middleware(serviceName))
	r.GET("/health", handler.HealthCheck)
	handler.Register(r)

	srv := &http.Server{
		Addr:         ":" + cfg.Fulfillment.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logr.Info("fulfillment service listening", zap.String("addr", srv.Addr))
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
	sctx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(sctx)
}
