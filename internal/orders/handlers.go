package orders

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/matheusmosca/order-fulfillment-saga/internal/auth"
)

// IdempotencyHeader carries the caller's idempotency key.
const IdempotencyHeader = "Idempotency-Key"

// OrderService is what the HTTP layer needs from the orchestrator.
type OrderService interface {
	CreateOrder(ctx context.Context, req CreateOrderRequest, userID int64, idempotencyKey string) (Outcome, error)
	GetOrder(ctx context.Context, orderID int64) (*Order, error)
	ListOrders(ctx context.Context, userID int64) ([]*Order, error)
}

// OrderHandler exposes the saga over HTTP.
type OrderHandler struct {
	service OrderService
	tracer  trace.Tracer
	logger  *zap.Logger
}

func NewOrderHandler(service OrderService, logger *zap.Logger) *OrderHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OrderHandler{
		service: service,
		tracer:  otel.Tracer("orders-service"),
		logger:  logger,
	}
}

// Register mounts the order routes behind the given middleware.
func (h *OrderHandler) Register(r gin.IRouter, middleware ...gin.HandlerFunc) {
	group := r.Group("/api/orders", middleware...)
	group.POST("", h.CreateOrder)
	group.GET("", h.ListOrders)
	group.GET("/:id", h.GetOrder)
}

// CreateOrder runs the saga. Saga failures are answered with 200 and status
// Failed; only malformed requests get a 4xx.
func (h *OrderHandler) CreateOrder(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "http.create_order")
	defer span.End()

	userID, ok := auth.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}

	var req CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		span.RecordError(err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	key := c.GetHeader(IdempotencyHeader)
	span.SetAttributes(
		attribute.Int64("user_id", userID),
		attribute.String("idempotency_key", key),
		attribute.String("product_id", req.ProductID),
	)

	out, err := h.service.CreateOrder(ctx, req, userID, key)
	if errors.Is(err, ErrInvalidRequest) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		span.RecordError(err)
		h.logger.Error("create order failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create order"})
		return
	}

	span.SetAttributes(
		attribute.Int64("order_id", out.OrderID),
		attribute.String("saga.status", string(out.Status)),
	)
	c.JSON(http.StatusOK, out.Response())
}

// GetOrder returns an order owned by the caller.
func (h *OrderHandler) GetOrder(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "http.get_order")
	defer span.End()

	userID, ok := auth.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}

	orderID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || orderID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return
	}
	span.SetAttributes(attribute.Int64("order_id", orderID))

	order, err := h.service.GetOrder(ctx, orderID)
	// Someone else's order is reported as missing.
	if errors.Is(err, ErrOrderNotFound) || (err == nil && order.UserID != userID) {
		c.JSON(http.StatusNotFound, gin.H{"error": ErrOrderNotFound.Error()})
		return
	}
	if err != nil {
		span.RecordError(err)
		h.logger.Error("get order failed", zap.Int64("order_id", orderID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load order"})
		return
	}

	c.JSON(http.StatusOK, order)
}

// ListOrders returns the caller's orders, newest first.
func (h *OrderHandler) ListOrders(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "http.list_orders")
	defer span.End()

	userID, ok := auth.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	span.SetAttributes(attribute.Int64("user_id", userID))

	list, err := h.service.ListOrders(ctx, userID)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("list orders failed", zap.Int64("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list orders"})
		return
	}
	if list == nil {
		list = []*Order{}
	}
	c.JSON(http.StatusOK, list)
}

// HealthCheck reports liveness.
func (h *OrderHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "orders-service",
	})
}
