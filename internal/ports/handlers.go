package ports

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Handler exposes the three backends over HTTP for remote orchestrators.
type Handler struct {
	billing   Billing
	warehouse Warehouse
	delivery  Delivery
	balances  BalanceReader
	stock     StockKeeper
	tracer    trace.Tracer
	logger    *zap.Logger
}

// NewHandler creates the fulfillment HTTP handler.
func NewHandler(billing Billing, warehouse Warehouse, delivery Delivery, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		billing:   billing,
		warehouse: warehouse,
		delivery:  delivery,
		tracer:    otel.Tracer("fulfillment-service"),
		logger:    logger,
	}
	h.balances, _ = billing.(BalanceReader)
	h.stock, _ = warehouse.(StockKeeper)
	return h
}

// Register mounts the fulfillment routes. The balance and stock routes are
// mounted only when the backends support them.
func (h *Handler) Register(r gin.IRouter) {
	billing := r.Group("/api/billing")
	billing.POST("/withdraw", h.Withdraw)
	billing.POST("/deposit", h.Deposit)
	if h.balances != nil {
		billing.GET("/balance/:userId", h.Balance)
	}

	warehouse := r.Group("/api/warehouse")
	warehouse.POST("/reserve", h.ReserveProduct)
	warehouse.POST("/release", h.ReleaseProduct)
	if h.stock != nil {
		warehouse.PUT("/stock", h.Restock)
	}

	delivery := r.Group("/api/delivery")
	delivery.POST("/reserve", h.ReserveCourier)
	delivery.POST("/cancel", h.CancelCourier)
}

func (h *Handler) Withdraw(c *gin.Context) {
	var req WithdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, resultResponse{Error: err.Error()})
		return
	}
	ctx, span := h.tracer.Start(c.Request.Context(), "billing.withdraw")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("user_id", req.UserID),
		attribute.String("idempotency_key", req.IdempotencyKey),
	)

	ok, err := h.billing.Withdraw(ctx, req)
	h.respond(c, span, "withdraw", resultResponse{Success: ok}, err)
}

func (h *Handler) Deposit(c *gin.Context) {
	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, resultResponse{Error: err.Error()})
		return
	}
	ctx, span := h.tracer.Start(c.Request.Context(), "billing.deposit")
	defer span.End()
	span.SetAttributes(attribute.Int64("user_id", req.UserID))

	ok, err := h.billing.Deposit(ctx, req)
	h.respond(c, span, "deposit", resultResponse{Success: ok}, err)
}

// Balance answers with the user's current balance.
func (h *Handler) Balance(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("userId"), 10, 64)
	if err != nil || userID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}
	ctx, span := h.tracer.Start(c.Request.Context(), "billing.balance")
	defer span.End()
	span.SetAttributes(attribute.Int64("user_id", userID))

	balance, err := h.balances.Balance(ctx, userID)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("read balance failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read balance"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "balance": balance})
}

// Restock sets the on-hand quantity of a product.
func (h *Handler) Restock(c *gin.Context) {
	var req RestockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, resultResponse{Error: err.Error()})
		return
	}
	if req.Name == "" {
		req.Name = req.ProductID
	}
	ctx, span := h.tracer.Start(c.Request.Context(), "warehouse.restock")
	defer span.End()
	span.SetAttributes(
		attribute.String("product_id", req.ProductID),
		attribute.Int("quantity", req.Quantity),
	)

	err := h.stock.Restock(ctx, req.ProductID, req.Name, req.Quantity)
	h.respond(c, span, "restock", resultResponse{Success: err == nil}, err)
}

func (h *Handler) ReserveProduct(c *gin.Context) {
	var req ProductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, resultResponse{Error: err.Error()})
		return
	}
	ctx, span := h.tracer.Start(c.Request.Context(), "warehouse.reserve")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("order_id", req.OrderID),
		attribute.String("product_id", req.ProductID),
	)

	ok, err := h.warehouse.ReserveProduct(ctx, req)
	h.respond(c, span, "reserve product", resultResponse{Success: ok}, err)
}

func (h *Handler) ReleaseProduct(c *gin.Context) {
	var req ProductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, resultResponse{Error: err.Error()})
		return
	}
	ctx, span := h.tracer.Start(c.Request.Context(), "warehouse.release")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("order_id", req.OrderID),
		attribute.String("product_id", req.ProductID),
	)

	ok, err := h.warehouse.ReleaseProduct(ctx, req)
	h.respond(c, span, "release product", resultResponse{Success: ok}, err)
}

func (h *Handler) ReserveCourier(c *gin.Context) {
	var req CourierRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, resultResponse{Error: err.Error()})
		return
	}
	ctx, span := h.tracer.Start(c.Request.Context(), "delivery.reserve")
	defer span.End()
	span.SetAttributes(attribute.Int64("order_id", req.OrderID))

	res, err := h.delivery.ReserveCourier(ctx, req)
	h.respond(c, span, "reserve courier", resultResponse{Success: res.Reserved, CourierID: res.CourierID}, err)
}

func (h *Handler) CancelCourier(c *gin.Context) {
	var req cancelCourierRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, resultResponse{Error: err.Error()})
		return
	}
	ctx, span := h.tracer.Start(c.Request.Context(), "delivery.cancel")
	defer span.End()
	span.SetAttributes(attribute.Int64("order_id", req.OrderID))

	ok, err := h.delivery.CancelCourier(ctx, req.OrderID, req.CourierID)
	h.respond(c, span, "cancel courier", resultResponse{Success: ok}, err)
}

// HealthCheck reports liveness.
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "fulfillment-service",
	})
}

// respond writes a business answer as 200 and a backend failure as 500.
func (h *Handler) respond(c *gin.Context, span trace.Span, op string, body resultResponse, err error) {
	if err != nil {
		span.RecordError(err)
		h.logger.Error(op+" failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, resultResponse{Error: "failed to " + op})
		return
	}
	span.SetAttributes(attribute.Bool("success", body.Success))
	c.JSON(http.StatusOK, body)
}
