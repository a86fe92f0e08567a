package orders

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOrder(t *testing.T) {
	// Arrange
	now := time.Date(2024, time.March, 1, 10, 0, 0, 0, time.UTC)
	req := CreateOrderRequest{
		Amount:       decimal.RequireFromString("19.90"),
		ProductID:    "tulips",
		Quantity:     3,
		DeliverySlot: now.Add(24 * time.Hour),
	}

	// Act
	order := NewOrder(11, 42, req, now)

	// Assert
	assert.Equal(t, int64(11), order.ID)
	assert.Equal(t, int64(42), order.UserID)
	assert.True(t, req.Amount.Equal(order.Amount))
	assert.Equal(t, "tulips", order.ProductID)
	assert.Equal(t, 3, order.Quantity)
	assert.Equal(t, req.DeliverySlot, order.DeliverySlot)
	assert.Equal(t, OrderStatusProcessing, order.Status)
	assert.Equal(t, now, order.CreatedAt)
	assert.Equal(t, now, order.UpdatedAt)
}

func TestOrderStatus_Classification(t *testing.T) {
	tests := []struct {
		status   OrderStatus
		terminal bool
		failure  bool
	}{
		{OrderStatusProcessing, false, false},
		{OrderStatusCompleted, true, false},
		{OrderStatusFailedPayment, true, true},
		{OrderStatusFailedWarehouse, true, true},
		{OrderStatusFailedDelivery, true, true},
		{OrderStatus("shipped"), false, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.status.IsTerminal())
			assert.Equal(t, tt.failure, tt.status.IsFailure())
		})
	}
}

func TestParseOrderStatus(t *testing.T) {
	st, err := ParseOrderStatus("Failed-Warehouse")
	require.NoError(t, err)
	assert.Equal(t, OrderStatusFailedWarehouse, st)

	_, err = ParseOrderStatus("Failed - Warehouse")
	assert.Error(t, err)
}

func TestOrder_TransitionTo(t *testing.T) {
	// Arrange
	now := time.Now()
	order := &Order{Status: OrderStatusProcessing}

	// Act
	err := order.TransitionTo(OrderStatusFailedDelivery, now)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, OrderStatusFailedDelivery, order.Status)
	assert.Equal(t, now, order.UpdatedAt)

	// Terminal statuses never change again.
	err = order.TransitionTo(OrderStatusCompleted, now)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, OrderStatusFailedDelivery, order.Status)

	// Processing is not a valid target.
	fresh := &Order{Status: OrderStatusProcessing}
	assert.ErrorIs(t, fresh.TransitionTo(OrderStatusProcessing, now), ErrInvalidTransition)
}

func TestCreateOrderRequest_Validate(t *testing.T) {
	valid := CreateOrderRequest{
		Amount:       decimal.NewFromInt(10),
		ProductID:    "roses",
		Quantity:     1,
		DeliverySlot: time.Now(),
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(r *CreateOrderRequest)
	}{
		{"zero amount", func(r *CreateOrderRequest) { r.Amount = decimal.Zero }},
		{"negative amount", func(r *CreateOrderRequest) { r.Amount = decimal.NewFromInt(-1) }},
		{"blank product", func(r *CreateOrderRequest) { r.ProductID = "  " }},
		{"zero quantity", func(r *CreateOrderRequest) { r.Quantity = 0 }},
		{"missing slot", func(r *CreateOrderRequest) { r.DeliverySlot = time.Time{} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)
			assert.ErrorIs(t, req.Validate(), ErrInvalidRequest)
		})
	}
}

func TestOutcome_Response(t *testing.T) {
	completed, err := json.Marshal(completedOutcome(5).Response())
	require.NoError(t, err)
	assert.JSONEq(t, `{"orderId":5,"status":"Completed","errorMessage":null}`, string(completed))

	failed, err := json.Marshal(failedOutcome(6, OrderStatusFailedPayment, MsgPaymentFailed).Response())
	require.NoError(t, err)
	assert.JSONEq(t, `{"orderId":6,"status":"Failed","errorMessage":"Payment failed: insufficient funds"}`, string(failed))
}

func TestCompletedSaga_OutcomeRoundTrip(t *testing.T) {
	out := failedOutcome(8, OrderStatusFailedDelivery, MsgDeliveryFailed)

	row := NewCompletedSaga("key", out)

	require.NotNil(t, row.ErrorMessage)
	assert.Equal(t, out.Response(), row.Outcome().Response())
	assert.Nil(t, NewCompletedSaga("key", completedOutcome(8)).ErrorMessage)
}
