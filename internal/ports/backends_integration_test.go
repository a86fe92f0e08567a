package ports

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matheusmosca/order-fulfillment-saga/internal/testutil"
)

func TestBackends_Integration(t *testing.T) {
	db := testutil.NewTestDB(t)
	ctx := context.Background()

	b, err := NewBackends(ctx, db, DefaultWarehousePolicy(), DefaultDeliveryPolicy(), nil)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `TRUNCATE accounts, billing_operations, stock_reservations, courier_reservations, warehouse_stock`)
	require.NoError(t, err)

	t.Run("billing", func(t *testing.T) {
		_, err := b.Billing.Deposit(ctx, DepositRequest{UserID: 1, Amount: decimal.NewFromInt(50)})
		require.NoError(t, err)

		req := WithdrawRequest{UserID: 1, Amount: decimal.NewFromInt(30), IdempotencyKey: "withdraw_1_1"}
		ok, err := b.Billing.Withdraw(ctx, req)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = b.Billing.Withdraw(ctx, req)
		require.NoError(t, err)
		assert.True(t, ok, "replay is acknowledged")

		balance, err := b.Billing.Balance(ctx, 1)
		require.NoError(t, err)
		assert.True(t, decimal.NewFromInt(20).Equal(balance), "replay must not debit again: %s", balance)

		ok, err = b.Billing.Withdraw(ctx, WithdrawRequest{UserID: 1, Amount: decimal.NewFromInt(30), IdempotencyKey: "withdraw_2_1"})
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("warehouse", func(t *testing.T) {
		require.NoError(t, b.Warehouse.Restock(ctx, "book", "Book", 3))

		ok, err := b.Warehouse.ReserveProduct(ctx, ProductRequest{ProductID: "book", Quantity: 2, OrderID: 1})
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = b.Warehouse.ReserveProduct(ctx, ProductRequest{ProductID: "book", Quantity: 2, OrderID: 2})
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = b.Warehouse.ReleaseProduct(ctx, ProductRequest{ProductID: "book", Quantity: 2, OrderID: 1})
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = b.Warehouse.ReserveProduct(ctx, ProductRequest{ProductID: "book", Quantity: 2, OrderID: 2})
		require.NoError(t, err)
		assert.True(t, ok, "released stock is available again")
	})

	t.Run("delivery", func(t *testing.T) {
		slot := time.Date(2024, time.January, 8, 10, 0, 0, 0, time.UTC)
		first, err := b.Delivery.ReserveCourier(ctx, CourierRequest{OrderID: 1, UserID: 1, Slot: slot})
		require.NoError(t, err)
		again, err := b.Delivery.ReserveCourier(ctx, CourierRequest{OrderID: 1, UserID: 1, Slot: slot})
		require.NoError(t, err)
		assert.Equal(t, first.CourierID, again.CourierID)

		ok, err := b.Delivery.CancelCourier(ctx, 1, first.CourierID)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}
