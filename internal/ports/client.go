package ports

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// ClientConfig configures the HTTP clients that reach a remote fulfillment service.
type ClientConfig struct {
	BaseURL       string
	Timeout       time.Duration
	RetryCount    int
	RetryWaitTime time.Duration
}

const depositPath = "/api/billing/deposit"

// resultResponse is the body every fulfillment endpoint answers with.
type resultResponse struct {
	Success   bool   `json:"success"`
	CourierID string `json:"courier_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

type cancelCourierRequest struct {
	OrderID   int64  `json:"order_id" binding:"required"`
	CourierID string `json:"courier_id"`
}

func newRestyClient(cfg ClientConfig) *resty.Client {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetHeader("Content-Type", "application/json").
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(cfg.RetryWaitTime).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			// Withdraw and reserve are keyed and release and cancel are per order,
			// so replaying them is safe. A deposit carries no key and is not replayed.
			if r != nil && r.Request != nil && strings.HasSuffix(r.Request.URL, depositPath) {
				return false
			}
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		})
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}
	return client
}

func post(ctx context.Context, client *resty.Client, path string, body any) (resultResponse, error) {
	var out resultResponse
	resp, err := client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		SetError(&out).
		Post(path)
	if err != nil {
		return resultResponse{}, fmt.Errorf("POST %s: %w", path, err)
	}
	if resp.IsError() {
		msg := out.Error
		if msg == "" {
			msg = resp.Status()
		}
		return resultResponse{}, fmt.Errorf("POST %s: %d: %w", path, resp.StatusCode(), errors.New(msg))
	}
	return out, nil
}

// BillingClient implements Billing over HTTP.
type BillingClient struct {
	client *resty.Client
}

func NewBillingClient(cfg ClientConfig) *BillingClient {
	return &BillingClient{client: newRestyClient(cfg)}
}

func (c *BillingClient) Withdraw(ctx context.Context, req WithdrawRequest) (bool, error) {
	out, err := post(ctx, c.client, "/api/billing/withdraw", req)
	return out.Success, err
}

func (c *BillingClient) Deposit(ctx context.Context, req DepositRequest) (bool, error) {
	out, err := post(ctx, c.client, depositPath, req)
	return out.Success, err
}

// WarehouseClient implements Warehouse over HTTP.
type WarehouseClient struct {
	client *resty.Client
}

func NewWarehouseClient(cfg ClientConfig) *WarehouseClient {
	return &WarehouseClient{client: newRestyClient(cfg)}
}

func (c *WarehouseClient) ReserveProduct(ctx context.Context, req ProductRequest) (bool, error) {
	out, err := post(ctx, c.client, "/api/warehouse/reserve", req)
	return out.Success, err
}

func (c *WarehouseClient) ReleaseProduct(ctx context.Context, req ProductRequest) (bool, error) {
	out, err := post(ctx, c.client, "/api/warehouse/release", req)
	return out.Success, err
}

// DeliveryClient implements Delivery over HTTP.
type DeliveryClient struct {
	client *resty.Client
}

func NewDeliveryClient(cfg ClientConfig) *DeliveryClient {
	return &DeliveryClient{client: newRestyClient(cfg)}
}

func (c *DeliveryClient) ReserveCourier(ctx context.Context, req CourierRequest) (CourierReservation, error) {
	out, err := post(ctx, c.client, "/api/delivery/reserve", req)
	if err != nil {
		return CourierReservation{}, err
	}
	return CourierReservation{Reserved: out.Success, CourierID: out.CourierID}, nil
}

func (c *DeliveryClient) CancelCourier(ctx context.Context, orderID int64, courierID string) (bool, error) {
	out, err := post(ctx, c.client, "/api/delivery/cancel", cancelCourierRequest{OrderID: orderID, CourierID: courierID})
	return out.Success, err
}
