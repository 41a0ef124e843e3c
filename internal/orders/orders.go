package orders

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/example/order-dispatch/internal/models"
)

// OrderService is the callback surface into order management. The
// dispatch engine mutates the backing order exactly once per request:
// confirming the winning driver, or surfacing that no driver was found.
type OrderService interface {
	ConfirmAssignment(ctx context.Context, orderID string, svc models.ServiceType, driverID string, estimatedFare float64) error
	MarkUnfulfilled(ctx context.Context, orderID string, svc models.ServiceType) error
}

// Holder places a pre-auth hold on the customer's payment method. The
// Stripe client satisfies this; assignment confirmation uses it
// best-effort.
type Holder interface {
	Hold(ctx context.Context, amount int64, currency, customerID string) (string, error)
}

// HTTPClient calls order management's internal update endpoints.
type HTTPClient struct {
	Endpoint string
	Client   *http.Client
	Payments Holder // optional
	Currency string
	Logger   *slog.Logger
}

func NewHTTPClient(endpoint string, payments Holder, logger *slog.Logger) *HTTPClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPClient{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: 3 * time.Second},
		Payments: payments,
		Currency: "usd",
		Logger:   logger,
	}
}

func (c *HTTPClient) ConfirmAssignment(ctx context.Context, orderID string, svc models.ServiceType, driverID string, estimatedFare float64) error {
	if c.Payments != nil {
		// hold is advisory; order management reconciles actual billing
		amount := int64(estimatedFare * 100)
		if _, err := c.Payments.Hold(ctx, amount, c.Currency, ""); err != nil {
			c.Logger.Warn("fare hold failed", "order_id", orderID, "error", err)
		}
	}
	return c.post(ctx, "/internal/orders/confirm", map[string]any{
		"order_id":     orderID,
		"service_type": svc,
		"driver_id":    driverID,
		"status":       "confirmed",
	})
}

func (c *HTTPClient) MarkUnfulfilled(ctx context.Context, orderID string, svc models.ServiceType) error {
	return c.post(ctx, "/internal/orders/unfulfilled", map[string]any{
		"order_id":     orderID,
		"service_type": svc,
		"status":       "unfulfilled",
	})
}

func (c *HTTPClient) post(ctx context.Context, path string, payload map[string]any) error {
	b, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("order management returned %d for %s", resp.StatusCode, path)
	}
	return nil
}

// LogOnly is the stand-in used when no order-management endpoint is
// configured (local runs, tests).
type LogOnly struct {
	Logger *slog.Logger
}

func (l *LogOnly) ConfirmAssignment(ctx context.Context, orderID string, svc models.ServiceType, driverID string, estimatedFare float64) error {
	l.Logger.Info("order confirmed", "order_id", orderID, "service_type", svc, "driver_id", driverID, "estimated_fare", estimatedFare)
	return nil
}

func (l *LogOnly) MarkUnfulfilled(ctx context.Context, orderID string, svc models.ServiceType) error {
	l.Logger.Info("order unfulfilled", "order_id", orderID, "service_type", svc)
	return nil
}
