// Package payment is the boundary to the external payment gateway.
// It holds no booking state; idempotency comes from keying every call
// by the booking ID so the gateway de-duplicates retries.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/reservekit/reservekit/internal/model"
)

// LineItem is one priced line of a checkout session.
type LineItem struct {
	Name       string `json:"name"`
	Quantity   int    `json:"quantity"`
	UnitAmount int64  `json:"unit_amount"` // minor currency units
}

// CheckoutSession is the gateway's handle for a hosted checkout.
type CheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Gateway creates checkout sessions and refunds.
type Gateway interface {
	// CreateCheckoutSession opens a hosted checkout for the booking.
	// The booking ID doubles as the idempotency key.
	CreateCheckoutSession(ctx context.Context, bookingID string, lines []LineItem, successURL, cancelURL string) (*CheckoutSession, error)
	// CreateRefund refunds the given payment. amount == 0 refunds in
	// full; a positive amount refunds partially.
	CreateRefund(ctx context.Context, paymentRef string, amount int64) (string, error)
}

// HTTPGateway talks JSON to an external checkout provider.
type HTTPGateway struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPGateway constructs a gateway client for the given base URL.
func NewHTTPGateway(baseURL, apiKey string) *HTTPGateway {
	return &HTTPGateway{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (g *HTTPGateway) CreateCheckoutSession(ctx context.Context, bookingID string, lines []LineItem, successURL, cancelURL string) (*CheckoutSession, error) {
	payload := map[string]any{
		"line_items":  lines,
		"success_url": successURL,
		"cancel_url":  cancelURL,
		"metadata":    map[string]string{"booking_id": bookingID, "source": "reservations"},
	}
	var session CheckoutSession
	if err := g.post(ctx, "/v1/checkout/sessions", bookingID, payload, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (g *HTTPGateway) CreateRefund(ctx context.Context, paymentRef string, amount int64) (string, error) {
	payload := map[string]any{"payment_ref": paymentRef}
	if amount > 0 {
		payload["amount"] = amount
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := g.post(ctx, "/v1/refunds", "refund-"+paymentRef, payload, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (g *HTTPGateway) post(ctx context.Context, path, idempotencyKey string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: encode request: %v", model.ErrGateway, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", model.ErrGateway, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrGateway, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s returned %d", model.ErrGateway, path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", model.ErrGateway, err)
	}
	return nil
}
