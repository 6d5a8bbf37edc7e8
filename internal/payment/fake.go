package payment

import (
	"context"
	"fmt"
	"sync"
)

// FakeGateway is an in-process gateway used by tests and local runs
// when no GATEWAY_URL is configured. It records the calls it receives.
type FakeGateway struct {
	mu       sync.Mutex
	Sessions []string // booking IDs with sessions created
	Refunds  []string // payment refs refunded

	SessionErr error // returned by CreateCheckoutSession when set
	RefundErr  error // returned by CreateRefund when set
}

// NewFakeGateway returns an empty fake.
func NewFakeGateway() *FakeGateway {
	return &FakeGateway{}
}

func (g *FakeGateway) CreateCheckoutSession(ctx context.Context, bookingID string, lines []LineItem, successURL, cancelURL string) (*CheckoutSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.SessionErr != nil {
		return nil, g.SessionErr
	}
	g.Sessions = append(g.Sessions, bookingID)
	return &CheckoutSession{
		ID:  "cs_" + bookingID,
		URL: fmt.Sprintf("https://checkout.example.com/pay/cs_%s", bookingID),
	}, nil
}

func (g *FakeGateway) CreateRefund(ctx context.Context, paymentRef string, amount int64) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.RefundErr != nil {
		return "", g.RefundErr
	}
	g.Refunds = append(g.Refunds, paymentRef)
	return "re_" + paymentRef, nil
}

// RefundCount returns how many refunds were requested.
func (g *FakeGateway) RefundCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.Refunds)
}
