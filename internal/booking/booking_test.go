package booking

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reservekit/reservekit/internal/clock"
	"github.com/reservekit/reservekit/internal/ledger"
	"github.com/reservekit/reservekit/internal/model"
	"github.com/reservekit/reservekit/internal/notify"
	"github.com/reservekit/reservekit/internal/payment"
	"github.com/reservekit/reservekit/internal/store"
	"github.com/reservekit/reservekit/internal/waitlist"
)

type env struct {
	store    *store.Memory
	clock    *clock.Fixed
	gateway  *payment.FakeGateway
	waitlist *waitlist.Manager
	manager  *Manager
}

func newEnv(t *testing.T) *env {
	t.Helper()
	st := store.NewMemory()
	clk := clock.NewFixed(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	gw := payment.NewFakeGateway()
	l := ledger.New(st)
	wl := waitlist.NewManager(st, notify.LogNotifier{}, clk, 24*time.Hour)
	m := NewManager(st, l, gw, notify.LogNotifier{}, wl, clk, Config{
		HoldTTL:    30 * time.Minute,
		SuccessURL: "https://shop.example.com/thanks",
		CancelURL:  "https://shop.example.com/cart",
	})
	return &env{store: st, clock: clk, gateway: gw, waitlist: wl, manager: m}
}

func (e *env) addItem(t *testing.T, capacity *int, price int64) *model.SellableItem {
	t.Helper()
	item := &model.SellableItem{
		ID:        uuid.New().String(),
		Name:      "Workshop seat",
		Capacity:  capacity,
		Price:     price,
		CreatedAt: e.clock.Now(),
	}
	require.NoError(t, e.store.CreateItem(context.Background(), item))
	return item
}

func intPtr(n int) *int { return &n }

func customer(email string) model.Customer {
	return model.Customer{Name: "Test Customer", Email: email}
}

func TestCreateFreeBookingConfirmsImmediately(t *testing.T) {
	e := newEnv(t)
	item := e.addItem(t, intPtr(10), 0)

	res, err := e.manager.Create(context.Background(), CreateRequest{
		ItemID: item.ID, Quantity: 2, Customer: customer("alice@example.com"),
	})
	require.NoError(t, err)

	assert.Equal(t, model.BookingConfirmed, res.Booking.Status)
	assert.Zero(t, res.Booking.TotalAmount)
	assert.Nil(t, res.Booking.HoldExpiresAt)
	assert.Empty(t, res.CheckoutURL)
	assert.Empty(t, e.gateway.Sessions, "free bookings must not open checkout")
}

func TestCreatePaidBookingOpensCheckout(t *testing.T) {
	e := newEnv(t)
	item := e.addItem(t, intPtr(10), 2500)

	res, err := e.manager.Create(context.Background(), CreateRequest{
		ItemID: item.ID, Quantity: 2, Customer: customer("alice@example.com"),
	})
	require.NoError(t, err)

	b := res.Booking
	assert.Equal(t, model.BookingPending, b.Status)
	assert.Equal(t, int64(5000), b.TotalAmount)
	require.NotNil(t, b.HoldExpiresAt)
	assert.Equal(t, e.clock.Now().Add(30*time.Minute), *b.HoldExpiresAt)
	assert.NotEmpty(t, res.CheckoutURL)
	assert.Equal(t, "cs_"+b.ID, b.CheckoutSessionID)
	assert.Equal(t, []string{b.ID}, e.gateway.Sessions)
}

func TestCreateCapacityExceededWritesNothing(t *testing.T) {
	e := newEnv(t)
	main := e.addItem(t, intPtr(2), 1000)
	addon := e.addItem(t, intPtr(0), 500)

	_, err := e.manager.Create(context.Background(), CreateRequest{
		ItemID:   main.ID,
		Quantity: 1,
		AddOns:   []Line{{ItemID: addon.ID, Quantity: 1}},
		Customer: customer("alice@example.com"),
	})
	ce, ok := model.IsCapacityExceeded(err)
	require.True(t, ok)
	assert.Equal(t, []string{addon.ID}, ce.UnavailableItems)
	assert.Empty(t, e.gateway.Sessions)

	// The main item's capacity is untouched: both units still sell.
	res, err := e.manager.Create(context.Background(), CreateRequest{
		ItemID: main.ID, Quantity: 2, Customer: customer("bob@example.com"),
	})
	require.NoError(t, err)
	assert.Equal(t, model.BookingPending, res.Booking.Status)
}

func TestCreateOutsideSaleWindow(t *testing.T) {
	e := newEnv(t)
	ended := e.clock.Now().Add(-time.Hour)
	item := e.addItem(t, intPtr(10), 1000)
	item.SaleEnd = &ended
	require.NoError(t, e.store.CreateItem(context.Background(), item))

	_, err := e.manager.Create(context.Background(), CreateRequest{
		ItemID: item.ID, Quantity: 1, Customer: customer("alice@example.com"),
	})
	assert.ErrorIs(t, err, model.ErrSaleWindowClosed)
}

func TestCreateValidation(t *testing.T) {
	e := newEnv(t)
	item := e.addItem(t, intPtr(10), 1000)

	cases := []struct {
		name string
		req  CreateRequest
	}{
		{"zero quantity", CreateRequest{ItemID: item.ID, Quantity: 0, Customer: customer("a@example.com")}},
		{"missing item", CreateRequest{Quantity: 1, Customer: customer("a@example.com")}},
		{"bad email", CreateRequest{ItemID: item.ID, Quantity: 1, Customer: customer("not-an-email")}},
		{"duplicate line", CreateRequest{
			ItemID: item.ID, Quantity: 1,
			AddOns:   []Line{{ItemID: item.ID, Quantity: 1}},
			Customer: customer("a@example.com"),
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.manager.Create(context.Background(), tc.req)
			assert.ErrorIs(t, err, model.ErrInvalidInput)
		})
	}
}

func TestCreateGatewayFailureLeavesHoldStanding(t *testing.T) {
	e := newEnv(t)
	item := e.addItem(t, intPtr(1), 1000)
	e.gateway.SessionErr = errors.New("gateway down")

	_, err := e.manager.Create(context.Background(), CreateRequest{
		ItemID: item.ID, Quantity: 1, Customer: customer("alice@example.com"),
	})
	require.Error(t, err)

	// The hold stands until the sweeper reclaims it.
	_, err = e.manager.Create(context.Background(), CreateRequest{
		ItemID: item.ID, Quantity: 1, Customer: customer("bob@example.com"),
	})
	_, ok := model.IsCapacityExceeded(err)
	assert.True(t, ok)
}

func TestConfirmIsIdempotent(t *testing.T) {
	e := newEnv(t)
	item := e.addItem(t, intPtr(1), 1000)
	ctx := context.Background()

	res, err := e.manager.Create(ctx, CreateRequest{
		ItemID: item.ID, Quantity: 1, Customer: customer("alice@example.com"),
	})
	require.NoError(t, err)

	b, changed, err := e.manager.Confirm(ctx, res.Booking.ID, "pay_123")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, model.BookingConfirmed, b.Status)
	assert.Equal(t, "pay_123", b.PaymentRef)
	assert.Nil(t, b.HoldExpiresAt)

	// Replayed confirmation changes nothing.
	b, changed, err = e.manager.Confirm(ctx, res.Booking.ID, "pay_123")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, model.BookingConfirmed, b.Status)

	// Exactly one unit is consumed, not two.
	_, err = e.manager.Create(ctx, CreateRequest{
		ItemID: item.ID, Quantity: 1, Customer: customer("bob@example.com"),
	})
	_, ok := model.IsCapacityExceeded(err)
	assert.True(t, ok)
}

func TestCancelPendingReleasesWithoutRefund(t *testing.T) {
	e := newEnv(t)
	item := e.addItem(t, intPtr(1), 1000)
	ctx := context.Background()

	res, err := e.manager.Create(ctx, CreateRequest{
		ItemID: item.ID, Quantity: 1, Customer: customer("alice@example.com"),
	})
	require.NoError(t, err)

	b, changed, err := e.manager.Cancel(ctx, res.Booking.ID, "changed my mind")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, model.BookingCancelled, b.Status)
	assert.Equal(t, "changed my mind", b.CancelReason)
	assert.Zero(t, e.gateway.RefundCount(), "no capture, no refund")

	// The unit is available again.
	_, err = e.manager.Create(ctx, CreateRequest{
		ItemID: item.ID, Quantity: 1, Customer: customer("bob@example.com"),
	})
	require.NoError(t, err)
}

func TestCancelConfirmedRefundsOnce(t *testing.T) {
	e := newEnv(t)
	item := e.addItem(t, intPtr(1), 1000)
	ctx := context.Background()

	res, err := e.manager.Create(ctx, CreateRequest{
		ItemID: item.ID, Quantity: 1, Customer: customer("alice@example.com"),
	})
	require.NoError(t, err)
	_, _, err = e.manager.Confirm(ctx, res.Booking.ID, "pay_123")
	require.NoError(t, err)

	b, changed, err := e.manager.Cancel(ctx, res.Booking.ID, "customer request")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, []string{"pay_123"}, e.gateway.Refunds)
	assert.Equal(t, "re_pay_123", b.RefundRef)

	// A second cancel is a no-op and must not refund again.
	_, changed, err = e.manager.Cancel(ctx, res.Booking.ID, "again")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, 1, e.gateway.RefundCount())
}

func TestCancelRefundFailureStillCancels(t *testing.T) {
	e := newEnv(t)
	item := e.addItem(t, intPtr(1), 1000)
	ctx := context.Background()

	res, err := e.manager.Create(ctx, CreateRequest{
		ItemID: item.ID, Quantity: 1, Customer: customer("alice@example.com"),
	})
	require.NoError(t, err)
	_, _, err = e.manager.Confirm(ctx, res.Booking.ID, "pay_123")
	require.NoError(t, err)

	e.gateway.RefundErr = errors.New("gateway down")
	b, changed, err := e.manager.Cancel(ctx, res.Booking.ID, "customer request")
	require.NoError(t, err, "refund failure must not block cancellation")
	assert.True(t, changed)
	assert.Equal(t, model.BookingCancelled, b.Status)
	assert.Empty(t, b.RefundRef)
}

func TestMarkRefundedFromConfirmedReleasesCapacity(t *testing.T) {
	e := newEnv(t)
	item := e.addItem(t, intPtr(1), 1000)
	ctx := context.Background()

	res, err := e.manager.Create(ctx, CreateRequest{
		ItemID: item.ID, Quantity: 1, Customer: customer("alice@example.com"),
	})
	require.NoError(t, err)
	_, _, err = e.manager.Confirm(ctx, res.Booking.ID, "pay_123")
	require.NoError(t, err)

	b, changed, err := e.manager.MarkRefunded(ctx, res.Booking.ID, "re_123")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, model.BookingRefunded, b.Status)
	assert.Equal(t, "re_123", b.RefundRef)

	_, err = e.manager.Create(ctx, CreateRequest{
		ItemID: item.ID, Quantity: 1, Customer: customer("bob@example.com"),
	})
	require.NoError(t, err)
}

func TestMarkRefundedAfterCancelIsBookkeepingOnly(t *testing.T) {
	e := newEnv(t)
	item := e.addItem(t, intPtr(1), 1000)
	ctx := context.Background()

	res, err := e.manager.Create(ctx, CreateRequest{
		ItemID: item.ID, Quantity: 1, Customer: customer("alice@example.com"),
	})
	require.NoError(t, err)
	_, _, err = e.manager.Confirm(ctx, res.Booking.ID, "pay_123")
	require.NoError(t, err)
	_, _, err = e.manager.Cancel(ctx, res.Booking.ID, "customer request")
	require.NoError(t, err)

	// B is first in line; the cancel already offered it the freed unit.
	entry, err := e.waitlist.Join(ctx, item.ID, 1, customer("bob@example.com"))
	require.NoError(t, err)
	require.NoError(t, e.waitlist.Promote(ctx, item.ID))
	got, err := e.waitlist.Entry(ctx, entry.ID)
	require.NoError(t, err)
	require.Equal(t, model.WaitlistOffered, got.Status)

	// The refund settling later records the fact without freeing the
	// unit a second time.
	b, changed, err := e.manager.MarkRefunded(ctx, res.Booking.ID, "re_123")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, model.BookingRefunded, b.Status)

	// Only one unit exists: B's offer fences it, nothing else opened up.
	_, err = e.manager.Create(ctx, CreateRequest{
		ItemID: item.ID, Quantity: 1, Customer: customer("carol@example.com"),
	})
	_, ok := model.IsCapacityExceeded(err)
	assert.True(t, ok)
}

func TestCompleteAndNoShowKeepCapacityConsumed(t *testing.T) {
	e := newEnv(t)
	item := e.addItem(t, intPtr(2), 1000)
	ctx := context.Background()

	first, err := e.manager.Create(ctx, CreateRequest{
		ItemID: item.ID, Quantity: 1, Customer: customer("alice@example.com"),
	})
	require.NoError(t, err)
	_, _, err = e.manager.Confirm(ctx, first.Booking.ID, "pay_1")
	require.NoError(t, err)

	second, err := e.manager.Create(ctx, CreateRequest{
		ItemID: item.ID, Quantity: 1, Customer: customer("bob@example.com"),
	})
	require.NoError(t, err)
	_, _, err = e.manager.Confirm(ctx, second.Booking.ID, "pay_2")
	require.NoError(t, err)

	b, changed, err := e.manager.Complete(ctx, first.Booking.ID)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, model.BookingCompleted, b.Status)

	b, changed, err = e.manager.MarkNoShow(ctx, second.Booking.ID)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, model.BookingNoShow, b.Status)

	// Neither terminal state released the units.
	_, err = e.manager.Create(ctx, CreateRequest{
		ItemID: item.ID, Quantity: 1, Customer: customer("carol@example.com"),
	})
	_, ok := model.IsCapacityExceeded(err)
	assert.True(t, ok)
}

func TestExpireHoldRespectsLease(t *testing.T) {
	e := newEnv(t)
	item := e.addItem(t, intPtr(1), 1000)
	ctx := context.Background()

	res, err := e.manager.Create(ctx, CreateRequest{
		ItemID: item.ID, Quantity: 1, Customer: customer("alice@example.com"),
	})
	require.NoError(t, err)

	// Before the hold lapses nothing happens.
	_, changed, err := e.manager.ExpireHold(ctx, res.Booking.ID, e.clock.Now())
	require.NoError(t, err)
	assert.False(t, changed)

	e.clock.Advance(31 * time.Minute)
	b, changed, err := e.manager.ExpireHold(ctx, res.Booking.ID, e.clock.Now())
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, model.BookingCancelled, b.Status)
	assert.Equal(t, "hold expired", b.CancelReason)
}

func TestConfirmBeatsExpiry(t *testing.T) {
	e := newEnv(t)
	item := e.addItem(t, intPtr(1), 1000)
	ctx := context.Background()

	res, err := e.manager.Create(ctx, CreateRequest{
		ItemID: item.ID, Quantity: 1, Customer: customer("alice@example.com"),
	})
	require.NoError(t, err)

	e.clock.Advance(31 * time.Minute)

	// The confirmation lands first; the sweeper's expiry must then be a
	// no-op even though the hold deadline has passed.
	_, changed, err := e.manager.Confirm(ctx, res.Booking.ID, "pay_123")
	require.NoError(t, err)
	require.True(t, changed)

	b, changed, err := e.manager.ExpireHold(ctx, res.Booking.ID, e.clock.Now())
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, model.BookingConfirmed, b.Status)
}

// hookGateway runs engine calls while a gateway request is in flight,
// standing in for webhooks that land during the out-of-lock call.
type hookGateway struct {
	onCheckout func(ctx context.Context, bookingID string)
	onRefund   func(ctx context.Context, paymentRef string)
}

func (g *hookGateway) CreateCheckoutSession(ctx context.Context, bookingID string, lines []payment.LineItem, successURL, cancelURL string) (*payment.CheckoutSession, error) {
	if g.onCheckout != nil {
		g.onCheckout(ctx, bookingID)
	}
	return &payment.CheckoutSession{
		ID:  "cs_" + bookingID,
		URL: "https://checkout.example.com/pay/cs_" + bookingID,
	}, nil
}

func (g *hookGateway) CreateRefund(ctx context.Context, paymentRef string, amount int64) (string, error) {
	if g.onRefund != nil {
		g.onRefund(ctx, paymentRef)
	}
	return "re_" + paymentRef, nil
}

func newEnvWithGateway(t *testing.T, gw payment.Gateway) *env {
	t.Helper()
	st := store.NewMemory()
	clk := clock.NewFixed(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	l := ledger.New(st)
	wl := waitlist.NewManager(st, notify.LogNotifier{}, clk, 24*time.Hour)
	m := NewManager(st, l, gw, notify.LogNotifier{}, wl, clk, Config{
		HoldTTL:    30 * time.Minute,
		SuccessURL: "https://shop.example.com/thanks",
		CancelURL:  "https://shop.example.com/cart",
	})
	return &env{store: st, clock: clk, waitlist: wl, manager: m}
}

func TestConfirmationDuringCheckoutCreationIsKept(t *testing.T) {
	gw := &hookGateway{}
	e := newEnvWithGateway(t, gw)
	item := e.addItem(t, intPtr(1), 1000)
	ctx := context.Background()

	// The payment webhook lands while the checkout call is in flight.
	gw.onCheckout = func(ctx context.Context, bookingID string) {
		_, changed, err := e.manager.Confirm(ctx, bookingID, "pay_race")
		require.NoError(t, err)
		require.True(t, changed)
	}

	res, err := e.manager.Create(ctx, CreateRequest{
		ItemID: item.ID, Quantity: 1, Customer: customer("alice@example.com"),
	})
	require.NoError(t, err)
	assert.Equal(t, model.BookingConfirmed, res.Booking.Status)

	// Persisting the session ref must not revert the confirmation or
	// restore the hold.
	got, err := e.manager.Get(ctx, res.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BookingConfirmed, got.Status)
	assert.Equal(t, "pay_race", got.PaymentRef)
	assert.Nil(t, got.HoldExpiresAt)
	assert.Equal(t, "cs_"+res.Booking.ID, got.CheckoutSessionID)

	// The sweeper must find nothing to reclaim.
	e.clock.Advance(31 * time.Minute)
	_, changed, err := e.manager.ExpireHold(ctx, res.Booking.ID, e.clock.Now())
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestRefundSettlingDuringCancelIsKept(t *testing.T) {
	gw := &hookGateway{}
	e := newEnvWithGateway(t, gw)
	item := e.addItem(t, intPtr(1), 1000)
	ctx := context.Background()

	res, err := e.manager.Create(ctx, CreateRequest{
		ItemID: item.ID, Quantity: 1, Customer: customer("alice@example.com"),
	})
	require.NoError(t, err)
	bookingID := res.Booking.ID
	_, _, err = e.manager.Confirm(ctx, bookingID, "pay_1")
	require.NoError(t, err)

	// The charge-refunded webhook lands while the refund request is in
	// flight.
	gw.onRefund = func(ctx context.Context, paymentRef string) {
		_, changed, err := e.manager.MarkRefunded(ctx, bookingID, "re_evt")
		require.NoError(t, err)
		require.True(t, changed)
	}

	_, _, err = e.manager.Cancel(ctx, bookingID, "customer request")
	require.NoError(t, err)

	// Persisting the gateway's refund ref must not flip the booking
	// back to cancelled.
	got, err := e.manager.Get(ctx, bookingID)
	require.NoError(t, err)
	assert.Equal(t, model.BookingRefunded, got.Status)
	assert.Equal(t, "re_pay_1", got.RefundRef)
}

func TestUnknownBookingTransitions(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, _, err := e.manager.Confirm(ctx, uuid.New().String(), "pay_123")
	assert.ErrorIs(t, err, model.ErrNotFound)
}
