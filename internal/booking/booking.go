// Package booking owns the booking state machine and orchestrates the
// capacity ledger, the payment gateway and the waitlist promoter.
//
// Legal transitions: pending→confirmed, pending→cancelled (including
// timeout via the sweeper), confirmed→refunded, confirmed→completed,
// confirmed→no_show, and cancelled→refunded when a refund settles
// after the cancellation was recorded. Any other requested transition
// is a no-op that reports the current state, so replayed webhooks never
// error and never double-apply.
package booking

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/reservekit/reservekit/internal/clock"
	"github.com/reservekit/reservekit/internal/ledger"
	"github.com/reservekit/reservekit/internal/metrics"
	"github.com/reservekit/reservekit/internal/model"
	"github.com/reservekit/reservekit/internal/notify"
	"github.com/reservekit/reservekit/internal/payment"
	"github.com/reservekit/reservekit/internal/store"
)

// Promoter triggers waitlist promotion for an item whose capacity has
// increased. Implemented by the waitlist manager.
type Promoter interface {
	Promote(ctx context.Context, itemID string) error
}

// Config holds the manager's tunables.
type Config struct {
	HoldTTL    time.Duration
	SuccessURL string
	CancelURL  string
}

// Manager creates, confirms, cancels and refunds bookings.
type Manager struct {
	store    store.Store
	ledger   *ledger.Ledger
	gateway  payment.Gateway
	notifier notify.Notifier
	promoter Promoter
	clock    clock.Clock
	cfg      Config
}

// NewManager constructs a Manager with its dependencies.
func NewManager(s store.Store, l *ledger.Ledger, g payment.Gateway, n notify.Notifier, p Promoter, clk clock.Clock, cfg Config) *Manager {
	return &Manager{store: s, ledger: l, gateway: g, notifier: n, promoter: p, clock: clk, cfg: cfg}
}

// Line is a requested (item, quantity) pair.
type Line struct {
	ItemID   string `json:"item_id"`
	Quantity int    `json:"quantity"`
}

// CreateRequest is the input to Create.
type CreateRequest struct {
	ItemID   string         `json:"item_id"`
	Quantity int            `json:"quantity"`
	AddOns   []Line         `json:"add_ons,omitempty"`
	Customer model.Customer `json:"customer"`
}

// CreateResult is the outcome of a successful Create.
type CreateResult struct {
	Booking     *model.Booking
	CheckoutURL string
}

// Create validates the request, reserves capacity for every line
// atomically, and either confirms immediately (free bookings) or opens
// a checkout session with a capacity hold that expires after HoldTTL.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	req.Customer.Email = strings.TrimSpace(strings.ToLower(req.Customer.Email))
	req.Customer.Name = strings.TrimSpace(req.Customer.Name)

	lines := append([]Line{{ItemID: req.ItemID, Quantity: req.Quantity}}, req.AddOns...)
	if err := validateRequest(req, lines); err != nil {
		return nil, err
	}

	now := m.clock.Now()

	// Resolve items for prices and sale windows. Capacity is NOT
	// decided here; only the ledger's locked scope may do that.
	items := make(map[string]*model.SellableItem, len(lines))
	for _, l := range lines {
		item, err := m.store.Item(ctx, l.ItemID)
		if err != nil {
			return nil, err
		}
		if !item.SaleOpen(now) {
			return nil, fmt.Errorf("item %s: %w", item.ID, model.ErrSaleWindowClosed)
		}
		items[l.ItemID] = item
	}

	b := &model.Booking{
		ID:        uuid.New().String(),
		Customer:  req.Customer,
		Status:    model.BookingPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, l := range lines {
		item := items[l.ItemID]
		b.Lines = append(b.Lines, model.BookingLine{
			ItemID:    l.ItemID,
			Quantity:  l.Quantity,
			UnitPrice: item.Price,
		})
		b.TotalAmount += int64(l.Quantity) * item.Price
	}

	// Free bookings skip payment and enter confirmed directly.
	if b.TotalAmount == 0 {
		b.Status = model.BookingConfirmed
	} else {
		expiry := now.Add(m.cfg.HoldTTL)
		b.HoldExpiresAt = &expiry
	}

	if err := m.ledger.Reserve(ctx, b); err != nil {
		return nil, err
	}

	if b.Status == model.BookingConfirmed {
		metrics.BookingTransitions.WithLabelValues(string(model.BookingConfirmed)).Inc()
		m.notifier.BookingConfirmed(ctx, b)
		return &CreateResult{Booking: b}, nil
	}

	lineItems := make([]payment.LineItem, 0, len(b.Lines))
	for _, l := range b.Lines {
		lineItems = append(lineItems, payment.LineItem{
			Name:       items[l.ItemID].Name,
			Quantity:   l.Quantity,
			UnitAmount: l.UnitPrice,
		})
	}
	session, err := m.gateway.CreateCheckoutSession(ctx, b.ID, lineItems, m.cfg.SuccessURL, m.cfg.CancelURL)
	if err != nil {
		// The hold stands; the caller may retry checkout creation and
		// the sweeper reclaims the capacity if they never do.
		log.Printf("booking %s: checkout session failed: %v", b.ID, err)
		return nil, fmt.Errorf("booking %s created but checkout unavailable: %w", b.ID, err)
	}

	// The webhook may have confirmed the booking while the checkout
	// call was in flight, so the session ref is attached to a re-read
	// inside the item lock, never by writing back the stale row.
	updated, err := m.persistRefs(ctx, b.ID, func(cur *model.Booking) {
		cur.CheckoutSessionID = session.ID
	})
	if err != nil {
		log.Printf("booking %s: persist session ref: %v", b.ID, err)
		b.CheckoutSessionID = session.ID
	} else {
		b = updated
	}

	return &CreateResult{Booking: b, CheckoutURL: session.URL}, nil
}

// Get returns a booking by ID.
func (m *Manager) Get(ctx context.Context, id string) (*model.Booking, error) {
	return m.store.Booking(ctx, id)
}

// Confirm applies the payment-succeeded transition. Replays and
// out-of-order deliveries are no-ops that return the current state.
func (m *Manager) Confirm(ctx context.Context, id, paymentRef string) (*model.Booking, bool, error) {
	b, changed, err := m.transition(ctx, id, from(model.BookingPending), model.BookingConfirmed, nil,
		func(b *model.Booking) {
			if paymentRef != "" {
				b.PaymentRef = paymentRef
			}
			b.HoldExpiresAt = nil
		})
	if err != nil {
		return nil, false, err
	}
	if changed {
		m.notifier.BookingConfirmed(ctx, b)
	}
	return b, changed, nil
}

// Cancel cancels a pending or confirmed booking, releasing its
// capacity. If a payment was captured, a refund is requested; refund
// failures are logged and counted for out-of-band retry, never
// blocking the cancellation. Freed capacity triggers promotion.
func (m *Manager) Cancel(ctx context.Context, id, reason string) (*model.Booking, bool, error) {
	var prior model.BookingStatus
	b, changed, err := m.transition(ctx, id,
		from(model.BookingPending, model.BookingConfirmed), model.BookingCancelled, nil,
		func(b *model.Booking) {
			prior = b.Status
			b.CancelReason = reason
			t := m.clock.Now()
			b.CancelledAt = &t
			b.HoldExpiresAt = nil
		})
	if err != nil {
		return nil, false, err
	}
	if !changed {
		return b, false, nil
	}

	if prior == model.BookingConfirmed && b.PaymentRef != "" {
		if ref, err := m.gateway.CreateRefund(ctx, b.PaymentRef, 0); err != nil {
			metrics.RefundFailures.Inc()
			log.Printf("booking %s: refund request failed, needs manual retry: %v", b.ID, err)
		} else {
			// A charge-refunded webhook can land while the refund call
			// is in flight; re-read under the lock so its transition is
			// kept.
			updated, uerr := m.persistRefs(ctx, b.ID, func(cur *model.Booking) {
				cur.RefundRef = ref
			})
			if uerr != nil {
				log.Printf("booking %s: persist refund ref: %v", b.ID, uerr)
				b.RefundRef = ref
			} else {
				b = updated
			}
		}
	}

	m.notifier.BookingCancelled(ctx, b)
	m.promote(ctx, b)
	return b, true, nil
}

// MarkRefunded applies the charge-refunded transition. From confirmed
// it releases capacity and promotes; from cancelled it only records
// that the refund settled, since the cancellation already released the
// units and promoted.
func (m *Manager) MarkRefunded(ctx context.Context, id, refundRef string) (*model.Booking, bool, error) {
	var prior model.BookingStatus
	b, changed, err := m.transition(ctx, id,
		from(model.BookingConfirmed, model.BookingCancelled), model.BookingRefunded, nil,
		func(b *model.Booking) {
			prior = b.Status
			if refundRef != "" {
				b.RefundRef = refundRef
			}
		})
	if err != nil {
		return nil, false, err
	}
	if changed && prior == model.BookingConfirmed {
		m.promote(ctx, b)
	}
	return b, changed, nil
}

// Complete marks a confirmed booking as completed (the customer showed
// up and the service was delivered).
func (m *Manager) Complete(ctx context.Context, id string) (*model.Booking, bool, error) {
	return m.transition(ctx, id, from(model.BookingConfirmed), model.BookingCompleted, nil, nil)
}

// MarkNoShow marks a confirmed booking as a no-show. The units stay
// consumed.
func (m *Manager) MarkNoShow(ctx context.Context, id string) (*model.Booking, bool, error) {
	return m.transition(ctx, id, from(model.BookingConfirmed), model.BookingNoShow, nil, nil)
}

// ExpireHold cancels a pending booking whose hold lapsed before now.
// The check runs inside the item lock, so a confirmation racing ahead
// of the sweeper wins atomically and a second sweep of the same
// booking is a no-op.
func (m *Manager) ExpireHold(ctx context.Context, id string, now time.Time) (*model.Booking, bool, error) {
	b, changed, err := m.transition(ctx, id, from(model.BookingPending), model.BookingCancelled,
		func(b *model.Booking) bool {
			return b.HoldExpiresAt != nil && b.HoldExpiresAt.Before(now)
		},
		func(b *model.Booking) {
			b.CancelReason = "hold expired"
			t := now
			b.CancelledAt = &t
			b.HoldExpiresAt = nil
		})
	if err != nil {
		return nil, false, err
	}
	if changed {
		m.notifier.BookingCancelled(ctx, b)
	}
	return b, changed, nil
}

// transition loads the booking, locks its items, and applies the
// status flip only if the current status is one of `allowed` and cond
// holds at the moment of update. Otherwise it is a no-op that returns
// the booking as found.
func (m *Manager) transition(ctx context.Context, id string, allowed map[model.BookingStatus]bool, to model.BookingStatus, cond func(*model.Booking) bool, mutate func(*model.Booking)) (*model.Booking, bool, error) {
	b, err := m.store.Booking(ctx, id)
	if err != nil {
		return nil, false, err
	}

	var result *model.Booking
	changed := false
	err = m.store.WithItemsLock(ctx, b.ItemIDs(), func(tx store.Tx) error {
		cur, err := tx.Booking(ctx, id)
		if err != nil {
			return err
		}
		result = cur
		if !allowed[cur.Status] {
			return nil
		}
		if cond != nil && !cond(cur) {
			return nil
		}
		if mutate != nil {
			mutate(cur)
		}
		cur.Status = to
		cur.UpdatedAt = m.clock.Now()
		changed = true
		return tx.UpdateBooking(ctx, cur)
	})
	if err != nil {
		return nil, false, err
	}
	if changed {
		metrics.BookingTransitions.WithLabelValues(string(to)).Inc()
	}
	return result, changed, nil
}

// persistRefs attaches gateway reference fields to the booking through
// a locked re-read. Gateway calls run outside the item lock, so the row
// may have transitioned in the meantime; mutating the current row keeps
// that transition instead of clobbering it with a stale copy.
func (m *Manager) persistRefs(ctx context.Context, id string, mutate func(*model.Booking)) (*model.Booking, error) {
	b, err := m.store.Booking(ctx, id)
	if err != nil {
		return nil, err
	}
	var result *model.Booking
	err = m.store.WithItemsLock(ctx, b.ItemIDs(), func(tx store.Tx) error {
		cur, err := tx.Booking(ctx, id)
		if err != nil {
			return err
		}
		mutate(cur)
		result = cur
		return tx.UpdateBooking(ctx, cur)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (m *Manager) promote(ctx context.Context, b *model.Booking) {
	for _, itemID := range b.ItemIDs() {
		if err := m.promoter.Promote(ctx, itemID); err != nil {
			log.Printf("promote item %s after booking %s: %v", itemID, b.ID, err)
		}
	}
}

func from(statuses ...model.BookingStatus) map[model.BookingStatus]bool {
	set := make(map[model.BookingStatus]bool, len(statuses))
	for _, s := range statuses {
		set[s] = true
	}
	return set
}

func validateRequest(req CreateRequest, lines []Line) error {
	seen := make(map[string]bool, len(lines))
	for _, l := range lines {
		if strings.TrimSpace(l.ItemID) == "" {
			return fmt.Errorf("%w: item id is required", model.ErrInvalidInput)
		}
		if l.Quantity <= 0 {
			return fmt.Errorf("%w: quantity must be positive", model.ErrInvalidInput)
		}
		if seen[l.ItemID] {
			return fmt.Errorf("%w: duplicate item %s", model.ErrInvalidInput, l.ItemID)
		}
		seen[l.ItemID] = true
	}
	if !isValidEmail(req.Customer.Email) {
		return fmt.Errorf("%w: customer email is not valid", model.ErrInvalidInput)
	}
	return nil
}

// isValidEmail does a basic structural check (no external deps).
func isValidEmail(email string) bool {
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return false
	}
	return len(parts[0]) > 0 && strings.Contains(parts[1], ".")
}
