// Package model defines the core domain types for the reservation and
// capacity engine: sellable items, bookings with their lines, and
// waitlist entries.
package model

import "time"

// SellableItem is a unit of finite, time-boxed inventory: a ticket
// type, an add-on, a room-night, a tee-time slot. A nil Capacity means
// unlimited inventory.
type SellableItem struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Capacity    *int       `json:"capacity"`
	Price       int64      `json:"price"` // minor currency units per unit
	SaleStart   *time.Time `json:"sale_start,omitempty"`
	SaleEnd     *time.Time `json:"sale_end,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// SaleOpen reports whether the item's sale window contains the given
// instant. A missing bound is treated as open on that side.
func (i *SellableItem) SaleOpen(now time.Time) bool {
	if i.SaleStart != nil && now.Before(*i.SaleStart) {
		return false
	}
	if i.SaleEnd != nil && now.After(*i.SaleEnd) {
		return false
	}
	return true
}

// BookingStatus is the booking state machine's state label.
type BookingStatus string

const (
	BookingPending   BookingStatus = "pending"
	BookingConfirmed BookingStatus = "confirmed"
	BookingCancelled BookingStatus = "cancelled"
	BookingRefunded  BookingStatus = "refunded"
	BookingCompleted BookingStatus = "completed"
	BookingNoShow    BookingStatus = "no_show"
)

// ConsumesCapacity reports whether a booking in this status counts its
// lines against item capacity as confirmed units. Completed and no-show
// bookings keep their units consumed; only cancellation and refund
// release them.
func (s BookingStatus) ConsumesCapacity() bool {
	switch s {
	case BookingConfirmed, BookingCompleted, BookingNoShow:
		return true
	}
	return false
}

// Customer is the contact attached to a booking or waitlist entry.
type Customer struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone,omitempty"`
}

// BookingLine is one (item, quantity, unit price) tuple of a booking.
// Immutable once the booking exists; the whole booking is cancelled,
// never individual lines.
type BookingLine struct {
	ItemID    string `json:"item_id"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
}

// Booking is a customer's attempt to acquire units of one or more
// items. While pending it holds capacity until HoldExpiresAt.
type Booking struct {
	ID                string        `json:"id"`
	Customer          Customer      `json:"customer"`
	Status            BookingStatus `json:"status"`
	Lines             []BookingLine `json:"lines"`
	TotalAmount       int64         `json:"total_amount"`
	CheckoutSessionID string        `json:"checkout_session_id,omitempty"`
	PaymentRef        string        `json:"payment_ref,omitempty"`
	RefundRef         string        `json:"refund_ref,omitempty"`
	HoldExpiresAt     *time.Time    `json:"hold_expires_at,omitempty"`
	CancelReason      string        `json:"cancel_reason,omitempty"`
	CancelledAt       *time.Time    `json:"cancelled_at,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// ItemIDs returns the distinct item IDs across the booking's lines, in
// line order.
func (b *Booking) ItemIDs() []string {
	seen := make(map[string]bool, len(b.Lines))
	ids := make([]string, 0, len(b.Lines))
	for _, l := range b.Lines {
		if !seen[l.ItemID] {
			seen[l.ItemID] = true
			ids = append(ids, l.ItemID)
		}
	}
	return ids
}

// WaitlistStatus is the lifecycle state of a waitlist entry.
type WaitlistStatus string

const (
	WaitlistWaiting   WaitlistStatus = "waiting"
	WaitlistOffered   WaitlistStatus = "offered"
	WaitlistClaimed   WaitlistStatus = "claimed"
	WaitlistExpired   WaitlistStatus = "expired"
	WaitlistCancelled WaitlistStatus = "cancelled"
)

// Active reports whether the entry still occupies its queue slot.
func (s WaitlistStatus) Active() bool {
	return s == WaitlistWaiting || s == WaitlistOffered
}

// WaitlistEntry is one customer's place in an item's FIFO queue.
// While offered, its quantity counts as held capacity until the offer
// is claimed, expires, or is withdrawn.
type WaitlistEntry struct {
	ID             string         `json:"id"`
	ItemID         string         `json:"item_id"`
	Customer       Customer       `json:"customer"`
	Quantity       int            `json:"quantity"`
	Position       int            `json:"position"`
	Status         WaitlistStatus `json:"status"`
	OfferExpiresAt *time.Time     `json:"offer_expires_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// ErrorResponse is a standard JSON error envelope.
type ErrorResponse struct {
	Error            string   `json:"error"`
	UnavailableItems []string `json:"unavailable_items,omitempty"`
}
