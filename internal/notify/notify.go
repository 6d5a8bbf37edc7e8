// Package notify is the fire-and-forget notification boundary.
// Rendering and delivery live outside the engine; failures here never
// roll back booking state.
package notify

import (
	"context"
	"log"

	"github.com/reservekit/reservekit/internal/model"
)

// Notifier hands engine events to an external dispatcher.
type Notifier interface {
	BookingConfirmed(ctx context.Context, b *model.Booking)
	BookingCancelled(ctx context.Context, b *model.Booking)
	WaitlistOffer(ctx context.Context, e *model.WaitlistEntry)
}

// LogNotifier writes notifications to the process log. It stands in
// for the external dispatcher in tests and local runs.
type LogNotifier struct{}

func (LogNotifier) BookingConfirmed(ctx context.Context, b *model.Booking) {
	log.Printf("notify: booking %s confirmed for %s", b.ID, b.Customer.Email)
}

func (LogNotifier) BookingCancelled(ctx context.Context, b *model.Booking) {
	log.Printf("notify: booking %s cancelled (%s)", b.ID, b.CancelReason)
}

func (LogNotifier) WaitlistOffer(ctx context.Context, e *model.WaitlistEntry) {
	log.Printf("notify: waitlist offer for %s on item %s, expires %v",
		e.Customer.Email, e.ItemID, e.OfferExpiresAt)
}
