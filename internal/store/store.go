// Package store defines the persistence contract for the reservation
// engine and provides an in-memory implementation.
//
// All capacity mutation happens inside WithItemsLock, the one atomic
// scope: the implementation serializes callers per item (a row lock in
// Postgres, a per-item mutex in memory) so that a capacity decision and
// the write it justifies commit together. Reading a capacity number
// outside that scope and acting on it is the bug class this contract
// exists to prevent.
package store

import (
	"context"
	"time"

	"github.com/reservekit/reservekit/internal/model"
)

// Tx is the view of the store inside an item-locked scope. Quantity
// sums and mutations for the locked items are consistent for the
// duration of the callback.
type Tx interface {
	// Item returns the locked item row or model.ErrNotFound.
	Item(ctx context.Context, itemID string) (*model.SellableItem, error)

	// ConfirmedQuantity sums line quantities of bookings whose status
	// consumes capacity (confirmed, completed, no_show).
	ConfirmedQuantity(ctx context.Context, itemID string) (int, error)
	// PendingQuantity sums line quantities of pending bookings.
	PendingQuantity(ctx context.Context, itemID string) (int, error)
	// OfferedQuantity sums quantities of offered waitlist entries.
	OfferedQuantity(ctx context.Context, itemID string) (int, error)

	InsertBooking(ctx context.Context, b *model.Booking) error
	Booking(ctx context.Context, id string) (*model.Booking, error)
	UpdateBooking(ctx context.Context, b *model.Booking) error

	// OfferedEntryFor returns the customer's offered entry on the item,
	// or nil if none.
	OfferedEntryFor(ctx context.Context, itemID, email string) (*model.WaitlistEntry, error)
	// ActiveEntryFor returns the customer's waiting or offered entry on
	// the item, or nil if none.
	ActiveEntryFor(ctx context.Context, itemID, email string) (*model.WaitlistEntry, error)
	// WaitingEntries returns the item's waiting entries in ascending
	// position order.
	WaitingEntries(ctx context.Context, itemID string) ([]*model.WaitlistEntry, error)
	// NextPosition returns max(position)+1 for the item, 1 if none.
	NextPosition(ctx context.Context, itemID string) (int, error)
	InsertWaitlistEntry(ctx context.Context, e *model.WaitlistEntry) error
	WaitlistEntry(ctx context.Context, id string) (*model.WaitlistEntry, error)
	UpdateWaitlistEntry(ctx context.Context, e *model.WaitlistEntry) error
}

// Store is the engine's persistence boundary.
type Store interface {
	// WithItemsLock runs fn with the given items locked against
	// concurrent capacity decisions. Locks are acquired in sorted ID
	// order so overlapping multi-item reservations cannot deadlock.
	// If fn returns an error the scope's writes are discarded where the
	// backend supports rollback; callers must validate before mutating.
	WithItemsLock(ctx context.Context, itemIDs []string, fn func(tx Tx) error) error

	CreateItem(ctx context.Context, item *model.SellableItem) error
	Item(ctx context.Context, id string) (*model.SellableItem, error)
	Items(ctx context.Context) ([]*model.SellableItem, error)

	// Booking is a read-only lookup. All booking writes go through a
	// Tx inside WithItemsLock, including reference-field updates, so a
	// stale row can never overwrite a concurrent transition.
	Booking(ctx context.Context, id string) (*model.Booking, error)

	WaitlistEntry(ctx context.Context, id string) (*model.WaitlistEntry, error)

	// ExpiredPendingBookings returns pending bookings whose hold expiry
	// is before now.
	ExpiredPendingBookings(ctx context.Context, now time.Time) ([]*model.Booking, error)
	// ExpiredOffers returns offered waitlist entries whose offer expiry
	// is before now.
	ExpiredOffers(ctx context.Context, now time.Time) ([]*model.WaitlistEntry, error)
}
