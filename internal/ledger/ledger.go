// Package ledger implements the capacity ledger: the single source of
// truth for how many units of an item are sold or held versus
// available, and the one place where a capacity check and the write it
// justifies happen atomically.
package ledger

import (
	"context"
	"fmt"

	"github.com/reservekit/reservekit/internal/metrics"
	"github.com/reservekit/reservekit/internal/model"
	"github.com/reservekit/reservekit/internal/store"
)

// Ledger performs atomic attempt-reserve operations against the store.
type Ledger struct {
	store store.Store
}

// New constructs a Ledger.
func New(s store.Store) *Ledger {
	return &Ledger{store: s}
}

// Reserve atomically checks capacity for every line of the booking and
// inserts it, all inside one item-locked scope. It is all-or-nothing:
// if any line lacks capacity the whole reservation fails with
// CapacityExceededError listing the unavailable items, and nothing is
// written.
//
// Unlimited-capacity items bypass the counting path entirely.
//
// If the booking's customer holds an offered waitlist entry on one of
// the items, that entry's quantity is credited back to availability for
// this reservation and the entry is marked claimed in the same scope,
// converting held capacity directly into the booking's hold with no
// release window another customer could race into.
func (l *Ledger) Reserve(ctx context.Context, b *model.Booking) error {
	err := l.store.WithItemsLock(ctx, b.ItemIDs(), func(tx store.Tx) error {
		var unavailable []string
		var claims []*model.WaitlistEntry

		for _, line := range b.Lines {
			item, err := tx.Item(ctx, line.ItemID)
			if err != nil {
				return err
			}

			// The claim lookup runs for unlimited items too: an offer
			// on one still settles when its customer books.
			entry, err := tx.OfferedEntryFor(ctx, line.ItemID, b.Customer.Email)
			if err != nil {
				return err
			}
			if entry != nil {
				claims = append(claims, entry)
			}

			if item.Capacity == nil {
				continue
			}

			available, err := availableIn(ctx, tx, item)
			if err != nil {
				return err
			}
			if entry != nil {
				available += entry.Quantity
			}
			if line.Quantity > available {
				unavailable = append(unavailable, line.ItemID)
			}
		}

		if len(unavailable) > 0 {
			return &model.CapacityExceededError{UnavailableItems: unavailable}
		}

		// All checks passed: mutate. Claimed entries stop counting as
		// held the instant the pending booking starts counting.
		for _, entry := range claims {
			entry.Status = model.WaitlistClaimed
			entry.OfferExpiresAt = nil
			entry.UpdatedAt = b.CreatedAt
			if err := tx.UpdateWaitlistEntry(ctx, entry); err != nil {
				return fmt.Errorf("claim waitlist entry: %w", err)
			}
		}
		return tx.InsertBooking(ctx, b)
	})

	switch {
	case err == nil:
		metrics.Reservations.WithLabelValues("reserved").Inc()
	default:
		if _, ok := model.IsCapacityExceeded(err); ok {
			metrics.Reservations.WithLabelValues("capacity_exceeded").Inc()
		} else {
			metrics.Reservations.WithLabelValues("error").Inc()
		}
	}
	return err
}

// Available reports the item's currently available units. The second
// return is false for unlimited-capacity items, whose availability is
// not a meaningful number.
//
// The figure is advisory outside an item lock; only Reserve may act on
// it.
func (l *Ledger) Available(ctx context.Context, itemID string) (int, bool, error) {
	var available int
	limited := true
	err := l.store.WithItemsLock(ctx, []string{itemID}, func(tx store.Tx) error {
		item, err := tx.Item(ctx, itemID)
		if err != nil {
			return err
		}
		if item.Capacity == nil {
			limited = false
			return nil
		}
		available, err = availableIn(ctx, tx, item)
		return err
	})
	return available, limited, err
}

// availableIn computes capacity - confirmed - held for a limited item
// inside an item-locked scope. Held units are pending bookings plus
// offered waitlist entries.
func availableIn(ctx context.Context, tx store.Tx, item *model.SellableItem) (int, error) {
	confirmed, err := tx.ConfirmedQuantity(ctx, item.ID)
	if err != nil {
		return 0, err
	}
	pending, err := tx.PendingQuantity(ctx, item.ID)
	if err != nil {
		return 0, err
	}
	offered, err := tx.OfferedQuantity(ctx, item.ID)
	if err != nil {
		return 0, err
	}
	return *item.Capacity - confirmed - pending - offered, nil
}

// AvailableIn exposes the in-scope availability computation to the
// waitlist promoter, which must decide offers inside the same lock
// that reads the queue.
func AvailableIn(ctx context.Context, tx store.Tx, item *model.SellableItem) (int, error) {
	return availableIn(ctx, tx, item)
}
