// Package waitlist maintains per-item FIFO queues of waiting customers
// and promotes them into time-boxed offers when capacity frees up.
package waitlist

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
	"github.com/reservekit/reservekit/internal/store"
)

// Manager owns the waitlist queues.
type Manager struct {
	store    store.Store
	notifier notify.Notifier
	clock    clock.Clock
	offerTTL time.Duration
}

// NewManager constructs a Manager.
func NewManager(s store.Store, n notify.Notifier, clk clock.Clock, offerTTL time.Duration) *Manager {
	return &Manager{store: s, notifier: n, clock: clk, offerTTL: offerTTL}
}

// Join appends a customer to an item's queue at position max+1.
// A customer with an active (waiting or offered) entry on the item is
// rejected with ErrDuplicateWaitlistEntry.
func (m *Manager) Join(ctx context.Context, itemID string, quantity int, customer model.Customer) (*model.WaitlistEntry, error) {
	customer.Email = strings.TrimSpace(strings.ToLower(customer.Email))
	if quantity <= 0 {
		return nil, fmt.Errorf("%w: quantity must be positive", model.ErrInvalidInput)
	}
	if customer.Email == "" {
		return nil, fmt.Errorf("%w: customer email is required", model.ErrInvalidInput)
	}

	var entry *model.WaitlistEntry
	err := m.store.WithItemsLock(ctx, []string{itemID}, func(tx store.Tx) error {
		if _, err := tx.Item(ctx, itemID); err != nil {
			return err
		}
		existing, err := tx.ActiveEntryFor(ctx, itemID, customer.Email)
		if err != nil {
			return err
		}
		if existing != nil {
			return model.ErrDuplicateWaitlistEntry
		}
		position, err := tx.NextPosition(ctx, itemID)
		if err != nil {
			return err
		}

		now := m.clock.Now()
		entry = &model.WaitlistEntry{
			ID:        uuid.New().String(),
			ItemID:    itemID,
			Customer:  customer,
			Quantity:  quantity,
			Position:  position,
			Status:    model.WaitlistWaiting,
			CreatedAt: now,
			UpdatedAt: now,
		}
		return tx.InsertWaitlistEntry(ctx, entry)
	})
	if err != nil {
		return nil, err
	}
	metrics.WaitlistJoins.Inc()
	return entry, nil
}

// Entry returns a waitlist entry by ID.
func (m *Manager) Entry(ctx context.Context, id string) (*model.WaitlistEntry, error) {
	return m.store.WaitlistEntry(ctx, id)
}

// Promote offers newly freed capacity to waiting entries in strict
// position order. Each offer immediately counts as held, fencing the
// capacity against walk-up purchases until it is claimed or expires.
// The loop stops at the first entry whose quantity does not fit: later
// entries are never offered ahead of it and offers are never partial.
//
// The queue read and the availability computation share one item lock,
// so a concurrent join lands behind this pass and a concurrent reserve
// cannot take the same units.
func (m *Manager) Promote(ctx context.Context, itemID string) error {
	var offered []*model.WaitlistEntry
	err := m.store.WithItemsLock(ctx, []string{itemID}, func(tx store.Tx) error {
		offered = offered[:0]

		item, err := tx.Item(ctx, itemID)
		if err != nil {
			return err
		}
		unlimited := item.Capacity == nil
		available := 0
		if !unlimited {
			available, err = ledger.AvailableIn(ctx, tx, item)
			if err != nil {
				return err
			}
		}

		waiting, err := tx.WaitingEntries(ctx, itemID)
		if err != nil {
			return err
		}
		now := m.clock.Now()
		for _, e := range waiting {
			if !unlimited && e.Quantity > available {
				break
			}
			expiry := now.Add(m.offerTTL)
			e.Status = model.WaitlistOffered
			e.OfferExpiresAt = &expiry
			e.UpdatedAt = now
			if err := tx.UpdateWaitlistEntry(ctx, e); err != nil {
				return err
			}
			available -= e.Quantity
			offered = append(offered, e)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, e := range offered {
		metrics.WaitlistPromotions.Inc()
		m.notifier.WaitlistOffer(ctx, e)
	}
	return nil
}

// Withdraw cancels a customer's waiting or offered entry. Withdrawing
// an offered entry releases its held capacity, so promotion runs for
// the item afterwards. Withdrawing an already-settled entry is a
// no-op.
func (m *Manager) Withdraw(ctx context.Context, entryID string) (*model.WaitlistEntry, error) {
	e, err := m.store.WaitlistEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}

	wasOffered := false
	var result *model.WaitlistEntry
	err = m.store.WithItemsLock(ctx, []string{e.ItemID}, func(tx store.Tx) error {
		cur, err := tx.WaitlistEntry(ctx, entryID)
		if err != nil {
			return err
		}
		result = cur
		if !cur.Status.Active() {
			return nil
		}
		wasOffered = cur.Status == model.WaitlistOffered
		cur.Status = model.WaitlistCancelled
		cur.OfferExpiresAt = nil
		cur.UpdatedAt = m.clock.Now()
		return tx.UpdateWaitlistEntry(ctx, cur)
	})
	if err != nil {
		return nil, err
	}

	if wasOffered {
		if err := m.Promote(ctx, e.ItemID); err != nil {
			log.Printf("promote item %s after withdrawal: %v", e.ItemID, err)
		}
	}
	return result, nil
}

// ExpireOffer lapses an offered entry whose window ended before now,
// releasing its held capacity. The expiry check runs inside the item
// lock, so a claim racing the sweeper wins and a re-swept entry is a
// no-op.
func (m *Manager) ExpireOffer(ctx context.Context, entryID string, now time.Time) (bool, error) {
	e, err := m.store.WaitlistEntry(ctx, entryID)
	if err != nil {
		return false, err
	}

	changed := false
	err = m.store.WithItemsLock(ctx, []string{e.ItemID}, func(tx store.Tx) error {
		cur, err := tx.WaitlistEntry(ctx, entryID)
		if err != nil {
			return err
		}
		if cur.Status != model.WaitlistOffered {
			return nil
		}
		if cur.OfferExpiresAt == nil || !cur.OfferExpiresAt.Before(now) {
			return nil
		}
		cur.Status = model.WaitlistExpired
		cur.OfferExpiresAt = nil
		cur.UpdatedAt = now
		changed = true
		return tx.UpdateWaitlistEntry(ctx, cur)
	})
	return changed, err
}
