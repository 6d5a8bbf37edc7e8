// Package sweeper runs the periodic pass that reclaims capacity from
// abandoned holds and lapsed waitlist offers, then cascades promotion.
package sweeper

import (
	"context"
	"log"
	"time"

	"github.com/reservekit/reservekit/internal/booking"
	"github.com/reservekit/reservekit/internal/clock"
	"github.com/reservekit/reservekit/internal/metrics"
	"github.com/reservekit/reservekit/internal/store"
	"github.com/reservekit/reservekit/internal/waitlist"
)

// Sweeper expires stale leases on a schedule.
type Sweeper struct {
	store    store.Store
	bookings *booking.Manager
	waitlist *waitlist.Manager
	clock    clock.Clock
	interval time.Duration
}

// New constructs a Sweeper.
func New(s store.Store, bm *booking.Manager, wm *waitlist.Manager, clk clock.Clock, interval time.Duration) *Sweeper {
	return &Sweeper{store: s, bookings: bm, waitlist: wm, clock: clk, interval: interval}
}

// Run sweeps on the configured interval until ctx is cancelled.
// Individual sweep failures are logged, never fatal.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				log.Printf("sweep: %v", err)
			}
		}
	}
}

// Sweep runs one cycle: expire timed-out pending holds, expire lapsed
// offers, then promote each touched item exactly once so a single
// cycle can cascade an offer to the next waiter. Expiry transitions
// are conditional on state at the moment of update, so concurrent
// confirmations win and re-running a sweep releases nothing twice.
func (s *Sweeper) Sweep(ctx context.Context) error {
	start := time.Now()
	now := s.clock.Now()
	touched := make(map[string]struct{})

	expired, err := s.store.ExpiredPendingBookings(ctx, now)
	if err != nil {
		return err
	}
	for _, b := range expired {
		swept, changed, err := s.bookings.ExpireHold(ctx, b.ID, now)
		if err != nil {
			log.Printf("sweep: expire booking %s: %v", b.ID, err)
			continue
		}
		if changed {
			metrics.SweepExpired.WithLabelValues("hold").Inc()
			for _, id := range swept.ItemIDs() {
				touched[id] = struct{}{}
			}
		}
	}

	offers, err := s.store.ExpiredOffers(ctx, now)
	if err != nil {
		return err
	}
	for _, e := range offers {
		changed, err := s.waitlist.ExpireOffer(ctx, e.ID, now)
		if err != nil {
			log.Printf("sweep: expire offer %s: %v", e.ID, err)
			continue
		}
		if changed {
			metrics.SweepExpired.WithLabelValues("offer").Inc()
			touched[e.ItemID] = struct{}{}
		}
	}

	for itemID := range touched {
		if err := s.waitlist.Promote(ctx, itemID); err != nil {
			log.Printf("sweep: promote item %s: %v", itemID, err)
		}
	}

	metrics.SweepRuns.Inc()
	metrics.SweepDuration.Observe(time.Since(start).Seconds())
	return nil
}
