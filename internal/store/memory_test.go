package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reservekit/reservekit/internal/model"
)

func TestWithItemsLockSerializesPerItem(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	const workers = 50
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.WithItemsLock(ctx, []string{"item-a"}, func(tx Tx) error {
				counter++
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, workers, counter)
}

func TestWithItemsLockDeduplicatesIDs(t *testing.T) {
	m := NewMemory()
	// A booking with two lines on the same item must not self-deadlock.
	done := make(chan error, 1)
	go func() {
		done <- m.WithItemsLock(context.Background(), []string{"x", "x", "x"}, func(tx Tx) error {
			return nil
		})
	}()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("WithItemsLock deadlocked on duplicate item IDs")
	}
}

func TestReadsDoNotAliasStoreState(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	b := &model.Booking{
		ID:     "b1",
		Status: model.BookingPending,
		Lines:  []model.BookingLine{{ItemID: "item-a", Quantity: 1}},
	}
	require.NoError(t, m.WithItemsLock(ctx, []string{"item-a"}, func(tx Tx) error {
		return tx.InsertBooking(ctx, b)
	}))

	got, err := m.Booking(ctx, "b1")
	require.NoError(t, err)
	got.Status = model.BookingConfirmed
	got.Lines[0].Quantity = 99

	// Mutating the returned copy must not leak into the store.
	again, err := m.Booking(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, model.BookingPending, again.Status)
	assert.Equal(t, 1, again.Lines[0].Quantity)
}

func TestExpiredScansFilterByStatusAndDeadline(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	insert := func(id string, status model.BookingStatus, hold *time.Time) {
		require.NoError(t, m.WithItemsLock(ctx, []string{"item-a"}, func(tx Tx) error {
			return tx.InsertBooking(ctx, &model.Booking{
				ID:            id,
				Status:        status,
				HoldExpiresAt: hold,
				Lines:         []model.BookingLine{{ItemID: "item-a", Quantity: 1}},
			})
		}))
	}
	insert("expired", model.BookingPending, &past)
	insert("live", model.BookingPending, &future)
	insert("settled", model.BookingConfirmed, nil)

	expired, err := m.ExpiredPendingBookings(ctx, now)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "expired", expired[0].ID)

	require.NoError(t, m.WithItemsLock(ctx, []string{"item-a"}, func(tx Tx) error {
		if err := tx.InsertWaitlistEntry(ctx, &model.WaitlistEntry{
			ID: "lapsed", ItemID: "item-a", Position: 1,
			Status: model.WaitlistOffered, OfferExpiresAt: &past,
		}); err != nil {
			return err
		}
		return tx.InsertWaitlistEntry(ctx, &model.WaitlistEntry{
			ID: "fresh", ItemID: "item-a", Position: 2,
			Status: model.WaitlistOffered, OfferExpiresAt: &future,
		})
	}))

	offers, err := m.ExpiredOffers(ctx, now)
	require.NoError(t, err)
	require.Len(t, offers, 1)
	assert.Equal(t, "lapsed", offers[0].ID)
}

func TestNextPositionCountsSettledEntries(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.WithItemsLock(ctx, []string{"item-a"}, func(tx Tx) error {
		if err := tx.InsertWaitlistEntry(ctx, &model.WaitlistEntry{
			ID: "e1", ItemID: "item-a", Position: 1, Status: model.WaitlistCancelled,
		}); err != nil {
			return err
		}
		pos, err := tx.NextPosition(ctx, "item-a")
		if err != nil {
			return err
		}
		// Positions are never reused, even after the holder settles.
		assert.Equal(t, 2, pos)
		return nil
	}))
}
