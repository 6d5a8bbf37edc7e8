package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/reservekit/reservekit/internal/model"
)

// Memory is an in-process Store keyed by item ID. Capacity decisions
// are serialized per item through a guarded mutex map rather than
// ambient globals, which keeps tests deterministic and parallel-safe.
type Memory struct {
	mu       sync.RWMutex // guards the maps below
	items    map[string]*model.SellableItem
	bookings map[string]*model.Booking
	entries  map[string]*model.WaitlistEntry

	lockMu sync.Mutex // guards locks
	locks  map[string]*sync.Mutex
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		items:    make(map[string]*model.SellableItem),
		bookings: make(map[string]*model.Booking),
		entries:  make(map[string]*model.WaitlistEntry),
		locks:    make(map[string]*sync.Mutex),
	}
}

func (m *Memory) itemLock(id string) *sync.Mutex {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

// WithItemsLock acquires the per-item mutexes in sorted ID order and
// runs fn. The memory backend has no rollback: fn must perform all
// checks before its first mutation.
func (m *Memory) WithItemsLock(ctx context.Context, itemIDs []string, fn func(tx Tx) error) error {
	ids := append([]string(nil), itemIDs...)
	sort.Strings(ids)
	// Drop duplicates so a booking with repeated items cannot self-deadlock.
	uniq := ids[:0]
	for i, id := range ids {
		if i == 0 || ids[i-1] != id {
			uniq = append(uniq, id)
		}
	}
	for _, id := range uniq {
		l := m.itemLock(id)
		l.Lock()
		defer l.Unlock()
	}
	return fn(&memTx{m: m})
}

func (m *Memory) CreateItem(ctx context.Context, item *model.SellableItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *item
	m.items[item.ID] = &cp
	return nil
}

func (m *Memory) Item(ctx context.Context, id string) (*model.SellableItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyItem(m.items[id])
}

func (m *Memory) Items(ctx context.Context) ([]*model.SellableItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.SellableItem, 0, len(m.items))
	for _, it := range m.items {
		cp := *it
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) Booking(ctx context.Context, id string) (*model.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyBooking(m.bookings[id])
}

func (m *Memory) WaitlistEntry(ctx context.Context, id string) (*model.WaitlistEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyEntry(m.entries[id])
}

func (m *Memory) ExpiredPendingBookings(ctx context.Context, now time.Time) ([]*model.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Booking
	for _, b := range m.bookings {
		if b.Status == model.BookingPending && b.HoldExpiresAt != nil && b.HoldExpiresAt.Before(now) {
			out = append(out, cloneBooking(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ExpiredOffers(ctx context.Context, now time.Time) ([]*model.WaitlistEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.WaitlistEntry
	for _, e := range m.entries {
		if e.Status == model.WaitlistOffered && e.OfferExpiresAt != nil && e.OfferExpiresAt.Before(now) {
			out = append(out, copyEntryValue(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

// memTx reads and writes the parent maps; callers hold the relevant
// item locks for the duration.
type memTx struct {
	m *Memory
}

func (t *memTx) Item(ctx context.Context, itemID string) (*model.SellableItem, error) {
	return t.m.Item(ctx, itemID)
}

func (t *memTx) ConfirmedQuantity(ctx context.Context, itemID string) (int, error) {
	return t.sumBookingLines(itemID, func(s model.BookingStatus) bool { return s.ConsumesCapacity() })
}

func (t *memTx) PendingQuantity(ctx context.Context, itemID string) (int, error) {
	return t.sumBookingLines(itemID, func(s model.BookingStatus) bool { return s == model.BookingPending })
}

func (t *memTx) sumBookingLines(itemID string, match func(model.BookingStatus) bool) (int, error) {
	t.m.mu.RLock()
	defer t.m.mu.RUnlock()
	total := 0
	for _, b := range t.m.bookings {
		if !match(b.Status) {
			continue
		}
		for _, l := range b.Lines {
			if l.ItemID == itemID {
				total += l.Quantity
			}
		}
	}
	return total, nil
}

func (t *memTx) OfferedQuantity(ctx context.Context, itemID string) (int, error) {
	t.m.mu.RLock()
	defer t.m.mu.RUnlock()
	total := 0
	for _, e := range t.m.entries {
		if e.ItemID == itemID && e.Status == model.WaitlistOffered {
			total += e.Quantity
		}
	}
	return total, nil
}

func (t *memTx) InsertBooking(ctx context.Context, b *model.Booking) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	t.m.bookings[b.ID] = cloneBooking(b)
	return nil
}

func (t *memTx) Booking(ctx context.Context, id string) (*model.Booking, error) {
	return t.m.Booking(ctx, id)
}

func (t *memTx) UpdateBooking(ctx context.Context, b *model.Booking) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if _, ok := t.m.bookings[b.ID]; !ok {
		return model.ErrNotFound
	}
	t.m.bookings[b.ID] = cloneBooking(b)
	return nil
}

func (t *memTx) OfferedEntryFor(ctx context.Context, itemID, email string) (*model.WaitlistEntry, error) {
	return t.entryFor(itemID, email, func(s model.WaitlistStatus) bool { return s == model.WaitlistOffered })
}

func (t *memTx) ActiveEntryFor(ctx context.Context, itemID, email string) (*model.WaitlistEntry, error) {
	return t.entryFor(itemID, email, func(s model.WaitlistStatus) bool { return s.Active() })
}

func (t *memTx) entryFor(itemID, email string, match func(model.WaitlistStatus) bool) (*model.WaitlistEntry, error) {
	t.m.mu.RLock()
	defer t.m.mu.RUnlock()
	var best *model.WaitlistEntry
	for _, e := range t.m.entries {
		if e.ItemID == itemID && e.Customer.Email == email && match(e.Status) {
			if best == nil || e.Position < best.Position {
				best = e
			}
		}
	}
	if best == nil {
		return nil, nil
	}
	return copyEntryValue(best), nil
}

func (t *memTx) WaitingEntries(ctx context.Context, itemID string) ([]*model.WaitlistEntry, error) {
	t.m.mu.RLock()
	defer t.m.mu.RUnlock()
	var out []*model.WaitlistEntry
	for _, e := range t.m.entries {
		if e.ItemID == itemID && e.Status == model.WaitlistWaiting {
			out = append(out, copyEntryValue(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (t *memTx) NextPosition(ctx context.Context, itemID string) (int, error) {
	t.m.mu.RLock()
	defer t.m.mu.RUnlock()
	max := 0
	for _, e := range t.m.entries {
		if e.ItemID == itemID && e.Position > max {
			max = e.Position
		}
	}
	return max + 1, nil
}

func (t *memTx) InsertWaitlistEntry(ctx context.Context, e *model.WaitlistEntry) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	t.m.entries[e.ID] = copyEntryValue(e)
	return nil
}

func (t *memTx) WaitlistEntry(ctx context.Context, id string) (*model.WaitlistEntry, error) {
	return t.m.WaitlistEntry(ctx, id)
}

func (t *memTx) UpdateWaitlistEntry(ctx context.Context, e *model.WaitlistEntry) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if _, ok := t.m.entries[e.ID]; !ok {
		return model.ErrNotFound
	}
	t.m.entries[e.ID] = copyEntryValue(e)
	return nil
}

// Copies keep callers from aliasing store-owned state.

func copyItem(it *model.SellableItem) (*model.SellableItem, error) {
	if it == nil {
		return nil, model.ErrNotFound
	}
	cp := *it
	return &cp, nil
}

func copyBooking(b *model.Booking) (*model.Booking, error) {
	if b == nil {
		return nil, model.ErrNotFound
	}
	return cloneBooking(b), nil
}

func cloneBooking(b *model.Booking) *model.Booking {
	cp := *b
	cp.Lines = append([]model.BookingLine(nil), b.Lines...)
	return &cp
}

func copyEntry(e *model.WaitlistEntry) (*model.WaitlistEntry, error) {
	if e == nil {
		return nil, model.ErrNotFound
	}
	return copyEntryValue(e), nil
}

func copyEntryValue(e *model.WaitlistEntry) *model.WaitlistEntry {
	cp := *e
	return &cp
}
