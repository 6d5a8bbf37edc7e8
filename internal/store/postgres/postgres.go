// Package postgres implements the store contract on PostgreSQL using
// pgx directly (no ORM) for transparency and performance.
//
// Concurrency model: WithItemsLock opens a transaction and takes
// row-level locks on the item rows with SELECT ... FOR UPDATE, in
// sorted ID order so overlapping multi-item reservations cannot
// deadlock. Any concurrent transaction locking one of the same items
// blocks until the first COMMITs or ROLLBACKs, which serializes
// capacity decisions per item and makes oversell impossible.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/reservekit/reservekit/internal/model"
	"github.com/reservekit/reservekit/internal/store"
)

// Store is the Postgres-backed store.
type Store struct {
	db *pgxpool.Pool
}

// New constructs a Store on the given pool.
func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// querier is the subset of pgx satisfied by both *pgxpool.Pool and
// pgx.Tx, so row helpers work inside and outside item locks.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// WithItemsLock runs fn inside a transaction holding FOR UPDATE locks
// on the given item rows.
func (s *Store) WithItemsLock(ctx context.Context, itemIDs []string, fn func(tx store.Tx) error) error {
	pgtx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		// No-op after a successful commit.
		_ = pgtx.Rollback(ctx)
	}()

	// Lock the item rows in sorted ID order. Missing items are not an
	// error here; Tx.Item reports them as not found.
	_, err = pgtx.Exec(ctx,
		`SELECT id FROM items WHERE id = ANY($1) ORDER BY id FOR UPDATE`,
		itemIDs,
	)
	if err != nil {
		return fmt.Errorf("lock item rows: %w", err)
	}

	if err := fn(&tx{q: pgtx}); err != nil {
		return err
	}
	if err := pgtx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *Store) CreateItem(ctx context.Context, item *model.SellableItem) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO items (id, name, description, capacity, price, sale_start, sale_end, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		item.ID, item.Name, item.Description, item.Capacity, item.Price,
		item.SaleStart, item.SaleEnd, item.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert item: %w", err)
	}
	return nil
}

func (s *Store) Item(ctx context.Context, id string) (*model.SellableItem, error) {
	return scanItem(s.db.QueryRow(ctx, itemSelect+` WHERE id = $1`, id))
}

func (s *Store) Items(ctx context.Context) ([]*model.SellableItem, error) {
	rows, err := s.db.Query(ctx, itemSelect+` ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	var items []*model.SellableItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (s *Store) Booking(ctx context.Context, id string) (*model.Booking, error) {
	return getBooking(ctx, s.db, id)
}

func (s *Store) WaitlistEntry(ctx context.Context, id string) (*model.WaitlistEntry, error) {
	return scanEntry(s.db.QueryRow(ctx, entrySelect+` WHERE id = $1`, id))
}

func (s *Store) ExpiredPendingBookings(ctx context.Context, now time.Time) ([]*model.Booking, error) {
	rows, err := s.db.Query(ctx,
		bookingSelect+` WHERE status = $1 AND hold_expires_at < $2 ORDER BY created_at`,
		model.BookingPending, now,
	)
	if err != nil {
		return nil, fmt.Errorf("list expired holds: %w", err)
	}
	defer rows.Close()

	var bookings []*model.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		bookings = append(bookings, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, b := range bookings {
		if err := loadLines(ctx, s.db, b); err != nil {
			return nil, err
		}
	}
	return bookings, nil
}

func (s *Store) ExpiredOffers(ctx context.Context, now time.Time) ([]*model.WaitlistEntry, error) {
	rows, err := s.db.Query(ctx,
		entrySelect+` WHERE status = $1 AND offer_expires_at < $2 ORDER BY position`,
		model.WaitlistOffered, now,
	)
	if err != nil {
		return nil, fmt.Errorf("list expired offers: %w", err)
	}
	defer rows.Close()

	var entries []*model.WaitlistEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// tx implements store.Tx against an open pgx transaction.
type tx struct {
	q pgx.Tx
}

func (t *tx) Item(ctx context.Context, itemID string) (*model.SellableItem, error) {
	return scanItem(t.q.QueryRow(ctx, itemSelect+` WHERE id = $1`, itemID))
}

func (t *tx) ConfirmedQuantity(ctx context.Context, itemID string) (int, error) {
	return t.sumLines(ctx, itemID,
		[]model.BookingStatus{model.BookingConfirmed, model.BookingCompleted, model.BookingNoShow})
}

func (t *tx) PendingQuantity(ctx context.Context, itemID string) (int, error) {
	return t.sumLines(ctx, itemID, []model.BookingStatus{model.BookingPending})
}

func (t *tx) sumLines(ctx context.Context, itemID string, statuses []model.BookingStatus) (int, error) {
	ss := make([]string, len(statuses))
	for i, st := range statuses {
		ss[i] = string(st)
	}
	var total int
	err := t.q.QueryRow(ctx,
		`SELECT COALESCE(SUM(l.quantity), 0)
		 FROM booking_lines l
		 JOIN bookings b ON b.id = l.booking_id
		 WHERE l.item_id = $1 AND b.status = ANY($2)`,
		itemID, ss,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum booking lines: %w", err)
	}
	return total, nil
}

func (t *tx) OfferedQuantity(ctx context.Context, itemID string) (int, error) {
	var total int
	err := t.q.QueryRow(ctx,
		`SELECT COALESCE(SUM(quantity), 0)
		 FROM waitlist_entries
		 WHERE item_id = $1 AND status = $2`,
		itemID, model.WaitlistOffered,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum offered entries: %w", err)
	}
	return total, nil
}

func (t *tx) InsertBooking(ctx context.Context, b *model.Booking) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO bookings
		   (id, customer_name, customer_email, customer_phone, status, total_amount,
		    checkout_session_id, payment_ref, refund_ref, hold_expires_at,
		    cancel_reason, cancelled_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		b.ID, b.Customer.Name, b.Customer.Email, b.Customer.Phone, b.Status, b.TotalAmount,
		b.CheckoutSessionID, b.PaymentRef, b.RefundRef, b.HoldExpiresAt,
		b.CancelReason, b.CancelledAt, b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert booking: %w", err)
	}
	for _, l := range b.Lines {
		_, err := t.q.Exec(ctx,
			`INSERT INTO booking_lines (booking_id, item_id, quantity, unit_price)
			 VALUES ($1, $2, $3, $4)`,
			b.ID, l.ItemID, l.Quantity, l.UnitPrice,
		)
		if err != nil {
			return fmt.Errorf("insert booking line: %w", err)
		}
	}
	return nil
}

func (t *tx) Booking(ctx context.Context, id string) (*model.Booking, error) {
	return getBooking(ctx, t.q, id)
}

func (t *tx) UpdateBooking(ctx context.Context, b *model.Booking) error {
	return updateBooking(ctx, t.q, b)
}

func (t *tx) OfferedEntryFor(ctx context.Context, itemID, email string) (*model.WaitlistEntry, error) {
	return t.entryFor(ctx, itemID, email, []model.WaitlistStatus{model.WaitlistOffered})
}

func (t *tx) ActiveEntryFor(ctx context.Context, itemID, email string) (*model.WaitlistEntry, error) {
	return t.entryFor(ctx, itemID, email, []model.WaitlistStatus{model.WaitlistWaiting, model.WaitlistOffered})
}

func (t *tx) entryFor(ctx context.Context, itemID, email string, statuses []model.WaitlistStatus) (*model.WaitlistEntry, error) {
	ss := make([]string, len(statuses))
	for i, st := range statuses {
		ss[i] = string(st)
	}
	e, err := scanEntry(t.q.QueryRow(ctx,
		entrySelect+` WHERE item_id = $1 AND customer_email = $2 AND status = ANY($3)
		 ORDER BY position LIMIT 1`,
		itemID, email, ss,
	))
	if errors.Is(err, model.ErrNotFound) {
		return nil, nil
	}
	return e, err
}

func (t *tx) WaitingEntries(ctx context.Context, itemID string) ([]*model.WaitlistEntry, error) {
	rows, err := t.q.Query(ctx,
		entrySelect+` WHERE item_id = $1 AND status = $2 ORDER BY position`,
		itemID, model.WaitlistWaiting,
	)
	if err != nil {
		return nil, fmt.Errorf("list waiting entries: %w", err)
	}
	defer rows.Close()

	var entries []*model.WaitlistEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (t *tx) NextPosition(ctx context.Context, itemID string) (int, error) {
	var next int
	err := t.q.QueryRow(ctx,
		`SELECT COALESCE(MAX(position), 0) + 1 FROM waitlist_entries WHERE item_id = $1`,
		itemID,
	).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("next waitlist position: %w", err)
	}
	return next, nil
}

func (t *tx) InsertWaitlistEntry(ctx context.Context, e *model.WaitlistEntry) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO waitlist_entries
		   (id, item_id, customer_name, customer_email, customer_phone,
		    quantity, position, status, offer_expires_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID, e.ItemID, e.Customer.Name, e.Customer.Email, e.Customer.Phone,
		e.Quantity, e.Position, e.Status, e.OfferExpiresAt, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert waitlist entry: %w", err)
	}
	return nil
}

func (t *tx) WaitlistEntry(ctx context.Context, id string) (*model.WaitlistEntry, error) {
	return scanEntry(t.q.QueryRow(ctx, entrySelect+` WHERE id = $1`, id))
}

func (t *tx) UpdateWaitlistEntry(ctx context.Context, e *model.WaitlistEntry) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE waitlist_entries
		 SET status = $2, offer_expires_at = $3, updated_at = $4
		 WHERE id = $1`,
		e.ID, e.Status, e.OfferExpiresAt, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update waitlist entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

// ─── Row scanning helpers ─────────────────────────────────────────────────────

const itemSelect = `SELECT id, name, description, capacity, price, sale_start, sale_end, created_at FROM items`

const bookingSelect = `SELECT id, customer_name, customer_email, customer_phone, status, total_amount,
 checkout_session_id, payment_ref, refund_ref, hold_expires_at,
 cancel_reason, cancelled_at, created_at, updated_at FROM bookings`

const entrySelect = `SELECT id, item_id, customer_name, customer_email, customer_phone,
 quantity, position, status, offer_expires_at, created_at, updated_at FROM waitlist_entries`

func scanItem(row pgx.Row) (*model.SellableItem, error) {
	var it model.SellableItem
	err := row.Scan(&it.ID, &it.Name, &it.Description, &it.Capacity, &it.Price,
		&it.SaleStart, &it.SaleEnd, &it.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("scan item: %w", err)
	}
	return &it, nil
}

func scanBooking(row pgx.Row) (*model.Booking, error) {
	var b model.Booking
	err := row.Scan(&b.ID, &b.Customer.Name, &b.Customer.Email, &b.Customer.Phone,
		&b.Status, &b.TotalAmount, &b.CheckoutSessionID, &b.PaymentRef, &b.RefundRef,
		&b.HoldExpiresAt, &b.CancelReason, &b.CancelledAt, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("scan booking: %w", err)
	}
	return &b, nil
}

func scanEntry(row pgx.Row) (*model.WaitlistEntry, error) {
	var e model.WaitlistEntry
	err := row.Scan(&e.ID, &e.ItemID, &e.Customer.Name, &e.Customer.Email, &e.Customer.Phone,
		&e.Quantity, &e.Position, &e.Status, &e.OfferExpiresAt, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("scan waitlist entry: %w", err)
	}
	return &e, nil
}

func getBooking(ctx context.Context, q querier, id string) (*model.Booking, error) {
	b, err := scanBooking(q.QueryRow(ctx, bookingSelect+` WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	if err := loadLines(ctx, q, b); err != nil {
		return nil, err
	}
	return b, nil
}

func loadLines(ctx context.Context, q querier, b *model.Booking) error {
	rows, err := q.Query(ctx,
		`SELECT item_id, quantity, unit_price FROM booking_lines WHERE booking_id = $1`,
		b.ID,
	)
	if err != nil {
		return fmt.Errorf("load booking lines: %w", err)
	}
	defer rows.Close()

	b.Lines = b.Lines[:0]
	for rows.Next() {
		var l model.BookingLine
		if err := rows.Scan(&l.ItemID, &l.Quantity, &l.UnitPrice); err != nil {
			return fmt.Errorf("scan booking line: %w", err)
		}
		b.Lines = append(b.Lines, l)
	}
	return rows.Err()
}

func updateBooking(ctx context.Context, q querier, b *model.Booking) error {
	tag, err := q.Exec(ctx,
		`UPDATE bookings
		 SET status = $2, checkout_session_id = $3, payment_ref = $4, refund_ref = $5,
		     hold_expires_at = $6, cancel_reason = $7, cancelled_at = $8, updated_at = $9
		 WHERE id = $1`,
		b.ID, b.Status, b.CheckoutSessionID, b.PaymentRef, b.RefundRef,
		b.HoldExpiresAt, b.CancelReason, b.CancelledAt, b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update booking: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}
