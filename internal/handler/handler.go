// Package handler contains chi HTTP handlers that translate HTTP
// requests/responses to and from the engine's services.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/reservekit/reservekit/internal/booking"
	"github.com/reservekit/reservekit/internal/clock"
	"github.com/reservekit/reservekit/internal/ledger"
	"github.com/reservekit/reservekit/internal/model"
	"github.com/reservekit/reservekit/internal/store"
	"github.com/reservekit/reservekit/internal/waitlist"
	"github.com/reservekit/reservekit/internal/webhook"
)

// API holds all HTTP handlers for the reservation engine.
type API struct {
	store      store.Store
	ledger     *ledger.Ledger
	bookings   *booking.Manager
	waitlist   *waitlist.Manager
	reconciler *webhook.Reconciler
	clock      clock.Clock
}

// New constructs the API.
func New(s store.Store, l *ledger.Ledger, bm *booking.Manager, wm *waitlist.Manager, rec *webhook.Reconciler, clk clock.Clock) *API {
	return &API{store: s, ledger: l, bookings: bm, waitlist: wm, reconciler: rec, clock: clk}
}

// Routes mounts the API on a chi router.
func (a *API) Routes(r chi.Router) {
	r.Route("/items", func(r chi.Router) {
		r.Post("/", a.CreateItem)
		r.Get("/", a.ListItems)
		r.Get("/{id}", a.GetItem)
	})
	r.Route("/bookings", func(r chi.Router) {
		r.Post("/", a.CreateBooking)
		r.Get("/{id}", a.GetBooking)
		r.Post("/{id}/cancel", a.CancelBooking)
		r.Post("/{id}/complete", a.CompleteBooking)
		r.Post("/{id}/no-show", a.MarkNoShow)
	})
	r.Route("/waitlist", func(r chi.Router) {
		r.Post("/", a.JoinWaitlist)
		r.Get("/{id}", a.GetWaitlistEntry)
		r.Post("/{id}/withdraw", a.WithdrawWaitlistEntry)
	})
	r.Post("/payment-events", a.PaymentEvents)
}

// ─── Helper utilities ─────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, model.ErrorResponse{Error: msg})
}

func decodeJSON(r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(nil, r.Body, 1<<20) // 1 MB limit
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// ─── Items ────────────────────────────────────────────────────────────────────

type createItemRequest struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Capacity    *int       `json:"capacity"`
	Price       int64      `json:"price"`
	SaleStart   *time.Time `json:"sale_start"`
	SaleEnd     *time.Time `json:"sale_end"`
}

type itemResponse struct {
	model.SellableItem
	Available *int `json:"available,omitempty"` // omitted for unlimited items
}

// CreateItem handles POST /items.
func (a *API) CreateItem(w http.ResponseWriter, r *http.Request) {
	var req createItemRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "item name is required")
		return
	}
	if req.Capacity != nil && *req.Capacity < 0 {
		writeError(w, http.StatusBadRequest, "capacity cannot be negative")
		return
	}
	if req.Price < 0 {
		writeError(w, http.StatusBadRequest, "price cannot be negative")
		return
	}

	item := &model.SellableItem{
		ID:          uuid.New().String(),
		Name:        req.Name,
		Description: req.Description,
		Capacity:    req.Capacity,
		Price:       req.Price,
		SaleStart:   req.SaleStart,
		SaleEnd:     req.SaleEnd,
		CreatedAt:   a.clock.Now(),
	}
	if err := a.store.CreateItem(r.Context(), item); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create item")
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

// ListItems handles GET /items.
func (a *API) ListItems(w http.ResponseWriter, r *http.Request) {
	items, err := a.store.Items(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list items")
		return
	}
	if items == nil {
		items = []*model.SellableItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

// GetItem handles GET /items/{id}, including the advisory availability
// figure used to show remaining counts and sold-out states.
func (a *API) GetItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	item, err := a.store.Item(r.Context(), id)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			writeError(w, http.StatusNotFound, "item not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get item")
		return
	}

	resp := itemResponse{SellableItem: *item}
	if available, limited, err := a.ledger.Available(r.Context(), id); err == nil && limited {
		if available < 0 {
			available = 0
		}
		resp.Available = &available
	}
	writeJSON(w, http.StatusOK, resp)
}

// ─── Bookings ─────────────────────────────────────────────────────────────────

type bookingResponse struct {
	BookingID   string              `json:"booking_id"`
	Status      model.BookingStatus `json:"status"`
	TotalAmount int64               `json:"total_amount"`
	CheckoutURL string              `json:"checkout_url,omitempty"`
}

// CreateBooking handles POST /bookings.
func (a *API) CreateBooking(w http.ResponseWriter, r *http.Request) {
	var req booking.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	result, err := a.bookings.Create(r.Context(), req)
	if err != nil {
		a.writeBookingError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, bookingResponse{
		BookingID:   result.Booking.ID,
		Status:      result.Booking.Status,
		TotalAmount: result.Booking.TotalAmount,
		CheckoutURL: result.CheckoutURL,
	})
}

func (a *API) writeBookingError(w http.ResponseWriter, err error) {
	if ce, ok := model.IsCapacityExceeded(err); ok {
		writeJSON(w, http.StatusConflict, model.ErrorResponse{
			Error:            "capacity_exceeded",
			UnavailableItems: ce.UnavailableItems,
		})
		return
	}
	switch {
	case errors.Is(err, model.ErrSaleWindowClosed):
		writeJSON(w, http.StatusConflict, model.ErrorResponse{Error: "sale_window_closed"})
	case errors.Is(err, model.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, model.ErrNotFound):
		writeError(w, http.StatusNotFound, "item not found")
	case errors.Is(err, model.ErrGateway):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "failed to create booking")
	}
}

// GetBooking handles GET /bookings/{id}.
func (a *API) GetBooking(w http.ResponseWriter, r *http.Request) {
	b, err := a.bookings.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			writeError(w, http.StatusNotFound, "booking not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get booking")
		return
	}
	writeJSON(w, http.StatusOK, b)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// CancelBooking handles POST /bookings/{id}/cancel. Cancelling an
// already-settled booking is a no-op that reports the current state.
func (a *API) CancelBooking(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "cancelled by customer"
	}

	b, _, err := a.bookings.Cancel(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			writeError(w, http.StatusNotFound, "booking not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to cancel booking")
		return
	}
	writeJSON(w, http.StatusOK, bookingResponse{BookingID: b.ID, Status: b.Status, TotalAmount: b.TotalAmount})
}

// CompleteBooking handles POST /bookings/{id}/complete (operator API).
func (a *API) CompleteBooking(w http.ResponseWriter, r *http.Request) {
	a.applySimpleTransition(w, r, a.bookings.Complete)
}

// MarkNoShow handles POST /bookings/{id}/no-show (operator API).
func (a *API) MarkNoShow(w http.ResponseWriter, r *http.Request) {
	a.applySimpleTransition(w, r, a.bookings.MarkNoShow)
}

func (a *API) applySimpleTransition(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, id string) (*model.Booking, bool, error)) {
	b, _, err := apply(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			writeError(w, http.StatusNotFound, "booking not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to update booking")
		return
	}
	writeJSON(w, http.StatusOK, bookingResponse{BookingID: b.ID, Status: b.Status, TotalAmount: b.TotalAmount})
}

// ─── Waitlist ─────────────────────────────────────────────────────────────────

type joinWaitlistRequest struct {
	ItemID   string         `json:"item_id"`
	Quantity int            `json:"quantity"`
	Customer model.Customer `json:"customer"`
}

type waitlistResponse struct {
	WaitlistID string               `json:"waitlist_id"`
	Position   int                  `json:"position"`
	Status     model.WaitlistStatus `json:"status"`
}

// JoinWaitlist handles POST /waitlist.
func (a *API) JoinWaitlist(w http.ResponseWriter, r *http.Request) {
	var req joinWaitlistRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	entry, err := a.waitlist.Join(r.Context(), req.ItemID, req.Quantity, req.Customer)
	if err != nil {
		switch {
		case errors.Is(err, model.ErrDuplicateWaitlistEntry):
			writeError(w, http.StatusConflict, "you are already on the waitlist for this item")
		case errors.Is(err, model.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, model.ErrNotFound):
			writeError(w, http.StatusNotFound, "item not found")
		default:
			writeError(w, http.StatusInternalServerError, "failed to join waitlist")
		}
		return
	}
	writeJSON(w, http.StatusOK, waitlistResponse{WaitlistID: entry.ID, Position: entry.Position, Status: entry.Status})
}

// GetWaitlistEntry handles GET /waitlist/{id}.
func (a *API) GetWaitlistEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := a.waitlist.Entry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			writeError(w, http.StatusNotFound, "waitlist entry not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get waitlist entry")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// WithdrawWaitlistEntry handles POST /waitlist/{id}/withdraw.
func (a *API) WithdrawWaitlistEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := a.waitlist.Withdraw(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			writeError(w, http.StatusNotFound, "waitlist entry not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to withdraw waitlist entry")
		return
	}
	writeJSON(w, http.StatusOK, waitlistResponse{WaitlistID: entry.ID, Position: entry.Position, Status: entry.Status})
}

// ─── Webhook ──────────────────────────────────────────────────────────────────

// PaymentEvents handles POST /payment-events. The reconciler
// acknowledges everything except authentication failures, so the
// sender's retries converge.
func (a *API) PaymentEvents(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(nil, r.Body, 1<<20)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	if err := a.reconciler.Handle(r.Context(), body, r.Header.Get("signature")); err != nil {
		if errors.Is(err, model.ErrSignatureInvalid) {
			writeError(w, http.StatusUnauthorized, "invalid signature")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to process event")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ─── Health check ─────────────────────────────────────────────────────────────

// HealthCheck handles GET /health.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
