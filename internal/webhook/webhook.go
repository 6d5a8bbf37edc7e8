// Package webhook verifies inbound payment-event notifications and
// applies them idempotently to the booking manager.
//
// The endpoint is shared with other webhook consumers: events whose
// metadata tags another subsystem, or that reference bookings this
// engine does not know, are acknowledged and skipped. Senders must
// never receive an error for events outside this engine's concern, or
// they will retry forever.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/reservekit/reservekit/internal/booking"
	"github.com/reservekit/reservekit/internal/clock"
	"github.com/reservekit/reservekit/internal/metrics"
	"github.com/reservekit/reservekit/internal/model"
)

// Recognized event types.
const (
	EventPaymentSucceeded       = "payment_succeeded"
	EventCheckoutSessionExpired = "checkout_session_expired"
	EventChargeRefunded         = "charge_refunded"
)

// sourceTag marks events that belong to this engine; everything else
// multiplexed onto the endpoint is acknowledged and ignored.
const sourceTag = "reservations"

// Event is the parsed payment notification.
type Event struct {
	Type string `json:"type"`
	Data struct {
		BookingID  string `json:"booking_id"`
		PaymentRef string `json:"payment_ref,omitempty"`
		RefundRef  string `json:"refund_ref,omitempty"`
	} `json:"data"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// VerifySignature checks the `t=<unix_ts>,v1=<hex_hmac_sha256>` header
// against HMAC-SHA256 over "{t}.{body}" with the shared secret, and
// rejects signed timestamps outside the tolerance window in either
// direction: stale ones block replay of captured payloads, future ones
// would otherwise carry a signature that stays valid until they age
// past the window.
func VerifySignature(secret, header string, body []byte, now time.Time, tolerance time.Duration) error {
	var ts int64
	var sig string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			parsed, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return fmt.Errorf("%w: bad timestamp", model.ErrSignatureInvalid)
			}
			ts = parsed
		case "v1":
			sig = v
		}
	}
	if ts == 0 || sig == "" {
		return fmt.Errorf("%w: missing t or v1", model.ErrSignatureInvalid)
	}

	if skew := now.Sub(time.Unix(ts, 0)); skew > tolerance || skew < -tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", model.ErrSignatureInvalid)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return fmt.Errorf("%w: signature mismatch", model.ErrSignatureInvalid)
	}
	return nil
}

// Sign produces a signature header for a payload. Used by tests and
// local tooling to emit verifiable events.
func Sign(secret string, body []byte, at time.Time) string {
	ts := at.Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(body)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

// Reconciler verifies and applies payment events.
type Reconciler struct {
	bookings  *booking.Manager
	clock     clock.Clock
	secret    string
	tolerance time.Duration
}

// NewReconciler constructs a Reconciler.
func NewReconciler(bm *booking.Manager, clk clock.Clock, secret string, tolerance time.Duration) *Reconciler {
	return &Reconciler{bookings: bm, clock: clk, secret: secret, tolerance: tolerance}
}

// Handle verifies the payload and applies the event. It returns
// ErrSignatureInvalid for authentication failures; every other path
// returns nil so the sender's coarse whole-event retry never storms:
// unknown types, foreign events, missing bookings and internal partial
// failures are acknowledged and logged for manual reconciliation.
func (r *Reconciler) Handle(ctx context.Context, body []byte, signatureHeader string) error {
	if err := VerifySignature(r.secret, signatureHeader, body, r.clock.Now(), r.tolerance); err != nil {
		metrics.WebhookEvents.WithLabelValues("unknown", "invalid_signature").Inc()
		log.Printf("webhook: signature rejected: %v", err)
		return err
	}

	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		log.Printf("webhook: unparseable payload acknowledged: %v", err)
		return nil
	}

	if ev.Metadata["source"] != sourceTag {
		metrics.WebhookEvents.WithLabelValues(ev.Type, "skipped").Inc()
		return nil
	}

	var changed bool
	var err error
	switch ev.Type {
	case EventPaymentSucceeded:
		_, changed, err = r.bookings.Confirm(ctx, ev.Data.BookingID, ev.Data.PaymentRef)
	case EventCheckoutSessionExpired:
		_, changed, err = r.bookings.Cancel(ctx, ev.Data.BookingID, "checkout session expired")
	case EventChargeRefunded:
		_, changed, err = r.bookings.MarkRefunded(ctx, ev.Data.BookingID, ev.Data.RefundRef)
	default:
		metrics.WebhookEvents.WithLabelValues(ev.Type, "skipped").Inc()
		return nil
	}

	switch {
	case errors.Is(err, model.ErrNotFound):
		metrics.WebhookEvents.WithLabelValues(ev.Type, "skipped").Inc()
		return nil
	case err != nil:
		metrics.WebhookEvents.WithLabelValues(ev.Type, "error").Inc()
		log.Printf("webhook: %s for booking %s failed, needs manual reconciliation: %v",
			ev.Type, ev.Data.BookingID, err)
		return nil
	case changed:
		metrics.WebhookEvents.WithLabelValues(ev.Type, "applied").Inc()
	default:
		metrics.WebhookEvents.WithLabelValues(ev.Type, "noop").Inc()
	}
	return nil
}
