// Package metrics exposes Prometheus instrumentation for the
// reservation engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Reservations counts attempt-reserve outcomes.
	Reservations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reservation_attempts_total",
			Help: "Capacity ledger reservation attempts by outcome",
		},
		[]string{"outcome"}, // reserved | capacity_exceeded | error
	)

	// BookingTransitions counts applied booking state transitions.
	BookingTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "booking_transitions_total",
			Help: "Booking state transitions by target state",
		},
		[]string{"to"},
	)

	// WaitlistJoins counts accepted waitlist joins.
	WaitlistJoins = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "waitlist_joins_total",
			Help: "Accepted waitlist joins",
		},
	)

	// WaitlistPromotions counts entries moved to offered.
	WaitlistPromotions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "waitlist_promotions_total",
			Help: "Waitlist entries promoted to offered",
		},
	)

	// SweepRuns counts sweeper cycles.
	SweepRuns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sweep_runs_total",
			Help: "Expiration sweeper cycles",
		},
	)

	// SweepExpired counts leases reclaimed by the sweeper.
	SweepExpired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sweep_expired_total",
			Help: "Holds and offers expired by the sweeper",
		},
		[]string{"kind"}, // hold | offer
	)

	// SweepDuration observes sweep cycle durations.
	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sweep_duration_seconds",
			Help:    "Duration of expiration sweep cycles",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
	)

	// WebhookEvents counts processed payment events.
	WebhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_events_total",
			Help: "Inbound payment events by type and outcome",
		},
		[]string{"type", "outcome"}, // applied | noop | skipped | invalid_signature
	)

	// RefundFailures counts refund requests that failed and need
	// out-of-band retry.
	RefundFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "refund_failures_total",
			Help: "Refund requests that failed and were deferred to manual retry",
		},
	)
)
