package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EntitlementResolutions counts resolver calls by outcome (vip, free, subscribed, expired, fault).
	EntitlementResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "droplink",
		Subsystem: "entitlements",
		Name:      "resolutions_total",
		Help:      "Entitlement resolutions by outcome.",
	}, []string{"outcome"})

	// SubscriptionAnomalies counts profiles found with more than one subscription row.
	SubscriptionAnomalies = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "droplink",
		Subsystem: "entitlements",
		Name:      "subscription_anomalies_total",
		Help:      "Profiles resolved with more than one subscription row.",
	})

	// PaymentPhases counts handshake phases by outcome.
	PaymentPhases = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "droplink",
		Subsystem: "payments",
		Name:      "phase_total",
		Help:      "Payment handshake phases by phase and outcome.",
	}, []string{"phase", "outcome"})

	// PiAPIDuration tracks Pi Network API latency.
	PiAPIDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "droplink",
		Subsystem: "payments",
		Name:      "pi_api_duration_seconds",
		Help:      "Pi Network API call duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})

	// ReconciliationTotal counts post-success local faults and their reconciliation.
	ReconciliationTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "droplink",
		Subsystem: "payments",
		Name:      "reconciliation_total",
		Help:      "Payments flagged for and processed by reconciliation, by outcome.",
	}, []string{"outcome"})

	// WebhookRequests counts DropPay webhook deliveries by event type and status.
	WebhookRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "droplink",
		Subsystem: "webhooks",
		Name:      "requests_total",
		Help:      "DropPay webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// JobQueueEvents counts reconcile job queue events (enqueued, completed, retried, failed).
	JobQueueEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "droplink",
		Subsystem: "jobqueue",
		Name:      "events_total",
		Help:      "Job queue events by job type and event.",
	}, []string{"job_type", "event"})
)
