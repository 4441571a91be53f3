package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// HTTP
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "http_request_duration_seconds",
			Help: "Duration of HTTP requests in seconds",
		},
		[]string{"method", "path"},
	)

	// Webhooks
	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recurring_webhook_events_total",
			Help: "Stripe webhook deliveries by event type and outcome",
		},
		[]string{"type", "outcome"},
	)

	// Reconciliation
	ReconcileTicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recurring_reconcile_ticks_total",
			Help: "Reconciliation ticks by result (ran, skipped, failed)",
		},
		[]string{"result"},
	)
	ReconcileActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recurring_reconcile_actions_total",
			Help: "Per-subscription actions taken by the reconciliation loop",
		},
		[]string{"action"},
	)
	ReconcileTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "recurring_reconcile_tick_duration_seconds",
			Help:    "Duration of reconciliation ticks that held the lease",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)
)

// Webhook outcomes.
const (
	OutcomeProcessed = "processed"
	OutcomeDuplicate = "duplicate"
	OutcomeIgnored   = "ignored"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
)

// Tick results.
const (
	TickRan     = "ran"
	TickSkipped = "skipped"
	TickFailed  = "failed"
)

// Reconcile actions.
const (
	ActionRenewal     = "renewal"
	ActionExpired     = "expired"
	ActionGraceExpiry = "grace_expired"
	ActionSkipped     = "skipped"
	ActionError       = "error"
)

// Register adds every collector, plus the Go and process collectors, to reg.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		WebhookEventsTotal,
		ReconcileTicksTotal,
		ReconcileActionsTotal,
		ReconcileTickDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}
