// internal/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PurchasesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accredit_purchases_total",
			Help: "Purchase attempts by payment method and outcome",
		},
		[]string{"payment_method", "outcome"},
	)

	WebhookEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accredit_webhook_events_total",
			Help: "Gateway webhook deliveries by event type and result",
		},
		[]string{"type", "result"},
	)

	TransfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accredit_transfers_total",
			Help: "Settlement transfer state changes by resulting status",
		},
		[]string{"status"},
	)

	GatewayRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "accredit_gateway_request_duration_seconds",
			Help:    "Latency of payment gateway calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	GatewayErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accredit_gateway_errors_total",
			Help: "Payment gateway failures by operation and reason",
		},
		[]string{"operation", "reason"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "accredit_http_request_duration_seconds",
			Help:    "HTTP request latency by route and status",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	SchedulerRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accredit_scheduler_runs_total",
			Help: "Background job runs by job and outcome",
		},
		[]string{"job", "outcome"},
	)
)
