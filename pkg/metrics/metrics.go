// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "intake_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// TurnsTotal counts processed inbound events by outcome.
	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_turns_total",
			Help: "Inbound events processed, by outcome",
		},
		[]string{"outcome"},
	)

	// ClassificationsTotal counts document classifications by resulting kind.
	ClassificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_document_classifications_total",
			Help: "Document classifications, by detected kind",
		},
		[]string{"kind"},
	)

	// ReplyDuration tracks reply-generation latency.
	ReplyDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "intake_reply_duration_seconds",
			Help:    "Reply generation duration",
			Buckets: []float64{.25, .5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"status"},
	)

	// DispatchTotal counts outbound WhatsApp sends by status.
	DispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_dispatch_total",
			Help: "Outbound message dispatch attempts, by status",
		},
		[]string{"status"},
	)

	// HandoffsTotal counts contacts that reached ready_for_handoff.
	HandoffsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "intake_handoffs_total",
			Help: "Contacts whose document checklist became complete",
		},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordReply records one reply-generation call.
func RecordReply(status string, duration float64) {
	ReplyDuration.WithLabelValues(status).Observe(duration)
}
