// internal/common/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	NotificationsAdmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_admitted_total",
			Help: "Total number of notifications admitted, by pipeline outcome",
		},
		[]string{"outcome"},
	)

	DeliveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delivery_attempts_total",
			Help: "Total number of channel delivery attempts",
		},
		[]string{"channel", "outcome"},
	)

	DeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "delivery_duration_seconds",
			Help: "Duration of channel send calls in seconds",
		},
		[]string{"channel"},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "priority_queue_depth",
			Help: "Number of items in each priority queue",
		},
		[]string{"queue"},
	)

	BatchSummariesCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "batch_summaries_created_total",
			Help: "Total number of summary notifications created by the aggregator",
		},
	)

	StreamEventsConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_events_consumed_total",
			Help: "Total number of inbound stream events, by handling result",
		},
		[]string{"result"},
	)
)
