package notification

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	triggersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notification_triggers_total",
		Help: "Trigger calls by event type and outcome.",
	}, []string{"event_type", "outcome"})

	notificationsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notification_rows_created_total",
		Help: "Total notification rows persisted by fan-out.",
	})

	dispatchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notification_dispatch_failures_total",
		Help: "Delivery dispatch failures by channel.",
	}, []string{"channel"})

	fanoutLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "notification_fanout_latency_seconds",
		Help:    "Latency of the trigger pipeline up to persistence.",
		Buckets: prometheus.DefBuckets,
	})
)

// FanoutTimer times one trigger pipeline run.
func FanoutTimer() *prometheus.Timer {
	return prometheus.NewTimer(fanoutLatency)
}
