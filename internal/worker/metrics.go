package worker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sapliy/ops-platform/internal/notification"
)

var deliveryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "delivery_channel_duration_seconds",
	Help:    "Time spent delivering one job over one channel.",
	Buckets: prometheus.DefBuckets,
}, []string{"channel", "status"})

func observeDelivery(channel notification.Channel, ok bool, d time.Duration) {
	status := "success"
	if !ok {
		status = "failure"
	}
	deliveryDuration.WithLabelValues(string(channel), status).Observe(d.Seconds())
}
