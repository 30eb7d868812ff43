// Package metrics defines the Prometheus collectors shared by the gateway and
// the delivery worker pool, registered on a private registry so tests can
// instantiate it repeatedly.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector this system exports.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	QueueDepth       prometheus.Gauge
	SnapshotAge      prometheus.Gauge
	DeliveredTotal   prometheus.Counter
	FailedTotal      prometheus.Counter
	AttemptsTotal    prometheus.Counter
	DeliveryDuration prometheus.Histogram
}

// New builds and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Submission requests by response status code.",
		}, []string{"status"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Envelopes not yet acknowledged, in-flight included.",
		}),
		SnapshotAge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "oracle_snapshot_age_seconds",
			Help: "Age of the identity/revocation snapshot.",
		}),
		DeliveredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "messages_delivered_total",
			Help: "Envelopes that reached terminal delivered state.",
		}),
		FailedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "messages_failed_total",
			Help: "Envelopes that exhausted all delivery attempts.",
		}),
		AttemptsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "delivery_attempts_total",
			Help: "Delivery attempts, successful or not.",
		}),
		DeliveryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "delivery_duration_seconds",
			Help:    "Wall time of one delivery RPC.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	m.Registry.MustRegister(
		m.RequestsTotal,
		m.QueueDepth,
		m.SnapshotAge,
		m.DeliveredTotal,
		m.FailedTotal,
		m.AttemptsTotal,
		m.DeliveryDuration,
	)
	return m
}
