package relay

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	Published        *prometheus.CounterVec
	Failures         *prometheus.CounterVec
	Stuck            prometheus.Gauge
	OldestPendingAge prometheus.Gauge
	Lag              prometheus.Histogram
}

func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "identity_outbox_published_total",
			Help: "Outbox events acknowledged by the broker.",
		}, []string{"event_type"}),
		Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "identity_outbox_publish_failures_total",
			Help: "Outbox publish passes that ended in failure.",
		}, []string{"event_type"}),
		Stuck: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "identity_outbox_parked_events",
			Help: "Unpublished outbox events past the retry ceiling.",
		}),
		OldestPendingAge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "identity_outbox_oldest_pending_seconds",
			Help: "Age of the oldest unpublished outbox event.",
		}),
		Lag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "identity_outbox_delivery_lag_seconds",
			Help:    "Time from commit to broker acknowledgement.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 60, 300},
		}),
	}
	if registry != nil {
		registry.MustRegister(m.Published, m.Failures, m.Stuck, m.OldestPendingAge, m.Lag)
	}
	return m
}
