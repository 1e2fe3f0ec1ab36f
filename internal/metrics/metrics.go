// Package metrics owns the prometheus collectors shared by the pipeline, the
// sync engine, and the connectivity signal. A nil *Metrics is valid and
// records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ledgersync"

type Metrics struct {
	requests      *prometheus.CounterVec
	teardowns     *prometheus.CounterVec
	operations    *prometheus.CounterVec
	pending       prometheus.Gauge
	drainDuration prometheus.Histogram
	online        prometheus.Gauge
}

// New registers every collector on reg. Tests pass prometheus.NewRegistry().
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "requests_total",
			Help:      "Backend requests by outcome (ok, api_error, http_error, transport_error, unauthorized).",
		}, []string{"outcome"}),
		teardowns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "session_teardowns_total",
			Help:      "Session teardowns by detection path (soft, hard).",
		}, []string{"reason"}),
		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "operations_total",
			Help:      "Dispatched pending operations by kind and result.",
		}, []string{"kind", "result"}),
		pending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "pending_operations",
			Help:      "Pending operations left after the last drain.",
		}),
		drainDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "drain_duration_seconds",
			Help:      "Wall time of drain passes that reached the network.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		online: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connectivity",
			Name:      "online",
			Help:      "1 while the backend is considered reachable.",
		}),
	}
}

func (m *Metrics) ObserveRequest(outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveTeardown(reason string) {
	if m == nil {
		return
	}
	m.teardowns.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveOperation(kind, result string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

func (m *Metrics) ObserveDrain(d time.Duration) {
	if m == nil {
		return
	}
	m.drainDuration.Observe(d.Seconds())
}

func (m *Metrics) SetOnline(online bool) {
	if m == nil {
		return
	}
	if online {
		m.online.Set(1)
		return
	}
	m.online.Set(0)
}
