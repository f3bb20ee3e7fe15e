package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agentdock"

// Metrics holds the Prometheus collectors for routing and lifecycle activity.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	deliveries     *prometheus.CounterVec
	fanoutFailures prometheus.Counter
	activations    *prometheus.CounterVec
	activationTime prometheus.Histogram
	presence       *prometheus.CounterVec
	runtimesOnline prometheus.Gauge
}

// MustNew constructs Metrics and registers them with reg. Collectors already
// registered under the same name are reused, so repeated construction
// against one registry is safe.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "deliveries_total",
			Help:      "Delivery attempts by path and outcome.",
		}, []string{"path", "outcome"}),
		fanoutFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "fanout_failures_total",
			Help:      "Targets whose routing pipeline failed.",
		}),
		activations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "activations_total",
			Help:      "Activation attempts by outcome.",
		}, []string{"outcome"}),
		activationTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "activation_seconds",
			Help:      "Time spent activating an agent instance.",
			Buckets:   prometheus.DefBuckets,
		}),
		presence: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "presence",
			Name:      "notifications_total",
			Help:      "Presence notifications emitted by state.",
		}, []string{"state"}),
		runtimesOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "runtime",
			Name:      "workers_online",
			Help:      "Worker processes currently connected.",
		}),
	}

	m.deliveries = register(reg, m.deliveries)
	m.fanoutFailures = register(reg, m.fanoutFailures)
	m.activations = register(reg, m.activations)
	m.activationTime = register(reg, m.activationTime)
	m.presence = register(reg, m.presence)
	m.runtimesOnline = register(reg, m.runtimesOnline)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// Handler serves the collectors registered on gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Delivery counts one delivery attempt.
func (m *Metrics) Delivery(path, outcome string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(path, outcome).Inc()
}

// FanoutFailures adds n failed targets.
func (m *Metrics) FanoutFailures(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.fanoutFailures.Add(float64(n))
}

// Activation records one activation and its duration.
func (m *Metrics) Activation(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.activations.WithLabelValues(outcome).Inc()
	m.activationTime.Observe(d.Seconds())
}

// Presence counts one presence notification.
func (m *Metrics) Presence(state string) {
	if m == nil {
		return
	}
	m.presence.WithLabelValues(state).Inc()
}

// WorkerConnected adjusts the online worker gauge.
func (m *Metrics) WorkerConnected(delta int) {
	if m == nil {
		return
	}
	m.runtimesOnline.Add(float64(delta))
}
