package proxy

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Relay outcomes, used as the "outcome" label.
const (
	outcomeClosed    = "closed"
	outcomeAborted   = "aborted"
	outcomeCancelled = "cancelled"
)

// Metrics holds the Prometheus collectors for the proxy. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	ConnectionsAccepted prometheus.Counter
	ConnectionsActive   prometheus.Gauge
	RequestsRejected    *prometheus.CounterVec
	Relays              *prometheus.CounterVec
	BytesRelayed        prometheus.Counter

	UpstreamDuration  prometheus.Histogram
	UpstreamResponses *prometheus.CounterVec
}

// NewMetrics creates a Metrics instance with its own registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		ConnectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamproxy_connections_accepted_total",
			Help: "Client connections accepted.",
		}),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "streamproxy_connections_active",
			Help: "Client connections currently being served.",
		}),
		RequestsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamproxy_requests_rejected_total",
			Help: "Client requests rejected before reaching the origin.",
		}, []string{"reason"}),
		Relays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamproxy_relays_total",
			Help: "Finished relays by outcome.",
		}, []string{"outcome"}),
		BytesRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamproxy_body_bytes_relayed_total",
			Help: "Response body bytes delivered to clients.",
		}),
		UpstreamDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "streamproxy_upstream_header_duration_seconds",
			Help:    "Time until origin response headers arrive.",
			Buckets: prometheus.DefBuckets,
		}),
		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamproxy_upstream_responses_total",
			Help: "Origin responses by status code; code is \"error\" for transport failures.",
		}, []string{"code"}),
	}

	reg.MustRegister(
		m.ConnectionsAccepted,
		m.ConnectionsActive,
		m.RequestsRejected,
		m.Relays,
		m.BytesRelayed,
		m.UpstreamDuration,
		m.UpstreamResponses,
	)

	return m
}

func (m *Metrics) connAccepted() {
	if m == nil {
		return
	}
	m.ConnectionsAccepted.Inc()
	m.ConnectionsActive.Inc()
}

func (m *Metrics) connDone() {
	if m == nil {
		return
	}
	m.ConnectionsActive.Dec()
}

func (m *Metrics) rejected(reason string) {
	if m == nil {
		return
	}
	m.RequestsRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) relayed(outcome string, n int64) {
	if m == nil {
		return
	}
	m.Relays.WithLabelValues(outcome).Inc()
	m.BytesRelayed.Add(float64(n))
}

func (m *Metrics) upstream(code int, seconds float64) {
	if m == nil {
		return
	}
	label := "error"
	if code > 0 {
		label = strconv.Itoa(code)
	}
	m.UpstreamResponses.WithLabelValues(label).Inc()
	m.UpstreamDuration.Observe(seconds)
}
