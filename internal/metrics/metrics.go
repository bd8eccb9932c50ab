// Package metrics exposes Prometheus collectors for sessions, invites,
// contact syncs and RPCs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/and161185/waconnect/internal/model"
)

const namespace = "waconnect"

// Metrics holds the collectors on a private registry.
type Metrics struct {
	reg *prometheus.Registry

	liveSessions    prometheus.Gauge
	transitions     *prometheus.CounterVec
	persistFailures *prometheus.CounterVec
	invites         *prometheus.CounterVec
	syncs           *prometheus.CounterVec
	syncDuration    prometheus.Histogram
	rpcs            *prometheus.CounterVec
	rpcDuration     *prometheus.HistogramVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		liveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "live",
			Help:      "Sessions currently held by this process.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "transitions_total",
			Help:      "Session state transitions by target state.",
		}, []string{"status"}),
		persistFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "persist_failures_total",
			Help:      "Failed profile store writes by operation.",
		}, []string{"op"}),
		invites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "invites",
			Name:      "sent_total",
			Help:      "Invite sends by outcome.",
		}, []string{"ok"}),
		syncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "contacts",
			Name:      "syncs_total",
			Help:      "Completed contact syncs by source feed.",
		}, []string{"source"}),
		syncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "contacts",
			Name:      "sync_duration_seconds",
			Help:      "Contact sync duration.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}),
		rpcs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "grpc",
			Name:      "requests_total",
			Help:      "Handled RPCs by method and code.",
		}, []string{"method", "code"}),
		rpcDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "grpc",
			Name:      "request_duration_seconds",
			Help:      "RPC duration.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}
	m.reg.MustRegister(
		m.liveSessions,
		m.transitions,
		m.persistFailures,
		m.invites,
		m.syncs,
		m.syncDuration,
		m.rpcs,
		m.rpcDuration,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// SessionTransition counts a state change.
func (m *Metrics) SessionTransition(to model.Status) {
	m.transitions.WithLabelValues(string(to)).Inc()
}

// PersistFailure counts a failed write.
func (m *Metrics) PersistFailure(op string) {
	m.persistFailures.WithLabelValues(op).Inc()
}

// LiveSessions sets the live session gauge.
func (m *Metrics) LiveSessions(n int) {
	m.liveSessions.Set(float64(n))
}

// InviteSent counts one recipient outcome.
func (m *Metrics) InviteSent(ok bool) {
	label := "false"
	if ok {
		label = "true"
	}
	m.invites.WithLabelValues(label).Inc()
}

// ContactsSynced records a completed sync.
func (m *Metrics) ContactsSynced(source model.ContactSource, d time.Duration) {
	m.syncs.WithLabelValues(string(source)).Inc()
	m.syncDuration.Observe(d.Seconds())
}

// ObserveRPC records one handled RPC.
func (m *Metrics) ObserveRPC(method, code string, d time.Duration) {
	m.rpcs.WithLabelValues(method, code).Inc()
	m.rpcDuration.WithLabelValues(method).Observe(d.Seconds())
}
