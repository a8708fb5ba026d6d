// Package metrics exposes Prometheus collectors for the sync engine.
//
// A nil *Metrics is valid and records nothing, so components take one
// unconditionally.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fieldsync"

// Metrics holds the engine's collectors, registered on their own registry.
type Metrics struct {
	registry *prometheus.Registry

	writes     *prometheus.CounterVec
	reads      *prometheus.CounterVec
	dispatches *prometheus.CounterVec
	dispatchMs *prometheus.HistogramVec
	passes     *prometheus.CounterVec
	queueDepth prometheus.Gauge
	permanent  prometheus.Gauge
	remaps     prometheus.Counter
	online     prometheus.Gauge
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		writes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writes_total",
			Help:      "Write-through calls by entity type and result.",
		}, []string{"entity_type", "result"}),
		reads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetches_total",
			Help:      "Read-through network fetches by entity type and outcome.",
		}, []string{"entity_type", "outcome"}),
		dispatches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Queued operations dispatched by the reconciler, by kind and outcome.",
		}, []string{"entity_type", "kind", "outcome"}),
		dispatchMs: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Latency of reconciler remote calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"entity_type"}),
		passes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_passes_total",
			Help:      "Reconciliation passes by how they ended.",
		}, []string{"result"}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Operations waiting in the sync queue.",
		}),
		permanent: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_permanent",
			Help:      "Operations frozen after exhausting retries or being rejected.",
		}),
		remaps: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "id_remaps_total",
			Help:      "Temporary ids replaced by server-assigned ids.",
		}),
		online: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connectivity_available",
			Help:      "1 when the remote service is believed reachable.",
		}),
	}
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the collectors in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Write(entityType, result string) {
	if m == nil {
		return
	}
	m.writes.WithLabelValues(entityType, result).Inc()
}

func (m *Metrics) Fetch(entityType, outcome string) {
	if m == nil {
		return
	}
	m.reads.WithLabelValues(entityType, outcome).Inc()
}

func (m *Metrics) Dispatch(entityType, kind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(entityType, kind, outcome).Inc()
	m.dispatchMs.WithLabelValues(entityType).Observe(d.Seconds())
}

func (m *Metrics) Pass(result string) {
	if m == nil {
		return
	}
	m.passes.WithLabelValues(result).Inc()
}

func (m *Metrics) QueueState(depth, permanent int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
	m.permanent.Set(float64(permanent))
}

func (m *Metrics) Remapped() {
	if m == nil {
		return
	}
	m.remaps.Inc()
}

func (m *Metrics) Connectivity(available bool) {
	if m == nil {
		return
	}
	if available {
		m.online.Set(1)
	} else {
		m.online.Set(0)
	}
}
