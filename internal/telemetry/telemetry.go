// Package telemetry holds the Prometheus metrics of the sync layer.
//
// Metrics are only exposed on the local status listener. Nothing is pushed to
// an external collector.
package telemetry

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// =====================================================
// Metrics
// =====================================================

// Metrics groups every collector owned by the sync layer.
type Metrics struct {
	registry *prometheus.Registry

	passesTotal    *prometheus.CounterVec
	passDuration   *prometheus.HistogramVec
	itemsTotal     *prometheus.CounterVec
	pendingItems   prometheus.Gauge
	exhaustedItems prometheus.Gauge
	lastSync       prometheus.Gauge
	online         prometheus.Gauge
	purgedTotal    *prometheus.CounterVec
}

// New creates Metrics registered on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		passesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wellnest_sync_passes_total",
			Help: "Sync pass attempts by result (success, partial, skipped_<reason>)",
		}, []string{"result"}),
		passDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wellnest_sync_pass_duration_seconds",
			Help:    "Duration of sync passes that ran",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"result"}),
		itemsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wellnest_sync_items_total",
			Help: "Queue items processed by table, operation and outcome",
		}, []string{"table", "operation", "outcome"}),
		pendingItems: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wellnest_sync_pending_items",
			Help: "Unsynced queue items",
		}),
		exhaustedItems: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wellnest_sync_exhausted_items",
			Help: "Unsynced queue items at or above the retry ceiling",
		}),
		lastSync: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wellnest_sync_last_pass_timestamp_seconds",
			Help: "Unix time of the last completed pass",
		}),
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wellnest_connectivity_online",
			Help: "1 when the remote is considered reachable",
		}),
		purgedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wellnest_retention_purged_total",
			Help: "Rows removed by retention maintenance",
		}, []string{"table"}),
	}
	reg.MustRegister(
		m.passesTotal, m.passDuration, m.itemsTotal, m.pendingItems,
		m.exhaustedItems, m.lastSync, m.online, m.purgedTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// Default returns the process-wide Metrics.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = New()
	})
	return defaultMetrics
}

// Registry exposes the registry for tests and custom handlers.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the metrics in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// PassSkipped counts a pass refused by a guard.
func (m *Metrics) PassSkipped(reason string) {
	if m == nil {
		return
	}
	m.passesTotal.WithLabelValues("skipped_" + reason).Inc()
}

// PassFinished counts a pass that ran.
func (m *Metrics) PassFinished(success bool, duration time.Duration, finishedAt time.Time) {
	if m == nil {
		return
	}
	result := "partial"
	if success {
		result = "success"
	}
	m.passesTotal.WithLabelValues(result).Inc()
	m.passDuration.WithLabelValues(result).Observe(duration.Seconds())
	m.lastSync.Set(float64(finishedAt.Unix()))
}

// ItemProcessed counts one queue item outcome.
func (m *Metrics) ItemProcessed(table, operation, outcome string) {
	if m == nil {
		return
	}
	m.itemsTotal.WithLabelValues(table, operation, outcome).Inc()
}

// SetPending records the unsynced queue size.
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pendingItems.Set(float64(n))
}

// SetExhausted records the number of exhausted items.
func (m *Metrics) SetExhausted(n int) {
	if m == nil {
		return
	}
	m.exhaustedItems.Set(float64(n))
}

// SetOnline records connectivity.
func (m *Metrics) SetOnline(online bool) {
	if m == nil {
		return
	}
	v := 0.0
	if online {
		v = 1
	}
	m.online.Set(v)
}

// Purged counts rows removed by retention.
func (m *Metrics) Purged(table string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.purgedTotal.WithLabelValues(table).Add(float64(n))
}
