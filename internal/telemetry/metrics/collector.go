// Package metrics exposes Prometheus metrics for claim evaluation.
//
// Metrics (namespace defaults to "kestrel"):
//   - evaluation_duration_seconds: end-to-end evaluation latency
//   - layer_duration_seconds: per-layer latency by layer
//   - decisions_total: decisions by recommendation and policy step
//   - layer_status_total: layer outcomes by layer and status
//   - audit_warnings_total: audit and publish problems absorbed by evaluations
//   - snapshot_version: version of the active configuration snapshot
//   - http_requests_total, http_request_duration_seconds: API traffic
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Collector owns the registry and every metric Kestrel records.
// All methods are safe on a nil or disabled collector.
type Collector struct {
	enabled  bool
	registry *prometheus.Registry

	evaluationDuration *prometheus.HistogramVec
	layerDuration      *prometheus.HistogramVec
	decisionsTotal     *prometheus.CounterVec
	layerStatusTotal   *prometheus.CounterVec
	auditWarnings      prometheus.Counter
	snapshotVersion    prometheus.Gauge

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// NewCollector creates and registers all metrics. If registry is nil a new
// one is created.
func NewCollector(cfg domain.MetricsConfig, registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	ns := cfg.Namespace
	if ns == "" {
		ns = "kestrel"
	}

	// Layers run against a 2s default budget; buckets cover 1ms to ~4s.
	buckets := prometheus.ExponentialBuckets(0.001, 2, 13)

	c := &Collector{
		enabled:  cfg.Enabled,
		registry: registry,
		evaluationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "evaluation_duration_seconds",
			Help:      "End-to-end claim evaluation duration in seconds",
			Buckets:   buckets,
		}, []string{"recommendation"}),
		layerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "layer_duration_seconds",
			Help:      "Analysis layer duration in seconds",
			Buckets:   buckets,
		}, []string{"layer"}),
		decisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "decisions_total",
			Help:      "Total decisions by recommendation and policy step",
		}, []string{"recommendation", "policy_step"}),
		layerStatusTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "layer_status_total",
			Help:      "Total layer results by layer and status",
		}, []string{"layer", "status"}),
		auditWarnings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "audit_warnings_total",
			Help:      "Audit write or publish problems absorbed by evaluations",
		}),
		snapshotVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "snapshot_version",
			Help:      "Version of the active configuration snapshot",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, route and status code",
		}, []string{"method", "route", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   buckets,
		}, []string{"method", "route"}),
	}

	registry.MustRegister(
		c.evaluationDuration,
		c.layerDuration,
		c.decisionsTotal,
		c.layerStatusTotal,
		c.auditWarnings,
		c.snapshotVersion,
		c.httpRequests,
		c.httpDuration,
	)
	return c
}

func (c *Collector) active() bool {
	return c != nil && c.enabled
}

// RecordLayer records one layer result.
func (c *Collector) RecordLayer(r domain.LayerResult, duration time.Duration) {
	if !c.active() {
		return
	}
	c.layerDuration.WithLabelValues(string(r.Layer)).Observe(duration.Seconds())
	c.layerStatusTotal.WithLabelValues(string(r.Layer), string(r.Status)).Inc()
}

// RecordDecision records a completed evaluation.
func (c *Collector) RecordDecision(d *domain.Decision, total time.Duration) {
	if !c.active() || d == nil {
		return
	}
	rec := string(d.Recommendation)
	c.evaluationDuration.WithLabelValues(rec).Observe(total.Seconds())
	c.decisionsTotal.WithLabelValues(rec, d.Metadata.PolicyStep).Inc()
}

// RecordAuditWarnings counts absorbed audit problems.
func (c *Collector) RecordAuditWarnings(n int) {
	if !c.active() || n <= 0 {
		return
	}
	c.auditWarnings.Add(float64(n))
}

// SetSnapshotVersion records the active snapshot version.
func (c *Collector) SetSnapshotVersion(v int64) {
	if !c.active() {
		return
	}
	c.snapshotVersion.Set(float64(v))
}

// RecordHTTP records one served request. route is the matched route pattern.
func (c *Collector) RecordHTTP(method, route string, code int, duration time.Duration) {
	if !c.active() {
		return
	}
	c.httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	c.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}
