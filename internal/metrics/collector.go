package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns the Prometheus metrics of the input filter. Each collector
// registers into its own registry so tests and multiple servers do not
// collide on the global one.
type Collector struct {
	registry *prometheus.Registry

	requests         *prometheus.CounterVec
	rejections       *prometheus.CounterVec
	substitutions    *prometheus.CounterVec
	hostErrors       prometheus.Counter
	rateLimited      prometheus.Counter
	bannedRequests   prometheus.Counter
	filterDuration   prometheus.Histogram
	configReloads    *prometheus.CounterVec
	auditDropped     prometheus.Counter
	activeWebsockets prometheus.Gauge
}

// NewCollector creates a collector. If registry is nil a new one is created.
func NewCollector(namespace string, registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	if namespace == "" {
		namespace = "input_sentinel"
	}

	c := &Collector{
		registry: registry,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests screened by the input filter, by decision.",
		}, []string{"decision"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejections_total",
			Help:      "Rejected requests by parameter source and field.",
		}, []string{"source", "field"}),
		substitutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "substitutions_total",
			Help:      "Escape rule substitutions by rule group and field.",
		}, []string{"group", "field"}),
		hostErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "host_integration_errors_total",
			Help:      "Requests forwarded unfiltered because parameters could not be rewritten.",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests refused by the per-client rate limiter.",
		}),
		bannedRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "banned_requests_total",
			Help:      "Requests refused because the client is a repeat offender.",
		}),
		filterDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "filter_duration_seconds",
			Help:      "Time spent screening and escaping request parameters.",
			Buckets:   []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		}),
		configReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_reloads_total",
			Help:      "Filter configuration reloads by result.",
		}, []string{"result"}),
		auditDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_events_dropped_total",
			Help:      "Audit events dropped because the recorder buffer was full.",
		}),
		activeWebsockets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_clients",
			Help:      "Connected event feed clients.",
		}),
	}

	registry.MustRegister(
		c.requests,
		c.rejections,
		c.substitutions,
		c.hostErrors,
		c.rateLimited,
		c.bannedRequests,
		c.filterDuration,
		c.configReloads,
		c.auditDropped,
		c.activeWebsockets,
	)

	return c
}

// RecordDecision counts a screened request.
func (c *Collector) RecordDecision(decision string, duration time.Duration) {
	c.requests.WithLabelValues(decision).Inc()
	c.filterDuration.Observe(duration.Seconds())
}

// RecordRejection counts a rejected parameter.
func (c *Collector) RecordRejection(source, field string) {
	c.rejections.WithLabelValues(source, field).Inc()
}

// RecordSubstitution counts one escape rule rewrite.
func (c *Collector) RecordSubstitution(group, field string) {
	c.substitutions.WithLabelValues(group, field).Inc()
}

// RecordHostError counts a request forwarded unfiltered.
func (c *Collector) RecordHostError() {
	c.hostErrors.Inc()
}

// RecordRateLimited counts a request refused by the rate limiter.
func (c *Collector) RecordRateLimited() {
	c.rateLimited.Inc()
}

// RecordBanned counts a request refused for a banned client.
func (c *Collector) RecordBanned() {
	c.bannedRequests.Inc()
}

// RecordReload counts a configuration reload; result is "success" or "error".
func (c *Collector) RecordReload(result string) {
	c.configReloads.WithLabelValues(result).Inc()
}

// RecordAuditDropped counts a dropped audit event.
func (c *Collector) RecordAuditDropped() {
	c.auditDropped.Inc()
}

// SetWebSocketClients sets the connected client gauge.
func (c *Collector) SetWebSocketClients(n int) {
	c.activeWebsockets.Set(float64(n))
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns an HTTP handler for the Prometheus metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}
