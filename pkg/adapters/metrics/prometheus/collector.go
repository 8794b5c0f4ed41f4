package prometheus

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector implements ports.MetricsCollector on Prometheus. Metrics
// register in the default registry; create it once per process.
type Collector struct {
	servicesStarted *prometheus.CounterVec
	servicesFailed  prometheus.Counter
	servicesStopped prometheus.Counter
	startDuration   *prometheus.HistogramVec
	healthProbes    *prometheus.CounterVec
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter
	policyDenials   *prometheus.CounterVec
	anomalies       *prometheus.CounterVec
	servicesRunning prometheus.Gauge
	portsAllocated  prometheus.Gauge
	cachedEnvs      prometheus.Gauge
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

// NewCollector creates a Prometheus metrics collector.
func NewCollector() *Collector {
	return &Collector{
		servicesStarted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pactown_services_started_total",
				Help: "Total number of service start attempts",
			},
			[]string{"outcome"},
		),
		servicesFailed: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "pactown_services_failed_total",
				Help: "Total number of failed service starts",
			},
		),
		servicesStopped: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "pactown_services_stopped_total",
				Help: "Total number of service stops",
			},
		),
		startDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pactown_service_start_duration_seconds",
				Help:    "Time from start request to first healthy probe",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"service"},
		),
		healthProbes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pactown_health_probes_total",
				Help: "Total number of health probe attempts",
			},
			[]string{"service", "outcome"},
		),
		cacheHits: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "pactown_cache_hits_total",
				Help: "Total number of dependency cache hits",
			},
		),
		cacheMisses: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "pactown_cache_misses_total",
				Help: "Total number of dependency cache misses",
			},
		),
		policyDenials: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pactown_policy_denials_total",
				Help: "Total number of admission denials",
			},
			[]string{"reason"},
		),
		anomalies: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pactown_anomalies_total",
				Help: "Total number of recorded security anomalies",
			},
			[]string{"type"},
		),
		servicesRunning: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pactown_services_running",
				Help: "Number of services currently running",
			},
		),
		portsAllocated: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pactown_ports_allocated",
				Help: "Number of ports currently issued by the allocator",
			},
		),
		cachedEnvs: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pactown_cached_envs",
				Help: "Number of cached dependency environments",
			},
		),
		httpRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pactown_http_requests_total",
				Help: "Total number of runner API requests",
			},
			[]string{"method", "path", "status"},
		),
		httpDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pactown_http_request_duration_seconds",
				Help:    "Runner API request duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path"},
		),
	}
}

// RecordServiceStarted increments the start counter with an outcome label.
func (c *Collector) RecordServiceStarted(outcome string) {
	c.servicesStarted.WithLabelValues(outcome).Inc()
	if outcome != "success" {
		c.servicesFailed.Inc()
	}
}

// RecordServiceStopped increments the stop counter.
func (c *Collector) RecordServiceStopped() {
	c.servicesStopped.Inc()
}

// RecordStartDuration records how long one service took to become healthy.
func (c *Collector) RecordStartDuration(service string, duration time.Duration) {
	c.startDuration.WithLabelValues(service).Observe(duration.Seconds())
}

// RecordHealthProbe records one probe attempt and its outcome.
func (c *Collector) RecordHealthProbe(service string, success bool) {
	c.healthProbes.WithLabelValues(service, outcomeLabel(success)).Inc()
}

// RecordCacheLookup records a dependency cache hit or miss.
func (c *Collector) RecordCacheLookup(hit bool) {
	if hit {
		c.cacheHits.Inc()
	} else {
		c.cacheMisses.Inc()
	}
}

// RecordPolicyDecision records an admission decision. Only denials are
// counted; allowed starts show up in the start counters.
func (c *Collector) RecordPolicyDecision(allowed bool, reason string) {
	if !allowed {
		c.policyDenials.WithLabelValues(reason).Inc()
	}
}

// RecordAnomaly records one security anomaly by type.
func (c *Collector) RecordAnomaly(anomalyType string) {
	c.anomalies.WithLabelValues(anomalyType).Inc()
}

// SetServicesRunning sets the current number of running services.
func (c *Collector) SetServicesRunning(count int) {
	c.servicesRunning.Set(float64(count))
}

// SetPortsIssued sets the current number of allocator-issued ports.
func (c *Collector) SetPortsIssued(count int) {
	c.portsAllocated.Set(float64(count))
}

// SetCachedEnvs sets the current number of cached environments.
func (c *Collector) SetCachedEnvs(count int) {
	c.cachedEnvs.Set(float64(count))
}

// RecordHTTPRequest records one runner API request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	c.httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func outcomeLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
