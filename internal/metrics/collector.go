// Package metrics exposes Prometheus metrics for the cache engine:
// operation counts and latencies, hit/miss/eviction counters, and
// space accounting gauges.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector implements metrics collection for the cache engine. A nil
// Collector is valid and records nothing, so callers never need to
// guard instrumentation sites.
type Collector struct {
	config   *Config
	registry *prometheus.Registry

	operationCounter   *prometheus.CounterVec
	operationDuration  *prometheus.HistogramVec
	cacheHitCounter    prometheus.Counter
	cacheMissCounter   prometheus.Counter
	evictionCounter    prometheus.Counter
	passthroughCounter prometheus.Counter
	remainingSpace     prometheus.Gauge
	totalSpace         prometheus.Gauge
	residentSegments   prometheus.Gauge

	server *http.Server
}

// Config represents metrics configuration.
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// NewCollector creates a new metrics collector.
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = &Config{
			Enabled:   true,
			Port:      8080,
			Path:      "/metrics",
			Namespace: "segcache",
		}
	}

	if !config.Enabled {
		return nil, nil
	}

	registry := prometheus.NewRegistry()

	c := &Collector{
		config:   config,
		registry: registry,
	}

	ns := config.Namespace

	c.operationCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "operations_total",
		Help:      "Total number of gateway operations by type and outcome",
	}, []string{"operation", "outcome"})

	c.operationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns,
		Name:      "operation_duration_seconds",
		Help:      "Duration of gateway operations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})

	c.cacheHitCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "hits_total",
		Help:      "Downloads served from the local cache",
	})

	c.cacheMissCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "misses_total",
		Help:      "Downloads that required a remote fetch",
	})

	c.evictionCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "evictions_total",
		Help:      "Segments evicted from local cache to the remote store",
	})

	c.passthroughCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "passthrough_total",
		Help:      "Segments served or stored without local caching",
	})

	c.remainingSpace = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "remaining_space_bytes",
		Help:      "Unbilled local cache capacity",
	})

	c.totalSpace = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "total_space_bytes",
		Help:      "Configured local cache capacity",
	})

	c.residentSegments = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "resident_segments",
		Help:      "Number of segments currently cached locally",
	})

	collectors := []prometheus.Collector{
		c.operationCounter,
		c.operationDuration,
		c.cacheHitCounter,
		c.cacheMissCounter,
		c.evictionCounter,
		c.passthroughCounter,
		c.remainingSpace,
		c.totalSpace,
		c.residentSegments,
	}
	for _, col := range collectors {
		if err := registry.Register(col); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}

	return c, nil
}

// Start starts the metrics HTTP endpoint.
func (c *Collector) Start(ctx context.Context) error {
	if c == nil {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		_ = c.server.ListenAndServe()
	}()

	return nil
}

// Stop shuts down the metrics HTTP endpoint.
func (c *Collector) Stop(ctx context.Context) error {
	if c == nil || c.server == nil {
		return nil
	}
	return c.server.Shutdown(ctx)
}

// Registry returns the underlying Prometheus registry, for tests.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// RecordOperation records one gateway operation with its outcome.
func (c *Collector) RecordOperation(operation, outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.operationCounter.WithLabelValues(operation, outcome).Inc()
	c.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordHit records a download served from local cache.
func (c *Collector) RecordHit() {
	if c == nil {
		return
	}
	c.cacheHitCounter.Inc()
}

// RecordMiss records a download that went remote.
func (c *Collector) RecordMiss() {
	if c == nil {
		return
	}
	c.cacheMissCounter.Inc()
}

// RecordEviction records n segments evicted to the remote store.
func (c *Collector) RecordEviction(n int) {
	if c == nil {
		return
	}
	c.evictionCounter.Add(float64(n))
}

// RecordPassthrough records a segment served or stored without caching.
func (c *Collector) RecordPassthrough() {
	if c == nil {
		return
	}
	c.passthroughCounter.Inc()
}

// SetSpace updates the space accounting gauges.
func (c *Collector) SetSpace(total, remaining int64) {
	if c == nil {
		return
	}
	c.totalSpace.Set(float64(total))
	c.remainingSpace.Set(float64(remaining))
}

// SetResidentSegments updates the resident segment gauge.
func (c *Collector) SetResidentSegments(n int) {
	if c == nil {
		return
	}
	c.residentSegments.Set(float64(n))
}
