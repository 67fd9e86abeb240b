package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds all Prometheus metrics for the application. Each
// collector owns its registry, so tests can create as many as they like.
type Collector struct {
	registry *prometheus.Registry

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	// Store metrics
	StoreOperations *prometheus.CounterVec
	StoreDuration   *prometheus.HistogramVec

	// Replication metrics
	SyncEnqueued   *prometheus.CounterVec
	SyncDropped    *prometheus.CounterVec
	SyncPublished  *prometheus.CounterVec
	SyncRetried    *prometheus.CounterVec
	SyncFailed     *prometheus.CounterVec
	SyncApplied    *prometheus.CounterVec
	SyncRejected   *prometheus.CounterVec
	SyncQueueDepth *prometheus.GaugeVec

	// Graph metrics, sampled by the metrics monitor
	InstancesOpen     prometheus.Gauge
	MemoryCount       prometheus.Gauge
	AverageEnergy     prometheus.Gauge
	ActiveConnections prometheus.Gauge
	SystemLoad        prometheus.Gauge
}

// NewCollector creates a collector whose metric names start with namespace
func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()

	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, labels)
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		})
	}

	c := &Collector{
		registry: registry,

		HTTPRequests: counter("http_requests_total", "Total number of HTTP requests", "method", "route", "status"),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),

		StoreOperations: counter("store_operations_total", "Total number of repository operations", "operation", "status"),
		StoreDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_operation_duration_seconds",
			Help:      "Repository operation duration in seconds",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"operation"}),

		SyncEnqueued:  counter("sync_events_enqueued_total", "Sync events accepted into the outbound queue", "instance", "type"),
		SyncDropped:   counter("sync_events_dropped_total", "Sync events dropped before publishing", "instance", "reason"),
		SyncPublished: counter("sync_events_published_total", "Sync events published to the bus", "instance", "type"),
		SyncRetried:   counter("sync_events_retried_total", "Publish retries", "instance", "type"),
		SyncFailed:    counter("sync_events_failed_total", "Sync events dropped after exhausting publish attempts", "instance", "type"),
		SyncApplied:   counter("sync_events_applied_total", "Remote sync events applied locally", "instance", "type"),
		SyncRejected:  counter("sync_events_rejected_total", "Remote sync events not applied", "instance", "reason"),
		SyncQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_queue_depth",
			Help:      "Events waiting in the outbound queue",
		}, []string{"instance"}),

		InstancesOpen:     gauge("instances_open", "Open instances"),
		MemoryCount:       gauge("memories", "Memories in the shared store"),
		AverageEnergy:     gauge("memory_average_energy", "Weighted mean of energy and resonance"),
		ActiveConnections: gauge("memory_connections", "Undirected connections between memories"),
		SystemLoad:        gauge("system_load", "Normalized load from memory and connection counts"),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.HTTPRequests,
		c.HTTPDuration,
		c.StoreOperations,
		c.StoreDuration,
		c.SyncEnqueued,
		c.SyncDropped,
		c.SyncPublished,
		c.SyncRetried,
		c.SyncFailed,
		c.SyncApplied,
		c.SyncRejected,
		c.SyncQueueDepth,
		c.InstancesOpen,
		c.MemoryCount,
		c.AverageEnergy,
		c.ActiveConnections,
		c.SystemLoad,
	)
	return c
}

// GetRegistry returns the Prometheus registry for this collector
func (c *Collector) GetRegistry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// RecordStoreOperation counts one repository call and its latency
func (c *Collector) RecordStoreOperation(operation string, d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.StoreOperations.WithLabelValues(operation, status).Inc()
	c.StoreDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// RecordHTTPRequest counts one request and its latency
func (c *Collector) RecordHTTPRequest(method, route string, status int, d time.Duration) {
	c.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.HTTPDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// Forget removes every series labelled with the instance
func (c *Collector) Forget(instanceID string) {
	labels := prometheus.Labels{"instance": instanceID}
	for _, vec := range []*prometheus.CounterVec{
		c.SyncEnqueued, c.SyncDropped, c.SyncPublished, c.SyncRetried,
		c.SyncFailed, c.SyncApplied, c.SyncRejected,
	} {
		vec.DeletePartialMatch(labels)
	}
	c.SyncQueueDepth.DeletePartialMatch(labels)
}

// Sync returns the replication metrics of one instance
func (c *Collector) Sync(instanceID string) *SyncMetrics {
	return &SyncMetrics{c: c, instance: instanceID}
}

// SyncMetrics scopes the replication counters to one instance
type SyncMetrics struct {
	c        *Collector
	instance string
}

func (m *SyncMetrics) EventEnqueued(eventType string) {
	m.c.SyncEnqueued.WithLabelValues(m.instance, eventType).Inc()
}

func (m *SyncMetrics) EventDropped(reason string) {
	m.c.SyncDropped.WithLabelValues(m.instance, reason).Inc()
}

func (m *SyncMetrics) EventPublished(eventType string) {
	m.c.SyncPublished.WithLabelValues(m.instance, eventType).Inc()
}

func (m *SyncMetrics) EventRetried(eventType string) {
	m.c.SyncRetried.WithLabelValues(m.instance, eventType).Inc()
}

func (m *SyncMetrics) EventFailed(eventType string) {
	m.c.SyncFailed.WithLabelValues(m.instance, eventType).Inc()
}

func (m *SyncMetrics) EventApplied(eventType string) {
	m.c.SyncApplied.WithLabelValues(m.instance, eventType).Inc()
}

func (m *SyncMetrics) EventRejected(reason string) {
	m.c.SyncRejected.WithLabelValues(m.instance, reason).Inc()
}

func (m *SyncMetrics) QueueDepth(n int) {
	m.c.SyncQueueDepth.WithLabelValues(m.instance).Set(float64(n))
}
