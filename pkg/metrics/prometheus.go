// Package metrics provides Prometheus metrics for the podium ranking service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Manager owns every Prometheus collector of the service.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	constLabels      prometheus.Labels
	registry         prometheus.Registerer

	// Mutations
	claims          *prometheus.CounterVec
	claimPoints     prometheus.Histogram
	claimLatency    prometheus.Histogram
	registrations   *prometheus.CounterVec
	idempotentHits  prometheus.Counter
	rateLimited     prometheus.Counter
	totalEntities   prometheus.Gauge
	rankingLatency  prometheus.Histogram
	snapshotGen     prometheus.Gauge
	historyLatency  prometheus.Histogram
	storeLatency    *prometheus.HistogramVec
	storeErrors     *prometheus.CounterVec
	storeRetries    prometheus.Counter
	storeRolledBack prometheus.Counter

	// Fan-out
	broadcasts         prometheus.Counter
	deliveries         prometheus.Counter
	superseded         prometheus.Counter
	deliveryErrors     prometheus.Counter
	subscribers        prometheus.Gauge
	broadcastFanoutLen prometheus.Histogram

	// Notice queue and broadcaster workers
	queueSize        prometheus.Gauge
	queueCapacity    prometheus.Gauge
	queueEnqueued    prometheus.Counter
	queueDequeued    prometheus.Counter
	queueDropped     prometheus.Counter
	noticesCoalesced prometheus.Counter
	workerCount      prometheus.Gauge
	workerLatency    prometheus.Histogram
	workerErrors     prometheus.Counter

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	errorsByComponent *prometheus.CounterVec

	// System
	systemMemoryUsage    prometheus.Gauge
	systemGoroutineCount prometheus.Gauge
	systemGCPauseTime    prometheus.Histogram
}

// Global metrics manager instance.
var globalManager *Manager //nolint:gochecknoglobals // intentional global for singleton metrics manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // intentional global for metrics registry

func init() { //nolint:gochecknoinits // intentional init for global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a metrics manager and registers its collectors.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "podium",
		subsystem:        "ranking",
		histogramBuckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 25, 50, 100, 250, 500, 1000},
		registry:         prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.initializeMetrics()
	return m
}

func (m *Manager) counter(name, help string) prometheus.Counter {
	return promauto.With(m.registry).NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels,
	})
}

func (m *Manager) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.With(m.registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels,
	}, labels)
}

func (m *Manager) gauge(name, help string) prometheus.Gauge {
	return promauto.With(m.registry).NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels,
	})
}

func (m *Manager) histogram(name, help string, buckets []float64) prometheus.Histogram {
	return promauto.With(m.registry).NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels, Buckets: buckets,
	})
}

func (m *Manager) histogramVec(name, help string, labels ...string) *prometheus.HistogramVec {
	return promauto.With(m.registry).NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels, Buckets: m.histogramBuckets,
	}, labels)
}

func (m *Manager) initializeMetrics() { //nolint:funlen // one place for every collector
	// Mutations
	m.claims = m.counterVec("claims_total", "Claims by outcome", "outcome")
	m.claimPoints = m.histogram("claim_points", "Points awarded per claim", []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10})
	m.claimLatency = m.histogram("claim_latency_milliseconds", "Claim latency in milliseconds including the store transaction", m.histogramBuckets)
	m.registrations = m.counterVec("registrations_total", "Entity registrations by outcome", "outcome")
	m.idempotentHits = m.counter("idempotent_replays_total", "Claims answered from the idempotency cache")
	m.rateLimited = m.counter("rate_limited_total", "Claims rejected by the rate limiter")
	m.totalEntities = m.gauge("entities", "Entities in the latest snapshot")
	m.rankingLatency = m.histogram("recompute_latency_milliseconds", "Ranking recompute latency in milliseconds", m.histogramBuckets)
	m.snapshotGen = m.gauge("snapshot_generation", "Generation of the latest snapshot")
	m.historyLatency = m.histogram("history_page_latency_milliseconds", "History page read latency in milliseconds", m.histogramBuckets)
	m.storeLatency = m.histogramVec("store_latency_milliseconds", "Store operation latency in milliseconds", "op")
	m.storeErrors = m.counterVec("store_errors_total", "Store errors by operation and kind", "op", "kind")
	m.storeRetries = m.counter("store_retries_total", "Store operations retried after a transient error")
	m.storeRolledBack = m.counter("store_rollbacks_total", "Store transactions rolled back")

	// Fan-out
	m.broadcasts = m.counter("broadcasts_total", "Snapshots broadcast to the hub")
	m.deliveries = m.counter("deliveries_total", "Snapshots handed to a subscriber mailbox")
	m.superseded = m.counter("deliveries_superseded_total", "Undelivered snapshots replaced by a newer one")
	m.deliveryErrors = m.counter("delivery_errors_total", "Snapshot writes that failed for one observer")
	m.subscribers = m.gauge("subscribers", "Active subscriptions")
	m.broadcastFanoutLen = m.histogram("broadcast_fanout", "Subscribers reached per broadcast", []float64{0, 1, 5, 10, 50, 100, 500, 1000})

	// Notice queue and workers
	m.queueSize = m.gauge("queue_size", "Notices waiting in the queue")
	m.queueCapacity = m.gauge("queue_capacity", "Notice queue capacity")
	m.queueEnqueued = m.counter("queue_enqueue_total", "Notices enqueued")
	m.queueDequeued = m.counter("queue_dequeue_total", "Notices dequeued")
	m.queueDropped = m.counter("queue_dropped_total", "Notices dropped because the queue was full")
	m.noticesCoalesced = m.counter("notices_coalesced_total", "Notices folded into another refresh")
	m.workerCount = m.gauge("worker_count", "Running broadcaster workers")
	m.workerLatency = m.histogram("worker_processing_latency_milliseconds", "Refresh plus broadcast latency in milliseconds", m.histogramBuckets)
	m.workerErrors = m.counter("worker_errors_total", "Broadcaster refresh failures")

	// HTTP
	m.httpRequests = m.counterVec("http_requests_total", "HTTP requests by endpoint and method", "endpoint", "method", "status_code")
	m.httpRequestDuration = m.histogramVec("http_request_duration_milliseconds", "HTTP request duration in milliseconds", "endpoint", "method", "status_code")

	m.errorsByComponent = m.counterVec("errors_by_component_total", "Errors by component", "component", "error_type")

	// System
	m.systemMemoryUsage = m.gauge("system_memory_usage_bytes", "Heap memory in use in bytes")
	m.systemGoroutineCount = m.gauge("system_goroutine_count", "Number of goroutines")
	m.systemGCPauseTime = m.histogram("system_gc_pause_time_milliseconds", "GC pause time in milliseconds",
		[]float64{0.1, 0.5, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000})
}

// RecordClaim counts a claim with the given outcome (ok, not_found, error, ...).
func RecordClaim(outcome string) { globalManager.claims.WithLabelValues(outcome).Inc() }

// RecordClaimPoints observes the delta awarded by a claim.
func RecordClaimPoints(delta int64) { globalManager.claimPoints.Observe(float64(delta)) }

// RecordClaimLatency records claim latency in milliseconds.
func RecordClaimLatency(latencyMs float64) { globalManager.claimLatency.Observe(latencyMs) }

// RecordRegistration counts a registration with the given outcome.
func RecordRegistration(outcome string) { globalManager.registrations.WithLabelValues(outcome).Inc() }

// RecordIdempotentReplay counts a claim served from the idempotency cache.
func RecordIdempotentReplay() { globalManager.idempotentHits.Inc() }

// RecordRateLimited counts a claim rejected by the rate limiter.
func RecordRateLimited() { globalManager.rateLimited.Inc() }

// RecordRankingRecompute records one recompute and the number of ranked entities.
func RecordRankingRecompute(latencyMs float64, entities int) {
	globalManager.rankingLatency.Observe(latencyMs)
	globalManager.totalEntities.Set(float64(entities))
}

// UpdateSnapshotGeneration sets the latest snapshot generation.
func UpdateSnapshotGeneration(gen uint64) { globalManager.snapshotGen.Set(float64(gen)) }

// RecordHistoryPageLatency records a history page read in milliseconds.
func RecordHistoryPageLatency(latencyMs float64) { globalManager.historyLatency.Observe(latencyMs) }

// RecordStoreLatency records a store operation latency in milliseconds.
func RecordStoreLatency(op string, latencyMs float64) {
	globalManager.storeLatency.WithLabelValues(op).Observe(latencyMs)
}

// RecordStoreError counts a store error by operation and kind.
func RecordStoreError(op, kind string) { globalManager.storeErrors.WithLabelValues(op, kind).Inc() }

// RecordStoreRetry counts a retried store operation.
func RecordStoreRetry() { globalManager.storeRetries.Inc() }

// RecordStoreRollback counts a rolled back transaction.
func RecordStoreRollback() { globalManager.storeRolledBack.Inc() }

// RecordBroadcast counts one broadcast reaching the given number of subscribers.
func RecordBroadcast(subscribers int) {
	globalManager.broadcasts.Inc()
	globalManager.broadcastFanoutLen.Observe(float64(subscribers))
}

// RecordDelivery counts a snapshot placed into a subscriber mailbox.
func RecordDelivery() { globalManager.deliveries.Inc() }

// RecordDeliverySuperseded counts a pending snapshot replaced by a newer one.
func RecordDeliverySuperseded() { globalManager.superseded.Inc() }

// RecordDeliveryError counts a failed write to one observer.
func RecordDeliveryError() { globalManager.deliveryErrors.Inc() }

// UpdateSubscriberCount sets the number of active subscriptions.
func UpdateSubscriberCount(count int) { globalManager.subscribers.Set(float64(count)) }

// UpdateQueueSize sets the current queue size.
func UpdateQueueSize(size int) { globalManager.queueSize.Set(float64(size)) }

// UpdateQueueCapacity sets the queue capacity.
func UpdateQueueCapacity(capacity int) { globalManager.queueCapacity.Set(float64(capacity)) }

// RecordQueueEnqueue increments the enqueue counter.
func RecordQueueEnqueue() { globalManager.queueEnqueued.Inc() }

// RecordQueueDequeue increments the dequeue counter.
func RecordQueueDequeue() { globalManager.queueDequeued.Inc() }

// RecordQueueDrop increments the dropped notices counter.
func RecordQueueDrop() { globalManager.queueDropped.Inc() }

// RecordNoticesCoalesced adds n notices folded into a single refresh.
func RecordNoticesCoalesced(n int) { globalManager.noticesCoalesced.Add(float64(n)) }

// UpdateWorkerCount sets the current worker count.
func UpdateWorkerCount(count int) { globalManager.workerCount.Set(float64(count)) }

// RecordWorkerProcessingLatency records worker processing latency.
func RecordWorkerProcessingLatency(latencyMs float64) { globalManager.workerLatency.Observe(latencyMs) }

// RecordWorkerError increments the worker error counter.
func RecordWorkerError() { globalManager.workerErrors.Inc() }

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
}

// RecordHTTPRequestDuration records HTTP request duration.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
}

// RecordErrorByComponent records an error with component and type labels.
func RecordErrorByComponent(component, errorType string) {
	globalManager.errorsByComponent.WithLabelValues(component, errorType).Inc()
}

// UpdateSystemMemoryUsage sets the heap memory in use.
func UpdateSystemMemoryUsage(bytes uint64) { globalManager.systemMemoryUsage.Set(float64(bytes)) }

// UpdateSystemGoroutineCount sets the number of goroutines.
func UpdateSystemGoroutineCount(count int) { globalManager.systemGoroutineCount.Set(float64(count)) }

// RecordSystemGCPauseTime records GC pause time in milliseconds.
func RecordSystemGCPauseTime(pauseMs float64) { globalManager.systemGCPauseTime.Observe(pauseMs) }

// GetRegistry returns the custom Prometheus registry used by our metrics.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
