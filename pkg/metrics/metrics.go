package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Scheduling metrics
	OperationsPrequeued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiln_operations_prequeued_total",
			Help: "Total number of execute requests accepted into the prequeue",
		},
	)

	OperationsQueued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiln_operations_queued_total",
			Help: "Total number of operations promoted to the ready queue",
		},
	)

	OperationsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_operations_completed_total",
			Help: "Total number of completed operations by outcome",
		},
		[]string{"outcome"},
	)

	OperationsRequeued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiln_operations_requeued_total",
			Help: "Total number of dispatched operations returned to the ready queue",
		},
	)

	CachedResults = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiln_cached_results_total",
			Help: "Total number of execute requests served from the action cache",
		},
	)

	TransformLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kiln_transform_step_duration_seconds",
			Help:    "Duration of each operation transform step in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"step"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kiln_queue_depth",
			Help: "Current depth of the scheduling queues",
		},
		[]string{"queue"},
	)

	// Worker pipeline metrics
	StageBusy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kiln_pipeline_stage_busy",
			Help: "Number of operations currently held by each pipeline stage",
		},
		[]string{"stage"},
	)

	StageLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kiln_pipeline_stage_duration_seconds",
			Help:    "Time an operation spends in each pipeline stage in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	ExecutionsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiln_executions_failed_total",
			Help: "Total number of executions that ended in error",
		},
	)

	// CAS cache metrics
	CacheSizeBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kiln_cas_cache_size_bytes",
			Help: "Bytes currently stored in the local CAS file cache",
		},
	)

	CacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kiln_cas_cache_entries",
			Help: "Entries currently tracked by the local CAS file cache",
		},
	)

	CacheEvictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiln_cas_cache_evictions_total",
			Help: "Total number of CAS cache entries evicted under size pressure",
		},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_cas_cache_requests_total",
			Help: "Total number of CAS cache lookups by result",
		},
		[]string{"result"},
	)

	// Blob fan-out metrics
	BlobReadHops = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kiln_blob_read_hops",
			Help:    "Number of workers contacted to satisfy one blob read",
			Buckets: []float64{1, 2, 3, 5, 8, 13},
		},
	)

	WatchersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kiln_watchers_active",
			Help: "Number of registered operation watchers",
		},
	)
)

// Timer provides a simple way to time operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time in the given histogram
func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(time.Since(t.start).Seconds())
}

// Init registers all metrics with Prometheus
func Init() {
	prometheus.MustRegister(
		OperationsPrequeued,
		OperationsQueued,
		OperationsCompleted,
		OperationsRequeued,
		CachedResults,
		TransformLatency,
		QueueDepth,
		StageBusy,
		StageLatency,
		ExecutionsFailed,
		CacheSizeBytes,
		CacheEntries,
		CacheEvictions,
		CacheHits,
		BlobReadHops,
		WatchersActive,
	)
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
