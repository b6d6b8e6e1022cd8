// Package metrics provides Prometheus metrics for the chunk processing
// service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registry for all chunkforge metrics.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Handler returns an HTTP handler serving the Registry in Prometheus
// exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// ServiceMetrics holds all Prometheus metrics for one processing service.
type ServiceMetrics struct {
	// Request outcomes (counter, labeled by outcome)
	RequestsTotal *prometheus.CounterVec

	// Bookkeeping counters
	DedupHits          prometheus.Counter
	EagerSupersessions prometheus.Counter
	QueueRejected      prometheus.Counter

	// Queue gauge
	QueueDepth prometheus.Gauge

	// Snapshot table
	SnapshotBuilds        prometheus.Counter
	SnapshotBuildFailures prometheus.Counter
	SnapshotUnavailable   prometheus.Counter
	SnapshotResidentBytes prometheus.Gauge
	SnapshotsActive       prometheus.Gauge

	// Artifact cache
	CacheHits          prometheus.Counter
	CacheMisses        prometheus.Counter
	CacheEvictions     prometheus.Counter
	CacheResidentBytes prometheus.Gauge
	CacheEntries       prometheus.Gauge

	// Processor timing
	ProcessDuration prometheus.Histogram
}

// NewServiceMetrics initializes all service metrics on the given
// registerer. Pass a fresh registry per service instance; registering
// the same metric names twice on one registry panics.
func NewServiceMetrics(reg prometheus.Registerer) *ServiceMetrics {
	return &ServiceMetrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "chunkforge_requests_total",
			Help: "Resolved processing requests by outcome",
		}, []string{"outcome"}),

		DedupHits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "chunkforge_dedup_hits_total",
			Help: "Requests that adopted an existing in-flight computation",
		}),
		EagerSupersessions: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "chunkforge_eager_supersessions_total",
			Help: "Queued work items superseded before starting",
		}),
		QueueRejected: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "chunkforge_queue_rejected_total",
			Help: "Work item submissions rejected by a full or closed queue",
		}),

		QueueDepth: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "chunkforge_queue_depth",
			Help: "Work items currently queued",
		}),

		SnapshotBuilds: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "chunkforge_snapshot_builds_total",
			Help: "Snapshots constructed",
		}),
		SnapshotBuildFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "chunkforge_snapshot_build_failures_total",
			Help: "Snapshot constructions that returned an error",
		}),
		SnapshotUnavailable: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "chunkforge_snapshot_unavailable_total",
			Help: "Snapshot requests for chunks that were not available",
		}),
		SnapshotResidentBytes: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "chunkforge_snapshot_resident_bytes",
			Help: "Bytes of snapshot data currently resident",
		}),
		SnapshotsActive: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "chunkforge_snapshots_active",
			Help: "Shared snapshots currently held",
		}),

		CacheHits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "chunkforge_cache_hits_total",
			Help: "Artifact cache hits",
		}),
		CacheMisses: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "chunkforge_cache_misses_total",
			Help: "Artifact cache misses",
		}),
		CacheEvictions: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "chunkforge_cache_evictions_total",
			Help: "Artifacts evicted from the cache",
		}),
		CacheResidentBytes: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "chunkforge_cache_resident_bytes",
			Help: "Bytes of artifact data currently cached",
		}),
		CacheEntries: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "chunkforge_cache_entries",
			Help: "Artifacts currently cached",
		}),

		ProcessDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "chunkforge_process_duration_seconds",
			Help:    "Processor compute time for completed work items",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
	}
}
