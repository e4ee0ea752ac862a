package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Capture metrics
	CapturesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_captures_total",
			Help: "Total number of captures by namespace and outcome",
		},
		[]string{"namespace", "outcome"},
	)

	CaptureDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "burrow_capture_duration_seconds",
			Help:    "Capture latency from validation to lock release",
			Buckets: prometheus.DefBuckets,
		},
	)

	LockWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "burrow_lock_wait_seconds",
			Help:    "Time spent acquiring the per-repo capture lock",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5},
		},
	)

	// Recall metrics
	RecallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_recalls_total",
			Help: "Total number of recall queries by mode",
		},
		[]string{"mode"},
	)

	RecallCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_recall_cache_hits_total",
			Help: "Recall queries answered from the LRU cache",
		},
	)

	// Embedding metrics
	EmbeddingFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_embedding_failures_total",
			Help: "Embedding attempts that failed and degraded",
		},
	)

	// Sync metrics
	SyncCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_sync_cycles_total",
			Help: "Sync cycles by mode (incremental, full, verify)",
		},
		[]string{"mode"},
	)

	SyncDrift = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_sync_drift",
			Help: "Entries out of sync between git and index by direction",
		},
		[]string{"direction"},
	)
)

func init() {
	prometheus.MustRegister(
		CapturesTotal,
		CaptureDuration,
		LockWaitDuration,
		RecallsTotal,
		RecallCacheHits,
		EmbeddingFailuresTotal,
		SyncCyclesTotal,
		SyncDrift,
	)
}

// Timer measures a duration for a histogram observation
type Timer struct {
	start time.Time
}

// NewTimer starts a timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time on the given histogram
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}
