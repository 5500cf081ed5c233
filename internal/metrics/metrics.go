package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Chunk store
	ChunksAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "screenkeep_chunks_appended_total",
			Help: "Total number of chunks persisted to the chunk store",
		},
		[]string{"backend"},
	)

	ChunkBytesAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "screenkeep_chunk_bytes_appended_total",
			Help: "Total payload bytes persisted to the chunk store",
		},
		[]string{"backend"},
	)

	ChunkWriteFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "screenkeep_chunk_write_failures_total",
			Help: "Total number of chunks that failed to persist and were dropped",
		},
		[]string{"backend"},
	)

	ChunkAppendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "screenkeep_chunk_append_duration_seconds",
			Help:    "Latency of a single chunk append",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend"},
	)

	StagingDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "screenkeep_staging_queue_depth",
			Help: "Chunks waiting in the in-memory staging queue",
		},
	)

	// Capture
	EmptySlicesDiscarded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "screenkeep_empty_slices_discarded_total",
			Help: "Zero-length slices emitted by the capture pipeline and discarded",
		},
	)

	CaptureSessions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "screenkeep_capture_sessions_total",
			Help: "Capture session outcomes",
		},
		[]string{"outcome"}, // started, stopped, interrupted, denied, unavailable
	)

	CaptureActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "screenkeep_capture_active",
			Help: "1 while a capture session is running",
		},
	)

	// Retention
	AssemblyDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "screenkeep_assembly_duration_seconds",
			Help:    "Time spent reading and concatenating chunks into an artifact",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"kind"},
	)

	ArtifactsAssembled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "screenkeep_artifacts_assembled_total",
			Help: "Artifacts produced, by kind",
		},
		[]string{"kind"},
	)

	ArtifactBytes = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "screenkeep_artifact_bytes",
			Help:    "Size of assembled artifacts",
			Buckets: prometheus.ExponentialBuckets(1<<20, 4, 8),
		},
		[]string{"kind"},
	)

	// Export
	ArtifactSaveFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "screenkeep_artifact_save_failures_total",
			Help: "Artifacts that a saver failed to write",
		},
		[]string{"target"},
	)
)
