package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ScansProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "facegate",
		Name:      "scans_processed_total",
		Help:      "Total number of scan frames processed",
	}, []string{"device"})

	ScansMatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "facegate",
		Name:      "scans_matched_total",
		Help:      "Total number of scans matched against the gallery",
	}, []string{"device"})

	AccessGranted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "facegate",
		Name:      "access_granted_total",
		Help:      "Total number of granted access decisions",
	}, []string{"device"})

	EnrollmentsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "facegate",
		Name:      "enrollments_completed_total",
		Help:      "Total number of completed enrollments",
	})

	EnrollmentsAborted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "facegate",
		Name:      "enrollments_aborted_total",
		Help:      "Total number of enrollments aborted by timeout or disconnect",
	})

	InferenceDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "facegate",
		Name:      "inference_duration_seconds",
		Help:      "Duration of ML inference stages",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
	}, []string{"stage"})

	GallerySize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "facegate",
		Name:      "gallery_size",
		Help:      "Number of enrolled embeddings in the in-memory gallery",
	})

	ReconcileCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "facegate",
		Name:      "reconcile_cycles_total",
		Help:      "Reconciler cycles by outcome",
	}, []string{"outcome"})

	WSConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "facegate",
		Name:      "ws_connections",
		Help:      "Number of active WebSocket sessions by role",
	}, []string{"role"})

	AttendanceRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "facegate",
		Name:      "attendance_recorded_total",
		Help:      "Total number of attendance rows written (after debounce)",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "facegate",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration by method, path and status",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)
