package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Control loop metrics
	PassesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tierd_passes_total",
			Help: "Total number of control loop passes",
		},
	)

	PassDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tierd_pass_duration_seconds",
			Help:    "Duration of a control loop pass in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 1800},
		},
	)

	PassErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tierd_pass_errors_total",
			Help: "Total number of failed steps by step name",
		},
		[]string{"step"},
	)

	TaskRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tierd_task_runs_total",
			Help: "Total number of periodic task runs by task and result",
		},
		[]string{"task", "result"},
	)

	// Drive lifecycle metrics
	DriveTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tierd_drive_transitions_total",
			Help: "Total number of drive lifecycle transitions",
		},
		[]string{"from", "to"},
	)

	MountedDrives = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tierd_mounted_drives",
			Help: "Number of managed partitions mounted after the last pass",
		},
	)

	UnrecoverableDrives = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tierd_unrecoverable_drives",
			Help: "Number of managed partitions that could not be mounted in the last pass",
		},
	)

	// Tier metrics
	OverlaysActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tierd_overlay_active",
			Help: "Managed directory layering mode (1 = active) by dir and mode",
		},
		[]string{"dir", "mode"},
	)

	OverflowFilesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tierd_overflow_files_total",
			Help: "Total number of large files moved to the durable layer",
		},
		[]string{"dir"},
	)

	FlushedBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tierd_flushed_bytes_total",
			Help: "Total bytes moved from RAM to the durable layer by scheduled or manual flushes",
		},
		[]string{"dir"},
	)

	PrunedFilesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tierd_pruned_files_total",
			Help: "Total number of archived files removed from managed directories",
		},
		[]string{"dir"},
	)

	LogsRemovedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tierd_oversized_logs_removed_total",
			Help: "Total number of oversized log files removed by log cleanup",
		},
	)

	MoveFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tierd_move_failures_total",
			Help: "Total number of file moves or deletes that failed",
		},
	)

	DurableFreeRatio = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tierd_durable_free_ratio",
			Help: "Free space ratio of the durable layer at the last flush",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(PassesTotal)
	prometheus.MustRegister(PassDuration)
	prometheus.MustRegister(PassErrorsTotal)
	prometheus.MustRegister(TaskRunsTotal)
	prometheus.MustRegister(DriveTransitionsTotal)
	prometheus.MustRegister(MountedDrives)
	prometheus.MustRegister(UnrecoverableDrives)
	prometheus.MustRegister(OverlaysActive)
	prometheus.MustRegister(OverflowFilesTotal)
	prometheus.MustRegister(FlushedBytesTotal)
	prometheus.MustRegister(PrunedFilesTotal)
	prometheus.MustRegister(LogsRemovedTotal)
	prometheus.MustRegister(MoveFailuresTotal)
	prometheus.MustRegister(DurableFreeRatio)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
