package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandboxd_runs_total",
			Help: "Total number of sandbox runs",
		},
		[]string{"kind", "status"}, // kind: "execute", "render"; status: "completed", "timeout", "cancelled", "error"
	)

	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sandboxd_run_duration_ms",
			Help:    "Run duration in milliseconds",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
		},
		[]string{"kind", "phase"}, // phase: "lint", "run", "total"
	)

	ActiveUnits = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sandboxd_active_units",
			Help: "Number of isolation units currently alive",
		},
	)

	UnitCreationTime = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sandboxd_unit_creation_ms",
			Help:    "Time to create and start an isolation unit",
			Buckets: []float64{50, 100, 200, 500, 1000, 2000},
		},
	)

	TeardownFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sandboxd_teardown_failures_total",
			Help: "Isolation units that could not be removed",
		},
	)

	MemoryUsage = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sandboxd_memory_usage_mb",
			Help:    "Memory usage sampled after a run, in MB",
			Buckets: []float64{16, 64, 128, 256, 512, 1024},
		},
	)

	Screenshots = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandboxd_screenshots_total",
			Help: "Screenshots attempted per viewport",
		},
		[]string{"status"}, // "ok", "missing"
	)

	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sandboxd_rate_limit_hits_total",
			Help: "Total number of requests rejected by rate limiter",
		},
	)
)
