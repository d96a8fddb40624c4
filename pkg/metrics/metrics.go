package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nyc_taxi_build_info",
			Help: "Build information of the NYC taxi analysis service",
		},
		[]string{"version", "commit", "date"},
	)

	QueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nyc_taxi_engine_queries_total",
			Help: "Total number of statements sent to the analytical backend",
		},
		[]string{"backend", "status"},
	)

	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nyc_taxi_engine_query_duration_seconds",
			Help:    "Duration of statements sent to the analytical backend",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16), // 1ms to ~33s
		},
		[]string{"backend"},
	)

	GenerationCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nyc_taxi_generation_calls_total",
			Help: "Total number of generation service calls",
		},
		[]string{"provider", "status"},
	)

	GenerationCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nyc_taxi_generation_call_duration_seconds",
			Help:    "Duration of generation service calls",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 13), // 50ms to ~205s
		},
		[]string{"provider"},
	)

	LoopAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nyc_taxi_loop_attempts_total",
			Help: "Total number of generation loop attempts",
		},
		[]string{"loop", "status"},
	)

	PipelineRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nyc_taxi_pipeline_runs_total",
			Help: "Total number of pipeline runs by result mode",
		},
		[]string{"mode", "chart"},
	)

	PipelineRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nyc_taxi_pipeline_run_duration_seconds",
			Help:    "Duration of pipeline runs",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~205s
		},
	)

	RenderDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nyc_taxi_render_duration_seconds",
			Help:    "Duration of chart renders",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"type"},
	)
)
