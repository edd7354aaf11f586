package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coverscast_job_runs_total",
			Help: "Total recompute job runs",
		},
		[]string{"job", "status"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coverscast_job_duration_seconds",
			Help:    "Recompute job duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"job"},
	)

	JobRowsAffected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coverscast_job_rows_affected_total",
			Help: "Total rows written by recompute jobs",
		},
		[]string{"job"},
	)

	BiasApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coverscast_bias_applications_total",
			Help: "Forecasts served through the bias read path",
		},
		[]string{"corrected"},
	)

	OutcomesImported = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coverscast_outcomes_imported_total",
			Help: "Venue-day outcomes imported",
		},
		[]string{"source", "status"},
	)

	FeedLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coverscast_outcome_feed_latency_seconds",
			Help:    "Outcome feed fetch latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"},
	)
)
