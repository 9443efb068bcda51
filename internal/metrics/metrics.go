package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Job lifecycle

	JobsCreatedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "listingboost",
		Name:      "jobs_created_total",
		Help:      "Jobs submitted, by whether an active job was reused.",
	}, []string{"reused"})

	JobsClaimedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "listingboost",
		Name:      "jobs_claimed_total",
		Help:      "Pending jobs claimed by a processor.",
	})

	JobsFinishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "listingboost",
		Name:      "jobs_finished_total",
		Help:      "Job executions by outcome (completed, requeued, failed, cancelled).",
	}, []string{"outcome"})

	JobExecutionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "listingboost",
		Name:      "job_execution_duration_seconds",
		Help:      "Wall time of one pipeline execution.",
		Buckets:   []float64{.5, 1, 2.5, 5, 10, 20, 30, 45, 60, 120},
	}, []string{"outcome"})

	JobPickupLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "listingboost",
		Name:      "job_pickup_latency_seconds",
		Help:      "Time from job creation to claim.",
		Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	})

	JobsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "listingboost",
		Name:      "worker_jobs_in_flight",
		Help:      "Jobs currently executing in this process.",
	})

	ExpiredJobsCleanedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "listingboost",
		Name:      "expired_jobs_cleaned_total",
		Help:      "Expired jobs removed by the sweep.",
	})

	StaleJobsRecoveredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "listingboost",
		Name:      "stale_jobs_recovered_total",
		Help:      "Running jobs requeued or failed after their worker went silent.",
	})

	// Pipeline

	ScrapeFallbackTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "listingboost",
		Name:      "scrape_fallback_total",
		Help:      "Scrapes that fell back to synthetic data, by path.",
	}, []string{"path"})

	FreemiumRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "listingboost",
		Name:      "freemium_requests_total",
		Help:      "Synchronous analyses by result source (cache, db, fresh).",
	}, []string{"source"})

	// HTTP

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "listingboost",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 30},
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "listingboost",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests.",
	}, []string{"method", "path", "status"})
)

var registerOnce sync.Once

// Register 注册到默认 registry，可重复调用
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			JobsCreatedTotal,
			JobsClaimedTotal,
			JobsFinishedTotal,
			JobExecutionDuration,
			JobPickupLatency,
			JobsInFlight,
			ExpiredJobsCleanedTotal,
			StaleJobsRecoveredTotal,
			ScrapeFallbackTotal,
			FreemiumRequestsTotal,
			HTTPRequestDuration,
			HTTPRequestsTotal,
		)
	})
}
