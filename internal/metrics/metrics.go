// Package metrics holds the Prometheus collectors shared by the queue, workers and gateway.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	Admissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exec_admissions_total",
			Help: "Admission attempts by outcome.",
		},
		[]string{"outcome"},
	)

	Jobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exec_jobs_total",
			Help: "Jobs that reached a terminal state.",
		},
		[]string{"state"},
	)

	JobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "exec_job_duration_seconds",
			Help:    "Time spent in the execution backend.",
			Buckets: prometheus.DefBuckets,
		},
	)

	Deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exec_deliveries_total",
			Help: "Result deliveries by channel and status.",
		},
		[]string{"channel", "status"},
	)

	LiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "exec_live_connections",
			Help: "Authenticated gateway connections currently open.",
		},
	)

	RecoveredJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exec_recovered_jobs_total",
			Help: "Jobs reclaimed from expired worker leases.",
		},
		[]string{"action"},
	)
)

func init() {
	prometheus.MustRegister(Admissions, Jobs, JobDuration, Deliveries, LiveConnections, RecoveredJobs)
}
