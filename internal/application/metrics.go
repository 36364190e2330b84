package application

import (
	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	prometheus.MustRegister(jobRunsMetric, jobDurationMetric, runsMetric, cacheRestoreMetric, publishMetric)
}

var (
	jobRunsMetric = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ci_runner",
		Subsystem: "jobs",
		Name:      "total",
		Help:      "Job runs by terminal status",
	}, []string{"job", "status"})

	jobDurationMetric = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ci_runner",
		Subsystem: "jobs",
		Name:      "duration_seconds",
		Help:      "Wall time of executed job runs",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"job"})

	runsMetric = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ci_runner",
		Subsystem: "runs",
		Name:      "total",
		Help:      "Pipeline runs by status",
	}, []string{"status"})

	cacheRestoreMetric = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ci_runner",
		Subsystem: "cache",
		Name:      "restores_total",
		Help:      "Cache restores by result",
	}, []string{"result"})

	publishMetric = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ci_runner",
		Subsystem: "publish",
		Name:      "total",
		Help:      "Status publications by publisher and result",
	}, []string{"publisher", "result"})
)
