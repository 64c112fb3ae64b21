package mainthread

import "github.com/prometheus/client_golang/prometheus"

// Outcome label values for jobsTotal.
const (
	outcomeSucceeded = "succeeded"
	outcomeFailed    = "failed"
	outcomePanicked  = "panicked"
	outcomeDropped   = "dropped"
)

var (
	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kiln_mainthread_queue_depth",
			Help: "Number of jobs waiting for the worker.",
		},
	)

	executing = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kiln_mainthread_executing",
			Help: "1 while the worker is running a job body, 0 when idle.",
		},
	)

	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_mainthread_jobs_total",
			Help: "Total number of jobs executed by the worker, by outcome.",
		},
		[]string{"outcome"},
	)

	jobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kiln_mainthread_job_seconds",
			Help:    "Time spent executing job bodies, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	waitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kiln_mainthread_wait_seconds",
			Help:    "Time callers spent waiting for their job, queueing included, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(queueDepth)
	prometheus.MustRegister(executing)
	prometheus.MustRegister(jobsTotal)
	prometheus.MustRegister(jobDuration)
	prometheus.MustRegister(waitDuration)

	for _, o := range []string{outcomeSucceeded, outcomeFailed, outcomePanicked, outcomeDropped} {
		jobsTotal.WithLabelValues(o)
	}
}
