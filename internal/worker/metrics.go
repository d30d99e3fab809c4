package worker

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/pneumoscan/internal/model"
)

// Metric label values for invocation outcome.
const (
	outcomeExitedZero    = "exited_zero"
	outcomeExitedNonzero = "exited_nonzero"
	outcomeTimedOut      = "timed_out"
	outcomeSpawnFailed   = "spawn_failed"
)

var (
	invocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pneumoscan_worker_invocations_total",
			Help: "Total number of worker invocations by outcome.",
		},
		[]string{"outcome"},
	)

	activeWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pneumoscan_worker_active",
			Help: "Number of currently running worker processes.",
		},
	)

	workerDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pneumoscan_worker_duration_seconds",
			Help:    "Worker process runtime from start to exit, in seconds.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	queueWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pneumoscan_worker_queue_wait_seconds",
			Help:    "Time spent waiting for a free worker slot, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(invocationsTotal)
	prometheus.MustRegister(activeWorkers)
	prometheus.MustRegister(workerDuration)
	prometheus.MustRegister(queueWait)

	for _, o := range []string{outcomeExitedZero, outcomeExitedNonzero, outcomeTimedOut, outcomeSpawnFailed} {
		invocationsTotal.WithLabelValues(o)
	}
}

func outcomeLabel(job *model.InferenceJob) string {
	switch {
	case job.TimedOut:
		return outcomeTimedOut
	case job.ExitCode != nil && *job.ExitCode == 0:
		return outcomeExitedZero
	default:
		return outcomeExitedNonzero
	}
}
