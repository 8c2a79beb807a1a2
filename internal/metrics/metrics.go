package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "agendasync"

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint.",
		},
		[]string{"endpoint"},
	)

	queuePending = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "calendar_queue_pending",
		Help:      "Calendar sync jobs waiting to be claimed.",
	})

	queueProcessing = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "calendar_queue_processing",
		Help:      "Calendar sync jobs currently claimed by a worker.",
	})

	jobOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calendar_jobs_total",
			Help:      "Calendar sync job attempts by action and outcome.",
		},
		[]string{"action", "outcome"},
	)

	enqueueOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calendar_enqueue_total",
			Help:      "Calendar sync enqueue attempts by outcome.",
		},
		[]string{"outcome"},
	)

	recoveredJobs = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "calendar_jobs_recovered_total",
		Help:      "Stale processing jobs returned to pending at worker startup.",
	})
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			queuePending,
			queueProcessing,
			jobOutcomes,
			enqueueOutcomes,
			recoveredJobs,
		)
	})
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}

// SetQueueGauges publishes the current pending/processing counts.
func SetQueueGauges(pending, processing int) {
	queuePending.Set(float64(pending))
	queueProcessing.Set(float64(processing))
}

// ObserveJob records the result of one job attempt.
// outcome is one of completed, retry, failed.
func ObserveJob(action, outcome string) {
	jobOutcomes.WithLabelValues(action, outcome).Inc()
}

// ObserveEnqueue records a queued/skipped enqueue.
func ObserveEnqueue(outcome string) {
	enqueueOutcomes.WithLabelValues(outcome).Inc()
}

// AddRecovered counts jobs reset by the startup recovery scan.
func AddRecovered(n int) {
	if n > 0 {
		recoveredJobs.Add(float64(n))
	}
}
