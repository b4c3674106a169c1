package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fa"

// Labels
const (
	statusLabel = "status"
	reasonLabel = "reason"
)

var jobsSubmittedMetric = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_submitted_total",
		Help:      "number of analysis jobs accepted by the API",
	},
)

var jobsFinishedMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_finished_total",
		Help:      "number of analysis jobs that reached a terminal status",
	},
	[]string{statusLabel},
)

var taskRetriesMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "task_retries_total",
		Help:      "number of queue-level task retries partitioned by reason",
	},
	[]string{reasonLabel},
)

var taskDeadLettersMetric = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "task_dead_letters_total",
		Help:      "number of tasks that exhausted their retries",
	},
)

var pipelineDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "pipeline_duration_seconds",
		Help:      "wall time of a full five-stage analysis run",
		Buckets:   []float64{10, 30, 60, 120, 300, 600, 900},
	},
)

var httpDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency partitioned by route, method and status",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"route", "method", "status"},
)

func init() {
	prometheus.MustRegister(
		jobsSubmittedMetric,
		jobsFinishedMetric,
		taskRetriesMetric,
		taskDeadLettersMetric,
		pipelineDuration,
		httpDuration,
	)
}

// IncJobsSubmitted counts an accepted submission.
func IncJobsSubmitted() {
	jobsSubmittedMetric.Inc()
}

// IncJobsFinished counts a job reaching the given terminal status.
func IncJobsFinished(status string) {
	jobsFinishedMetric.With(prometheus.Labels{statusLabel: status}).Inc()
}

// IncTaskRetries counts a queue-level retry.
func IncTaskRetries(reason string) {
	taskRetriesMetric.With(prometheus.Labels{reasonLabel: reason}).Inc()
}

// IncTaskDeadLetters counts a task that exhausted its retries.
func IncTaskDeadLetters() {
	taskDeadLettersMetric.Inc()
}

// ObservePipelineDuration records the duration of a pipeline run.
func ObservePipelineDuration(seconds float64) {
	pipelineDuration.Observe(seconds)
}

// MetricsHandler serves the default Prometheus registry.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
