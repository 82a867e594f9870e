// Package metrics exports Prometheus counters/histograms for the job
// controller, task worker, and janitor, grounded on the same
// client_golang registry pattern the rest of the pack uses for
// operational instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	jobsSubmitted  *prometheus.CounterVec
	jobsCompleted  *prometheus.CounterVec
	jobsFailed     *prometheus.CounterVec
	jobStageGauge  *prometheus.GaugeVec
	jobDuration    *prometheus.HistogramVec

	tasksProcessed *prometheus.CounterVec
	taskDuration   *prometheus.HistogramVec
	taskRetries    *prometheus.CounterVec

	janitorScanned *prometheus.CounterVec
	janitorFixed   *prometheus.CounterVec
	janitorRuns    *prometheus.CounterVec
}

var defaultBuckets = []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300}

func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		jobsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coremachine",
			Name:      "jobs_submitted_total",
			Help:      "Total number of newly created jobs; duplicate resubmissions are not counted.",
		}, []string{"job_type"}),

		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coremachine",
			Name:      "jobs_completed_total",
			Help:      "Total number of jobs that reached the completed status.",
		}, []string{"job_type"}),

		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coremachine",
			Name:      "jobs_failed_total",
			Help:      "Total number of jobs that reached the failed status.",
		}, []string{"job_type"}),

		jobStageGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "coremachine",
			Name:      "job_current_stage",
			Help:      "Current stage number of a processing job.",
		}, []string{"job_id", "job_type"}),

		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "coremachine",
			Name:      "job_duration_seconds",
			Help:      "Wall-clock time from job submission to a terminal status.",
			Buckets:   defaultBuckets,
		}, []string{"job_type", "status"}),

		tasksProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coremachine",
			Name:      "tasks_processed_total",
			Help:      "Total number of task handler invocations by outcome.",
		}, []string{"task_type", "status"}),

		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "coremachine",
			Name:      "task_handler_duration_seconds",
			Help:      "Task handler execution time.",
			Buckets:   defaultBuckets,
		}, []string{"task_type"}),

		taskRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coremachine",
			Name:      "task_retries_total",
			Help:      "Total number of task retries issued by the watchdog.",
		}, []string{"task_type"}),

		janitorScanned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coremachine",
			Name:      "janitor_items_scanned_total",
			Help:      "Total number of rows scanned per janitor sub-routine.",
		}, []string{"run_type"}),

		janitorFixed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coremachine",
			Name:      "janitor_items_fixed_total",
			Help:      "Total number of rows corrected per janitor sub-routine.",
		}, []string{"run_type"}),

		janitorRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coremachine",
			Name:      "janitor_runs_total",
			Help:      "Total number of janitor sub-routine executions by outcome.",
		}, []string{"run_type", "status"}),
	}

	registry.MustRegister(
		m.jobsSubmitted,
		m.jobsCompleted,
		m.jobsFailed,
		m.jobStageGauge,
		m.jobDuration,
		m.tasksProcessed,
		m.taskDuration,
		m.taskRetries,
		m.janitorScanned,
		m.janitorFixed,
		m.janitorRuns,
	)

	return m
}

func (m *Metrics) JobSubmitted(jobType string) {
	m.jobsSubmitted.WithLabelValues(jobType).Inc()
}

func (m *Metrics) JobTerminal(jobType, status string, submittedAt time.Time) {
	switch status {
	case "completed":
		m.jobsCompleted.WithLabelValues(jobType).Inc()
	case "failed":
		m.jobsFailed.WithLabelValues(jobType).Inc()
	}
	m.jobDuration.WithLabelValues(jobType, status).Observe(time.Since(submittedAt).Seconds())
}

func (m *Metrics) SetJobStage(jobID, jobType string, stage int) {
	m.jobStageGauge.WithLabelValues(jobID, jobType).Set(float64(stage))
}

func (m *Metrics) ClearJobStage(jobID, jobType string) {
	m.jobStageGauge.DeleteLabelValues(jobID, jobType)
}

func (m *Metrics) TaskProcessed(taskType, status string, elapsed time.Duration) {
	m.tasksProcessed.WithLabelValues(taskType, status).Inc()
	m.taskDuration.WithLabelValues(taskType).Observe(elapsed.Seconds())
}

func (m *Metrics) TaskRetried(taskType string) {
	m.taskRetries.WithLabelValues(taskType).Inc()
}

func (m *Metrics) JanitorRun(runType, status string, scanned, fixed int) {
	m.janitorRuns.WithLabelValues(runType, status).Inc()
	m.janitorScanned.WithLabelValues(runType).Add(float64(scanned))
	m.janitorFixed.WithLabelValues(runType).Add(float64(fixed))
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
