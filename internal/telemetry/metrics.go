package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "groupowl",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// OnboardingStepsTotal counts onboarding step executions by outcome
// (succeeded, skipped, failed).
var OnboardingStepsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "groupowl",
		Subsystem: "onboarding",
		Name:      "steps_total",
		Help:      "Onboarding step executions by step and outcome.",
	},
	[]string{"step", "outcome"},
)

// SessionAcquisitionsTotal counts automation session acquisition attempts
// (acquired, busy, none, demoted).
var SessionAcquisitionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "groupowl",
		Subsystem: "session",
		Name:      "acquisitions_total",
		Help:      "Automation session acquisition attempts by result.",
	},
	[]string{"result"},
)

// SessionStaleLocksReclaimedTotal counts locks cleared after exceeding the
// staleness threshold.
var SessionStaleLocksReclaimedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "groupowl",
		Subsystem: "session",
		Name:      "stale_locks_reclaimed_total",
		Help:      "Automation session locks reclaimed from crashed holders.",
	},
)

// SchedulerRebuildsTotal counts job set rebuilds caused by schedule drift.
var SchedulerRebuildsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "groupowl",
		Subsystem: "scheduler",
		Name:      "rebuilds_total",
		Help:      "Job set rebuilds caused by schedule changes.",
	},
)

// ScheduledJobsTotal counts scheduled job runs by job kind and outcome.
var ScheduledJobsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "groupowl",
		Subsystem: "scheduler",
		Name:      "jobs_total",
		Help:      "Scheduled job runs by job and outcome.",
	},
	[]string{"job", "outcome"},
)

// NewMetricsRegistry creates a Prometheus registry with default and custom collectors.
func NewMetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
		OnboardingStepsTotal,
		SessionAcquisitionsTotal,
		SessionStaleLocksReclaimedTotal,
		SchedulerRebuildsTotal,
		ScheduledJobsTotal,
	)
	return reg
}
