package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Task lifecycle counters, labeled by queue and task name.
	TasksSpawned = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_tasks_spawned_total",
			Help: "Total number of tasks spawned",
		},
		[]string{"queue", "name"},
	)

	TasksClaimed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_tasks_claimed_total",
			Help: "Total number of tasks claimed",
		},
		[]string{"queue", "name"},
	)

	TasksCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_tasks_completed_total",
			Help: "Total number of tasks completed",
		},
		[]string{"queue", "name"},
	)

	TasksFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_tasks_failed_total",
			Help: "Total number of task failures (includes retried and dead-lettered)",
		},
		[]string{"queue", "name"},
	)

	TasksDead = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_tasks_dead_total",
			Help: "Total number of tasks that exhausted retries and were dead-lettered",
		},
		[]string{"queue", "name"},
	)

	TasksCancelled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_tasks_cancelled_total",
			Help: "Total number of tasks cancelled",
		},
		[]string{"queue", "name"},
	)

	TasksDuplicated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_tasks_duplicated_total",
			Help: "Total number of spawn calls collapsed by dedupe_key",
		},
		[]string{"queue", "name"},
	)

	TasksRecovered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coordinator_tasks_recovered_total",
			Help: "Total number of tasks recovered from an expired lease by the reaper",
		},
	)

	// Queue gauges.
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "coordinator_queue_depth",
			Help: "Number of tasks by queue and state",
		},
		[]string{"queue", "state"},
	)

	ActiveWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "coordinator_active_workers",
			Help: "Number of claim-loop goroutines in started worker pools",
		},
	)

	OldestPendingAgeSeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "coordinator_oldest_pending_age_seconds",
			Help: "Age in seconds of the oldest pending task per queue",
		},
		[]string{"queue"},
	)

	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "coordinator_breaker_state",
			Help: "Circuit breaker state per service (0=closed, 1=half_open, 2=open)",
		},
		[]string{"service"},
	)

	// Ingest gauges.
	IngestGroupsByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "coordinator_ingest_groups",
			Help: "Number of ingest groups by state",
		},
		[]string{"state"},
	)

	CoordinatorHealth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "coordinator_health",
			Help: "Coordinator health gauge; registered but not set by any loop in this process, so it reads 0",
		},
	)

	// Histograms: spawn->claim wait, claim->complete execution, full
	// spawn->terminal time.
	TaskWaitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coordinator_task_wait_seconds",
			Help:    "Time from task spawn to claim",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue", "name"},
	)

	TaskExecDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coordinator_task_exec_seconds",
			Help:    "Time from task claim to completion",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue", "name"},
	)

	TaskFullDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coordinator_task_full_seconds",
			Help:    "Time from task spawn to terminal state",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue", "name"},
	)

	GrouperCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "coordinator_grouper_cycle_seconds",
			Help:    "Time taken for a stale-sweep cycle in the grouper",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReaperCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "coordinator_reaper_cycle_seconds",
			Help:    "Time taken for a reaper sweep cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	// RaftLeader is 1 when this process holds the Raft leader lease,
	// 0 otherwise. Always 0 on a coordinator running without ha.enabled.
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "coordinator_raft_leader",
			Help: "1 if this coordinator instance is the Raft leader",
		},
	)
)

func init() {
	prometheus.MustRegister(
		TasksSpawned,
		TasksClaimed,
		TasksCompleted,
		TasksFailed,
		TasksDead,
		TasksCancelled,
		TasksDuplicated,
		TasksRecovered,
		QueueDepth,
		ActiveWorkers,
		OldestPendingAgeSeconds,
		BreakerState,
		IngestGroupsByState,
		CoordinatorHealth,
		TaskWaitDuration,
		TaskExecDuration,
		TaskFullDuration,
		GrouperCycleDuration,
		ReaperCycleDuration,
		RaftLeader,
	)
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations against a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a histogram vec.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// BreakerStateValue maps a breaker state name to the numeric gauge value
// used by BreakerState, matching the ordering documented on the metric.
func BreakerStateValue(state string) float64 {
	switch state {
	case "half_open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}
