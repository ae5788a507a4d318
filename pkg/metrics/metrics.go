package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Task lifecycle metrics
	TasksByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskrunner_tasks_by_state",
			Help: "Current number of tasks by state",
		},
		[]string{"state"},
	)

	TasksSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskrunner_tasks_submitted_total",
			Help: "Total number of tasks submitted, by tenant",
		},
		[]string{"tenant"},
	)

	TasksCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskrunner_tasks_completed_total",
			Help: "Total number of tasks reaching a terminal state, by adapter and outcome",
		},
		[]string{"adapter", "outcome"},
	)

	TaskExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskrunner_task_execution_duration_seconds",
			Help:    "Time from claim to terminal state, by adapter",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"adapter"},
	)

	// Claim metrics
	TasksClaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskrunner_tasks_claimed_total",
			Help: "Total number of tasks claimed from the pending queue",
		},
	)

	ClaimBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "taskrunner_claim_batch_size",
			Help:    "Number of tasks returned per claim call",
			Buckets: []float64{0, 1, 2, 5, 10, 20},
		},
	)

	ActiveTasks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskrunner_active_tasks",
			Help: "Number of tasks currently owned by this worker",
		},
	)

	// Event and stream metrics
	EventsAppendedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskrunner_events_appended_total",
			Help: "Total number of events appended to the durable log, by kind",
		},
		[]string{"kind"},
	)

	EventBrokerRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskrunner_event_broker_retries_total",
			Help: "Total number of broker append retries after a transient failure",
		},
	)

	EventBrokerDropsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskrunner_event_broker_drops_total",
			Help: "Total number of events that exhausted broker append retries",
		},
	)

	StreamReadersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskrunner_stream_readers_active",
			Help: "Number of client stream connections currently being served",
		},
	)

	StreamGapsDetectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskrunner_stream_gaps_detected_total",
			Help: "Total number of compaction gaps reported to streaming clients as a digest event",
		},
	)

	// Heartbeat metrics
	HeartbeatsSentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskrunner_heartbeats_sent_total",
			Help: "Total number of heartbeats written for running tasks",
		},
	)

	TasksTimedOutTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskrunner_tasks_timed_out_total",
			Help: "Total number of tasks that reached the timeout terminal state, by adapter",
		},
		[]string{"adapter"},
	)

	TasksCanceledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskrunner_tasks_canceled_total",
			Help: "Total number of tasks that reached the canceled terminal state, by source",
		},
		[]string{"source"},
	)
)

func init() {
	prometheus.MustRegister(TasksByState)
	prometheus.MustRegister(TasksSubmittedTotal)
	prometheus.MustRegister(TasksCompletedTotal)
	prometheus.MustRegister(TaskExecutionDuration)
	prometheus.MustRegister(TasksClaimedTotal)
	prometheus.MustRegister(ClaimBatchSize)
	prometheus.MustRegister(ActiveTasks)
	prometheus.MustRegister(EventsAppendedTotal)
	prometheus.MustRegister(EventBrokerRetriesTotal)
	prometheus.MustRegister(EventBrokerDropsTotal)
	prometheus.MustRegister(StreamReadersActive)
	prometheus.MustRegister(StreamGapsDetectedTotal)
	prometheus.MustRegister(HeartbeatsSentTotal)
	prometheus.MustRegister(TasksTimedOutTotal)
	prometheus.MustRegister(TasksCanceledTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
