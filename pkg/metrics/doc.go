/*
Package metrics provides Prometheus metrics collection and exposition for the
task runner.

Metrics are registered at package init and exposed via an HTTP handler for
scraping by a Prometheus server.

# Metrics Catalog

Task Lifecycle:

taskrunner_tasks_by_state{state}:
  - Type: Gauge
  - Description: Current number of tasks by state, sampled periodically by
    Collector from the Durable Store (not derivable from counters alone,
    since tasks move out of a state as well as into one)

taskrunner_tasks_submitted_total{tenant}:
  - Type: Counter
  - Description: Total tasks submitted, by tenant

taskrunner_tasks_completed_total{adapter, outcome}:
  - Type: Counter
  - Description: Total tasks reaching a terminal state

taskrunner_task_execution_duration_seconds{adapter}:
  - Type: Histogram
  - Description: Time from claim to terminal state

Claim:

taskrunner_tasks_claimed_total:
  - Type: Counter
  - Description: Total tasks claimed from the pending queue

taskrunner_claim_batch_size:
  - Type: Histogram
  - Description: Number of tasks returned per claim call

taskrunner_active_tasks:
  - Type: Gauge
  - Description: Number of tasks currently owned by this worker

Events and Streaming:

taskrunner_events_appended_total{kind}:
  - Type: Counter
  - Description: Total events appended to the durable log

taskrunner_event_broker_retries_total / taskrunner_event_broker_drops_total:
  - Type: Counter
  - Description: Broker append retry and exhaustion counts (the durable
    store append is the source of truth; broker retries only affect
    how quickly live streaming clients see an event)

taskrunner_stream_readers_active:
  - Type: Gauge
  - Description: Client stream connections currently being served

taskrunner_stream_gaps_detected_total:
  - Type: Counter
  - Description: Compaction gaps reported to clients as a digest event

Heartbeat and Timeout:

taskrunner_heartbeats_sent_total:
  - Type: Counter

taskrunner_tasks_timed_out_total{adapter} / taskrunner_tasks_canceled_total{source}:
  - Type: Counter

# Usage

	import "github.com/cuemby/warren/pkg/metrics"

	metrics.TasksSubmittedTotal.WithLabelValues(tenant).Inc()

	timer := metrics.NewTimer()
	// ... execute task ...
	timer.ObserveDurationVec(metrics.TaskExecutionDuration, adapterName)

	http.Handle("/metrics", metrics.Handler())

# Design Patterns

Package Init Registration:
  - All metrics registered in init(); MustRegister panics on duplicate
    registration, so a collision is caught at process start rather than
    discovered at scrape time.

Gauge Sampling vs Counter Increment:
  - taskrunner_tasks_by_state is sampled by Collector rather than
    incremented/decremented at every transition, since tasks also change
    state outside the orchestrator (pkg/core's Submit creates pending tasks
    and Cancel cancels pending ones, from separate CLI processes) and a
    missed decrement would drift the gauge forever; periodic re-sampling
    from the store is self-correcting.
*/
package metrics
