/*
Package log provides structured logging for the task runner using zerolog.

The log package wraps zerolog to provide JSON-structured logging with
component-specific loggers, configurable log levels, and helper functions for
common logging patterns. All logs include timestamps and support filtering by
severity level for production debugging.

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init()
  - Accessible from all packages without passing a reference through

Log Levels:
  - Debug: Detailed debugging information
  - Info: General informational messages
  - Warn: Warning messages (potential issues)
  - Error: Error messages (operation failed)
  - Fatal: Critical errors (process exits)

Configuration:
  - Level: Filter messages below threshold
  - JSONOutput: JSON vs human-readable console
  - Output: io.Writer for log destination (stdout, file)

Context Loggers:
  - WithComponent: Add component name to a long-lived logger (e.g. "stream")
  - WithWorkerID: Add the orchestrator worker's id to a long-lived logger

Per-call fields such as task_id, tenant, and adapter are chained onto one of
these loggers directly at the call site with .With().Str(...), since they
vary every call rather than for the lifetime of a component.

# Usage

Initializing the Logger:

	import "github.com/cuemby/warren/pkg/log"

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Simple Logging:

	log.Info("orchestrator starting")
	log.Error("claim failed")

Structured Logging:

	log.Logger.Info().
		Str("task_id", taskID).
		Int("timeout_seconds", 60).
		Msg("task submitted")

Component Loggers:

	orchLog := log.WithWorkerID(cfg.WorkerID).With().Str("component", "orchestrator").Logger()
	orchLog.Info().Str("task_id", task.ID).Msg("claimed task")
	orchLog.Error().Err(err).Str("task_id", task.ID).Msg("adapter execution failed")

# Integration Points

This package is used by:

  - pkg/orchestrator: claim, dispatch, heartbeat, timeout, and completion logging
  - pkg/emitter: event append and broker-retry logging
  - pkg/stream: backfill/live phase transitions and gap detection
  - pkg/core: submit/cancel request handling
  - cmd/taskrunner: startup and shutdown logging

# Design Patterns

Global Logger Pattern:
  - Single package-level Logger instance initialized once at startup
  - Component loggers (WithComponent, WithWorkerID) derive long-lived child
    loggers carrying fixed fields, so every call site under them doesn't
    have to repeat e.g. "component":"stream"

# Best Practices

Do:
  - Use Info level for production, Debug only when troubleshooting
  - Attach task_id/tenant context with .With().Str(...) at the call site
    rather than formatting it into the message string
  - Log errors with .Err() rather than %v in the message

Don't:
  - Log task Args verbatim (may carry tenant-supplied data not meant for
    operator-facing logs)
  - Log in the adapter event drain's hot path without rate limiting
*/
package log
