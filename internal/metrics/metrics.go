// Package metrics exposes the scheduler's run-level counters and a script
// duration histogram, emitted via the OpenTelemetry stdout metrics exporter
// at process exit so a run's numbers show up in captured logs without
// needing a collector wired up.
package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Recorder holds the instruments a run needs. Every method is safe to call
// from multiple goroutines, since the instruments themselves are.
type Recorder struct {
	provider *sdkmetric.MeterProvider

	tasksRun       metric.Int64Counter
	tasksSucceeded metric.Int64Counter
	tasksFailed    metric.Int64Counter
	tasksCached    metric.Int64Counter
	scriptDuration metric.Float64Histogram
}

// New builds a Recorder backed by a stdout exporter. Close flushes and
// prints the accumulated metrics; callers should defer it.
func New() (*Recorder, error) {
	exporter, err := stdoutmetric.New(stdoutmetric.WithoutTimestamps())
	if err != nil {
		return nil, fmt.Errorf("creating stdout metrics exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
	)
	meter := provider.Meter("sql-scheduler")

	tasksRun, err := meter.Int64Counter("sql_scheduler.tasks_run")
	if err != nil {
		return nil, err
	}
	tasksSucceeded, err := meter.Int64Counter("sql_scheduler.tasks_succeeded")
	if err != nil {
		return nil, err
	}
	tasksFailed, err := meter.Int64Counter("sql_scheduler.tasks_failed")
	if err != nil {
		return nil, err
	}
	tasksCached, err := meter.Int64Counter("sql_scheduler.tasks_cached")
	if err != nil {
		return nil, err
	}
	scriptDuration, err := meter.Float64Histogram(
		"sql_scheduler.script_duration_seconds",
		metric.WithDescription("wall-clock duration from a task's start through the commit of its DDL+DML+ANALYZE transaction"),
	)
	if err != nil {
		return nil, err
	}

	return &Recorder{
		provider:       provider,
		tasksRun:       tasksRun,
		tasksSucceeded: tasksSucceeded,
		tasksFailed:    tasksFailed,
		tasksCached:    tasksCached,
		scriptDuration: scriptDuration,
	}, nil
}

// RecordStarted records that a task was admitted to RUNNING.
func (r *Recorder) RecordStarted(ctx context.Context, taskID string) {
	r.tasksRun.Add(ctx, 1, metric.WithAttributes(attribute.String("task_id", taskID)))
}

// RecordTerminal records a task's terminal status and, for a non-cached
// success, its script duration.
func (r *Recorder) RecordTerminal(ctx context.Context, taskID, status string, scriptDuration float64, cached bool) {
	attrs := metric.WithAttributes(attribute.String("task_id", taskID), attribute.String("status", status))
	switch {
	case cached:
		r.tasksCached.Add(ctx, 1, attrs)
	case status == "SUCCESS":
		r.tasksSucceeded.Add(ctx, 1, attrs)
		r.scriptDuration.Record(ctx, scriptDuration, attrs)
	default:
		r.tasksFailed.Add(ctx, 1, attrs)
	}
}

// Close flushes and shuts down the metrics provider.
func (r *Recorder) Close(ctx context.Context) error {
	return r.provider.Shutdown(ctx)
}
