package pipeline

import (
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	tracer = otel.Tracer("github.com/avi3tal/dagpipe/pipeline")
	meter  = otel.Meter("github.com/avi3tal/dagpipe/pipeline")
)

type instruments struct {
	taskLatency   metric.Float64Histogram
	taskSuccesses metric.Int64Counter
	taskFailures  metric.Int64Counter
	taskRestored  metric.Int64Counter
	runLatency    metric.Float64Histogram
}

var (
	metricsOnce sync.Once
	metrics     instruments
)

// loadMetrics creates the instruments on first use. A failed instrument
// stays nil and is skipped when recording.
func loadMetrics(logger *slog.Logger) *instruments {
	metricsOnce.Do(func() {
		var err error
		metrics.taskLatency, err = meter.Float64Histogram("dagpipe_task_duration_seconds",
			metric.WithDescription("Task execution duration"),
			metric.WithUnit("s"),
		)
		if err != nil {
			logger.Error("failed to create task latency histogram", slog.String("error", err.Error()))
		}
		metrics.taskSuccesses, err = meter.Int64Counter("dagpipe_task_success_total",
			metric.WithDescription("Tasks completed successfully"),
		)
		if err != nil {
			logger.Error("failed to create task success counter", slog.String("error", err.Error()))
		}
		metrics.taskFailures, err = meter.Int64Counter("dagpipe_task_failure_total",
			metric.WithDescription("Tasks that exhausted their attempts"),
		)
		if err != nil {
			logger.Error("failed to create task failure counter", slog.String("error", err.Error()))
		}
		metrics.taskRestored, err = meter.Int64Counter("dagpipe_task_restored_total",
			metric.WithDescription("Tasks restored from a checkpoint"),
		)
		if err != nil {
			logger.Error("failed to create task restored counter", slog.String("error", err.Error()))
		}
		metrics.runLatency, err = meter.Float64Histogram("dagpipe_run_duration_seconds",
			metric.WithDescription("Pipeline run duration"),
			metric.WithUnit("s"),
		)
		if err != nil {
			logger.Error("failed to create run latency histogram", slog.String("error", err.Error()))
		}
	})
	return &metrics
}
