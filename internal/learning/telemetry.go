package learning

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName is the name used for OTEL instrumentation.
const InstrumentationName = "github.com/fyrsmithlabs/arcache/internal/learning"

// Metrics provides OpenTelemetry metrics for the coordinator.
type Metrics struct {
	attemptsTotal  metric.Int64Counter
	failuresTotal  metric.Int64Counter
	plateausTotal  metric.Int64Counter
	truncatedTotal metric.Int64Counter
	outcomeScore   metric.Float64Histogram
	successRate    metric.Float64Gauge
}

// NewMetrics creates the coordinator instruments on meter.
// If meter is nil, uses the global meter provider.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(InstrumentationName)
	}

	m := &Metrics{}
	var err error

	m.attemptsTotal, err = meter.Int64Counter(
		"learning.attempts.total",
		metric.WithDescription("Total number of task attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}

	m.failuresTotal, err = meter.Int64Counter(
		"learning.execution.failures.total",
		metric.WithDescription("Total number of failed executions"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}

	m.plateausTotal, err = meter.Int64Counter(
		"learning.plateau.detected.total",
		metric.WithDescription("Number of times a task type entered a plateau"),
		metric.WithUnit("{plateau}"),
	)
	if err != nil {
		return nil, err
	}

	m.truncatedTotal, err = meter.Int64Counter(
		"learning.enrich.truncated.total",
		metric.WithDescription("Memories dropped to respect the enriched input limit"),
		metric.WithUnit("{memory}"),
	)
	if err != nil {
		return nil, err
	}

	m.outcomeScore, err = meter.Float64Histogram(
		"learning.outcome.score",
		metric.WithDescription("Mean evaluation score per attempt"),
		metric.WithUnit("1"),
		metric.WithExplicitBucketBoundaries(0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0),
	)
	if err != nil {
		return nil, err
	}

	m.successRate, err = meter.Float64Gauge(
		"learning.success_rate",
		metric.WithDescription("Rolling success rate per task type"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) recordAttempt(ctx context.Context, taskType string, success bool, score, rate float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("task_type", taskType),
		attribute.Bool("success", success),
	)
	m.attemptsTotal.Add(ctx, 1, attrs)
	m.outcomeScore.Record(ctx, score, attrs)
	m.successRate.Record(ctx, rate, metric.WithAttributes(attribute.String("task_type", taskType)))
}

func (m *Metrics) recordFailure(ctx context.Context, taskType string, kind FailureKind) {
	if m == nil {
		return
	}
	m.failuresTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("task_type", taskType),
		attribute.String("failure_kind", string(kind)),
	))
}

func (m *Metrics) recordPlateau(ctx context.Context, taskType string) {
	if m == nil {
		return
	}
	m.plateausTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("task_type", taskType)))
}

func (m *Metrics) recordTruncated(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.truncatedTotal.Add(ctx, int64(n))
}

// spanAttributes returns common span attributes for a task.
func spanAttributes(task Task) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("learning.task_id", task.ID),
		attribute.String("learning.task_type", task.Type),
	}
}

func startSpan(ctx context.Context, tracer trace.Tracer, name string, task Task) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(spanAttributes(task)...))
}
