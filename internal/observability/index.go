package observability

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// IndexMetrics records the image index pipeline (enqueue, worker outcomes, queue depth).
type IndexMetrics interface {
	RecordJobsEnqueued(ctx context.Context, count int64)
	RecordEnqueueRetry(ctx context.Context)
	RecordOutcome(ctx context.Context, outcome string, duration time.Duration)
	SetQueueDepth(depth int64)
}

type indexMetrics struct {
	enqueued metric.Int64Counter
	retries  metric.Int64Counter
	outcomes metric.Int64Counter
	duration metric.Float64Histogram
	depth    atomic.Int64
}

// NewIndexMetrics creates IndexMetrics. Returns (nil, nil) when meter is nil (metrics disabled).
func NewIndexMetrics(meter metric.Meter) (IndexMetrics, error) {
	if meter == nil {
		//nolint:nilnil // intentional: callers use "if metrics != nil" when metrics disabled
		return nil, nil
	}

	enqueued, err := meter.Int64Counter(
		MetricNameIndexJobsEnqueued,
		metric.WithDescription("Image index jobs enqueued"),
	)
	if err != nil {
		return nil, fmt.Errorf("create index jobs enqueued counter: %w", err)
	}

	retries, err := meter.Int64Counter(
		MetricNameIndexEnqueueRetries,
		metric.WithDescription("Image index enqueue attempts retried after a River insert error"),
	)
	if err != nil {
		return nil, fmt.Errorf("create index enqueue retries counter: %w", err)
	}

	outcomes, err := meter.Int64Counter(
		MetricNameIndexOutcomes,
		metric.WithDescription("Image index job outcomes by status (success, retry, failed_final)"),
	)
	if err != nil {
		return nil, fmt.Errorf("create index outcomes counter: %w", err)
	}

	duration, err := meter.Float64Histogram(
		MetricNameIndexDuration,
		metric.WithDescription("Image index job duration (seconds)"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create index duration histogram: %w", err)
	}

	m := &indexMetrics{enqueued: enqueued, retries: retries, outcomes: outcomes, duration: duration}

	_, err = meter.Int64ObservableGauge(
		MetricNameIndexQueueDepth,
		metric.WithDescription("Image index jobs waiting in River (available, retryable, scheduled)"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(m.depth.Load())

			return nil
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create index queue depth gauge: %w", err)
	}

	return m, nil
}

func (m *indexMetrics) RecordJobsEnqueued(ctx context.Context, count int64) {
	m.enqueued.Add(ctx, count)
}

func (m *indexMetrics) RecordEnqueueRetry(ctx context.Context) {
	m.retries.Add(ctx, 1)
}

func (m *indexMetrics) RecordOutcome(ctx context.Context, outcome string, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String(AttrStatus, NormalizeOutcome(outcome)))

	m.outcomes.Add(ctx, 1, attrs)
	m.duration.Record(ctx, duration.Seconds(), attrs)
}

func (m *indexMetrics) SetQueueDepth(depth int64) {
	m.depth.Store(depth)
}
