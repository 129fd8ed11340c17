package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// InferenceMetrics records model forward passes by model, operation and status.
type InferenceMetrics interface {
	RecordInference(ctx context.Context, model, operation, status string, duration time.Duration)
}

type inferenceMetrics struct {
	total    metric.Int64Counter
	duration metric.Float64Histogram
}

// NewInferenceMetrics creates InferenceMetrics. Returns (nil, nil) when meter is nil (metrics disabled).
func NewInferenceMetrics(meter metric.Meter) (InferenceMetrics, error) {
	if meter == nil {
		//nolint:nilnil // intentional: callers use "if metrics != nil" when metrics disabled
		return nil, nil
	}

	total, err := meter.Int64Counter(
		MetricNameInferenceTotal,
		metric.WithDescription("Model inference calls by model, operation (classify, encode_image, encode_text) and status"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("create inference counter: %w", err)
	}

	duration, err := meter.Float64Histogram(
		MetricNameInferenceDuration,
		metric.WithDescription("Inference duration including preprocessing (seconds)"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create inference duration histogram: %w", err)
	}

	return &inferenceMetrics{total: total, duration: duration}, nil
}

func (m *inferenceMetrics) RecordInference(ctx context.Context, model, operation, status string, duration time.Duration) {
	attrs := metric.WithAttributeSet(attribute.NewSet(
		attribute.String(AttrModel, model),
		attribute.String(AttrOperation, NormalizeOperation(operation)),
		attribute.String(AttrStatus, NormalizeStatus(status)),
	))

	m.total.Add(ctx, 1, attrs)
	m.duration.Record(ctx, duration.Seconds(), attrs)
}
