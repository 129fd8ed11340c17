package observability

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all hdir metric collectors. When metrics are disabled the aggregate is nil;
// components take the individual interfaces and treat nil as "off".
type Metrics struct {
	Inference InferenceMetrics
	Cache     CacheMetrics
	Index     IndexMetrics
	API       APIMetrics
}

// NewMetrics creates every collector from the given meter.
// Returns (nil, nil) when meter is nil (metrics disabled).
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		//nolint:nilnil // intentional: callers use "if metrics != nil" when metrics disabled
		return nil, nil
	}

	inference, err := NewInferenceMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("inference metrics: %w", err)
	}

	cache, err := NewCacheMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("cache metrics: %w", err)
	}

	index, err := NewIndexMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("index metrics: %w", err)
	}

	api, err := NewAPIMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("api metrics: %w", err)
	}

	return &Metrics{
		Inference: inference,
		Cache:     cache,
		Index:     index,
		API:       api,
	}, nil
}

// MeterName is the instrumentation scope used for hdir metrics.
func MeterName() string { return meterScope }
