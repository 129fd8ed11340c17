// Package observability provides OpenTelemetry metrics and tracing for the hdir API.
package observability

// Metric names (Prometheus / OpenTelemetry).
const (
	MetricNameInferenceTotal      = "hdir_inference_total"
	MetricNameInferenceDuration   = "hdir_inference_duration_seconds"
	MetricNameCacheHits           = "hdir_cache_hits_total"
	MetricNameCacheMisses         = "hdir_cache_misses_total"
	MetricNameIndexJobsEnqueued   = "hdir_index_jobs_enqueued_total"
	MetricNameIndexEnqueueRetries = "hdir_index_enqueue_retries_total"
	MetricNameIndexOutcomes       = "hdir_index_outcomes_total"
	MetricNameIndexDuration       = "hdir_index_duration_seconds"
	MetricNameIndexQueueDepth     = "hdir_index_queue_depth"
	MetricNameRequestBodyTooLarge = "hdir_request_body_too_large_total"
	MetricNameRequestUnauthorized = "hdir_request_unauthorized_total"
)

const (
	durationInstrumentNamePattern = "hdir_*_duration_seconds"
	meterScope                    = "github.com/formbricks/hdir"
	defaultServiceName            = "hdir"
	cardinalityLimit              = 2000
	labelOther                    = "other"
)

// Attribute keys.
const (
	AttrModel     = "model"
	AttrOperation = "operation"
	AttrStatus    = "status"
	AttrCache     = "cache"
)

// Inference operations.
const (
	OperationClassify    = "classify"
	OperationEncodeImage = "encode_image"
	OperationEncodeText  = "encode_text"
)

// Cache names.
const (
	CacheImageEmbeddings = "image_embeddings"
	CacheTextEmbeddings  = "text_embeddings"
)

// Inference statuses.
const (
	StatusSuccess  = "success"
	StatusError    = "error"
	StatusCanceled = "canceled"
	StatusInvalid  = "invalid"
)

// Index job outcomes.
const (
	OutcomeSuccess     = "success"
	OutcomeRetry       = "retry"
	OutcomeFailedFinal = "failed_final"
	OutcomeSkipped     = "skipped"
)

var allowedOperations = map[string]bool{
	OperationClassify:    true,
	OperationEncodeImage: true,
	OperationEncodeText:  true,
}

var allowedCaches = map[string]bool{
	CacheImageEmbeddings: true,
	CacheTextEmbeddings:  true,
}

var allowedStatuses = map[string]bool{
	StatusSuccess:  true,
	StatusError:    true,
	StatusCanceled: true,
	StatusInvalid:  true,
}

var allowedOutcomes = map[string]bool{
	OutcomeSuccess:     true,
	OutcomeRetry:       true,
	OutcomeFailedFinal: true,
	OutcomeSkipped:     true,
}

// NormalizeOperation returns op if known, otherwise "other".
func NormalizeOperation(op string) string {
	if allowedOperations[op] {
		return op
	}

	return labelOther
}

// NormalizeCacheName returns name if known, otherwise "other".
func NormalizeCacheName(name string) string {
	if allowedCaches[name] {
		return name
	}

	return labelOther
}

// NormalizeStatus returns status if known, otherwise "other".
func NormalizeStatus(status string) string {
	if allowedStatuses[status] {
		return status
	}

	return labelOther
}

// NormalizeOutcome returns an index job outcome if known, otherwise "other".
func NormalizeOutcome(outcome string) string {
	if allowedOutcomes[outcome] {
		return outcome
	}

	return labelOther
}
