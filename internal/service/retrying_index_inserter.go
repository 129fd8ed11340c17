package service

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"

	"github.com/formbricks/hdir/internal/observability"
)

const (
	defaultInitialBackoffWhenZero = 200 * time.Millisecond
	backoffMultiplier             = 2
)

// RetryingImageIndexInserter wraps an ImageIndexInserter and retries Insert on failure with
// exponential backoff and jitter. Use for transient River/DB errors.
type RetryingImageIndexInserter struct {
	inner          ImageIndexInserter
	maxRetries     int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	metrics        observability.IndexMetrics
	sleepFn        func(ctx context.Context, d time.Duration) error
}

// RetryingImageIndexInserterConfig holds configuration for the retrying inserter.
type RetryingImageIndexInserterConfig struct {
	MaxRetries     int           // Number of retries after the first attempt (total attempts = 1 + MaxRetries).
	InitialBackoff time.Duration // Backoff after first failure; doubles each attempt, capped by MaxBackoff.
	MaxBackoff     time.Duration // Upper bound on backoff between attempts.
	Metrics        observability.IndexMetrics
}

// NewRetryingImageIndexInserter returns an ImageIndexInserter that retries Insert on error.
func NewRetryingImageIndexInserter(inner ImageIndexInserter, cfg RetryingImageIndexInserterConfig) *RetryingImageIndexInserter {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoffWhenZero
	}

	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}

	return &RetryingImageIndexInserter{
		inner:          inner,
		maxRetries:     cfg.MaxRetries,
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
		metrics:        cfg.Metrics,
		sleepFn:        sleepContext,
	}
}

// Insert calls the inner inserter; on error, retries up to maxRetries times.
// Context cancellation is not retried and interrupts the backoff.
func (r *RetryingImageIndexInserter) Insert(
	ctx context.Context, args river.JobArgs, opts *river.InsertOpts,
) (*rivertype.JobInsertResult, error) {
	var lastErr error

	backoff := r.initialBackoff

	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		res, err := r.inner.Insert(ctx, args, opts)
		if err == nil {
			return res, nil
		}

		lastErr = err

		if attempt == r.maxRetries || ctx.Err() != nil {
			break
		}

		if r.metrics != nil {
			r.metrics.RecordEnqueueRetry(ctx)
		}

		sleep := jitter(backoff)
		slog.WarnContext(ctx, "index enqueue failed, retrying after backoff",
			"kind", args.Kind(),
			"attempt", attempt+1,
			"max_attempts", r.maxRetries+1,
			"backoff", sleep,
			"error", err,
		)

		if err := r.sleepFn(ctx, sleep); err != nil {
			return nil, err
		}

		backoff = min(backoff*backoffMultiplier, r.maxBackoff)
	}

	return nil, lastErr
}

// jitter returns a duration between 50% and 100% of duration to avoid thundering herd.
func jitter(duration time.Duration) time.Duration {
	const jitterHalf = 2

	half := duration / jitterHalf

	if half <= 0 {
		return duration
	}

	var buf [8]byte

	if _, err := rand.Read(buf[:]); err != nil {
		return half
	}

	randVal := binary.BigEndian.Uint64(buf[:])

	//nolint:gosec // G115: modulo result is in [0, half), safe to convert to int64
	jitterNanos := int64(randVal % uint64(half.Nanoseconds()))

	return half + time.Duration(jitterNanos)
}

// sleepContext blocks for d or until ctx is cancelled; returns ctx.Err() if cancelled.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

var _ ImageIndexInserter = (*RetryingImageIndexInserter)(nil)
