// Package workers provides River job workers for the image index.
package workers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/riverqueue/river"
	"golang.org/x/time/rate"

	"github.com/formbricks/hdir/internal/huberrors"
	"github.com/formbricks/hdir/internal/models"
	"github.com/formbricks/hdir/internal/observability"
	"github.com/formbricks/hdir/internal/service"
)

const imageIndexTimeout = 2 * time.Minute

// imageIndexer is the minimal interface needed by the worker.
type imageIndexer interface {
	Model() string
	Index(ctx context.Context, imageID, path string) (*models.IndexResult, error)
}

// ImageIndexWorker embeds one image and stores its vector.
type ImageIndexWorker struct {
	river.WorkerDefaults[service.ImageIndexArgs]

	indexer imageIndexer
	limiter *rate.Limiter
	metrics observability.IndexMetrics
}

// NewImageIndexWorker creates the worker. perSecond <= 0 disables throttling.
// metrics may be nil when metrics are disabled.
func NewImageIndexWorker(indexer imageIndexer, perSecond float64, metrics observability.IndexMetrics) *ImageIndexWorker {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if perSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}

	return &ImageIndexWorker{
		indexer: indexer,
		limiter: limiter,
		metrics: metrics,
	}
}

// Timeout limits how long a single index job can run.
func (w *ImageIndexWorker) Timeout(*river.Job[service.ImageIndexArgs]) time.Duration {
	return imageIndexTimeout
}

// Work resolves, encodes and stores the image. Bad input is final; model failures are retried
// until the last attempt.
func (w *ImageIndexWorker) Work(ctx context.Context, job *river.Job[service.ImageIndexArgs]) error {
	ctx = observability.WithJobID(ctx, job.ID)
	args := job.Args

	if args.Model != w.indexer.Model() {
		w.record(ctx, observability.OutcomeSkipped, time.Now())
		slog.WarnContext(ctx, "index: skip, job queued for another model",
			"path", args.Path,
			"job_model", args.Model,
			"model", w.indexer.Model(),
		)

		return nil
	}

	if err := w.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("index rate limit: %w", err)
	}

	start := time.Now()

	res, err := w.indexer.Index(ctx, args.ImageID, args.Path)
	if err != nil {
		if isPermanent(err) {
			w.record(ctx, observability.OutcomeFailedFinal, start)
			slog.ErrorContext(ctx, "index: image rejected", "path", args.Path, "error", err)

			return nil // no retry for missing or undecodable images
		}

		if job.Attempt >= job.MaxAttempts {
			w.record(ctx, observability.OutcomeFailedFinal, start)
			slog.ErrorContext(ctx, "index: failed (final attempt)",
				"path", args.Path,
				"attempt", job.Attempt,
				"error", err,
			)

			return nil
		}

		w.record(ctx, observability.OutcomeRetry, start)

		return fmt.Errorf("index image: %w", err)
	}

	w.record(ctx, observability.OutcomeSuccess, start)
	slog.InfoContext(ctx, "index: stored", "image_id", res.ImageID, "path", args.Path)

	return nil
}

func (w *ImageIndexWorker) record(ctx context.Context, outcome string, start time.Time) {
	if w.metrics != nil {
		w.metrics.RecordOutcome(ctx, outcome, time.Since(start))
	}
}

func isPermanent(err error) bool {
	return errors.Is(err, huberrors.ErrNotFound) ||
		errors.Is(err, huberrors.ErrValidation) ||
		errors.Is(err, huberrors.ErrUnsupportedMedia) ||
		errors.Is(err, huberrors.ErrLimitExceeded)
}
