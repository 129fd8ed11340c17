package service

import (
	"context"
	"log/slog"
	"strings"

	"github.com/riverqueue/river"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/formbricks/hdir/internal/huberrors"
	"github.com/formbricks/hdir/internal/models"
	"github.com/formbricks/hdir/internal/observability"
)

const (
	defaultSearchLimit = 10
	maxSearchLimit     = 100
)

// ErrNoImagesMatched is returned by Search when no indexed image clears the score threshold.
var ErrNoImagesMatched = huberrors.NewNotFoundError("image", "no images matched the search text")

// ImageEmbeddingsRepository is the storage the image index needs.
type ImageEmbeddingsRepository interface {
	Upsert(ctx context.Context, e *models.ImageEmbedding) error
	Get(ctx context.Context, imageID, model string) (*models.ImageEmbedding, error)
	Delete(ctx context.Context, imageID, model string) error
	DeleteByModel(ctx context.Context, model string) (int64, error)
	Nearest(ctx context.Context, model string, query []float32, limit int, minScore float64) ([]models.ImageMatch, error)
	Count(ctx context.Context, model string) (int64, error)
}

// IndexServiceParams configures IndexService. Inserter may be nil (async indexing disabled);
// Metrics may be nil.
type IndexServiceParams struct {
	Encoder        *EncoderService
	Repo           ImageEmbeddingsRepository
	Inserter       ImageIndexInserter
	MaxAttempts    int
	ScoreThreshold float64
	Metrics        observability.IndexMetrics
	Logger         *slog.Logger
}

// IndexService stores image embeddings and answers text-to-image searches over them.
type IndexService struct {
	encoder        *EncoderService
	repo           ImageEmbeddingsRepository
	inserter       ImageIndexInserter
	maxAttempts    int
	scoreThreshold float64
	metrics        observability.IndexMetrics
	tracer         trace.Tracer
	logger         *slog.Logger
}

// NewIndexService creates an IndexService.
func NewIndexService(p IndexServiceParams) *IndexService {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &IndexService{
		encoder:        p.Encoder,
		repo:           p.Repo,
		inserter:       p.Inserter,
		maxAttempts:    p.MaxAttempts,
		scoreThreshold: p.ScoreThreshold,
		metrics:        p.Metrics,
		tracer:         observability.Tracer("index"),
		logger:         logger,
	}
}

// SetInserter enables async indexing. The River client is created after the worker that uses
// this service, so it is wired in afterwards.
func (s *IndexService) SetInserter(inserter ImageIndexInserter) {
	s.inserter = inserter
}

// Model returns the model name vectors are stored under.
func (s *IndexService) Model() string { return s.encoder.EmbeddingModelName() }

// Index encodes the image at path and stores its vector. imageID defaults to the content id.
func (s *IndexService) Index(ctx context.Context, imageID, path string) (*models.IndexResult, error) {
	if !s.encoder.EmbeddingEnabled() {
		return nil, ErrEmbeddingDisabled
	}

	ctx, span := s.tracer.Start(ctx, "index.Index", trace.WithAttributes(attribute.String("image.path", path)))

	res, err := s.index(ctx, imageID, path)
	observability.EndSpan(span, err)

	return res, err
}

func (s *IndexService) index(ctx context.Context, imageID, path string) (*models.IndexResult, error) {
	src, err := s.encoder.Loader().LoadPath(path)
	if err != nil {
		return nil, err
	}

	enc, err := s.encoder.EncodeSource(ctx, src)
	if err != nil {
		return nil, err
	}

	id := strings.TrimSpace(imageID)
	if id == "" {
		id = enc.ID
	} else if id != enc.ID {
		s.encoder.RememberImage(id, enc.Vector)
	}

	row := &models.ImageEmbedding{
		ImageID:   id,
		Model:     s.Model(),
		Path:      path,
		Embedding: enc.Vector,
	}
	if err := s.repo.Upsert(ctx, row); err != nil {
		return nil, err
	}

	s.logger.DebugContext(ctx, "image indexed", "image_id", id, "model", row.Model, "path", path)

	return &models.IndexResult{ImageID: id, Model: row.Model, Path: path}, nil
}

// Enqueue validates path and inserts an image_index job. Duplicate pending jobs are reported,
// not inserted twice.
func (s *IndexService) Enqueue(ctx context.Context, imageID, path string) (*models.IndexResult, error) {
	if s.inserter == nil {
		return nil, huberrors.NewUnavailableError("index queue", "async indexing is not enabled")
	}

	if !s.encoder.EmbeddingEnabled() {
		return nil, ErrEmbeddingDisabled
	}

	if _, err := s.encoder.Loader().Resolve(path); err != nil {
		return nil, err
	}

	opts := &river.InsertOpts{
		Queue:       ImageIndexQueueName,
		MaxAttempts: s.maxAttempts,
		UniqueOpts:  river.UniqueOpts{ByArgs: true},
	}

	args := ImageIndexArgs{ImageID: strings.TrimSpace(imageID), Path: path, Model: s.Model()}

	inserted, err := s.inserter.Insert(ctx, args, opts)
	if err != nil {
		s.logger.ErrorContext(ctx, "index: enqueue failed", "path", path, "error", err)

		return nil, err
	}

	res := &models.IndexResult{ImageID: args.ImageID, Model: args.Model, Path: path}
	if inserted != nil {
		res.Duplicate = inserted.UniqueSkippedAsDuplicate
		if inserted.Job != nil {
			res.JobID = inserted.Job.ID
		}
	}

	if !res.Duplicate && s.metrics != nil {
		s.metrics.RecordJobsEnqueued(ctx, 1)
	}

	s.logger.InfoContext(ctx, "index: job enqueued", "path", path, "job_id", res.JobID, "duplicate", res.Duplicate)

	return res, nil
}

// Search embeds text and returns the closest indexed images, best first. Matches below minScore
// (default: the configured threshold) are dropped and the tail after the first large score drop
// is cut. An empty result is ErrNoImagesMatched.
func (s *IndexService) Search(ctx context.Context, text string, limit int, minScore *float64) ([]models.ImageMatch, error) {
	switch {
	case limit <= 0:
		limit = defaultSearchLimit
	case limit > maxSearchLimit:
		limit = maxSearchLimit
	}

	threshold := s.scoreThreshold
	if minScore != nil {
		if *minScore < -1 || *minScore > 1 {
			return nil, huberrors.NewValidationError("min_score", "min_score must be between -1 and 1")
		}

		threshold = *minScore
	}

	query, err := s.encoder.EncodeText(ctx, text)
	if err != nil {
		return nil, err
	}

	ctx, span := s.tracer.Start(ctx, "index.Search", trace.WithAttributes(
		attribute.Int("limit", limit),
		attribute.Float64("min_score", threshold),
	))

	matches, err := s.repo.Nearest(ctx, s.Model(), query, limit, threshold)
	if err == nil && len(matches) == 0 {
		err = ErrNoImagesMatched
	}

	span.SetAttributes(attribute.Int("results", len(matches)))
	observability.EndSpan(span, err)

	if err != nil {
		return nil, err
	}

	s.logger.DebugContext(ctx, "index: search scores",
		"top", matches[0].Score, "bottom", matches[len(matches)-1].Score)

	return skimTop(matches), nil
}

// Get returns the stored vector for imageID.
func (s *IndexService) Get(ctx context.Context, imageID string) (*models.ImageEmbedding, error) {
	return s.repo.Get(ctx, imageID, s.Model())
}

// Count returns how many images are indexed for the current model.
func (s *IndexService) Count(ctx context.Context) (int64, error) {
	return s.repo.Count(ctx, s.Model())
}

// Delete removes imageID from the index and from the in-memory cache.
func (s *IndexService) Delete(ctx context.Context, imageID string) error {
	if err := s.repo.Delete(ctx, imageID, s.Model()); err != nil {
		return err
	}

	s.encoder.ForgetImage(imageID)

	return nil
}

// DropAll removes every vector of the current model and empties the image cache.
func (s *IndexService) DropAll(ctx context.Context) (int64, error) {
	n, err := s.repo.DeleteByModel(ctx, s.Model())
	if err != nil {
		return 0, err
	}

	s.encoder.ForgetAllImages()
	s.logger.InfoContext(ctx, "index: dropped all vectors", "model", s.Model(), "count", n)

	return n, nil
}
