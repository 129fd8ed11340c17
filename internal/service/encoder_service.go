package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/formbricks/hdir/internal/huberrors"
	"github.com/formbricks/hdir/internal/imaging"
	"github.com/formbricks/hdir/internal/models"
	"github.com/formbricks/hdir/internal/observability"
	"github.com/formbricks/hdir/internal/vision"
	"github.com/formbricks/hdir/pkg/cache"
	"github.com/formbricks/hdir/pkg/embeddings"
)

// Sentinel errors for the encoder (used by handlers for status mapping).
var (
	ErrImageNotCached    = huberrors.NewNotFoundError("image", "image embedding is not cached; encode the image first")
	ErrEmbeddingDisabled = huberrors.NewUnavailableError("embedding", "no embedding model is configured")
	ErrClassifierOff     = huberrors.NewUnavailableError("classifier", "no classifier model is configured")
	ErrEmptyText         = huberrors.NewValidationError("text", "text is required and must be non-empty")
)

// EmbeddingModel maps images and text into one vector space. Vectors are L2-normalized.
type EmbeddingModel interface {
	Name() string
	Dim() int
	EncodeImage(ctx context.Context, img image.Image) ([]float32, error)
	EncodeText(ctx context.Context, text string) ([]float32, error)
}

// ImageClassifier predicts labels for an image.
type ImageClassifier interface {
	Name() string
	Classify(ctx context.Context, img image.Image, k int) ([]vision.Prediction, error)
}

// ImageVectorLookup reads vectors persisted by the image index. Used when an image id is not in
// the in-memory cache.
type ImageVectorLookup interface {
	Get(ctx context.Context, imageID, model string) (*models.ImageEmbedding, error)
}

// ImageEmbedding is an encoded image: its content id and unit vector.
type ImageEmbedding struct {
	ID     string
	Path   string
	Vector []float32
}

// ClassifyResult is the outcome of Classify.
type ClassifyResult struct {
	ImageID      string              `json:"image_id"`
	BestCategory string              `json:"best_category"`
	Predictions  []vision.Prediction `json:"predictions"`
}

// SimilarityInput selects the image side of Similarity: a cached id or an image to encode.
type SimilarityInput struct {
	ImageID string
	Image   ImageRef
	Text    string
}

// SimilarityResult is the outcome of Similarity.
type SimilarityResult struct {
	ImageID    string  `json:"image_id"`
	Similarity float64 `json:"similarity"`
}

// ModelStatus describes one loaded model.
type ModelStatus struct {
	Name string `json:"name"`
	Task string `json:"task"`
	Dim  int    `json:"dim,omitempty"`
}

// EncoderServiceParams configures EncoderService. Embedder and Classifier may each be nil when
// that model is disabled; Store and Metrics may be nil.
type EncoderServiceParams struct {
	Embedder       EmbeddingModel
	Classifier     ImageClassifier
	Loader         *ImageLoader
	Store          ImageVectorLookup
	ImageCacheSize int
	TextCacheSize  int
	DefaultTopK    int
	Metrics        *observability.Metrics
	Logger         *slog.Logger
}

// EncoderService runs the loaded models behind content-addressed caches.
type EncoderService struct {
	embedder    EmbeddingModel
	classifier  ImageClassifier
	loader      *ImageLoader
	store       ImageVectorLookup
	imageCache  *cache.LoaderCache[string, []float32]
	textCache   *cache.LoaderCache[string, []float32]
	defaultTopK int
	inference   observability.InferenceMetrics
	cache       observability.CacheMetrics
	tracer      trace.Tracer
	logger      *slog.Logger
}

// NewEncoderService creates an EncoderService.
func NewEncoderService(p EncoderServiceParams) (*EncoderService, error) {
	if p.Loader == nil {
		return nil, errors.New("encoder service: image loader is required")
	}

	imageCache, err := cache.NewStringCache[[]float32](p.ImageCacheSize)
	if err != nil {
		return nil, fmt.Errorf("image embedding cache: %w", err)
	}

	textCache, err := cache.NewStringCache[[]float32](p.TextCacheSize)
	if err != nil {
		return nil, fmt.Errorf("text embedding cache: %w", err)
	}

	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	topK := p.DefaultTopK
	if topK <= 0 {
		topK = 5
	}

	s := &EncoderService{
		embedder:    p.Embedder,
		classifier:  p.Classifier,
		loader:      p.Loader,
		store:       p.Store,
		imageCache:  imageCache,
		textCache:   textCache,
		defaultTopK: topK,
		tracer:      observability.Tracer("encoder"),
		logger:      logger,
	}

	if p.Metrics != nil {
		s.inference = p.Metrics.Inference
		s.cache = p.Metrics.Cache
	}

	return s, nil
}

// EmbeddingEnabled reports whether an embedding model is loaded.
func (s *EncoderService) EmbeddingEnabled() bool { return s.embedder != nil }

// ClassifierEnabled reports whether a classifier is loaded.
func (s *EncoderService) ClassifierEnabled() bool { return s.classifier != nil }

// EmbeddingModelName returns the name vectors are stored under, or "" when disabled.
func (s *EncoderService) EmbeddingModelName() string {
	if s.embedder == nil {
		return ""
	}

	return s.embedder.Name()
}

// Models lists the loaded models.
func (s *EncoderService) Models() []ModelStatus {
	out := make([]ModelStatus, 0, 2)

	if s.classifier != nil {
		out = append(out, ModelStatus{Name: s.classifier.Name(), Task: "classification"})
	}

	if s.embedder != nil {
		out = append(out, ModelStatus{Name: s.embedder.Name(), Task: "embedding", Dim: s.embedder.Dim()})
	}

	return out
}

// Loader returns the image loader.
func (s *EncoderService) Loader() *ImageLoader { return s.loader }

// EncodeImage loads ref and returns its embedding. Identical bytes are encoded once; the result is
// kept as the cached image embedding for later Similarity calls. The vector is shared: do not modify it.
func (s *EncoderService) EncodeImage(ctx context.Context, ref ImageRef) (*ImageEmbedding, error) {
	if s.embedder == nil {
		return nil, ErrEmbeddingDisabled
	}

	src, err := s.loader.Load(ctx, ref)
	if err != nil {
		return nil, err
	}

	return s.EncodeSource(ctx, src)
}

// EncodeSource is EncodeImage for bytes that are already loaded.
func (s *EncoderService) EncodeSource(ctx context.Context, src *SourceImage) (*ImageEmbedding, error) {
	if s.embedder == nil {
		return nil, ErrEmbeddingDisabled
	}

	ctx, span := s.tracer.Start(ctx, "encoder.EncodeImage", trace.WithAttributes(
		attribute.String("image.id", src.ID),
		attribute.String("model", s.embedder.Name()),
	))

	vec, hit, err := s.imageCache.GetWithStats(ctx, src.ID, func(ctx context.Context, _ string) ([]float32, error) {
		img, err := imaging.Decode(bytes.NewReader(src.Data))
		if err != nil {
			return nil, err
		}

		start := time.Now()
		v, err := s.embedder.EncodeImage(ctx, img)
		s.recordInference(ctx, observability.OperationEncodeImage, s.embedder.Name(), start, err)

		return v, err
	})
	s.recordCache(ctx, observability.CacheImageEmbeddings, hit, err)
	span.SetAttributes(attribute.Bool("cache.hit", hit))
	observability.EndSpan(span, err)

	if err != nil {
		return nil, err
	}

	return &ImageEmbedding{ID: src.ID, Path: src.Path, Vector: vec}, nil
}

// CachedImageEmbedding returns the vector for an image id encoded earlier by this process.
// A miss is ErrImageNotCached.
func (s *EncoderService) CachedImageEmbedding(ctx context.Context, id string) ([]float32, error) {
	if s.embedder == nil {
		return nil, ErrEmbeddingDisabled
	}

	if v, ok := s.imageCache.Peek(id); ok {
		s.recordCache(ctx, observability.CacheImageEmbeddings, true, nil)

		return v, nil
	}

	s.recordCache(ctx, observability.CacheImageEmbeddings, false, nil)

	if s.store != nil {
		stored, err := s.store.Get(ctx, id, s.embedder.Name())
		if err == nil && len(stored.Embedding) == s.embedder.Dim() {
			v := embeddings.Normalized(stored.Embedding)
			s.imageCache.Add(id, v)

			return v, nil
		}

		if err != nil && !errors.Is(err, huberrors.ErrNotFound) {
			return nil, err
		}
	}

	return nil, ErrImageNotCached
}

// EncodeText returns the embedding of text. Results are cached by exact (trimmed) text.
func (s *EncoderService) EncodeText(ctx context.Context, text string) ([]float32, error) {
	if s.embedder == nil {
		return nil, ErrEmbeddingDisabled
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyText
	}

	ctx, span := s.tracer.Start(ctx, "encoder.EncodeText", trace.WithAttributes(
		attribute.String("model", s.embedder.Name()),
		attribute.Int("text.length", len(text)),
	))

	vec, hit, err := s.textCache.GetWithStats(ctx, text, func(ctx context.Context, key string) ([]float32, error) {
		start := time.Now()
		v, err := s.embedder.EncodeText(ctx, key)
		s.recordInference(ctx, observability.OperationEncodeText, s.embedder.Name(), start, err)

		return v, err
	})
	s.recordCache(ctx, observability.CacheTextEmbeddings, hit, err)
	span.SetAttributes(attribute.Bool("cache.hit", hit))
	observability.EndSpan(span, err)

	if err != nil {
		return nil, err
	}

	return vec, nil
}

// Similarity returns the cosine similarity between an image embedding and the text embedding.
// The image is taken from the cache when in.ImageID is set, otherwise in.Image is encoded. The
// text is encoded first so a bad text never costs an image forward pass.
func (s *EncoderService) Similarity(ctx context.Context, in SimilarityInput) (*SimilarityResult, error) {
	if s.embedder == nil {
		return nil, ErrEmbeddingDisabled
	}

	txt, err := s.EncodeText(ctx, in.Text)
	if err != nil {
		return nil, err
	}

	var (
		id  = in.ImageID
		img []float32
	)

	if id != "" {
		img, err = s.CachedImageEmbedding(ctx, id)
	} else {
		var enc *ImageEmbedding

		enc, err = s.EncodeImage(ctx, in.Image)
		if enc != nil {
			id, img = enc.ID, enc.Vector
		}
	}

	if err != nil {
		return nil, err
	}

	score, err := embeddings.Dot(img, txt)
	if err != nil {
		return nil, fmt.Errorf("similarity: %w", err)
	}

	return &SimilarityResult{ImageID: id, Similarity: clampScore(score)}, nil
}

// Match returns the cosine similarity between the text embedding and each of features, in order.
// Supplied vectors need not be normalized but must have the model's width.
func (s *EncoderService) Match(ctx context.Context, text string, features [][]float32) ([]float64, error) {
	txt, err := s.EncodeText(ctx, text)
	if err != nil {
		return nil, err
	}

	out := make([]float64, len(features))
	for i, f := range features {
		if len(f) != len(txt) {
			return nil, huberrors.NewValidationError("image_features",
				fmt.Sprintf("image_features[%d] has %d dimensions, expected %d", i, len(f), len(txt)))
		}

		score, err := embeddings.Cosine(txt, f)
		if err != nil {
			return nil, fmt.Errorf("match: %w", err)
		}

		out[i] = score
	}

	return out, nil
}

// Classify loads ref and returns the top predictions. k <= 0 uses the configured default.
func (s *EncoderService) Classify(ctx context.Context, ref ImageRef, k int) (*ClassifyResult, error) {
	if s.classifier == nil {
		return nil, ErrClassifierOff
	}

	if k <= 0 {
		k = s.defaultTopK
	}

	src, err := s.loader.Load(ctx, ref)
	if err != nil {
		return nil, err
	}

	ctx, span := s.tracer.Start(ctx, "encoder.Classify", trace.WithAttributes(
		attribute.String("image.id", src.ID),
		attribute.String("model", s.classifier.Name()),
	))

	res, err := s.classify(ctx, src, k)
	observability.EndSpan(span, err)

	return res, err
}

func (s *EncoderService) classify(ctx context.Context, src *SourceImage, k int) (*ClassifyResult, error) {
	img, err := imaging.Decode(bytes.NewReader(src.Data))
	if err != nil {
		return nil, err
	}

	start := time.Now()
	preds, err := s.classifier.Classify(ctx, img, k)
	s.recordInference(ctx, observability.OperationClassify, s.classifier.Name(), start, err)

	if err != nil {
		return nil, err
	}

	res := &ClassifyResult{ImageID: src.ID, Predictions: preds}
	if len(preds) > 0 {
		res.BestCategory = preds[0].Label
	}

	return res, nil
}

// RememberImage caches vec under an id chosen by the caller (e.g. an indexed image id).
func (s *EncoderService) RememberImage(id string, vec []float32) {
	s.imageCache.Add(id, vec)
}

// ForgetImage drops an image id from the cache.
func (s *EncoderService) ForgetImage(id string) {
	s.imageCache.Invalidate(id)
}

// ForgetAllImages empties the image cache.
func (s *EncoderService) ForgetAllImages() {
	s.imageCache.InvalidateAll()
}

func (s *EncoderService) recordInference(ctx context.Context, op, model string, start time.Time, err error) {
	if s.inference == nil {
		return
	}

	s.inference.RecordInference(ctx, model, op, statusOf(err), time.Since(start))
}

func (s *EncoderService) recordCache(ctx context.Context, name string, hit bool, err error) {
	if s.cache == nil || err != nil {
		return
	}

	if hit {
		s.cache.RecordHit(ctx, name)
	} else {
		s.cache.RecordMiss(ctx, name)
	}
}

func statusOf(err error) string {
	switch {
	case err == nil:
		return observability.StatusSuccess
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return observability.StatusCanceled
	case errors.Is(err, huberrors.ErrValidation), errors.Is(err, huberrors.ErrUnsupportedMedia):
		return observability.StatusInvalid
	default:
		return observability.StatusError
	}
}

func clampScore(v float64) float64 {
	switch {
	case v > 1:
		return 1
	case v < -1:
		return -1
	default:
		return v
	}
}
