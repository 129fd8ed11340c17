package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/formbricks/hdir/internal/huberrors"
	"github.com/formbricks/hdir/internal/models"
)

// ImageEmbeddingsRepository handles data access for the image_embeddings table.
type ImageEmbeddingsRepository struct {
	db *pgxpool.Pool
}

// NewImageEmbeddingsRepository creates a new image embeddings repository.
func NewImageEmbeddingsRepository(db *pgxpool.Pool) *ImageEmbeddingsRepository {
	return &ImageEmbeddingsRepository{db: db}
}

// Upsert inserts or replaces the vector for (image_id, model).
// Uses halfvec storage (2 bytes per dimension); pgvector-go converts float32 to float16 when encoding.
func (r *ImageEmbeddingsRepository) Upsert(ctx context.Context, e *models.ImageEmbedding) error {
	vec := pgvector.NewHalfVector(e.Embedding)
	now := time.Now()

	err := r.db.QueryRow(ctx, `
		INSERT INTO image_embeddings (image_id, model, path, embedding, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (image_id, model)
		DO UPDATE SET path = EXCLUDED.path, embedding = EXCLUDED.embedding, updated_at = $5
		RETURNING created_at, updated_at`,
		e.ImageID, e.Model, e.Path, vec, now,
	).Scan(&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("image embeddings upsert: %w", err)
	}

	e.Dim = len(e.Embedding)

	return nil
}

// Get returns the stored row, or a huberrors.NotFoundError.
func (r *ImageEmbeddingsRepository) Get(ctx context.Context, imageID, model string) (*models.ImageEmbedding, error) {
	var (
		e   = models.ImageEmbedding{ImageID: imageID, Model: model}
		vec pgvector.HalfVector
	)

	err := r.db.QueryRow(ctx, `
		SELECT path, embedding, created_at, updated_at
		FROM image_embeddings WHERE image_id = $1 AND model = $2`,
		imageID, model,
	).Scan(&e.Path, &vec, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, huberrors.NewNotFoundError("image", "image "+imageID+" is not indexed")
		}

		return nil, fmt.Errorf("get image embedding: %w", err)
	}

	e.Embedding = vec.Slice()
	e.Dim = len(e.Embedding)

	return &e, nil
}

// Delete removes one row. Missing rows are a huberrors.NotFoundError.
func (r *ImageEmbeddingsRepository) Delete(ctx context.Context, imageID, model string) error {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM image_embeddings WHERE image_id = $1 AND model = $2`, imageID, model)
	if err != nil {
		return fmt.Errorf("delete image embedding: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return huberrors.NewNotFoundError("image", "image "+imageID+" is not indexed")
	}

	return nil
}

// DeleteByModel removes every vector of a model and returns how many rows went.
func (r *ImageEmbeddingsRepository) DeleteByModel(ctx context.Context, model string) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM image_embeddings WHERE model = $1`, model)
	if err != nil {
		return 0, fmt.Errorf("delete image embeddings by model: %w", err)
	}

	return tag.RowsAffected(), nil
}

// Count returns the number of indexed images for a model.
func (r *ImageEmbeddingsRepository) Count(ctx context.Context, model string) (int64, error) {
	var n int64
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM image_embeddings WHERE model = $1`, model).Scan(&n); err != nil {
		return 0, fmt.Errorf("count image embeddings: %w", err)
	}

	return n, nil
}

// Nearest returns up to limit images of model ordered by cosine distance (<=>) to query,
// keeping only rows with score = 1 - distance >= minScore. Rows are materialized per model
// first so vectors of other widths are never compared.
func (r *ImageEmbeddingsRepository) Nearest(
	ctx context.Context, model string, query []float32, limit int, minScore float64,
) ([]models.ImageMatch, error) {
	rows, err := r.db.Query(ctx, `
		WITH candidates AS MATERIALIZED (
			SELECT image_id, path, embedding FROM image_embeddings WHERE model = $2
		)
		SELECT image_id, path, (1 - (embedding <=> $1)) AS score
		FROM candidates
		WHERE (1 - (embedding <=> $1)) >= $3
		ORDER BY embedding <=> $1
		LIMIT $4`,
		pgvector.NewHalfVector(query), model, minScore, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("nearest images: %w", err)
	}
	defer rows.Close()

	var out []models.ImageMatch

	for rows.Next() {
		var m models.ImageMatch
		if err := rows.Scan(&m.ImageID, &m.Path, &m.Score); err != nil {
			return nil, fmt.Errorf("scan nearest image: %w", err)
		}

		out = append(out, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating nearest images: %w", err)
	}

	return out, nil
}
