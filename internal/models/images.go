package models

import (
	"time"
)

// ImageEmbedding is one stored vector: one row per image per model.
type ImageEmbedding struct {
	ImageID   string    `json:"image_id"`
	Model     string    `json:"model"`
	Path      string    `json:"path,omitempty"`
	Embedding []float32 `json:"embedding,omitempty"`
	Dim       int       `json:"dim"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ImageMatch is an indexed image with its cosine similarity to a query.
type ImageMatch struct {
	ImageID string  `json:"image_id"`
	Path    string  `json:"path,omitempty"`
	Score   float64 `json:"score"`
}

// IndexRequest asks for one image to be embedded and stored. ImageID defaults to the
// content hash of the image bytes.
type IndexRequest struct {
	ImageID string `json:"image_id,omitempty" validate:"omitempty,max=512,no_null_bytes"`
	Path    string `json:"img-path" validate:"not_blank,no_null_bytes"`
	Async   bool   `json:"async,omitempty"`
}

// IndexResult reports a synchronous index or an enqueued job.
type IndexResult struct {
	ImageID string `json:"image_id,omitempty"`
	Model   string `json:"model"`
	Path    string `json:"path"`
	JobID   int64  `json:"job_id,omitempty"`
	// Duplicate is set when an identical job was already queued.
	Duplicate bool `json:"duplicate,omitempty"`
}

// SearchImagesRequest is the body of POST /v1/images/search.
type SearchImagesRequest struct {
	Text     string   `json:"text" validate:"not_blank,no_null_bytes"`
	Limit    int      `json:"limit,omitempty" validate:"gte=0"`
	MinScore *float64 `json:"min_score,omitempty" validate:"omitempty,gte=-1,lte=1"`
}

// SearchImagesResponse lists matches, best first.
type SearchImagesResponse struct {
	Results []ImageMatch `json:"results"`
}
