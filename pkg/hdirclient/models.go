package hdirclient

import (
	"fmt"
	"io"
	"time"
)

// Image identifies the image a request works on. Exactly one of Path, URL or Data must be set:
// Path is resolved on the server under its image root, URL is fetched by the server, and Data is
// uploaded in a multipart body.
type Image struct {
	Path string
	URL  string
	// Data is read until EOF. Filename is sent with it and only used for logging.
	Data     io.Reader
	Filename string
}

// EncodedImage is the result of encoding an image.
type EncodedImage struct {
	// ID is the content id the server cached the vector under.
	ID     string
	Vector []float32
}

// Prediction is one classifier label.
type Prediction struct {
	Label       string  `json:"label"`
	Index       int     `json:"index"`
	Probability float64 `json:"probability"`
}

// ClassifyResult is the response of POST /classify.
type ClassifyResult struct {
	ImageID      string       `json:"image_id"`
	BestCategory string       `json:"best_category"`
	Predictions  []Prediction `json:"predictions"`
}

// SimilarityRequest scores Text against an image. Set ImageID to reuse an embedding the server
// already has, or Image to encode one.
type SimilarityRequest struct {
	ImageID string
	Image   Image
	Text    string
}

// SimilarityResult is the response of POST /similarity.
type SimilarityResult struct {
	ImageID    string  `json:"image_id"`
	Similarity float64 `json:"similarity"`
}

// SearchRequest is the body of POST /v1/images/search.
type SearchRequest struct {
	Text     string   `json:"text"`
	Limit    int      `json:"limit,omitempty"`
	MinScore *float64 `json:"min_score,omitempty"`
}

// ImageMatch is one search hit.
type ImageMatch struct {
	ImageID string  `json:"image_id"`
	Path    string  `json:"path,omitempty"`
	Score   float64 `json:"score"`
}

// SearchResponse is the response of POST /v1/images/search.
type SearchResponse struct {
	Results []ImageMatch `json:"results"`
}

// IndexRequest is the body of POST /v1/images.
type IndexRequest struct {
	ImageID string `json:"image_id,omitempty"`
	Path    string `json:"img-path"`
	Async   bool   `json:"async,omitempty"`
}

// IndexResult is the response of POST /v1/images.
type IndexResult struct {
	ImageID   string `json:"image_id,omitempty"`
	Model     string `json:"model"`
	Path      string `json:"path"`
	JobID     int64  `json:"job_id,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// IndexedImage is the response of GET /v1/images/{id}.
type IndexedImage struct {
	ImageID   string    `json:"image_id"`
	Model     string    `json:"model"`
	Path      string    `json:"path,omitempty"`
	Embedding []float32 `json:"embedding,omitempty"`
	Dim       int       `json:"dim"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// APIError is a non-2xx response. Title and Detail come from the problem+json body when present.
type APIError struct {
	StatusCode int    `json:"status"`
	Title      string `json:"title"`
	Detail     string `json:"detail"`
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("hdir: %d %s: %s", e.StatusCode, e.Title, e.Detail)
	}

	return fmt.Sprintf("hdir: %d %s", e.StatusCode, e.Title)
}
