package handlers

import (
	"context"
	"net/http"

	"github.com/formbricks/hdir/internal/api/response"
	"github.com/formbricks/hdir/internal/api/validation"
	"github.com/formbricks/hdir/internal/service"
)

// ImageIDHeader carries the content id of the encoded image.
const ImageIDHeader = "X-Image-ID"

// EncoderService defines the model operations the inference routes need.
type EncoderService interface {
	Classify(ctx context.Context, ref service.ImageRef, k int) (*service.ClassifyResult, error)
	EncodeImage(ctx context.Context, ref service.ImageRef) (*service.ImageEmbedding, error)
	EncodeText(ctx context.Context, text string) ([]float32, error)
	Match(ctx context.Context, text string, features [][]float32) ([]float64, error)
	Similarity(ctx context.Context, in service.SimilarityInput) (*service.SimilarityResult, error)
}

// InferenceHandler serves the model endpoints the media server calls.
type InferenceHandler struct {
	service EncoderService
}

// NewInferenceHandler creates a new inference handler.
func NewInferenceHandler(service EncoderService) *InferenceHandler {
	return &InferenceHandler{service: service}
}

// EncodeTextRequest is the body for POST /encode-text.
type EncodeTextRequest struct {
	Text string `json:"text" validate:"not_blank,no_null_bytes"`
}

// EncodeTextResponse is the response for POST /encode-text.
type EncodeTextResponse struct {
	TextFeatures []float32 `json:"text_features"`
}

// MatchRequest is the body for POST /match.
type MatchRequest struct {
	Text          string      `json:"text" validate:"not_blank,no_null_bytes"`
	ImageFeatures [][]float32 `json:"image_features"`
}

// MatchResponse is the response for POST /match: one score per supplied vector, in order.
type MatchResponse struct {
	Similarity []float64 `json:"similarity"`
}

// Classify handles POST /classify.
func (h *InferenceHandler) Classify(w http.ResponseWriter, r *http.Request) {
	req, ref, err := parseImageRequest(r)
	if err != nil {
		handleServiceError(w, r, err, "Failed to read request")

		return
	}

	res, err := h.service.Classify(r.Context(), ref, req.TopK)
	if err != nil {
		handleServiceError(w, r, err, "Failed to classify image")

		return
	}

	response.RespondJSON(w, http.StatusOK, res)
}

// Encode handles GET /encode?img-path= and POST /encode. The response is the bare vector.
func (h *InferenceHandler) Encode(w http.ResponseWriter, r *http.Request) {
	_, ref, err := parseImageRequest(r)
	if err != nil {
		handleServiceError(w, r, err, "Failed to read request")

		return
	}

	enc, err := h.service.EncodeImage(r.Context(), ref)
	if err != nil {
		handleServiceError(w, r, err, "Failed to encode image")

		return
	}

	w.Header().Set(ImageIDHeader, enc.ID)
	response.RespondJSON(w, http.StatusOK, enc.Vector)
}

// EncodeText handles POST /encode-text.
func (h *InferenceHandler) EncodeText(w http.ResponseWriter, r *http.Request) {
	var req EncodeTextRequest
	if err := decodeJSON(r, &req); err != nil {
		handleServiceError(w, r, err, "Failed to read request")

		return
	}

	if err := validation.ValidateStruct(&req); err != nil {
		validation.RespondValidationError(w, err)

		return
	}

	vec, err := h.service.EncodeText(r.Context(), req.Text)
	if err != nil {
		handleServiceError(w, r, err, "Failed to encode text")

		return
	}

	response.RespondJSON(w, http.StatusOK, EncodeTextResponse{TextFeatures: vec})
}

// Match handles POST /match.
func (h *InferenceHandler) Match(w http.ResponseWriter, r *http.Request) {
	var req MatchRequest
	if err := decodeJSON(r, &req); err != nil {
		handleServiceError(w, r, err, "Failed to read request")

		return
	}

	if err := validation.ValidateStruct(&req); err != nil {
		validation.RespondValidationError(w, err)

		return
	}

	scores, err := h.service.Match(r.Context(), req.Text, req.ImageFeatures)
	if err != nil {
		handleServiceError(w, r, err, "Failed to match text")

		return
	}

	response.RespondJSON(w, http.StatusOK, MatchResponse{Similarity: scores})
}

// Similarity handles POST /similarity: text against a cached image id or an image to encode.
func (h *InferenceHandler) Similarity(w http.ResponseWriter, r *http.Request) {
	req, ref, err := parseImageRequest(r)
	if err != nil {
		handleServiceError(w, r, err, "Failed to read request")

		return
	}

	res, err := h.service.Similarity(r.Context(), service.SimilarityInput{
		ImageID: req.ImageID,
		Image:   ref,
		Text:    req.Text,
	})
	if err != nil {
		handleServiceError(w, r, err, "Failed to compute similarity")

		return
	}

	w.Header().Set(ImageIDHeader, res.ImageID)
	response.RespondJSON(w, http.StatusOK, res)
}
