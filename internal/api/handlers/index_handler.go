package handlers

import (
	"context"
	"net/http"

	"github.com/formbricks/hdir/internal/api/response"
	"github.com/formbricks/hdir/internal/api/validation"
	"github.com/formbricks/hdir/internal/huberrors"
	"github.com/formbricks/hdir/internal/models"
)

// IndexService defines the image index operations.
type IndexService interface {
	Model() string
	Index(ctx context.Context, imageID, path string) (*models.IndexResult, error)
	Enqueue(ctx context.Context, imageID, path string) (*models.IndexResult, error)
	Search(ctx context.Context, text string, limit int, minScore *float64) ([]models.ImageMatch, error)
	Get(ctx context.Context, imageID string) (*models.ImageEmbedding, error)
	Count(ctx context.Context) (int64, error)
	Delete(ctx context.Context, imageID string) error
	DropAll(ctx context.Context) (int64, error)
}

// IndexHandler handles the /v1/images routes.
type IndexHandler struct {
	service IndexService
}

// NewIndexHandler creates a new index handler.
func NewIndexHandler(service IndexService) *IndexHandler {
	return &IndexHandler{service: service}
}

// IndexStatsResponse is the response for GET /v1/images/stats.
type IndexStatsResponse struct {
	Model string `json:"model"`
	Count int64  `json:"count"`
}

// DropAllResponse is the response for DELETE /v1/images.
type DropAllResponse struct {
	Model   string `json:"model"`
	Deleted int64  `json:"deleted"`
}

// getImageQuery holds the query parameters of GET /v1/images/{id}.
type getImageQuery struct {
	IncludeEmbedding bool `form:"include_embedding"`
}

// Create handles POST /v1/images. Synchronous indexing answers 201; async answers 202 with the job.
func (h *IndexHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req models.IndexRequest
	if err := decodeJSON(r, &req); err != nil {
		handleServiceError(w, r, err, "Failed to read request")

		return
	}

	if err := validation.ValidateStruct(&req); err != nil {
		validation.RespondValidationError(w, err)

		return
	}

	if req.Async {
		res, err := h.service.Enqueue(r.Context(), req.ImageID, req.Path)
		if err != nil {
			handleServiceError(w, r, err, "Failed to enqueue image")

			return
		}

		response.RespondJSON(w, http.StatusAccepted, res)

		return
	}

	res, err := h.service.Index(r.Context(), req.ImageID, req.Path)
	if err != nil {
		handleServiceError(w, r, err, "Failed to index image")

		return
	}

	response.RespondJSON(w, http.StatusCreated, res)
}

// Search handles POST /v1/images/search.
func (h *IndexHandler) Search(w http.ResponseWriter, r *http.Request) {
	var req models.SearchImagesRequest
	if err := decodeJSON(r, &req); err != nil {
		handleServiceError(w, r, err, "Failed to read request")

		return
	}

	if err := validation.ValidateStruct(&req); err != nil {
		validation.RespondValidationError(w, err)

		return
	}

	results, err := h.service.Search(r.Context(), req.Text, req.Limit, req.MinScore)
	if err != nil {
		handleServiceError(w, r, err, "Search failed")

		return
	}

	response.RespondJSON(w, http.StatusOK, models.SearchImagesResponse{Results: results})
}

// Get handles GET /v1/images/{id}. The vector is included with ?include_embedding=true.
func (h *IndexHandler) Get(w http.ResponseWriter, r *http.Request) {
	var query getImageQuery
	if err := validation.DecodeQueryParams(r, &query); err != nil {
		handleServiceError(w, r, err, "Failed to read query")

		return
	}

	e, err := h.service.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		handleServiceError(w, r, err, "Failed to get image")

		return
	}

	if !query.IncludeEmbedding {
		e.Embedding = nil
	}

	response.RespondJSON(w, http.StatusOK, e)
}

// Stats handles GET /v1/images/stats.
func (h *IndexHandler) Stats(w http.ResponseWriter, r *http.Request) {
	n, err := h.service.Count(r.Context())
	if err != nil {
		handleServiceError(w, r, err, "Failed to count images")

		return
	}

	response.RespondJSON(w, http.StatusOK, IndexStatsResponse{Model: h.service.Model(), Count: n})
}

// Delete handles DELETE /v1/images/{id}.
func (h *IndexHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		handleServiceError(w, r, huberrors.NewValidationError("id", "image id is required"), "")

		return
	}

	if err := h.service.Delete(r.Context(), id); err != nil {
		handleServiceError(w, r, err, "Failed to delete image")

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// DropAll handles DELETE /v1/images: removes every vector of the current model.
func (h *IndexHandler) DropAll(w http.ResponseWriter, r *http.Request) {
	n, err := h.service.DropAll(r.Context())
	if err != nil {
		handleServiceError(w, r, err, "Failed to drop images")

		return
	}

	response.RespondJSON(w, http.StatusOK, DropAllResponse{Model: h.service.Model(), Deleted: n})
}
