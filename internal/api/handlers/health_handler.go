package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/formbricks/hdir/internal/api/response"
	"github.com/formbricks/hdir/internal/service"
)

const readyPingTimeout = 2 * time.Second

// ModelLister reports the loaded models.
type ModelLister interface {
	Models() []service.ModelStatus
}

// Pinger checks a dependency (e.g. the database pool).
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyResponse is the body of GET /ready.
type ReadyResponse struct {
	Models   []service.ModelStatus `json:"models"`
	Database string                `json:"database,omitempty"`
}

// HealthHandler handles health check requests.
type HealthHandler struct {
	models   ModelLister
	expected int
	db       Pinger
}

// NewHealthHandler creates a new health handler. expected is the number of configured models;
// db may be nil when the image index is disabled.
func NewHealthHandler(models ModelLister, expected int, db Pinger) *HealthHandler {
	return &HealthHandler{models: models, expected: expected, db: db}
}

// Check handles GET /health.
func (h *HealthHandler) Check(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("OK")); err != nil {
		slog.Error("Failed to write health check response", "error", err)
	}
}

// Ready handles GET /ready: 200 when every configured model is loaded and the database answers.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	resp := ReadyResponse{Models: []service.ModelStatus{}}
	if h.models != nil {
		resp.Models = h.models.Models()
	}

	status := http.StatusOK
	if len(resp.Models) < h.expected || len(resp.Models) == 0 {
		status = http.StatusServiceUnavailable
	}

	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readyPingTimeout)
		defer cancel()

		resp.Database = "ok"

		if err := h.db.Ping(ctx); err != nil {
			slog.WarnContext(r.Context(), "readiness: database ping failed", "error", err)

			resp.Database = "unavailable"
			status = http.StatusServiceUnavailable
		}
	}

	response.RespondJSON(w, status, resp)
}
