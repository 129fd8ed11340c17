package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/formbricks/hdir/internal/api/response"
	"github.com/formbricks/hdir/internal/api/validation"
	"github.com/formbricks/hdir/internal/huberrors"
)

// handleServiceError maps service errors to problem responses. Unknown errors are logged and
// reported as a 500 with detail as the only text the client sees.
func handleServiceError(w http.ResponseWriter, r *http.Request, err error, detail string) {
	var (
		maxErr   *http.MaxBytesError
		fieldErr *validation.Error
	)

	switch {
	case errors.As(err, &maxErr), errors.Is(err, huberrors.ErrLimitExceeded):
		response.RespondRequestEntityTooLarge(w, errorDetail(err, "request body exceeds maximum allowed size"))
	case errors.As(err, &fieldErr):
		validation.RespondValidationError(w, err)
	case errors.Is(err, huberrors.ErrValidation):
		response.RespondBadRequest(w, err.Error())
	case errors.Is(err, huberrors.ErrNotFound):
		response.RespondNotFound(w, err.Error())
	case errors.Is(err, huberrors.ErrUnsupportedMedia):
		response.RespondUnsupportedMediaType(w, err.Error())
	case errors.Is(err, huberrors.ErrUnavailable):
		response.RespondServiceUnavailable(w, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		slog.WarnContext(r.Context(), "request timed out", "path", r.URL.Path, "error", err)
		response.RespondServiceUnavailable(w, "inference timed out")
	case errors.Is(err, context.Canceled):
		slog.DebugContext(r.Context(), "request canceled by client", "path", r.URL.Path)
		response.RespondError(w, 499, "Client Closed Request", "request canceled")
	default:
		slog.ErrorContext(r.Context(), detail, "path", r.URL.Path, "error", err)
		response.RespondInternalServerError(w, detail)
	}
}

func errorDetail(err error, fallback string) string {
	var limitErr *huberrors.LimitExceededError
	if errors.As(err, &limitErr) {
		return limitErr.Error()
	}

	return fallback
}
