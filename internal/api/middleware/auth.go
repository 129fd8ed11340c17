package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/formbricks/hdir/internal/api/response"
)

// UnauthorizedRecorder records requests rejected for a missing or wrong API key (optional).
// Pass nil when metrics are disabled.
type UnauthorizedRecorder interface {
	RecordUnauthorized(ctx context.Context)
}

// Auth validates "Authorization: Bearer <api-key>" against apiKey.
// An empty apiKey disables the check.
func Auth(apiKey string, recorder UnauthorizedRecorder) func(http.Handler) http.Handler {
	if apiKey == "" {
		return func(next http.Handler) http.Handler {
			return next
		}
	}

	expected := []byte(apiKey)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reject := func(detail string) {
				if recorder != nil {
					recorder.RecordUnauthorized(r.Context())
				}

				w.Header().Set("WWW-Authenticate", `Bearer realm="hdir"`)
				response.RespondUnauthorized(w, detail)
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				reject("Missing Authorization header")

				return
			}

			// Expected format: "Bearer <api-key>"
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				reject("Invalid Authorization header format. Expected: Bearer <api-key>")

				return
			}

			given := strings.TrimSpace(parts[1])
			if given == "" {
				reject("API key is empty")

				return
			}

			if subtle.ConstantTimeCompare([]byte(given), expected) != 1 {
				reject("Invalid API key")

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
