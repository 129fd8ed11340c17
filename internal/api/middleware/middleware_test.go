package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/formbricks/hdir/internal/observability"
)

type counter struct{ n atomic.Int32 }

func (c *counter) RecordUnauthorized(context.Context)        { c.n.Add(1) }
func (c *counter) RecordRequestBodyTooLarge(context.Context) { c.n.Add(1) }

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
})

func TestAuth(t *testing.T) {
	rec := &counter{}
	h := Auth("secret", rec)(okHandler)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{name: "valid", header: "Bearer secret", want: http.StatusOK},
		{name: "scheme is case insensitive", header: "bearer secret", want: http.StatusOK},
		{name: "missing", header: "", want: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic secret", want: http.StatusUnauthorized},
		{name: "no key", header: "Bearer ", want: http.StatusUnauthorized},
		{name: "wrong key", header: "Bearer nope", want: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/encode-text", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}

			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)

			if tt.want == http.StatusUnauthorized {
				assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
				assert.NotEmpty(t, w.Header().Get("WWW-Authenticate"))
			}
		})
	}

	assert.Equal(t, int32(4), rec.n.Load())

	t.Run("empty key disables auth", func(t *testing.T) {
		w := httptest.NewRecorder()
		Auth("", nil)(okHandler).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/encode", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestRequestID(t *testing.T) {
	var seen string

	h := RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = observability.RequestIDFromContext(r.Context())
	}))

	t.Run("generated", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.NotEmpty(t, seen)
		assert.Equal(t, seen, w.Header().Get(RequestIDHeader))
	})

	t.Run("propagated", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, "abc-123")

		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		assert.Equal(t, "abc-123", seen)
		assert.Equal(t, "abc-123", w.Header().Get(RequestIDHeader))
	})

	t.Run("oversized id replaced", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, strings.Repeat("x", 500))

		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		assert.Len(t, seen, 36)
	})
}

func TestMaxBody(t *testing.T) {
	readAll := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "read failed", http.StatusBadRequest)

			return
		}

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write(body)
	})

	t.Run("under the limit passes through", func(t *testing.T) {
		w := httptest.NewRecorder()
		MaxBody(16, nil)(readAll).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("hello")))
		assert.Equal(t, http.StatusCreated, w.Code)
		assert.Equal(t, "hello", w.Body.String())
	})

	t.Run("declared length over the limit", func(t *testing.T) {
		rec := &counter{}
		w := httptest.NewRecorder()
		MaxBody(4, rec)(readAll).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("hello")))
		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
		assert.Equal(t, int32(1), rec.n.Load())
	})

	t.Run("chunked body over the limit replaces the handler response", func(t *testing.T) {
		rec := &counter{}
		req := httptest.NewRequest(http.MethodPost, "/", io.NopCloser(bytes.NewReader(make([]byte, 64))))
		req.ContentLength = -1

		w := httptest.NewRecorder()
		MaxBody(8, rec)(readAll).ServeHTTP(w, req)
		require.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

		var problem map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &problem))
		assert.InDelta(t, float64(http.StatusRequestEntityTooLarge), problem["status"], 0)
		assert.Equal(t, int32(1), rec.n.Load())
	})

	t.Run("disabled", func(t *testing.T) {
		w := httptest.NewRecorder()
		MaxBody(0, nil)(readAll).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("hello")))
		assert.Equal(t, http.StatusCreated, w.Code)
	})
}

func TestLogging(t *testing.T) {
	h := Logging(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusTeapot, w.Code)
	assert.Equal(t, "short and stout", w.Body.String())
}

func TestStatusToClass(t *testing.T) {
	assert.Equal(t, "2xx", statusToClass(204))
	assert.Equal(t, "3xx", statusToClass(304))
	assert.Equal(t, "4xx", statusToClass(404))
	assert.Equal(t, "5xx", statusToClass(503))
	assert.Equal(t, "1xx", statusToClass(101))
	assert.Equal(t, "unknown", statusToClass(0))
}
