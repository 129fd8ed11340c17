package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/formbricks/hdir/internal/service"
)

type staticModels []service.ModelStatus

func (s staticModels) Models() []service.ModelStatus { return s }

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealthHandler_Check(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHealthHandler(nil, 0, nil).Check(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestHealthHandler_Ready(t *testing.T) {
	clip := staticModels{{Name: "clip", Task: "embedding", Dim: 512}}
	ok := pingFunc(func(context.Context) error { return nil })
	down := pingFunc(func(context.Context) error { return errors.New("connection refused") })

	tests := []struct {
		name     string
		models   ModelLister
		expected int
		db       Pinger
		want     int
	}{
		{name: "all models loaded", models: clip, expected: 1, want: http.StatusOK},
		{name: "with database", models: clip, expected: 1, db: ok, want: http.StatusOK},
		{name: "missing model", models: clip, expected: 2, want: http.StatusServiceUnavailable},
		{name: "no models", models: staticModels{}, expected: 0, want: http.StatusServiceUnavailable},
		{name: "database down", models: clip, expected: 1, db: down, want: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			NewHealthHandler(tt.models, tt.expected, tt.db).Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

			assert.Equal(t, tt.want, rec.Code)
			assert.Contains(t, rec.Body.String(), `"models"`)
		})
	}
}
