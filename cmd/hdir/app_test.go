package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/formbricks/hdir/internal/api/handlers"
	"github.com/formbricks/hdir/internal/api/middleware"
	"github.com/formbricks/hdir/internal/config"
	"github.com/formbricks/hdir/internal/service"
)

func newTestServer(t *testing.T, apiKey string) http.Handler {
	t.Helper()

	cfg := &config.Config{Port: "0", APIKey: apiKey, MaxRequestBodyBytes: 1 << 20}

	encoder, err := service.NewEncoderService(service.EncoderServiceParams{
		Loader:         service.NewImageLoader(service.ImageRoots{Default: t.TempDir()}, nil, cfg.MaxRequestBodyBytes),
		ImageCacheSize: 8,
		TextCacheSize:  8,
		DefaultTopK:    3,
	})
	require.NoError(t, err)

	server := newHTTPServer(
		cfg,
		handlers.NewHealthHandler(encoder, 0, nil),
		handlers.NewInferenceHandler(encoder),
		nil,
		nil,
		nil,
		nil, nil,
	)

	return server.Handler
}

func TestHTTPServer_HealthIsPublic(t *testing.T) {
	handler := newTestServer(t, "secret")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(middleware.RequestIDHeader))
}

func TestHTTPServer_ModelRoutesRequireAPIKey(t *testing.T) {
	handler := newTestServer(t, "secret")

	req := httptest.NewRequest(http.MethodPost, "/encode-text", strings.NewReader(`{"text":"a cat"}`))
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHTTPServer_ModelDisabled(t *testing.T) {
	handler := newTestServer(t, "secret")

	req := httptest.NewRequest(http.MethodPost, "/encode-text", strings.NewReader(`{"text":"a cat"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer secret")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHTTPServer_IndexRoutesAbsentWithoutDatabase(t *testing.T) {
	handler := newTestServer(t, "")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/images/stats", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHTTPServer_ReadyWithoutModels(t *testing.T) {
	handler := newTestServer(t, "")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestLoadedModels_CountAndCloseEmpty(t *testing.T) {
	var nilModels *loadedModels
	nilModels.Close()

	empty := &loadedModels{}
	assert.Equal(t, 0, empty.count())
	empty.Close()
}
