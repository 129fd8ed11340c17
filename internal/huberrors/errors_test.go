package huberrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSentinelMatching(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
		message  string
	}{
		{"not found with message", NewNotFoundError("image", "image abc is not cached"), ErrNotFound, "image abc is not cached"},
		{"not found resource only", NewNotFoundError("image", ""), ErrNotFound, "image not found"},
		{"validation", NewValidationError("text", "text is required"), ErrValidation, "text is required"},
		{"validation field only", NewValidationError("top_k", ""), ErrValidation, "validation failed for field: top_k"},
		{"limit", NewLimitExceededError(""), ErrLimitExceeded, "limit exceeded"},
		{"unavailable", NewUnavailableError("classifier", ""), ErrUnavailable, "classifier is not available"},
		{"unsupported media", NewUnsupportedMediaError("cannot decode image"), ErrUnsupportedMedia, "cannot decode image"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("handler: %w", tt.err)
			assert.ErrorIs(t, wrapped, tt.sentinel)
			assert.Equal(t, tt.message, tt.err.Error())
		})
	}
}

func TestSentinelsDoNotCrossMatch(t *testing.T) {
	err := NewUnavailableError("embedding model", "")

	assert.False(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrValidation))
	assert.False(t, errors.Is(err, ErrUnsupportedMedia))
}
