package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"peermesh/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError_Error(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, "test error", http.StatusBadRequest)
	assert.Equal(t, "INVALID_INPUT: test error", err.Error())

	wrapped := WrapError(errors.New("original error"), ErrCodeInternal, "wrapped error", http.StatusInternalServerError)
	assert.Contains(t, wrapped.Error(), "original error")
}

func TestAppError_WithContext(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, "test error", http.StatusBadRequest)
	err.WithContext("field", "value").WithContext("count", 42)

	assert.Equal(t, "value", err.Context["field"])
	assert.Equal(t, 42, err.Context["count"])
}

func TestConstructors(t *testing.T) {
	tests := []struct {
		err    *AppError
		code   ErrorCode
		status int
	}{
		{NewInvalidInputError("bad"), ErrCodeInvalidInput, http.StatusBadRequest},
		{NewNotFoundError("peer"), ErrCodeNotFound, http.StatusNotFound},
		{NewUnauthorizedError("no token"), ErrCodeUnauthorized, http.StatusUnauthorized},
		{NewRateLimitError(), ErrCodeRateLimit, http.StatusTooManyRequests},
		{NewInternalError("boom"), ErrCodeInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.code, tt.err.Code)
			assert.Equal(t, tt.status, tt.err.HTTPStatus)
		})
	}
	assert.Equal(t, "peer not found", NewNotFoundError("peer").Message)
}

func TestFromDomain(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		code   ErrorCode
		status int
	}{
		{"peer not found", fmt.Errorf("remove: %w", domain.ErrPeerNotFound), ErrCodeNotFound, http.StatusNotFound},
		{"invalid offer", fmt.Errorf("%w: empty sdp", domain.ErrInvalidOffer), ErrCodeInvalidInput, http.StatusBadRequest},
		{"self reference", domain.ErrSelfReference, ErrCodeInvalidInput, http.StatusBadRequest},
		{"not manual", domain.ErrNotManual, ErrCodeConflict, http.StatusConflict},
		{"expired invite", domain.ErrExpiredInvite, ErrCodeUnauthorized, http.StatusUnauthorized},
		{"invalid invite", domain.ErrInvalidInvite, ErrCodeUnauthorized, http.StatusUnauthorized},
		{"id space", domain.ErrIDSpaceExhausted, ErrCodeServiceUnavailable, http.StatusServiceUnavailable},
		{"loop stopped", domain.ErrLoopStopped, ErrCodeServiceUnavailable, http.StatusServiceUnavailable},
		{"deadline", context.DeadlineExceeded, ErrCodeTimeout, http.StatusGatewayTimeout},
		{"unknown", errors.New("disk on fire"), ErrCodeInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			appErr := FromDomain(tt.err)
			require.NotNil(t, appErr)
			assert.Equal(t, tt.code, appErr.Code)
			assert.Equal(t, tt.status, appErr.HTTPStatus)
			assert.ErrorIs(t, appErr, tt.err)
		})
	}

	assert.Nil(t, FromDomain(nil))
}

func TestGetAppError(t *testing.T) {
	appErr := NewNotFoundError("peer")
	wrapped := fmt.Errorf("handler: %w", appErr)

	assert.Same(t, appErr, GetAppError(wrapped))
	assert.Same(t, appErr, FromDomain(wrapped))
	assert.True(t, IsAppError(wrapped))
	assert.False(t, IsAppError(errors.New("plain")))
	assert.Nil(t, GetAppError(nil))
}
