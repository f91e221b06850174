package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSentinelErrors_AreDistinct(t *testing.T) {
	sentinels := []error{
		ErrInvalidArgument, ErrNotAuthenticated, ErrUnauthorized, ErrForbidden,
		ErrNotFound, ErrConflict, ErrServiceUnavail, ErrCredentialsExhausted, ErrInternal,
	}

	for i := 0; i < len(sentinels); i++ {
		for j := i + 1; j < len(sentinels); j++ {
			assert.NotEqual(t, sentinels[i], sentinels[j],
				"sentinels %d and %d should be distinct", i, j)
		}
	}
}

func TestAppError_ErrorString(t *testing.T) {
	inner := fmt.Errorf("connection reset")
	appErr := &AppError{Code: "INTERNAL_ERROR", Message: "refresh failed", Err: inner}
	assert.Equal(t, "INTERNAL_ERROR: refresh failed: connection reset", appErr.Error())

	bare := &AppError{Code: "UNAUTHORIZED", Message: "bad token"}
	assert.Equal(t, "UNAUTHORIZED: bad token", bare.Error())
	assert.Nil(t, bare.Unwrap())
}

func TestInvalidArgument(t *testing.T) {
	err := InvalidArgument("token is required")
	require.NotNil(t, err)
	assert.Equal(t, "INVALID_ARGUMENT", err.Code)
	assert.Equal(t, http.StatusBadRequest, err.Status)
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}

func TestCredentialsExhausted(t *testing.T) {
	err := CredentialsExhausted(fmt.Errorf("refresh rejected"))
	assert.True(t, errors.Is(err, ErrCredentialsExhausted))
	assert.Contains(t, err.Message, "refresh rejected")

	noCause := CredentialsExhausted(nil)
	assert.Equal(t, "no valid access token after refresh", noCause.Message)
}

func TestWrap_PreservesChain(t *testing.T) {
	err := Wrap(NotAuthenticated("no session"), "refresh token")
	assert.True(t, errors.Is(err, ErrNotAuthenticated))
	assert.Contains(t, err.Error(), "refresh token")
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"app error", Conflict("dup"), http.StatusConflict},
		{"wrapped sentinel", fmt.Errorf("x: %w", ErrInvalidArgument), http.StatusBadRequest},
		{"not authenticated", ErrNotAuthenticated, http.StatusUnauthorized},
		{"credentials exhausted", ErrCredentialsExhausted, http.StatusUnauthorized},
		{"forbidden", ErrForbidden, http.StatusForbidden},
		{"not found", ErrNotFound, http.StatusNotFound},
		{"unavailable", ErrServiceUnavail, http.StatusServiceUnavailable},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}

func TestIsAuthFailure(t *testing.T) {
	assert.True(t, IsAuthFailure(Unauthorized("expired")))
	assert.True(t, IsAuthFailure(CredentialsExhausted(nil)))
	assert.False(t, IsAuthFailure(Internal(errors.New("timeout"))))
	assert.False(t, IsAuthFailure(nil))
}
