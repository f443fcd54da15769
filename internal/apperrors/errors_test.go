package apperrors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

type statusErr struct{ status int }

func (e statusErr) Error() string   { return "status" }
func (e statusErr) StatusCode() int { return e.status }

func TestHTTPStatusByCode(t *testing.T) {
	tests := []struct {
		code Code
		want int
	}{
		{CodeUnauthorized, http.StatusUnauthorized},
		{CodeInvalidSubject, http.StatusBadRequest},
		{CodeInvalidRole, http.StatusBadRequest},
		{CodeFeatureDisabled, http.StatusForbidden},
		{CodeUpstreamUnavailable, http.StatusServiceUnavailable},
		{CodeConflict, http.StatusConflict},
		{CodeNotFound, http.StatusNotFound},
		{CodeRateLimited, http.StatusTooManyRequests},
		{CodeInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(New(tt.code, "x")))
		})
	}
}

func TestHTTPStatusKeepsNonOKStatus(t *testing.T) {
	assert.Equal(t, http.StatusTeapot, HTTPStatus(statusErr{status: http.StatusTeapot}))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(statusErr{status: http.StatusOK}))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("boom")))
}

func TestIsMatchesByCodeThroughWrapping(t *testing.T) {
	err := fmt.Errorf("driver: %w", Wrap(CodeUpstreamUnavailable, "completion failed", context.DeadlineExceeded))

	assert.True(t, errors.Is(err, ErrUpstreamUnavailable))
	assert.False(t, errors.Is(err, ErrConflict))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, CodeUpstreamUnavailable, CodeOf(err))
	assert.True(t, CodeOf(err).Retryable())
}

func TestStackIsCaptured(t *testing.T) {
	err := New(CodeNotFound, "missing")
	assert.Contains(t, Stack(err), "TestStackIsCaptured")
}
