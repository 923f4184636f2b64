package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError_Error(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, "x out of range", 400)
	assert.Equal(t, "INVALID_INPUT: x out of range", err.Error())

	cause := errors.New("dial refused")
	wrapped := &AppError{Code: ErrCodeBadGateway, Message: "daq unreachable", HTTPStatus: 502, Cause: cause}
	assert.Contains(t, wrapped.Error(), "dial refused")
	assert.ErrorIs(t, wrapped, cause)
}

func TestAppError_BodyIncludesContext(t *testing.T) {
	err := NewInvalidInputError("invalid coordinates").
		WithContext("x", 60).
		WithContext("max_x", 49)

	body := err.Body()
	assert.Equal(t, "invalid coordinates", body["error"])
	assert.Equal(t, ErrCodeInvalidInput, body["code"])
	assert.Equal(t, 60, body["x"])
	assert.Equal(t, 49, body["max_x"])
}

func TestFromStatus(t *testing.T) {
	assert.Nil(t, FromStatus(http.StatusOK, ""))
	assert.Nil(t, FromStatus(http.StatusNoContent, ""))

	cases := map[int]ErrorCode{
		http.StatusBadRequest:          ErrCodeInvalidInput,
		http.StatusNotFound:            ErrCodeNotFound,
		http.StatusConflict:            ErrCodeConflict,
		http.StatusTooManyRequests:     ErrCodeRateLimit,
		http.StatusServiceUnavailable:  ErrCodeServiceUnavailable,
		http.StatusBadGateway:          ErrCodeBadGateway,
		http.StatusInternalServerError: ErrCodeInternal,
		http.StatusTeapot:              ErrCodeInternal,
	}
	for status, code := range cases {
		err := FromStatus(status, "")
		require.NotNil(t, err, "status %d", status)
		assert.Equal(t, code, err.Code)
		assert.Equal(t, status, err.HTTPStatus)
		assert.Equal(t, http.StatusText(status), err.Message)
	}
}

func TestGetAppError_ThroughWrapping(t *testing.T) {
	appErr := NewServiceUnavailableError("warming up")
	wrapped := fmt.Errorf("select pixel: %w", appErr)

	assert.Same(t, appErr, GetAppError(wrapped))
	assert.True(t, IsUnavailable(wrapped))

	assert.Nil(t, GetAppError(errors.New("plain")))
	assert.Nil(t, GetAppError(nil))
	assert.False(t, IsUnavailable(NewNotFoundError("pixel")))
}
