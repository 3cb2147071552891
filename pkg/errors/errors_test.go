package errors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithDetailDoesNotMutateSentinel(t *testing.T) {
	err := ErrConfig.WithDetail("message", "duplicate stage")

	assert.Empty(t, ErrConfig.Details)
	assert.Equal(t, "CONFIG_ERROR: duplicate stage", err.Error())
}

func TestCodeHelpers(t *testing.T) {
	cfgErr := Configf("stage %q already registered", "validate")
	wrapped := fmt.Errorf("build failed: %w", cfgErr)

	assert.True(t, IsConfig(wrapped))
	assert.False(t, IsState(wrapped))
	assert.True(t, IsState(ErrState.WithDetail("message", "builder already finalized")))
	assert.False(t, IsConfig(fmt.Errorf("plain")))
}

func TestRetryability(t *testing.T) {
	assert.False(t, ErrConfig.IsRetryable())
	assert.True(t, ErrConfig.IsFatal())
	assert.True(t, ErrPersistence.IsRetryable())
	assert.False(t, ErrPersistence.IsFatal())
	assert.False(t, ErrPersistence.AsFatal().IsRetryable())
}

func TestToHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, ToHTTPStatus(ErrNotFound))
	assert.Equal(t, http.StatusServiceUnavailable, ToHTTPStatus(fmt.Errorf("x: %w", ErrPersistence)))
	assert.Equal(t, http.StatusInternalServerError, ToHTTPStatus(fmt.Errorf("unknown")))
}

func TestRecoverPanic(t *testing.T) {
	err := RecoverPanic("boom")

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "panic: boom")
	var appErr *Error
	assert.ErrorAs(t, err, &appErr)
	assert.True(t, appErr.IsFatal())
	assert.Nil(t, RecoverPanic(nil))
}

func TestToErrorResponse(t *testing.T) {
	resp := ToErrorResponse(ErrConflict.WithDetail("message", "message already processed"))
	assert.Equal(t, "CONFLICT", resp.ErrorCode)
	assert.Equal(t, "resource conflict", resp.Error)
	assert.Equal(t, "message already processed", resp.Details["message"])

	resp = ToErrorResponse(fmt.Errorf("boom"))
	assert.Equal(t, "INTERNAL_ERROR", resp.ErrorCode)
	assert.Empty(t, resp.Details)
}

func TestRecoverPanicDetails(t *testing.T) {
	assert.NoError(t, RecoverPanic(nil))

	err := RecoverPanic("stage exploded")
	var appErr *Error
	if assert.ErrorAs(t, err, &appErr) {
		assert.Equal(t, ErrInternal.Code, appErr.Code)
		assert.True(t, appErr.IsFatal())
		assert.Equal(t, true, appErr.Details["panic"])
		assert.NotEmpty(t, appErr.Details["stack_trace"])
	}
	assert.Contains(t, err.Error(), "panic: stage exploded")
}
