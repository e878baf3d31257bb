package drerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassAndStageSurviveWrapping(t *testing.T) {
	base := Integrity("validating", ErrChecksumMismatch)
	wrapped := fmt.Errorf("replication job failed: %w", base)

	assert.Equal(t, ClassIntegrity, ClassOf(wrapped))
	assert.Equal(t, "validating", StageOf(wrapped))
	assert.True(t, errors.Is(wrapped, ErrChecksumMismatch))
	assert.Contains(t, wrapped.Error(), "integrity failure at stage validating")
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.True(t, IsRetryable(errors.New("connection reset")))
	assert.True(t, IsRetryable(Transient("uploading", errors.New("timeout"))))
	assert.False(t, IsRetryable(Integrity("validating", ErrChecksumMismatch)))
	assert.False(t, IsRetryable(Configuration("lookup", ErrNotFound)))
	assert.False(t, IsRetryable(ErrCancelled))
	assert.False(t, IsRetryable(ErrChecksumMismatch))
}

func TestNewNilError(t *testing.T) {
	assert.Nil(t, New(ClassPolicy, "approval", nil))
}
