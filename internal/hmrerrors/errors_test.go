package hmrerrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorIsMatchesSentinelByCategoryAndCode(t *testing.T) {
	wrapped := Wrap(ErrCircuitOpen, "breaker for module traffic is open", nil)

	assert.True(t, errors.Is(wrapped, ErrCircuitOpen))
	assert.False(t, errors.Is(wrapped, ErrCacheMiss))
}

func TestErrorUnwrapExposesCause(t *testing.T) {
	cause := errors.New("disk full")
	wrapped := Wrap(ErrCheckpointCorrupt, "checksum mismatch", cause)

	require.ErrorIs(t, wrapped, ErrCheckpointCorrupt)
	require.Equal(t, cause, errors.Unwrap(wrapped))
}

func TestErrorMessageIncludesCodeAndCause(t *testing.T) {
	cause := errors.New("boom")
	err := New(CategorySwap, SeverityCritical, "E_X", "swap failed", cause)

	assert.Contains(t, err.Error(), "E_X")
	assert.Contains(t, err.Error(), "swap failed")
	assert.Contains(t, err.Error(), "boom")
}

func TestWithSubsystemReturnsSameError(t *testing.T) {
	err := New(CategoryState, SeverityError, "E_Y", "bad", nil)
	same := err.WithSubsystem("state-manager")

	assert.Same(t, err, same)
	assert.Equal(t, "state-manager", err.Subsystem)
}
