package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeForSentinels(t *testing.T) {
	cases := []struct {
		err  error
		code string
	}{
		{ErrPrincipalNotFound, "PRINCIPAL_NOT_FOUND"},
		{ErrNoActiveBinding, "NO_ACTIVE_BINDING"},
		{ErrBindingConflict, "BINDING_CONFLICT"},
		{ErrComponentNotPermitted, "COMPONENT_NOT_PERMITTED"},
		{ErrForbiddenKey, "FORBIDDEN_KEY_VIOLATION"},
		{ErrAttemptNotFound, "ATTEMPT_NOT_FOUND"},
		{ErrInvalidTransition, "INVALID_TRANSITION"},
		{ErrPrincipalMismatch, "PRINCIPAL_MISMATCH"},
		{ErrUnauthorized, "UNAUTHORIZED"},
		{ErrNotFound, "NOT_FOUND"},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.code, Code(tc.err))
	}
}

func TestCodeSurvivesWrapping(t *testing.T) {
	err := Wrap(ErrInvalidTransition, "attempt 42 is already READY")
	err = Wrapf(err, "report_ready")

	require.True(t, Is(err, ErrInvalidTransition))
	assert.Equal(t, "INVALID_TRANSITION", Code(err))
}

func TestCodeForUnknownError(t *testing.T) {
	assert.Equal(t, "INTERNAL", Code(New("disk on fire")))
}

func TestNewNotFoundError(t *testing.T) {
	err := NewNotFoundError("profile %q", "base")
	require.True(t, IsNotFoundError(err))
	assert.Contains(t, err.Error(), `profile "base"`)
}
