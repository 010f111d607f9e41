package errs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_WrapsUnderlyingError(t *testing.T) {
	// Arrange
	cause := errors.New("boom")

	// Act
	err := New(BadSchema, "pkg.Fn", cause)

	// Assert
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "pkg.Fn")
	assert.Contains(t, err.Error(), "BAD_SCHEMA")
}

func TestIs_MatchesKindThroughWrapping(t *testing.T) {
	// Arrange
	inner := New(NotEnoughData, "inner.Op", nil)
	outer := New(SerializationFailure, "outer.Op", inner)

	// Act & Assert
	assert.True(t, Is(outer, SerializationFailure))
	assert.True(t, Is(outer, NotEnoughData), "Is walks the wrapped *Error chain")
	assert.False(t, Is(outer, BadSchema))
	assert.True(t, Is(inner, NotEnoughData))
}

func TestIs_FalseForPlainError(t *testing.T) {
	// Arrange
	plain := errors.New("not one of ours")

	// Act & Assert
	assert.False(t, Is(plain, BadSchema))
	assert.False(t, Is(nil, BadSchema))
}
