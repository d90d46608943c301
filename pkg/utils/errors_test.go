package utils

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError(t *testing.T) {
	t.Run("message with details", func(t *testing.T) {
		err := NewAppError(ErrCodeValidation, "Invalid site", "url is empty")
		assert.Equal(t, "VALIDATION_ERROR: Invalid site (url is empty)", err.Error())
		assert.NotEmpty(t, err.File)
	})

	t.Run("wrapped cause stays in chain", func(t *testing.T) {
		cause := errors.New("disk full")
		err := fmt.Errorf("saving: %w", WrapError(ErrCodeDatabase, "Failed to save", cause))

		require.ErrorIs(t, err, cause)
		assert.Equal(t, ErrCodeDatabase, ErrorCode(err))
	})

	t.Run("unknown error has no code", func(t *testing.T) {
		assert.Empty(t, ErrorCode(errors.New("plain")))
	})
}

func TestGenerateID(t *testing.T) {
	a, b := GenerateID(), GenerateID()
	assert.Len(t, a, 36)
	assert.NotEqual(t, a, b)
}
