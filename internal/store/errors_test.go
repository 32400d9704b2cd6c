package store

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNotFoundErrors(t *testing.T) {
	t.Parallel()

	assert.ErrorIs(t, ErrJobNotFound, ErrNotFound)
	assert.ErrorIs(t, fmt.Errorf("get task: %w", ErrTaskNotFound), ErrNotFound)
	assert.Equal(t, "job not found", ErrJobNotFound.Error())

	assert.False(t, errors.Is(ErrJobNotFound, ErrTaskNotFound))
	assert.False(t, errors.Is(ErrTaskNotFound, ErrJobNotFound))
	assert.False(t, errors.Is(ErrDuplicate, ErrNotFound))
}
