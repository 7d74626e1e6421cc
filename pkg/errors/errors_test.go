package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppErrorWrapping(t *testing.T) {
	base := fmt.Errorf("row missing")
	err := fmt.Errorf("load item: %w", NewNotFound("item", base))

	assert.True(t, IsNotFound(err))
	assert.False(t, IsConflict(err))
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "load item: item not found: row missing", err.Error())
}

func TestCodeOfPlainError(t *testing.T) {
	assert.Equal(t, ErrInternal, CodeOf(fmt.Errorf("boom")))
	assert.Equal(t, ErrConflict, CodeOf(NewConflict("busy")))
	assert.Equal(t, ErrValidation, CodeOf(NewValidation("script is required")))
}
