package validator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type target struct {
	Recipient string `json:"recipient_address" validate:"notblank"`
	Script    string `json:"script" validate:"notblank,max=10"`
}

func TestValidateNotBlank(t *testing.T) {
	v := New()

	assert.NoError(t, v.Validate(target{Recipient: "62812", Script: "hi"}))

	err := v.Validate(target{Recipient: "   ", Script: "hi"})
	assert.EqualError(t, err, "recipient_address is required")

	err = v.Validate(target{Recipient: "62812", Script: "way too long script"})
	assert.EqualError(t, err, "script must not exceed 10 characters")
}
