package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseJobState(t *testing.T) {
	assert.Equal(t, JobDone, ParseJobState("DONE"))
	assert.Equal(t, JobDone, ParseJobState(" completed "))
	assert.Equal(t, JobFailed, ParseJobState("rejected"))
	assert.Equal(t, JobPending, ParseJobState("created"))
	assert.Equal(t, JobRunning, ParseJobState("started"))
}

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "bad persona", ErrorMessage(&StatusError{Provider: "avatar", Code: 400, Body: "bad persona"}))
	assert.Equal(t, "avatar returned status 502", ErrorMessage(&StatusError{Provider: "avatar", Code: 502}))
	assert.True(t, IsRejection(&StatusError{Code: 422}))
	assert.False(t, IsRejection(&StatusError{Code: 429}))
	assert.False(t, IsRejection(&StatusError{Code: 503}))
}

func TestExtractMessage(t *testing.T) {
	assert.Equal(t, "nested", extractMessage([]byte(`{"error":{"message":"nested"}}`)))
	assert.Equal(t, "flat", extractMessage([]byte(`{"error":"flat"}`)))
	assert.Equal(t, "plain text", extractMessage([]byte("plain text\n")))
}
