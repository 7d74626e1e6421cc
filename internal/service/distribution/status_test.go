package distribution

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/videocast-api/internal/model"
)

func TestMapStatus(t *testing.T) {
	tests := map[string]model.MessageStatus{
		"queued":    model.MessageQueued,
		"SENT":      model.MessageSent,
		"delivered": model.MessageDelivered,
		" Read ":    model.MessageDelivered,
		"rejected":  model.MessageError,
		"failed":    model.MessageError,
		"cancelled": model.MessageError,
	}
	for raw, want := range tests {
		got, ok := MapStatus(raw)
		assert.True(t, ok, raw)
		assert.Equal(t, want, got, raw)
	}

	for _, raw := range []string{"", "typing", "pending", "unknown"} {
		_, ok := MapStatus(raw)
		assert.False(t, ok, raw)
	}
}

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	for _, raw := range []string{
		"2024-03-01T12:30:00Z",
		"2024-03-01T14:30:00+02:00",
		"2024-03-01 12:30:00",
		"1709296200",
		"1709296200000",
	} {
		got := ParseTimestamp(raw)
		require.NotNil(t, got, raw)
		assert.True(t, want.Equal(*got), raw)
	}

	assert.Nil(t, ParseTimestamp(""))
	assert.Nil(t, ParseTimestamp("yesterday"))
	assert.Nil(t, ParseTimestamp("-5"))
}

func TestRenderMessage(t *testing.T) {
	link := "https://v.example.com/stream/t.mp4"

	assert.Equal(t,
		"Hi Ann, watch https://v.example.com/stream/t.mp4 (+1555)",
		RenderMessage("Hi {name}, watch {link} ({phone})", "Ann", "+1555", link))

	assert.Equal(t,
		"Hi Ann\n\n"+link,
		RenderMessage("Hi {name}\n", "Ann", "+1555", link))

	assert.Equal(t, link, RenderMessage("", "Ann", "+1555", link))
}
