package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBrokerFanOut(t *testing.T) {
	b := NewMemoryBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := b.Subscribe(ctx, "videocast.items")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "videocast.items", map[string]string{"status": "DONE"}))
	require.NoError(t, b.Publish(ctx, "other", map[string]string{"status": "ignored"}))

	select {
	case msg := <-ch:
		assert.JSONEq(t, `{"status":"DONE"}`, string(msg))
	case <-time.After(time.Second):
		t.Fatal("no message received")
	}
}

func TestMemoryBrokerClosed(t *testing.T) {
	b := NewMemoryBroker()
	require.NoError(t, b.Close())
	assert.Error(t, b.Publish(context.Background(), "x", 1))
}
