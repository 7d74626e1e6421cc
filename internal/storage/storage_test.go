package storage

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/videocast-api/internal/config"
)

func TestPresignGetIsOffline(t *testing.T) {
	s, err := New(config.StorageConfig{
		Endpoint:   "localhost:9000",
		AccessKey:  "minio",
		SecretKey:  "minio123",
		Region:     "us-east-1",
		Bucket:     "composites",
		PresignTTL: time.Hour,
	})
	require.NoError(t, err)

	raw, err := s.PresignGet(context.Background(), "composites/item.mp4")
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "/composites/composites/item.mp4", u.Path)
	assert.Equal(t, "3600", u.Query().Get("X-Amz-Expires"))
	assert.NotEmpty(t, u.Query().Get("X-Amz-Signature"))
}

func TestNewDefaultsPresignTTL(t *testing.T) {
	s, err := New(config.StorageConfig{Endpoint: "localhost:9000", Bucket: "b", Region: "us-east-1"})
	require.NoError(t, err)
	assert.Equal(t, 7*24*time.Hour, s.presignTTL)
}
